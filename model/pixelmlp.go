package model

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/Noofbiz/vodom/dense"
	"github.com/Noofbiz/vodom/geometry"
	"github.com/Noofbiz/vodom/loss"
	"github.com/Noofbiz/vodom/optim"
)

// PixelMLPName is the registry name of the built-in network.
const PixelMLPName = "pixelmlp"

const (
	// rgb of both images, inverse depth of both frames, normalized x and y
	pixelFeatures = 10
	// flow u, v, dz and the reverse flow u, v
	flowOutputs = 5
	twistSize   = 6
)

func init() {
	Register(PixelMLPName, func(cfg Config) (Network, error) { return NewPixelMLP(cfg) })
}

type poseHead struct {
	weight *optim.Param // [6][hidden]
	bias   *optim.Param
}

// forwardCache keeps what Backward needs from the last Forward call.
type forwardCache struct {
	b, h, w, iters int
	acts           [][]float64 // acts[l] is the input of layer l for every pixel; acts[L] is the raw output
	pooled         []float64   // per sample mean of the last hidden layer
	twist, cnn     [][twistSize]float64
}

// PixelMLP is a small baseline network. A per-pixel MLP predicts the flow fields from
// the colors and inverse depths of both frames, and two linear heads over the
// image-averaged hidden features predict the refined and the CNN pose as twists.
// The same estimate is reported for every refinement iteration.
type PixelMLP struct {
	cfg Config

	// layerSizes includes input size, hidden sizes, then output size.
	layerSizes []int
	weights    []*optim.Param // weights[l] has shape [out][in] for layer l -> l+1
	biases     []*optim.Param
	pose       poseHead
	poseCNN    poseHead

	rng   *rand.Rand
	cache *forwardCache
}

// NewPixelMLP initializes the network with small random weights.
func NewPixelMLP(cfg Config) (*PixelMLP, error) {
	if len(cfg.Hidden) == 0 {
		cfg.Hidden = []int{32}
	}
	for _, h := range cfg.Hidden {
		if h <= 0 {
			return nil, errors.Errorf("hidden layer sizes must be positive, got %v", cfg.Hidden)
		}
	}
	if cfg.PoseBias <= 0 {
		cfg.PoseBias = 0.01
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	m := &PixelMLP{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}

	sizes := make([]int, 0, 2+len(cfg.Hidden))
	sizes = append(sizes, pixelFeatures)
	sizes = append(sizes, cfg.Hidden...)
	sizes = append(sizes, flowOutputs)
	m.layerSizes = sizes

	for l := 0; l < len(sizes)-1; l++ {
		w := optim.NewParam(fmt.Sprintf("layer%d.weight", l), sizes[l+1], sizes[l])
		m.xavier(w, sizes[l], sizes[l+1])
		m.weights = append(m.weights, w)
		m.biases = append(m.biases, optim.NewParam(fmt.Sprintf("layer%d.bias", l), sizes[l+1]))
	}
	hidden := cfg.Hidden[len(cfg.Hidden)-1]
	for _, h := range []struct {
		head *poseHead
		name string
	}{{&m.pose, "pose"}, {&m.poseCNN, "pose_cnn"}} {
		h.head.weight = optim.NewParam(h.name+".weight", twistSize, hidden)
		m.xavier(h.head.weight, hidden, twistSize)
		h.head.bias = optim.NewParam(h.name+".bias", twistSize)
	}
	return m, nil
}

// xavier fills p with the Glorot uniform heuristic, halved.
func (m *PixelMLP) xavier(p *optim.Param, in, out int) {
	limit := math.Sqrt(6.0 / float64(in+out))
	for i := range p.Data {
		p.Data[i] = (m.rng.Float64()*2.0 - 1.0) * limit * 0.5
	}
}

// Params returns every trainable parameter.
func (m *PixelMLP) Params() []*optim.Param {
	params := make([]*optim.Param, 0, 2*len(m.weights)+4)
	for l := range m.weights {
		params = append(params, m.weights[l], m.biases[l])
	}
	return append(params, m.pose.weight, m.pose.bias, m.poseCNN.weight, m.poseCNN.bias)
}

func invDepth(d float64) float64 {
	if d <= 0 {
		return 0
	}
	return 1 / d
}

func normCoord(x, n int) float64 {
	if n <= 1 {
		return 0
	}
	return 2*float64(x)/float64(n-1) - 1
}

// squash bounds a flow component to the correlation radius.
func (m *PixelMLP) squash(z float64) float64 {
	if m.cfg.Radius <= 0 {
		return z
	}
	r := float64(m.cfg.Radius)
	return r * math.Tanh(z/r)
}

func (m *PixelMLP) squashGrad(z float64) float64 {
	if m.cfg.Radius <= 0 {
		return 1
	}
	t := math.Tanh(z / float64(m.cfg.Radius))
	return 1 - t*t
}

// layer applies layer l to in, writing into out. Hidden layers use ReLU.
func (m *PixelMLP) layer(l int, in, out []float64) {
	w, b := m.weights[l].Data, m.biases[l].Data
	inDim := len(in)
	for j := range out {
		sum := b[j]
		row := w[j*inDim : (j+1)*inDim]
		for i, v := range in {
			sum += row[i] * v
		}
		if l < len(m.weights)-1 && sum < 0 {
			sum = 0
		}
		out[j] = sum
	}
}

func (h poseHead) apply(pooled []float64, scale float64) [twistSize]float64 {
	var z [twistSize]float64
	n := len(pooled)
	for j := range z {
		sum := h.bias.Data[j]
		for i, v := range pooled {
			sum += h.weight.Data[j*n+i] * v
		}
		z[j] = scale * sum
	}
	return z
}

func twistPose(z [twistSize]float64) geometry.Pose {
	return geometry.FromTwist(r3.Vector{X: z[0], Y: z[1], Z: z[2]}, r3.Vector{X: z[3], Y: z[4], Z: z[5]})
}

// Forward runs the network on one batch.
func (m *PixelMLP) Forward(ctx context.Context, in *Input) (*Output, error) {
	if err := in.Check(); err != nil {
		return nil, err
	}
	b, h, w, _ := in.Image1.Dims()
	pixels := b * h * w
	L := len(m.weights)
	c := &forwardCache{b: b, h: h, w: w, iters: in.Iters, acts: make([][]float64, L+1)}
	for l := range c.acts {
		c.acts[l] = make([]float64, pixels*m.layerSizes[l])
	}

	feats := c.acts[0]
	for n := 0; n < b; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				p := (n*h+y)*w + x
				f := feats[p*pixelFeatures : (p+1)*pixelFeatures]
				for k := 0; k < 3; k++ {
					f[k] = in.Image1.At(n, y, x, k)
					f[3+k] = in.Image2.At(n, y, x, k)
				}
				f[6] = invDepth(in.Depth1.At(n, y, x, 0))
				f[7] = invDepth(in.Depth2.At(n, y, x, 0))
				f[8] = normCoord(x, w)
				f[9] = normCoord(y, h)
			}
		}
	}
	for l := 0; l < L; l++ {
		inDim, outDim := m.layerSizes[l], m.layerSizes[l+1]
		for p := 0; p < pixels; p++ {
			m.layer(l, c.acts[l][p*inDim:(p+1)*inDim], c.acts[l+1][p*outDim:(p+1)*outDim])
		}
	}

	hidden := m.layerSizes[L-1]
	hw := float64(h * w)
	c.pooled = make([]float64, b*hidden)
	for p := 0; p < pixels; p++ {
		n := p / (h * w)
		for i := 0; i < hidden; i++ {
			c.pooled[n*hidden+i] += c.acts[L-1][p*hidden+i] / hw
		}
	}

	refined := make([]geometry.Pose, b)
	cnn := make([]geometry.Pose, b)
	c.twist = make([][twistSize]float64, b)
	c.cnn = make([][twistSize]float64, b)
	for n := 0; n < b; n++ {
		pooled := c.pooled[n*hidden : (n+1)*hidden]
		c.twist[n] = m.pose.apply(pooled, m.cfg.PoseBias)
		c.cnn[n] = m.poseCNN.apply(pooled, m.cfg.PoseBias)
		refined[n] = twistPose(c.twist[n])
		cnn[n] = twistPose(c.cnn[n])
	}

	flow := dense.NewField(b, h, w, 3)
	rev := dense.NewField(b, h, w, 2)
	raw := c.acts[L]
	for p := 0; p < pixels; p++ {
		o := raw[p*flowOutputs : (p+1)*flowOutputs]
		flow.Data[3*p] = m.squash(o[0])
		flow.Data[3*p+1] = m.squash(o[1])
		flow.Data[3*p+2] = o[2]
		rev.Data[2*p] = m.squash(o[3])
		rev.Data[2*p+1] = m.squash(o[4])
	}

	out := &Output{Valid: dense.NewMask(b, h, w, true)}
	slots := make([][]geometry.Pose, 0, in.Iters+1)
	for i := 0; i < in.Iters; i++ {
		out.Flow = append(out.Flow, flow.Clone())
		out.FlowRev = append(out.FlowRev, rev.Clone())
		slots = append(slots, append([]geometry.Pose(nil), refined...))
	}
	out.Pose = loss.PerIteration(append(slots, cnn))
	for p := 0; p < pixels; p++ {
		out.Valid.Data[p] = in.Depth1.Data[p] > 0 && in.Depth2.Data[p] > 0
	}
	m.cache = c
	return out, nil
}

// backwardHead accumulates the head gradients for twist z of one sample and adds the
// gradient with respect to the pooled features into dpool.
func (h poseHead) backward(z [twistSize]float64, gRot, gTra r3.Vector, pooled, dpool []float64, scale float64) {
	omega := r3.Vector{X: z[0], Y: z[1], Z: z[2]}
	gOmega := geometry.RightJacobianTranspose(omega, gRot)
	dz := [twistSize]float64{gOmega.X, gOmega.Y, gOmega.Z, gTra.X, gTra.Y, gTra.Z}
	n := len(pooled)
	for j, g := range dz {
		g *= scale
		h.bias.Grad[j] += g
		for i, v := range pooled {
			h.weight.Grad[j*n+i] += g * v
			dpool[i] += h.weight.Data[j*n+i] * g
		}
	}
}

// Backward accumulates parameter gradients for the last Forward call.
func (m *PixelMLP) Backward(grads *loss.Gradients) error {
	c := m.cache
	if c == nil {
		return errors.New("backward called before forward")
	}
	if grads == nil {
		return errors.New("no gradients")
	}
	if len(grads.Flow) != c.iters || len(grads.FlowRev) != c.iters || len(grads.Pose) != c.iters+1 {
		return errors.Errorf("gradients for %d/%d iterations and %d pose slots, expected %d iterations",
			len(grads.Flow), len(grads.FlowRev), len(grads.Pose), c.iters)
	}
	pixels := c.b * c.h * c.w
	L := len(m.weights)
	hidden := m.layerSizes[L-1]

	outGrad := make([]float64, pixels*flowOutputs)
	for i := 0; i < c.iters; i++ {
		if len(grads.Flow[i].Data) != 3*pixels || len(grads.FlowRev[i].Data) != 2*pixels {
			return errors.Errorf("gradient of iteration %d has the wrong size", i)
		}
		for p := 0; p < pixels; p++ {
			outGrad[p*flowOutputs] += grads.Flow[i].Data[3*p]
			outGrad[p*flowOutputs+1] += grads.Flow[i].Data[3*p+1]
			outGrad[p*flowOutputs+2] += grads.Flow[i].Data[3*p+2]
			outGrad[p*flowOutputs+3] += grads.FlowRev[i].Data[2*p]
			outGrad[p*flowOutputs+4] += grads.FlowRev[i].Data[2*p+1]
		}
	}
	raw := c.acts[L]
	for p := 0; p < pixels; p++ {
		for _, k := range []int{0, 1, 3, 4} {
			outGrad[p*flowOutputs+k] *= m.squashGrad(raw[p*flowOutputs+k])
		}
	}

	dpool := make([]float64, c.b*hidden)
	for n := 0; n < c.b; n++ {
		var gRot, gTra r3.Vector
		for s := 0; s < c.iters; s++ {
			if len(grads.Pose[s]) != c.b {
				return errors.Errorf("pose gradient slot %d has %d samples, expected %d", s, len(grads.Pose[s]), c.b)
			}
			gRot = gRot.Add(grads.Pose[s][n].Rotation)
			gTra = gTra.Add(grads.Pose[s][n].Translation)
		}
		pooled := c.pooled[n*hidden : (n+1)*hidden]
		m.pose.backward(c.twist[n], gRot, gTra, pooled, dpool[n*hidden:(n+1)*hidden], m.cfg.PoseBias)
		if len(grads.Pose[c.iters]) != c.b {
			return errors.New("CNN pose gradient has the wrong batch size")
		}
		cg := grads.Pose[c.iters][n]
		m.poseCNN.backward(c.cnn[n], cg.Rotation, cg.Translation, pooled, dpool[n*hidden:(n+1)*hidden], m.cfg.PoseBias)
	}

	hw := float64(c.h * c.w)
	for p := 0; p < pixels; p++ {
		n := p / (c.h * c.w)
		delta := outGrad[p*flowOutputs : (p+1)*flowOutputs]
		for l := L - 1; l >= 0; l-- {
			inDim := m.layerSizes[l]
			in := c.acts[l][p*inDim : (p+1)*inDim]
			w, gW, gB := m.weights[l].Data, m.weights[l].Grad, m.biases[l].Grad
			for j, d := range delta {
				gB[j] += d
				for i, v := range in {
					gW[j*inDim+i] += d * v
				}
			}
			if l == 0 {
				break
			}
			next := make([]float64, inDim)
			for i := range next {
				var sum float64
				for j, d := range delta {
					sum += w[j*inDim+i] * d
				}
				next[i] = sum
			}
			if l == L-1 {
				for i := range next {
					next[i] += dpool[n*hidden+i] / hw
				}
			}
			// ReLU: in holds the activations of the previous layer
			for i, v := range in {
				if v <= 0 {
					next[i] = 0
				}
			}
			delta = next
		}
	}
	return nil
}
