// Package model defines the contract between the trainer and an odometry network and
// keeps a registry of the networks that can be selected by name.
package model

import (
	"context"
	"sort"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/Noofbiz/vodom/dense"
	"github.com/Noofbiz/vodom/geometry"
	"github.com/Noofbiz/vodom/loss"
	"github.com/Noofbiz/vodom/optim"
)

// Input is everything a network receives for one batch.
type Input struct {
	Image1, Image2   *dense.Tensor // normalized color, (B,H,W,3)
	Depth1, Depth2   *dense.Tensor // metric depth, (B,H,W,1)
	Intrinsics       []geometry.Intrinsics
	ValidMask        *dense.Mask
	Iters            int
	TrainMode        bool
	DepthScaleFactor []float64
	ItersICP         int
	ICPMethod        string
}

// Check validates that every field of the input describes the same batch.
func (in *Input) Check() error {
	if err := in.Image1.CheckField(3); err != nil {
		return errors.Wrap(err, "image1")
	}
	if err := in.Image2.CheckField(3); err != nil {
		return errors.Wrap(err, "image2")
	}
	for name, f := range map[string]*dense.Tensor{"depth1": in.Depth1, "depth2": in.Depth2} {
		if err := f.CheckField(1); err != nil {
			return errors.Wrap(err, name)
		}
		if !dense.SameSpatial(in.Image1, f) {
			return errors.Errorf("%s has shape %v, image1 has %v", name, f.Shape, in.Image1.Shape)
		}
	}
	if !dense.SameSpatial(in.Image1, in.Image2) {
		return errors.Errorf("image shapes %v and %v differ", in.Image1.Shape, in.Image2.Shape)
	}
	b := in.Image1.Shape[0]
	if len(in.Intrinsics) != b {
		return errors.Errorf("got %d intrinsics for a batch of %d", len(in.Intrinsics), b)
	}
	if in.ValidMask == nil || !in.ValidMask.Matches(in.Image1) {
		return errors.New("valid mask does not cover the images")
	}
	if in.Iters < 1 {
		return errors.Errorf("iters must be at least 1, got %d", in.Iters)
	}
	return nil
}

// ToGomlxTensors exports the dense inputs as float32 gomlx tensors in the order
// image1, image2, depth1, depth2, intrinsics (B,4), valid mask (B,H,W,1).
func (in *Input) ToGomlxTensors() ([]*tensors.Tensor, error) {
	if err := in.Check(); err != nil {
		return nil, err
	}
	b, h, w, _ := in.Image1.Dims()
	intr := make([]float32, 0, 4*b)
	for _, k := range in.Intrinsics {
		v := k.Vector()
		intr = append(intr, float32(v[0]), float32(v[1]), float32(v[2]), float32(v[3]))
	}
	return []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(in.Image1.Float32(), in.Image1.Shape...),
		tensors.FromFlatDataAndDimensions(in.Image2.Float32(), in.Image2.Shape...),
		tensors.FromFlatDataAndDimensions(in.Depth1.Float32(), in.Depth1.Shape...),
		tensors.FromFlatDataAndDimensions(in.Depth2.Float32(), in.Depth2.Shape...),
		tensors.FromFlatDataAndDimensions(intr, b, 4),
		tensors.FromFlatDataAndDimensions(in.ValidMask.Float32(), b, h, w, 1),
	}, nil
}

// Output is what a network returns for one batch.
type Output struct {
	Flow    []*dense.Tensor // per iteration, (B,H,W,3)
	FlowRev []*dense.Tensor // per iteration, (B,H,W,2)
	Pose    loss.PoseEstimate
	Valid   *dense.Mask
}

// Network is a differentiable odometry model. Backward consumes the loss gradients of
// the most recent Forward call and accumulates parameter gradients.
type Network interface {
	Forward(ctx context.Context, in *Input) (*Output, error)
	Backward(grads *loss.Gradients) error
	Params() []*optim.Param
}

// Config are the options shared by every network constructor.
type Config struct {
	Seed     int64
	Hidden   []int
	PoseBias float64
	Radius   int
}

// Factory builds a network from its configuration.
type Factory func(cfg Config) (Network, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a network available under name. It panics on a duplicate name.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		panic("model: network registered twice: " + name)
	}
	registry[name] = f
}

// New builds the network registered under name.
func New(name string, cfg Config) (Network, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown network %q, have %v", name, Names())
	}
	return f(cfg)
}

// Names lists the registered networks.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := lo.Keys(registry)
	sort.Strings(names)
	return names
}
