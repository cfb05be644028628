package model

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/Noofbiz/vodom/dense"
	"github.com/Noofbiz/vodom/geometry"
	"github.com/Noofbiz/vodom/loss"
	"github.com/Noofbiz/vodom/optim"
)

func randomInput(b, h, w, iters int) *Input {
	rng := rand.New(rand.NewSource(3))
	in := &Input{
		Image1:    dense.NewField(b, h, w, 3),
		Image2:    dense.NewField(b, h, w, 3),
		Depth1:    dense.NewField(b, h, w, 1),
		Depth2:    dense.NewField(b, h, w, 1),
		ValidMask: dense.NewMask(b, h, w, true),
		Iters:     iters,
		TrainMode: true,
	}
	for _, f := range []*dense.Tensor{in.Image1, in.Image2} {
		for i := range f.Data {
			f.Data[i] = rng.NormFloat64()
		}
	}
	for _, f := range []*dense.Tensor{in.Depth1, in.Depth2} {
		for i := range f.Data {
			f.Data[i] = 1 + 2*rng.Float64()
		}
	}
	for n := 0; n < b; n++ {
		in.Intrinsics = append(in.Intrinsics, geometry.Intrinsics{Fx: 3, Fy: 3, Cx: float64(w-1) / 2, Cy: float64(h-1) / 2})
		in.DepthScaleFactor = append(in.DepthScaleFactor, 1)
	}
	return in
}

func lossInputs(in *Input, out *Output) *loss.Inputs {
	b, h, w, _ := in.Image1.Dims()
	gt := dense.NewField(b, h, w, 3)
	for i := range gt.Data {
		gt.Data[i] = 0.1 * math.Sin(float64(i))
	}
	poses := make([]geometry.Pose, b)
	for n := range poses {
		poses[n] = geometry.FromTwist(r3.Vector{X: 0.02, Z: -0.01}, r3.Vector{X: 0.05, Y: float64(n) * 0.01, Z: 0.1})
	}
	return &loss.Inputs{
		Flow:       out.Flow,
		FlowRev:    out.FlowRev,
		Pose:       out.Pose,
		FlowGT:     gt,
		Depth1:     in.Depth1,
		Depth2:     in.Depth2,
		Intrinsics: in.Intrinsics,
		PoseGT:     poses,
		ValidMask:  in.ValidMask,
	}
}

func TestRegistry(t *testing.T) {
	test.That(t, Names(), test.ShouldContain, PixelMLPName)
	net, err := New(PixelMLPName, Config{Seed: 1})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, net.Params(), test.ShouldHaveLength, 8)
	_, err = New("raft3d", Config{})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPixelMLPForwardShapes(t *testing.T) {
	net, err := NewPixelMLP(Config{Seed: 1, Hidden: []int{8, 4}, Radius: 2})
	test.That(t, err, test.ShouldBeNil)
	in := randomInput(2, 3, 4, 3)
	in.Depth2.Set(1, 2, 3, 0, 0)

	out, err := net.Forward(context.Background(), in)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Flow, test.ShouldHaveLength, 3)
	test.That(t, out.FlowRev, test.ShouldHaveLength, 3)
	test.That(t, out.Flow[0].Shape, test.ShouldResemble, []int{2, 3, 4, 3})
	test.That(t, out.FlowRev[2].Shape, test.ShouldResemble, []int{2, 3, 4, 2})
	test.That(t, out.Pose.Slots(), test.ShouldEqual, 4)
	test.That(t, out.Pose.IsShared(), test.ShouldBeFalse)
	test.That(t, out.Valid.Count(), test.ShouldEqual, 23)
	test.That(t, out.Valid.Valid(1, 2, 3), test.ShouldBeFalse)
	for _, v := range out.FlowRev[0].Data {
		test.That(t, math.Abs(v), test.ShouldBeLessThanOrEqualTo, 2.0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = net.Forward(ctx, in)
	test.That(t, err, test.ShouldNotBeNil)

	in.Iters = 0
	_, err = net.Forward(context.Background(), in)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPixelMLPBackwardMatchesFiniteDifferences(t *testing.T) {
	net, err := NewPixelMLP(Config{Seed: 5, Hidden: []int{6}, PoseBias: 0.5, Radius: 3})
	test.That(t, err, test.ShouldBeNil)
	in := randomInput(2, 3, 3, 2)
	wt := loss.DefaultWeights()

	objective := func() float64 {
		out, err := net.Forward(context.Background(), in)
		test.That(t, err, test.ShouldBeNil)
		res, err := loss.Sequence(lossInputs(in, out), wt, loss.Train)
		test.That(t, err, test.ShouldBeNil)
		return res.Loss
	}

	out, err := net.Forward(context.Background(), in)
	test.That(t, err, test.ShouldBeNil)
	res, err := loss.Sequence(lossInputs(in, out), wt, loss.Train)
	test.That(t, err, test.ShouldBeNil)
	optim.ZeroGrad(net.Params())
	test.That(t, net.Backward(res.Grads), test.ShouldBeNil)

	params := map[string]*optim.Param{}
	for _, p := range net.Params() {
		params[p.Name] = p
	}
	const h = 1e-6
	for _, c := range []struct {
		name string
		idx  int
	}{
		{"layer0.weight", 7},
		{"layer0.bias", 2},
		{"layer1.weight", 11},
		{"layer1.bias", 2},
		{"pose.weight", 3},
		{"pose.bias", 1},
		{"pose.bias", 5},
		{"pose_cnn.bias", 0},
		{"pose_cnn.weight", 20},
	} {
		p := params[c.name]
		analytic := p.Grad[c.idx]
		orig := p.Data[c.idx]
		p.Data[c.idx] = orig + h
		plus := objective()
		p.Data[c.idx] = orig - h
		minus := objective()
		p.Data[c.idx] = orig
		fd := (plus - minus) / (2 * h)
		test.That(t, analytic, test.ShouldAlmostEqual, fd, 1e-4*math.Max(1, math.Abs(fd)))
	}
}

func TestPixelMLPBackwardNeedsForward(t *testing.T) {
	net, err := NewPixelMLP(Config{Seed: 1})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, net.Backward(&loss.Gradients{}), test.ShouldNotBeNil)

	_, err = net.Forward(context.Background(), randomInput(1, 2, 2, 2))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, net.Backward(&loss.Gradients{Flow: make([]*dense.Tensor, 1)}), test.ShouldNotBeNil)
}

func TestInputToGomlxTensors(t *testing.T) {
	in := randomInput(2, 3, 4, 1)
	ts, err := in.ToGomlxTensors()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ts, test.ShouldHaveLength, 6)
	test.That(t, ts[0].Shape().Dimensions, test.ShouldResemble, []int{2, 3, 4, 3})
	test.That(t, ts[2].Shape().Dimensions, test.ShouldResemble, []int{2, 3, 4, 1})
	test.That(t, ts[4].Shape().Dimensions, test.ShouldResemble, []int{2, 4})
	test.That(t, ts[5].Shape().Dimensions, test.ShouldResemble, []int{2, 3, 4, 1})

	in.Intrinsics = in.Intrinsics[:1]
	_, err = in.ToGomlxTensors()
	test.That(t, err, test.ShouldNotBeNil)
}
