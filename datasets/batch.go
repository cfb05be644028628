package datasets

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/Noofbiz/vodom/dense"
	"github.com/Noofbiz/vodom/geometry"
)

// Batch stacks the samples of one step along the leading dimension.
type Batch struct {
	Image1, Image2   *dense.Tensor // (B,H,W,3)
	Depth1, Depth2   *dense.Tensor // (B,H,W,1)
	Intrinsics       []geometry.Intrinsics
	FlowGT           *dense.Tensor // (B,H,W,3)
	ValidMask        *dense.Mask
	PoseGT           []geometry.Pose
	DepthScaleFactor []float64
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.PoseGT)
}

// Collate stacks samples of identical size into a batch.
func Collate(samples []*Sample) (*Batch, error) {
	if len(samples) == 0 {
		return nil, errors.New("cannot collate an empty batch")
	}
	first := samples[0]
	for i, s := range samples {
		if s == nil {
			return nil, errors.Errorf("sample %d is nil", i)
		}
		if !dense.SameSpatial(s.Image1, first.Image1) {
			return nil, errors.Errorf("sample %d has shape %v, sample 0 has %v", i, s.Image1.Shape, first.Image1.Shape)
		}
	}
	_, h, w, _ := first.Image1.Dims()
	n := len(samples)

	stack := func(get func(*Sample) *dense.Tensor, c int) *dense.Tensor {
		out := dense.NewField(n, h, w, c)
		step := h * w * c
		for i, s := range samples {
			copy(out.Data[i*step:(i+1)*step], get(s).Data)
		}
		return out
	}
	mask := dense.NewMask(n, h, w, false)
	for i, s := range samples {
		copy(mask.Data[i*h*w:(i+1)*h*w], s.ValidMask.Data)
	}

	return &Batch{
		Image1:           stack(func(s *Sample) *dense.Tensor { return s.Image1 }, 3),
		Image2:           stack(func(s *Sample) *dense.Tensor { return s.Image2 }, 3),
		Depth1:           stack(func(s *Sample) *dense.Tensor { return s.Depth1 }, 1),
		Depth2:           stack(func(s *Sample) *dense.Tensor { return s.Depth2 }, 1),
		FlowGT:           stack(func(s *Sample) *dense.Tensor { return s.FlowGT }, 3),
		ValidMask:        mask,
		Intrinsics:       lo.Map(samples, func(s *Sample, _ int) geometry.Intrinsics { return s.Intrinsics }),
		PoseGT:           lo.Map(samples, func(s *Sample, _ int) geometry.Pose { return s.PoseGT }),
		DepthScaleFactor: lo.Map(samples, func(s *Sample, _ int) float64 { return s.DepthScaleFactor }),
	}, nil
}

// ToGomlxTensors converts the batch to float32 gomlx tensors. Inputs are image1, image2,
// depth1, depth2 and intrinsics (B,4); labels are the ground-truth flow, the valid mask
// (B,H,W,1) and the ground-truth poses as (B,4,4) matrices.
func (b *Batch) ToGomlxTensors() (inputs, labels []*tensors.Tensor) {
	n, h, w, _ := b.Image1.Dims()
	intr := make([]float32, 0, 4*n)
	for _, k := range b.Intrinsics {
		v := k.Vector()
		intr = append(intr, float32(v[0]), float32(v[1]), float32(v[2]), float32(v[3]))
	}
	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(b.Image1.Float32(), b.Image1.Shape...),
		tensors.FromFlatDataAndDimensions(b.Image2.Float32(), b.Image2.Shape...),
		tensors.FromFlatDataAndDimensions(b.Depth1.Float32(), b.Depth1.Shape...),
		tensors.FromFlatDataAndDimensions(b.Depth2.Float32(), b.Depth2.Shape...),
		tensors.FromFlatDataAndDimensions(intr, n, 4),
	}
	poses := geometry.PosesToMatrices(b.PoseGT)
	labels = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(b.FlowGT.Float32(), b.FlowGT.Shape...),
		tensors.FromFlatDataAndDimensions(b.ValidMask.Float32(), n, h, w, 1),
		tensors.FromFlatDataAndDimensions(poses.Float32(), poses.Shape...),
	}
	return inputs, labels
}
