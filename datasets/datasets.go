// Package datasets loads pairs of consecutive RGB-D frames together with their ground
// truth and groups them into batches for training.
//
// Datasets use lazy loading: they index the frames on disk when constructed and only
// decode the images of a pair when it is requested, so a loader can decode the pairs of
// one batch concurrently.
package datasets

import (
	"github.com/Noofbiz/vodom/dense"
	"github.com/Noofbiz/vodom/geometry"
)

// Sample is one frame pair. Every field has a leading batch dimension of 1.
type Sample struct {
	Image1, Image2   *dense.Tensor // color in [0, 255], (1,H,W,3)
	Depth1, Depth2   *dense.Tensor // meters, (1,H,W,1)
	Intrinsics       geometry.Intrinsics
	FlowGT           *dense.Tensor // (du, dv, d(1/z)), (1,H,W,3)
	ValidMask        *dense.Mask
	PoseGT           geometry.Pose // maps frame 1 camera coordinates into frame 2
	DepthScaleFactor float64
}

// Dataset is an indexable collection of frame pairs. Example must be safe to call
// from multiple goroutines.
type Dataset interface {
	Len() int
	Example(i int) (*Sample, error)
	Name() string
}
