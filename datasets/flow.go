package datasets

import (
	"math"

	"github.com/pkg/errors"

	"github.com/Noofbiz/vodom/dense"
	"github.com/Noofbiz/vodom/geometry"
)

// OcclusionTolerance is the relative depth disagreement above which a projected pixel
// is considered occluded in the second frame.
const OcclusionTolerance = 0.1

// SynthesizeFlow derives the ground-truth flow of sample n from the depth of both frames
// and the relative pose. Every pixel of frame 1 is unprojected with depth1, moved by pose
// and projected into frame 2. The flow holds the pixel displacement and the change of
// inverse depth. A pixel is valid when both depths are positive, the projection lands
// inside the image, and depth2 at the destination agrees with the moved point.
// Invalid pixels get zero flow.
func SynthesizeFlow(depth1, depth2 *dense.Tensor, n int, k geometry.Intrinsics, pose geometry.Pose) (*dense.Tensor, *dense.Mask, error) {
	if err := depth1.CheckField(1); err != nil {
		return nil, nil, errors.Wrap(err, "depth1")
	}
	if err := depth2.CheckField(1); err != nil {
		return nil, nil, errors.Wrap(err, "depth2")
	}
	if !dense.SameSpatial(depth1, depth2) {
		return nil, nil, errors.Errorf("depth shapes %v and %v differ", depth1.Shape, depth2.Shape)
	}
	b, h, w, _ := depth1.Dims()
	if n < 0 || n >= b {
		return nil, nil, errors.Errorf("sample %d out of range [0, %d)", n, b)
	}
	if err := k.CheckValid(); err != nil {
		return nil, nil, err
	}

	flow := dense.NewField(1, h, w, 3)
	mask := dense.NewMask(1, h, w, false)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			z1 := depth1.At(n, y, x, 0)
			if !(z1 > 0) {
				continue
			}
			q := pose.Apply(k.PixelToPoint(float64(x), float64(y), z1))
			if !(q.Z > 0) {
				continue
			}
			u, v := k.PointToPixel(q)
			u, v = snapToGrid(u, float64(w-1)), snapToGrid(v, float64(h-1))
			z2 := geometry.SampleBilinear(depth2, n, u, v)
			if math.IsNaN(z2) || !(z2 > 0) || math.Abs(z2-q.Z) > OcclusionTolerance*q.Z {
				continue
			}
			flow.Set(0, y, x, 0, u-float64(x))
			flow.Set(0, y, x, 1, v-float64(y))
			flow.Set(0, y, x, 2, 1/q.Z-1/z1)
			mask.Set(0, y, x, true)
		}
	}
	return flow, mask, nil
}

// snapToGrid pulls coordinates that miss the image border by rounding error back onto it.
func snapToGrid(c, hi float64) float64 {
	const eps = 1e-9
	switch {
	case c < 0 && c > -eps:
		return 0
	case c > hi && c < hi+eps:
		return hi
	}
	return c
}
