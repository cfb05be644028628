// Package metrics computes the error statistics reported during training: relative pose
// errors, 3D scene-flow translation errors and 2D end-point errors.
package metrics

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/stat"

	"github.com/Noofbiz/vodom/dense"
	"github.com/Noofbiz/vodom/geometry"
)

// Record is a flat set of named scalar metrics for one batch.
type Record map[string]float64

// ValSuffix is appended to every key of a validation record.
const ValSuffix = "_val"

// Suffixed returns a copy of r with suffix appended to every key.
func (r Record) Suffixed(suffix string) Record {
	return lo.MapKeys(r, func(_ float64, k string) string { return k + suffix })
}

// Keys returns the metric names in sorted order.
func (r Record) Keys() []string {
	keys := lo.Keys(r)
	sort.Strings(keys)
	return keys
}

// PoseErrorGrad is the gradient of the mean translation error and of the mean rotation
// angle for one sample. Rotation is taken with respect to a right perturbation of the
// estimated rotation, R_est·Exp(δ).
type PoseErrorGrad struct {
	Translation r3.Vector
	Rotation    r3.Vector
}

// PoseError summarizes how far a batch of estimated relative poses is from ground truth.
type PoseError struct {
	TraME              float64 // mean translation error norm
	TraRMSE            float64
	RotME              float64 // mean rotation angle of R_gt⁻¹·R_est, radians
	RotAxisAngleModule float64 // RMSE of the axis-angle error vector
	Grads              []PoseErrorGrad
}

// PoseErrors compares est with gt sample by sample.
func PoseErrors(est, gt []geometry.Pose) (PoseError, error) {
	if len(est) != len(gt) {
		return PoseError{}, errors.Errorf("got %d estimated poses for %d ground truth poses", len(est), len(gt))
	}
	if len(est) == 0 {
		return PoseError{}, errors.New("no poses to compare")
	}
	n := float64(len(est))
	tra := make([]float64, len(est))
	rot := make([]float64, len(est))
	var traSq, rotSq float64
	grads := make([]PoseErrorGrad, len(est))
	for i := range est {
		dt := est[i].Translation.Sub(gt[i].Translation)
		tra[i] = dt.Norm()
		traSq += dt.Norm2()

		phi := geometry.LogRotation(quat.Mul(quat.Conj(gt[i].Rotation), est[i].Rotation))
		rot[i] = phi.Norm()
		rotSq += phi.Norm2()

		if tra[i] > 0 {
			grads[i].Translation = dt.Mul(1 / (tra[i] * n))
		}
		if rot[i] > 0 {
			grads[i].Rotation = phi.Mul(1 / (rot[i] * n))
		}
	}
	return PoseError{
		TraME:              stat.Mean(tra, nil),
		TraRMSE:            math.Sqrt(traSq / n),
		RotME:              stat.Mean(rot, nil),
		RotAxisAngleModule: math.Sqrt(rotSq / n),
		Grads:              grads,
	}, nil
}

// Flow3DTraErrors returns, per sample, the RMSE of the 3D scene-flow difference over
// valid pixels. A sample with no valid pixels yields NaN.
func Flow3DTraErrors(est, gt *dense.Tensor, mask *dense.Mask) ([]float64, error) {
	if err := est.CheckField(3); err != nil {
		return nil, errors.Wrap(err, "estimated scene flow")
	}
	if err := gt.CheckField(3); err != nil {
		return nil, errors.Wrap(err, "ground truth scene flow")
	}
	if !dense.SameSpatial(est, gt) || !mask.Matches(est) {
		return nil, errors.Errorf("scene flow shapes %v, %v and mask (%d,%d,%d) disagree",
			est.Shape, gt.Shape, mask.B, mask.H, mask.W)
	}
	b, h, w, _ := est.Dims()
	out := make([]float64, b)
	for n := 0; n < b; n++ {
		var sum float64
		count := 0
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				if !mask.Valid(n, y, x) {
					continue
				}
				for c := 0; c < 3; c++ {
					d := est.At(n, y, x, c) - gt.At(n, y, x, c)
					sum += d * d
				}
				count++
			}
		}
		out[n] = math.Sqrt(sum / float64(count))
	}
	return out, nil
}

// Flow3DAccuracy returns the fraction of samples whose scene-flow RMSE is below thr.
func Flow3DAccuracy(rmse []float64, thr float64) float64 {
	return FractionBelow(rmse, thr)
}

// EndPointError holds per-valid-pixel errors of the final estimate.
type EndPointError struct {
	Flow2D []float64 // Euclidean pixel error of the 2D flow
	Dz     []float64 // absolute error of the inverse depth change
}

// EndPointErrors collects 2D flow and depth-change errors over valid pixels.
func EndPointErrors(est2d, gt2d, estDz, gtDz *dense.Tensor, mask *dense.Mask) (EndPointError, error) {
	for name, f := range map[string]*dense.Tensor{"estimated flow": est2d, "ground truth flow": gt2d} {
		if err := f.CheckField(2); err != nil {
			return EndPointError{}, errors.Wrap(err, name)
		}
	}
	for name, f := range map[string]*dense.Tensor{"estimated dz": estDz, "ground truth dz": gtDz} {
		if err := f.CheckField(1); err != nil {
			return EndPointError{}, errors.Wrap(err, name)
		}
	}
	if !mask.Matches(est2d) || !mask.Matches(gt2d) || !mask.Matches(estDz) || !mask.Matches(gtDz) {
		return EndPointError{}, errors.New("end-point error inputs and mask differ in size")
	}
	out := EndPointError{
		Flow2D: make([]float64, 0, mask.Count()),
		Dz:     make([]float64, 0, mask.Count()),
	}
	for p, ok := range mask.Data {
		if !ok {
			continue
		}
		du := est2d.Data[2*p] - gt2d.Data[2*p]
		dv := est2d.Data[2*p+1] - gt2d.Data[2*p+1]
		out.Flow2D = append(out.Flow2D, math.Hypot(du, dv))
		out.Dz = append(out.Dz, math.Abs(estDz.Data[p]-gtDz.Data[p]))
	}
	return out, nil
}

// Mean is the arithmetic mean; an empty slice gives NaN.
func Mean(vals []float64) float64 {
	if len(vals) == 0 {
		return math.NaN()
	}
	return floats.Sum(vals) / float64(len(vals))
}

// FractionBelow returns the fraction of vals strictly below thr. NaN entries count as
// not below; an empty slice gives NaN.
func FractionBelow(vals []float64, thr float64) float64 {
	if len(vals) == 0 {
		return math.NaN()
	}
	return float64(lo.CountBy(vals, func(v float64) bool { return v < thr })) / float64(len(vals))
}
