// Package loss implements the supervision of the odometry network: the Charbonnier
// penalty and the discounted multi-iteration sequence loss with its metrics.
package loss

import (
	"math"

	"github.com/Noofbiz/vodom/dense"
)

// CharbonnierEps is the smoothing constant of the Charbonnier penalty.
const CharbonnierEps = 1e-3

// Charbonnier is the smooth L1 penalty sqrt((x-y)² + ε²) - ε. It is exactly zero when
// x == y and approaches |x-y| far from zero.
func Charbonnier(x, y float64) float64 {
	d := x - y
	// rewritten to avoid cancellation near zero
	return d * d / (math.Sqrt(d*d+CharbonnierEps*CharbonnierEps) + CharbonnierEps)
}

// CharbonnierGrad is the derivative of Charbonnier with respect to x.
func CharbonnierGrad(x, y float64) float64 {
	d := x - y
	return d / math.Sqrt(d*d+CharbonnierEps*CharbonnierEps)
}

// maskedNonzeroMean applies the Charbonnier penalty elementwise between est and gt and
// averages it over the entries of valid pixels whose penalty is not zero. If every valid
// entry matches exactly the mean is 0. With no valid pixels it is NaN and the gradient
// is all zeros. The returned gradient is d(mean)/d(est).
func maskedNonzeroMean(est, gt *dense.Tensor, mask *dense.Mask) (float64, *dense.Tensor) {
	c := est.Shape[3]
	grad := dense.ZerosLike(est)
	var sum float64
	nonzero, valid := 0, 0
	for p, ok := range mask.Data {
		if !ok {
			continue
		}
		for k := p * c; k < (p+1)*c; k++ {
			valid++
			l := Charbonnier(est.Data[k], gt.Data[k])
			if l == 0 {
				continue
			}
			sum += l
			nonzero++
			grad.Data[k] = CharbonnierGrad(est.Data[k], gt.Data[k])
		}
	}
	switch {
	case valid == 0:
		return math.NaN(), dense.ZerosLike(est)
	case nonzero == 0:
		return 0, grad
	}
	inv := 1 / float64(nonzero)
	for i := range grad.Data {
		grad.Data[i] *= inv
	}
	return sum * inv, grad
}
