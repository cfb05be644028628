package geometry

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/Noofbiz/vodom/dense"
)

// gimbalEps is the |cos(pitch)| below which roll and yaw are no longer separable.
const gimbalEps = 1e-9

// EulerFromRotation decomposes a row-major rotation matrix as Rz(yaw)·Ry(pitch)·Rx(roll)
// and returns (roll, pitch, yaw). At gimbal lock roll is set to zero and the whole
// rotation about the vertical axis is reported as yaw.
func EulerFromRotation(r [9]float64) (roll, pitch, yaw float64) {
	sp := math.Max(-1, math.Min(1, -r[6]))
	pitch = math.Asin(sp)
	if math.Sqrt(r[7]*r[7]+r[8]*r[8]) > gimbalEps {
		roll = math.Atan2(r[7], r[8])
		yaw = math.Atan2(r[3], r[0])
		return roll, pitch, yaw
	}
	return 0, pitch, math.Atan2(-r[1], r[4])
}

// RotationFromEuler composes Rz(yaw)·Ry(pitch)·Rx(roll) into a row-major matrix.
func RotationFromEuler(roll, pitch, yaw float64) [9]float64 {
	cr, sr := math.Cos(roll), math.Sin(roll)
	cp, sp := math.Cos(pitch), math.Sin(pitch)
	cy, sy := math.Cos(yaw), math.Sin(yaw)
	rx := mat.NewDense(3, 3, []float64{1, 0, 0, 0, cr, -sr, 0, sr, cr})
	ry := mat.NewDense(3, 3, []float64{cp, 0, sp, 0, 1, 0, -sp, 0, cp})
	rz := mat.NewDense(3, 3, []float64{cy, -sy, 0, sy, cy, 0, 0, 0, 1})
	var zy, zyx mat.Dense
	zy.Mul(rz, ry)
	zyx.Mul(&zy, rx)
	var out [9]float64
	copy(out[:], zyx.RawMatrix().Data)
	return out
}

// PoseToEuler converts a tensor of 4x4 homogeneous matrices with arbitrary leading
// dimensions (..., 4, 4) into (..., 6) vectors (roll, pitch, yaw, tx, ty, tz).
func PoseToEuler(t *dense.Tensor) (*dense.Tensor, error) {
	if t == nil {
		return nil, errors.New("pose tensor is nil")
	}
	r := t.Rank()
	if r < 2 || t.Shape[r-2] != 4 || t.Shape[r-1] != 4 {
		return nil, errors.Errorf("expected trailing dimensions 4x4, got shape %v", t.Shape)
	}
	lead := t.Shape[:r-2]
	n := 1
	for _, d := range lead {
		n *= d
	}
	out := dense.New(append(append([]int(nil), lead...), 6)...)
	for i := 0; i < n; i++ {
		m := t.Data[i*16 : (i+1)*16]
		roll, pitch, yaw := EulerFromRotation([9]float64{m[0], m[1], m[2], m[4], m[5], m[6], m[8], m[9], m[10]})
		copy(out.Data[i*6:(i+1)*6], []float64{roll, pitch, yaw, m[3], m[7], m[11]})
	}
	return out, nil
}

// PosesToMatrices stacks poses into a (len(poses), 4, 4) tensor.
func PosesToMatrices(poses []Pose) *dense.Tensor {
	out := dense.New(len(poses), 4, 4)
	for i, p := range poses {
		m := p.Matrix()
		copy(out.Data[i*16:(i+1)*16], m[:])
	}
	return out
}
