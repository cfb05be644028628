// Package geometry implements the rigid-body and camera geometry used to supervise the
// odometry network: poses, Euler and axis-angle conversions, pinhole intrinsics and the
// backprojection of 2D flow into 3D scene flow.
package geometry

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transform. Applied to a point p it gives R*p + t.
type Pose struct {
	Rotation    quat.Number
	Translation r3.Vector
}

// Identity returns the identity transform.
func Identity() Pose {
	return Pose{Rotation: quat.Number{Real: 1}}
}

// NewPose builds a pose from a rotation quaternion (normalized here) and a translation.
func NewPose(q quat.Number, t r3.Vector) Pose {
	return Pose{Rotation: normalizeQuat(q), Translation: t}
}

// FromTwist builds a pose from an axis-angle rotation vector and a translation.
func FromTwist(omega, t r3.Vector) Pose {
	return Pose{Rotation: ExpRotation(omega), Translation: t}
}

func normalizeQuat(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// Apply transforms a point.
func (p Pose) Apply(v r3.Vector) r3.Vector {
	return rotate(p.Rotation, v).Add(p.Translation)
}

// Compose returns p∘o, the transform that applies o first and then p.
func (p Pose) Compose(o Pose) Pose {
	return Pose{
		Rotation:    normalizeQuat(quat.Mul(p.Rotation, o.Rotation)),
		Translation: rotate(p.Rotation, o.Translation).Add(p.Translation),
	}
}

// Inverse returns the inverse transform.
func (p Pose) Inverse() Pose {
	qi := quat.Conj(p.Rotation)
	return Pose{Rotation: qi, Translation: rotate(qi, p.Translation).Mul(-1)}
}

func rotate(q quat.Number, v r3.Vector) r3.Vector {
	r := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// Matrix returns the 4x4 homogeneous matrix, row-major.
func (p Pose) Matrix() [16]float64 {
	r := RotationMatrix(p.Rotation)
	return [16]float64{
		r[0], r[1], r[2], p.Translation.X,
		r[3], r[4], r[5], p.Translation.Y,
		r[6], r[7], r[8], p.Translation.Z,
		0, 0, 0, 1,
	}
}

// PoseFromMatrix reads a row-major 4x4 homogeneous matrix.
func PoseFromMatrix(m [16]float64) (Pose, error) {
	const tol = 1e-6
	if math.Abs(m[12]) > tol || math.Abs(m[13]) > tol || math.Abs(m[14]) > tol || math.Abs(m[15]-1) > tol {
		return Pose{}, errors.Errorf("not a homogeneous transform, last row is %v", m[12:])
	}
	r := [9]float64{m[0], m[1], m[2], m[4], m[5], m[6], m[8], m[9], m[10]}
	return Pose{
		Rotation:    QuatFromRotationMatrix(r),
		Translation: r3.Vector{X: m[3], Y: m[7], Z: m[11]},
	}, nil
}

// RotationMatrix converts a unit quaternion into a row-major 3x3 rotation matrix.
func RotationMatrix(q quat.Number) [9]float64 {
	q = normalizeQuat(q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return [9]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}
}

// QuatFromRotationMatrix converts a row-major rotation matrix to a unit quaternion
// with a non-negative real part.
func QuatFromRotationMatrix(r [9]float64) quat.Number {
	var q quat.Number
	trace := r[0] + r[4] + r[8]
	switch {
	case trace > 0:
		s := math.Sqrt(trace+1) * 2
		q = quat.Number{Real: s / 4, Imag: (r[7] - r[5]) / s, Jmag: (r[2] - r[6]) / s, Kmag: (r[3] - r[1]) / s}
	case r[0] > r[4] && r[0] > r[8]:
		s := math.Sqrt(1+r[0]-r[4]-r[8]) * 2
		q = quat.Number{Real: (r[7] - r[5]) / s, Imag: s / 4, Jmag: (r[1] + r[3]) / s, Kmag: (r[2] + r[6]) / s}
	case r[4] > r[8]:
		s := math.Sqrt(1+r[4]-r[0]-r[8]) * 2
		q = quat.Number{Real: (r[2] - r[6]) / s, Imag: (r[1] + r[3]) / s, Jmag: s / 4, Kmag: (r[5] + r[7]) / s}
	default:
		s := math.Sqrt(1+r[8]-r[0]-r[4]) * 2
		q = quat.Number{Real: (r[3] - r[1]) / s, Imag: (r[2] + r[6]) / s, Jmag: (r[5] + r[7]) / s, Kmag: s / 4}
	}
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return normalizeQuat(q)
}

// LogRotation returns the axis-angle vector of q. Its norm is the rotation angle,
// always in [0, pi], so errors near ±pi do not jump.
func LogRotation(q quat.Number) r3.Vector {
	q = normalizeQuat(q)
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	v := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	s := v.Norm()
	if s < 1e-12 {
		// first order: theta*axis ≈ 2*v
		return v.Mul(2)
	}
	theta := 2 * math.Atan2(s, q.Real)
	return v.Mul(theta / s)
}

// ExpRotation is the inverse of LogRotation.
func ExpRotation(omega r3.Vector) quat.Number {
	theta := omega.Norm()
	if theta < 1e-12 {
		return normalizeQuat(quat.Number{Real: 1, Imag: omega.X / 2, Jmag: omega.Y / 2, Kmag: omega.Z / 2})
	}
	s := math.Sin(theta/2) / theta
	return quat.Number{Real: math.Cos(theta / 2), Imag: omega.X * s, Jmag: omega.Y * s, Kmag: omega.Z * s}
}

// RightJacobianTranspose applies Jr(omega)^T to g, where Jr is the right Jacobian of
// SO(3): R(omega+d) ≈ R(omega)·Exp(Jr(omega)·d).
func RightJacobianTranspose(omega, g r3.Vector) r3.Vector {
	theta := omega.Norm()
	if theta < 1e-9 {
		return g.Add(omega.Cross(g).Mul(0.5))
	}
	t2 := theta * theta
	a := (1 - math.Cos(theta)) / t2
	b := (theta - math.Sin(theta)) / (t2 * theta)
	wg := omega.Cross(g)
	return g.Add(wg.Mul(a)).Add(omega.Cross(wg).Mul(b))
}
