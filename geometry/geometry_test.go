package geometry

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"

	"github.com/Noofbiz/vodom/dense"
)

func matricesAlmostEqual(t *testing.T, a, b [9]float64) {
	t.Helper()
	for i := range a {
		test.That(t, a[i], test.ShouldAlmostEqual, b[i], 1e-9)
	}
}

func TestEulerRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	cases := map[string]r3.Vector{
		"identity": {},
		"x90":      {X: math.Pi / 2},
		"y90":      {Y: math.Pi / 2},
		"z90":      {Z: math.Pi / 2},
		"y-90":     {Y: -math.Pi / 2},
	}
	for i := 0; i < 10; i++ {
		cases["random"+string(rune('a'+i))] = r3.Vector{X: rng.NormFloat64() * 0.1, Y: rng.NormFloat64() * 0.1, Z: rng.NormFloat64() * 0.1}
	}
	for name, omega := range cases {
		t.Run(name, func(t *testing.T) {
			pose := FromTwist(omega, r3.Vector{X: 1, Y: -2, Z: 3})
			m := pose.Matrix()
			in, err := dense.FromData(m[:], 1, 4, 4)
			test.That(t, err, test.ShouldBeNil)
			e, err := PoseToEuler(in)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, e.Shape, test.ShouldResemble, []int{1, 6})
			rot := RotationFromEuler(e.Data[0], e.Data[1], e.Data[2])
			matricesAlmostEqual(t, rot, RotationMatrix(pose.Rotation))
			test.That(t, e.Data[3], test.ShouldAlmostEqual, 1, 1e-12)
			test.That(t, e.Data[4], test.ShouldAlmostEqual, -2, 1e-12)
			test.That(t, e.Data[5], test.ShouldAlmostEqual, 3, 1e-12)
		})
	}
}

func TestPoseToEulerKeepsLeadingDims(t *testing.T) {
	poses := make([]Pose, 6)
	for i := range poses {
		poses[i] = FromTwist(r3.Vector{Z: 0.1 * float64(i)}, r3.Vector{X: float64(i)})
	}
	m := PosesToMatrices(poses)
	in, err := dense.FromData(m.Data, 2, 3, 4, 4)
	test.That(t, err, test.ShouldBeNil)
	out, err := PoseToEuler(in)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Shape, test.ShouldResemble, []int{2, 3, 6})
	test.That(t, out.Data[5*6+2], test.ShouldAlmostEqual, 0.5, 1e-12)
	test.That(t, out.Data[5*6+3], test.ShouldAlmostEqual, 5, 1e-12)

	_, err = PoseToEuler(dense.New(2, 3, 4))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = PoseToEuler(dense.New(4))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPoseAlgebra(t *testing.T) {
	a := FromTwist(r3.Vector{X: 0.3, Y: -0.2, Z: 0.1}, r3.Vector{X: 1, Y: 2, Z: 3})
	b := FromTwist(r3.Vector{Z: 1.2}, r3.Vector{X: -1})
	p := r3.Vector{X: 0.5, Y: 0.25, Z: 2}

	got := a.Compose(b).Apply(p)
	want := a.Apply(b.Apply(p))
	test.That(t, got.Distance(want), test.ShouldBeLessThan, 1e-12)

	back := a.Inverse().Apply(a.Apply(p))
	test.That(t, back.Distance(p), test.ShouldBeLessThan, 1e-12)

	fromM, err := PoseFromMatrix(a.Matrix())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fromM.Apply(p).Distance(a.Apply(p)), test.ShouldBeLessThan, 1e-12)

	bad := a.Matrix()
	bad[15] = 2
	_, err = PoseFromMatrix(bad)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLogExpWrap(t *testing.T) {
	omega := r3.Vector{X: 0, Y: 0, Z: math.Pi - 1e-6}
	test.That(t, LogRotation(ExpRotation(omega)).Distance(omega), test.ShouldBeLessThan, 1e-9)

	// Past pi the log wraps to the short way round.
	over := LogRotation(ExpRotation(r3.Vector{Z: math.Pi + 0.1}))
	test.That(t, over.Norm(), test.ShouldAlmostEqual, math.Pi-0.1, 1e-9)
	test.That(t, over.Z, test.ShouldBeLessThan, 0)

	test.That(t, LogRotation(ExpRotation(r3.Vector{})).Norm(), test.ShouldEqual, 0.0)
}

func TestRightJacobianTranspose(t *testing.T) {
	omega := r3.Vector{X: 0.4, Y: -0.3, Z: 0.8}
	d := r3.Vector{X: 1e-6, Y: -2e-6, Z: 0.5e-6}
	lhs := LogRotation(quat.Mul(quat.Conj(ExpRotation(omega)), ExpRotation(omega.Add(d))))
	g := r3.Vector{X: 0.7, Y: 0.1, Z: -0.4}
	// <g, Jr d> must equal <Jr^T g, d>.
	test.That(t, g.Dot(lhs), test.ShouldAlmostEqual, RightJacobianTranspose(omega, g).Dot(d), 1e-10)
}

func TestBackprojectZeroFlow(t *testing.T) {
	depth := dense.NewField(1, 3, 4, 1)
	for i := range depth.Data {
		depth.Data[i] = 1 + float64(i)*0.1
	}
	flow := dense.NewField(1, 3, 4, 2)
	out, err := BackprojectFlow3D(flow, depth, depth.Clone(), []Intrinsics{{Fx: 2, Fy: 2, Cx: 1.5, Cy: 1}})
	test.That(t, err, test.ShouldBeNil)
	for _, v := range out.Data {
		test.That(t, v, test.ShouldAlmostEqual, 0, 1e-12)
	}
}

func TestBackprojectTranslation(t *testing.T) {
	in := Intrinsics{Fx: 1, Fy: 1, Cx: 1, Cy: 1}
	depth1 := dense.NewField(1, 3, 3, 1)
	depth1.Fill(2)
	depth2 := depth1.Clone()
	flow := dense.NewField(1, 3, 3, 2)
	// centre pixel moves one pixel right at constant depth 2: X moves by 2.
	flow.Set(0, 1, 1, 0, 1)
	out, err := BackprojectFlow3D(flow, depth1, depth2, []Intrinsics{in})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.At(0, 1, 1, 0), test.ShouldAlmostEqual, 2, 1e-12)
	test.That(t, out.At(0, 1, 1, 1), test.ShouldAlmostEqual, 0, 1e-12)

	// flowing out of the image is undefined, not an error.
	flow.Set(0, 1, 1, 0, 5)
	out, err = BackprojectFlow3D(flow, depth1, depth2, []Intrinsics{in})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, math.IsNaN(out.At(0, 1, 1, 0)), test.ShouldBeTrue)

	_, err = BackprojectFlow3D(flow, depth1, depth2, nil)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = BackprojectFlow3D(dense.NewField(1, 3, 3, 3), depth1, depth2, []Intrinsics{in})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestIntrinsicsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intrinsics.json")
	test.That(t, os.WriteFile(path, []byte(`{"fx": 190.68, "fy": 190.68, "ppx": 160, "ppy": 160}`), 0o600), test.ShouldBeNil)
	in, err := LoadIntrinsicsJSON(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, in.Scaled(2).Cx, test.ShouldEqual, 80.0)

	test.That(t, os.WriteFile(path, []byte(`{"fx": 0, "fy": 1}`), 0o600), test.ShouldBeNil)
	_, err = LoadIntrinsicsJSON(path)
	test.That(t, err, test.ShouldNotBeNil)
}
