package geometry

import (
	"encoding/json"
	"math"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/Noofbiz/vodom/dense"
)

// ErrNoIntrinsics is returned when intrinsics are missing or unusable.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// Intrinsics holds the pinhole parameters used for both frames of a pair.
type Intrinsics struct {
	Fx float64 `json:"fx"`
	Fy float64 `json:"fy"`
	Cx float64 `json:"ppx"`
	Cy float64 `json:"ppy"`
}

// CheckValid checks that the focal lengths are positive and the principal point is not negative.
func (in Intrinsics) CheckValid() error {
	if in.Fx <= 0 || in.Fy <= 0 {
		return errors.Wrapf(ErrNoIntrinsics, "invalid focal length (%v, %v)", in.Fx, in.Fy)
	}
	if in.Cx < 0 || in.Cy < 0 {
		return errors.Wrapf(ErrNoIntrinsics, "invalid principal point (%v, %v)", in.Cx, in.Cy)
	}
	return nil
}

// Scaled returns the intrinsics of an image downsampled by factor.
func (in Intrinsics) Scaled(factor float64) Intrinsics {
	return Intrinsics{Fx: in.Fx / factor, Fy: in.Fy / factor, Cx: in.Cx / factor, Cy: in.Cy / factor}
}

// Vector returns [fx, fy, cx, cy].
func (in Intrinsics) Vector() [4]float64 {
	return [4]float64{in.Fx, in.Fy, in.Cx, in.Cy}
}

// PixelToPoint unprojects pixel (x, y) at depth z.
func (in Intrinsics) PixelToPoint(x, y, z float64) r3.Vector {
	return r3.Vector{X: (x - in.Cx) / in.Fx * z, Y: (y - in.Cy) / in.Fy * z, Z: z}
}

// PointToPixel projects a camera-space point. Points with z == 0 project to NaN.
func (in Intrinsics) PointToPixel(p r3.Vector) (float64, float64) {
	if p.Z == 0 {
		return math.NaN(), math.NaN()
	}
	return p.X/p.Z*in.Fx + in.Cx, p.Y/p.Z*in.Fy + in.Cy
}

// LoadIntrinsicsJSON reads intrinsics from a JSON file with fx, fy, ppx and ppy keys.
func LoadIntrinsicsJSON(path string) (Intrinsics, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return Intrinsics{}, errors.Wrap(err, "error opening intrinsics file")
	}
	var in Intrinsics
	if err := json.Unmarshal(data, &in); err != nil {
		return Intrinsics{}, errors.Wrap(err, "error parsing intrinsics JSON")
	}
	return in, in.CheckValid()
}

// BackprojectFlow3D lifts 2D flow into 3D scene flow. Every source pixel (x, y) is
// unprojected with depth1, the displaced pixel (x+u, y+v) is unprojected with depth2
// sampled bilinearly at that location, and the output is their difference.
// Destinations outside the image give NaN and zero depths give degenerate points;
// callers mask those pixels out.
func BackprojectFlow3D(flow2d, depth1, depth2 *dense.Tensor, intrinsics []Intrinsics) (*dense.Tensor, error) {
	if err := flow2d.CheckField(2); err != nil {
		return nil, errors.Wrap(err, "flow2d")
	}
	if err := depth1.CheckField(1); err != nil {
		return nil, errors.Wrap(err, "depth1")
	}
	if err := depth2.CheckField(1); err != nil {
		return nil, errors.Wrap(err, "depth2")
	}
	if !dense.SameSpatial(flow2d, depth1) || !dense.SameSpatial(flow2d, depth2) {
		return nil, errors.Errorf("flow %v and depths %v, %v differ in size", flow2d.Shape, depth1.Shape, depth2.Shape)
	}
	b, h, w, _ := flow2d.Dims()
	if len(intrinsics) != b {
		return nil, errors.Errorf("got %d intrinsics for a batch of %d", len(intrinsics), b)
	}
	out := dense.NewField(b, h, w, 3)
	for n := 0; n < b; n++ {
		in := intrinsics[n]
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				x1 := float64(x) + flow2d.At(n, y, x, 0)
				y1 := float64(y) + flow2d.At(n, y, x, 1)
				p0 := in.PixelToPoint(float64(x), float64(y), depth1.At(n, y, x, 0))
				p1 := in.PixelToPoint(x1, y1, SampleBilinear(depth2, n, x1, y1))
				d := p1.Sub(p0)
				out.Set(n, y, x, 0, d.X)
				out.Set(n, y, x, 1, d.Y)
				out.Set(n, y, x, 2, d.Z)
			}
		}
	}
	return out, nil
}

// SampleBilinear reads channel 0 of field f in sample n at a sub-pixel location.
// Locations outside the pixel grid return NaN.
func SampleBilinear(f *dense.Tensor, n int, x, y float64) float64 {
	_, h, w, _ := f.Dims()
	if math.IsNaN(x) || math.IsNaN(y) || x < 0 || y < 0 || x > float64(w-1) || y > float64(h-1) {
		return math.NaN()
	}
	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	x1, y1 := min(x0+1, w-1), min(y0+1, h-1)
	ax, ay := x-float64(x0), y-float64(y0)
	top := (1-ax)*f.At(n, y0, x0, 0) + ax*f.At(n, y0, x1, 0)
	bot := (1-ax)*f.At(n, y1, x0, 0) + ax*f.At(n, y1, x1, 0)
	return (1-ay)*top + ay*bot
}
