package datasets

import (
	"bufio"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"github.com/golang/geo/r3"

	"github.com/Noofbiz/vodom/dense"
	"github.com/Noofbiz/vodom/geometry"
)

// maxDepthMeters is the depth encoded by the largest 16-bit value.
const maxDepthMeters = 30.0

func parseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty string")
	}
	return strconv.ParseFloat(s, 64)
}

// readPoseFile reads camera-to-world poses in TUM format, one
// "timestamp tx ty tz qx qy qz qw" line per frame. Blank lines and lines starting
// with '#' are skipped.
func readPoseFile(path string) ([]geometry.Pose, error) {
	//nolint:gosec
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open pose file")
	}
	defer file.Close()

	var poses []geometry.Pose
	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 8 {
			return nil, errors.Errorf("%s:%d: expected 8 fields, got %d", path, line, len(fields))
		}
		var v [7]float64
		for i := range v {
			if v[i], err = parseFloat(fields[i+1]); err != nil {
				return nil, errors.Wrapf(err, "%s:%d: field %d", path, line, i+2)
			}
		}
		poses = append(poses, geometry.NewPose(
			quat.Number{Real: v[6], Imag: v[3], Jmag: v[4], Kmag: v[5]},
			r3.Vector{X: v[0], Y: v[1], Z: v[2]},
		))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read pose file")
	}
	return poses, nil
}

// countFrames counts the color frames of a scene level.
func countFrames(levelDir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(levelDir, "color", "*.png"))
	if err != nil {
		return 0, err
	}
	return len(matches), nil
}

func sceneDir(root string, scene, level int) string {
	return filepath.Join(root, padScene(scene), "level"+strconv.Itoa(level))
}

func padScene(scene int) string {
	s := strconv.Itoa(scene)
	if len(s) < 5 {
		s = strings.Repeat("0", 5-len(s)) + s
	}
	return s
}

func framePath(levelDir, kind string, frame int) string {
	s := strconv.Itoa(frame)
	if len(s) < 10 {
		s = strings.Repeat("0", 10-len(s)) + s
	}
	return filepath.Join(levelDir, kind, s+".png")
}

// colorField converts an image into a (1,H,W,3) field with values in [0, 255].
func colorField(img image.Image) *dense.Tensor {
	nrgba := imaging.Clone(img)
	b := nrgba.Bounds()
	w, h := b.Dx(), b.Dy()
	out := dense.NewField(1, h, w, 3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*nrgba.Stride + 4*x
			out.Set(0, y, x, 0, float64(nrgba.Pix[i]))
			out.Set(0, y, x, 1, float64(nrgba.Pix[i+1]))
			out.Set(0, y, x, 2, float64(nrgba.Pix[i+2]))
		}
	}
	return out
}

// depthField decodes a 16-bit depth image into a (1,H,W,1) field in meters, keeping
// every stride-th pixel.
func depthField(img image.Image, stride int) *dense.Tensor {
	b := img.Bounds()
	w, h := b.Dx()/stride, b.Dy()/stride
	out := dense.NewField(1, h, w, 1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := color.Gray16Model.Convert(img.At(b.Min.X+x*stride, b.Min.Y+y*stride)).(color.Gray16).Y
			out.Set(0, y, x, 0, float64(v)/65535*maxDepthMeters)
		}
	}
	return out
}
