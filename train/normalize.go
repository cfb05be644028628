package train

import (
	"github.com/pkg/errors"

	"github.com/Noofbiz/vodom/dense"
)

var (
	imageMean = [3]float64{0.485, 0.456, 0.406}
	imageStd  = [3]float64{0.229, 0.224, 0.225}
)

// NormalizeImage maps a (B,H,W,3) image in [0, 255] to zero-mean unit-variance
// channels using the ImageNet statistics. The input is not modified.
func NormalizeImage(img *dense.Tensor) (*dense.Tensor, error) {
	if err := img.CheckField(3); err != nil {
		return nil, errors.Wrap(err, "normalize image")
	}
	out := img.Clone()
	for i, v := range out.Data {
		c := i % 3
		out.Data[i] = (v/255 - imageMean[c]) / imageStd[c]
	}
	return out, nil
}
