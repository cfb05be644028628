// Package dense holds the row-major float64 tensors and per-pixel masks that every
// other package passes around. Dense image fields are rank 4 and channel-last:
// (batch, height, width, channels).
package dense

import (
	"math"

	"github.com/pkg/errors"
)

// Tensor is a row-major n-dimensional array of float64.
type Tensor struct {
	Shape []int
	Data  []float64
}

// New allocates a zero tensor with the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, numElements(shape))}
}

// FromData wraps data with the given shape. The length of data must match the shape.
func FromData(data []float64, shape ...int) (*Tensor, error) {
	if n := numElements(shape); n != len(data) {
		return nil, errors.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// NewField allocates a (b, h, w, c) field.
func NewField(b, h, w, c int) *Tensor {
	return New(b, h, w, c)
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: append([]int(nil), t.Shape...), Data: append([]float64(nil), t.Data...)}
}

// ZerosLike returns a zero tensor with the same shape as t.
func ZerosLike(t *Tensor) *Tensor {
	return New(t.Shape...)
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float64) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// Dims returns (batch, height, width, channels) of a rank-4 field.
func (t *Tensor) Dims() (b, h, w, c int) {
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
}

// CheckField verifies that t is a rank-4 field with the given channel count.
func (t *Tensor) CheckField(channels int) error {
	if t == nil {
		return errors.New("field is nil")
	}
	if t.Rank() != 4 {
		return errors.Errorf("expected a (B,H,W,C) field, got shape %v", t.Shape)
	}
	if channels > 0 && t.Shape[3] != channels {
		return errors.Errorf("expected %d channels, got shape %v", channels, t.Shape)
	}
	return nil
}

// Index returns the flat offset of (b, y, x, c) in a rank-4 field.
func (t *Tensor) Index(b, y, x, c int) int {
	return ((b*t.Shape[1]+y)*t.Shape[2]+x)*t.Shape[3] + c
}

// At returns the element at (b, y, x, c).
func (t *Tensor) At(b, y, x, c int) float64 {
	return t.Data[t.Index(b, y, x, c)]
}

// Set stores v at (b, y, x, c).
func (t *Tensor) Set(b, y, x, c int, v float64) {
	t.Data[t.Index(b, y, x, c)] = v
}

// SameSpatial reports whether two fields share batch, height and width.
func SameSpatial(a, b *Tensor) bool {
	return a.Rank() == 4 && b.Rank() == 4 &&
		a.Shape[0] == b.Shape[0] && a.Shape[1] == b.Shape[1] && a.Shape[2] == b.Shape[2]
}

// SplitChannels splits a field along its channel axis into pieces of the given sizes.
// The sizes must add up to the channel count.
func (t *Tensor) SplitChannels(sizes ...int) ([]*Tensor, error) {
	if err := t.CheckField(0); err != nil {
		return nil, err
	}
	b, h, w, c := t.Dims()
	total := 0
	for _, s := range sizes {
		total += s
	}
	if total != c {
		return nil, errors.Errorf("split sizes %v do not add up to %d channels", sizes, c)
	}
	out := make([]*Tensor, len(sizes))
	for i, s := range sizes {
		out[i] = NewField(b, h, w, s)
	}
	pixels := b * h * w
	for p := 0; p < pixels; p++ {
		off := 0
		for i, s := range sizes {
			copy(out[i].Data[p*s:(p+1)*s], t.Data[p*c+off:p*c+off+s])
			off += s
		}
	}
	return out, nil
}

// ConcatChannels is the inverse of SplitChannels.
func ConcatChannels(parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("nothing to concatenate")
	}
	c := 0
	for _, p := range parts {
		if err := p.CheckField(0); err != nil {
			return nil, err
		}
		if !SameSpatial(parts[0], p) {
			return nil, errors.Errorf("cannot concatenate shapes %v and %v", parts[0].Shape, p.Shape)
		}
		c += p.Shape[3]
	}
	b, h, w, _ := parts[0].Dims()
	out := NewField(b, h, w, c)
	pixels := b * h * w
	for px := 0; px < pixels; px++ {
		off := 0
		for _, p := range parts {
			s := p.Shape[3]
			copy(out.Data[px*c+off:px*c+off+s], p.Data[px*s:(px+1)*s])
			off += s
		}
	}
	return out, nil
}

// AddInPlace accumulates s*o into t. Shapes must match.
func (t *Tensor) AddInPlace(o *Tensor, s float64) error {
	if len(t.Data) != len(o.Data) {
		return errors.Errorf("cannot add shape %v into %v", o.Shape, t.Shape)
	}
	for i, v := range o.Data {
		t.Data[i] += s * v
	}
	return nil
}

// HasNaN reports whether any element is NaN.
func (t *Tensor) HasNaN() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

// Float32 returns the elements converted to float32, the layout used for gomlx tensors.
func (t *Tensor) Float32() []float32 {
	out := make([]float32, len(t.Data))
	for i, v := range t.Data {
		out[i] = float32(v)
	}
	return out
}
