package dense

import "github.com/pkg/errors"

// Mask marks valid pixels of a (B,H,W) grid. It broadcasts over the channel axis of
// any field with the same spatial dimensions.
type Mask struct {
	B, H, W int
	Data    []bool
}

// NewMask returns a mask with every pixel set to valid.
func NewMask(b, h, w int, valid bool) *Mask {
	m := &Mask{B: b, H: h, W: w, Data: make([]bool, b*h*w)}
	if valid {
		for i := range m.Data {
			m.Data[i] = true
		}
	}
	return m
}

// Clone returns a deep copy.
func (m *Mask) Clone() *Mask {
	return &Mask{B: m.B, H: m.H, W: m.W, Data: append([]bool(nil), m.Data...)}
}

// Index returns the flat pixel offset of (b, y, x).
func (m *Mask) Index(b, y, x int) int {
	return (b*m.H+y)*m.W + x
}

// Valid reports whether (b, y, x) is valid.
func (m *Mask) Valid(b, y, x int) bool {
	return m.Data[m.Index(b, y, x)]
}

// Set marks (b, y, x).
func (m *Mask) Set(b, y, x int, v bool) {
	m.Data[m.Index(b, y, x)] = v
}

// Count returns the number of valid pixels.
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Data {
		if v {
			n++
		}
	}
	return n
}

// CountSample returns the number of valid pixels in sample b.
func (m *Mask) CountSample(b int) int {
	n := 0
	for _, v := range m.Data[b*m.H*m.W : (b+1)*m.H*m.W] {
		if v {
			n++
		}
	}
	return n
}

// Matches reports whether the mask covers the spatial dimensions of field t.
func (m *Mask) Matches(t *Tensor) bool {
	return t.Rank() == 4 && t.Shape[0] == m.B && t.Shape[1] == m.H && t.Shape[2] == m.W
}

// And refines m in place with o, keeping only pixels valid in both.
func (m *Mask) And(o *Mask) error {
	if o == nil {
		return nil
	}
	if m.B != o.B || m.H != o.H || m.W != o.W {
		return errors.Errorf("mask shapes differ: (%d,%d,%d) vs (%d,%d,%d)", m.B, m.H, m.W, o.B, o.H, o.W)
	}
	for i, v := range o.Data {
		m.Data[i] = m.Data[i] && v
	}
	return nil
}

// Float32 returns the mask as 1 for valid and 0 for invalid pixels.
func (m *Mask) Float32() []float32 {
	out := make([]float32, len(m.Data))
	for i, v := range m.Data {
		if v {
			out[i] = 1
		}
	}
	return out
}
