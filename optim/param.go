// Package optim holds trainable parameters and the optimisation stack used by the
// trainer: AdamW, a one-cycle learning-rate schedule and quantile gradient clipping.
// Every component can export and restore its state for checkpoints.
package optim

import (
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Param is a named, flat block of trainable values with its gradient.
type Param struct {
	Name  string
	Shape []int
	Data  []float64
	Grad  []float64
}

// NewParam allocates a zero parameter of the given shape.
func NewParam(name string, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Param{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  make([]float64, n),
		Grad:  make([]float64, n),
	}
}

// ZeroGrad clears the gradients of params.
func ZeroGrad(params []*Param) {
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// checkNames rejects parameter sets whose names are not unique, since state is keyed by name.
func checkNames(params []*Param) error {
	names := lo.Map(params, func(p *Param, _ int) string { return p.Name })
	if dup := lo.FindDuplicates(names); len(dup) > 0 {
		return errors.Errorf("duplicate parameter names %v", dup)
	}
	return nil
}

// Snapshot copies parameter values keyed by name.
func Snapshot(params []*Param) map[string][]float64 {
	return lo.SliceToMap(params, func(p *Param) (string, []float64) {
		return p.Name, append([]float64(nil), p.Data...)
	})
}

// Restore copies values saved by Snapshot back into params. Every parameter must be
// present with a matching size.
func Restore(params []*Param, values map[string][]float64) error {
	for _, p := range params {
		v, ok := values[p.Name]
		if !ok {
			return errors.Errorf("no saved values for parameter %q", p.Name)
		}
		if len(v) != len(p.Data) {
			return errors.Errorf("parameter %q has %d values, saved state has %d", p.Name, len(p.Data), len(v))
		}
		copy(p.Data, v)
	}
	return nil
}
