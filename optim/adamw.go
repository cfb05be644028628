package optim

import (
	"math"

	"github.com/pkg/errors"
)

// AdamWConfig are the AdamW hyperparameters.
type AdamWConfig struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
}

// DefaultAdamWConfig returns the settings used for training with learning rate lr.
func DefaultAdamWConfig(lr float64) AdamWConfig {
	return AdamWConfig{LR: lr, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, WeightDecay: 1e-5}
}

// AdamW is Adam with decoupled weight decay.
type AdamW struct {
	cfg    AdamWConfig
	params []*Param
	m, v   map[string][]float64
	step   int
}

// AdamWState is the serialisable state of an AdamW optimizer.
type AdamWState struct {
	Step int
	LR   float64
	M, V map[string][]float64
}

// NewAdamW creates an optimizer over params.
func NewAdamW(params []*Param, cfg AdamWConfig) (*AdamW, error) {
	if err := checkNames(params); err != nil {
		return nil, err
	}
	if cfg.LR <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %v", cfg.LR)
	}
	o := &AdamW{cfg: cfg, params: params, m: map[string][]float64{}, v: map[string][]float64{}}
	for _, p := range params {
		o.m[p.Name] = make([]float64, len(p.Data))
		o.v[p.Name] = make([]float64, len(p.Data))
	}
	return o, nil
}

// LR returns the current learning rate.
func (o *AdamW) LR() float64 { return o.cfg.LR }

// SetLR changes the learning rate used by the next Step.
func (o *AdamW) SetLR(lr float64) { o.cfg.LR = lr }

// Step applies one update using the gradients currently stored in the parameters.
func (o *AdamW) Step() {
	o.step++
	c1 := 1 - math.Pow(o.cfg.Beta1, float64(o.step))
	c2 := 1 - math.Pow(o.cfg.Beta2, float64(o.step))
	for _, p := range o.params {
		m, v := o.m[p.Name], o.v[p.Name]
		for i, g := range p.Grad {
			p.Data[i] -= o.cfg.LR * o.cfg.WeightDecay * p.Data[i]
			m[i] = o.cfg.Beta1*m[i] + (1-o.cfg.Beta1)*g
			v[i] = o.cfg.Beta2*v[i] + (1-o.cfg.Beta2)*g*g
			p.Data[i] -= o.cfg.LR * (m[i] / c1) / (math.Sqrt(v[i]/c2) + o.cfg.Eps)
		}
	}
}

// State exports the moment estimates and step count.
func (o *AdamW) State() AdamWState {
	s := AdamWState{Step: o.step, LR: o.cfg.LR, M: map[string][]float64{}, V: map[string][]float64{}}
	for k, m := range o.m {
		s.M[k] = append([]float64(nil), m...)
		s.V[k] = append([]float64(nil), o.v[k]...)
	}
	return s
}

// LoadState restores a state exported by State.
func (o *AdamW) LoadState(s AdamWState) error {
	for _, p := range o.params {
		m, okM := s.M[p.Name]
		v, okV := s.V[p.Name]
		if !okM || !okV {
			return errors.Errorf("optimizer state has no moments for parameter %q", p.Name)
		}
		if len(m) != len(p.Data) || len(v) != len(p.Data) {
			return errors.Errorf("optimizer state for %q has the wrong size", p.Name)
		}
		copy(o.m[p.Name], m)
		copy(o.v[p.Name], v)
	}
	o.step = s.Step
	o.cfg.LR = s.LR
	return nil
}
