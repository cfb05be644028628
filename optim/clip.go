package optim

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ClipConfig configures QuantileClip.
type ClipConfig struct {
	Quantile      float64
	HistoryLength int
	// Global clips the norm of all gradients together instead of each parameter on its own.
	Global bool
}

// DefaultClipConfig returns the clipper settings used for training.
func DefaultClipConfig() ClipConfig {
	return ClipConfig{Quantile: 0.9, HistoryLength: 1000}
}

// QuantileClip clips gradient norms to a quantile of their own recent history.
type QuantileClip struct {
	cfg     ClipConfig
	params  []*Param
	history map[string][]float64
}

// ClipState is the serialisable norm history of a QuantileClip.
type ClipState struct {
	History map[string][]float64
}

// globalKey holds the history of the combined norm in global mode.
const globalKey = "*"

// NewQuantileClip creates a clipper over params.
func NewQuantileClip(params []*Param, cfg ClipConfig) (*QuantileClip, error) {
	if err := checkNames(params); err != nil {
		return nil, err
	}
	if cfg.Quantile <= 0 || cfg.Quantile > 1 {
		return nil, errors.Errorf("quantile must be in (0, 1], got %v", cfg.Quantile)
	}
	if cfg.HistoryLength <= 0 {
		return nil, errors.Errorf("history length must be positive, got %d", cfg.HistoryLength)
	}
	return &QuantileClip{cfg: cfg, params: params, history: map[string][]float64{}}, nil
}

// record appends norm to the history under key and returns the clipping threshold.
func (c *QuantileClip) record(key string, norm float64) float64 {
	h := append(c.history[key], norm)
	if len(h) > c.cfg.HistoryLength {
		h = h[len(h)-c.cfg.HistoryLength:]
	}
	c.history[key] = h
	sorted := append([]float64(nil), h...)
	sort.Float64s(sorted)
	return stat.Quantile(c.cfg.Quantile, stat.LinInterp, sorted, nil)
}

func scaleToNorm(grad []float64, norm, threshold float64) {
	if norm <= threshold {
		return
	}
	floats.Scale(threshold/(norm+1e-6), grad)
}

// Step records the current gradient norms and clips gradients whose norm exceeds the
// configured quantile of the history. Non-finite norms are neither recorded nor clipped.
func (c *QuantileClip) Step() {
	if c.cfg.Global {
		var sq float64
		for _, p := range c.params {
			n := floats.Norm(p.Grad, 2)
			sq += n * n
		}
		norm := math.Sqrt(sq)
		if math.IsNaN(norm) || math.IsInf(norm, 0) {
			return
		}
		thr := c.record(globalKey, norm)
		for _, p := range c.params {
			scaleToNorm(p.Grad, norm, thr)
		}
		return
	}
	for _, p := range c.params {
		norm := floats.Norm(p.Grad, 2)
		if math.IsNaN(norm) || math.IsInf(norm, 0) {
			continue
		}
		scaleToNorm(p.Grad, norm, c.record(p.Name, norm))
	}
}

// State exports the norm history.
func (c *QuantileClip) State() ClipState {
	s := ClipState{History: map[string][]float64{}}
	for k, h := range c.history {
		s.History[k] = append([]float64(nil), h...)
	}
	return s
}

// LoadState restores a history exported by State. Histories of unknown parameters are
// dropped and overly long histories are truncated to the newest entries.
func (c *QuantileClip) LoadState(s ClipState) {
	known := map[string]bool{globalKey: true}
	for _, p := range c.params {
		known[p.Name] = true
	}
	c.history = map[string][]float64{}
	for k, h := range s.History {
		if !known[k] {
			continue
		}
		if len(h) > c.cfg.HistoryLength {
			h = h[len(h)-c.cfg.HistoryLength:]
		}
		c.history[k] = append([]float64(nil), h...)
	}
}
