package optim

import (
	"math"

	"github.com/pkg/errors"
)

// LRSetter is anything whose learning rate a schedule can drive.
type LRSetter interface {
	SetLR(lr float64)
}

// OneCycleConfig configures a one-cycle schedule with cosine annealing.
type OneCycleConfig struct {
	MaxLR          float64
	TotalSteps     int
	PctStart       float64
	DivFactor      float64
	FinalDivFactor float64
}

// DefaultOneCycleConfig returns the schedule used for training.
func DefaultOneCycleConfig(maxLR float64, totalSteps int) OneCycleConfig {
	return OneCycleConfig{MaxLR: maxLR, TotalSteps: totalSteps, PctStart: 0.001, DivFactor: 25, FinalDivFactor: 1e4}
}

// OneCycle warms the learning rate up from MaxLR/DivFactor to MaxLR over the first
// PctStart of the steps and then anneals it down to MaxLR/(DivFactor*FinalDivFactor).
// Stepping past TotalSteps keeps the final rate.
type OneCycle struct {
	cfg     OneCycleConfig
	opt     LRSetter
	stepNum int
}

// OneCycleState is the serialisable state of a OneCycle schedule.
type OneCycleState struct {
	StepNum    int
	MaxLR      float64
	TotalSteps int
}

// NewOneCycle creates the schedule and sets the initial learning rate on opt.
func NewOneCycle(opt LRSetter, cfg OneCycleConfig) (*OneCycle, error) {
	if cfg.TotalSteps <= 0 {
		return nil, errors.Errorf("total steps must be positive, got %d", cfg.TotalSteps)
	}
	if cfg.PctStart <= 0 || cfg.PctStart >= 1 {
		return nil, errors.Errorf("pct_start must be in (0, 1), got %v", cfg.PctStart)
	}
	if cfg.MaxLR <= 0 || cfg.DivFactor <= 0 || cfg.FinalDivFactor <= 0 {
		return nil, errors.New("learning rate and division factors must be positive")
	}
	s := &OneCycle{cfg: cfg, opt: opt}
	s.apply()
	return s, nil
}

func cosineAnneal(start, end, pct float64) float64 {
	return end + (start-end)/2*(math.Cos(math.Pi*pct)+1)
}

// LR returns the learning rate for the current step.
func (s *OneCycle) LR() float64 {
	initial := s.cfg.MaxLR / s.cfg.DivFactor
	final := initial / s.cfg.FinalDivFactor
	warmEnd := s.cfg.PctStart*float64(s.cfg.TotalSteps) - 1
	lastStep := float64(s.cfg.TotalSteps - 1)

	step := math.Min(float64(s.stepNum), lastStep)
	if step <= warmEnd {
		return cosineAnneal(initial, s.cfg.MaxLR, phasePct(step, 0, warmEnd))
	}
	return cosineAnneal(s.cfg.MaxLR, final, phasePct(step, warmEnd, lastStep))
}

func phasePct(step, start, end float64) float64 {
	if end <= start {
		return 1
	}
	return (step - start) / (end - start)
}

func (s *OneCycle) apply() {
	if s.opt != nil {
		s.opt.SetLR(s.LR())
	}
}

// Step advances the schedule by one optimizer step.
func (s *OneCycle) Step() {
	s.stepNum++
	s.apply()
}

// State exports the step counter and schedule bounds.
func (s *OneCycle) State() OneCycleState {
	return OneCycleState{StepNum: s.stepNum, MaxLR: s.cfg.MaxLR, TotalSteps: s.cfg.TotalSteps}
}

// LoadState restores a state exported by State and updates the optimizer's rate.
func (s *OneCycle) LoadState(st OneCycleState) error {
	if st.TotalSteps <= 0 || st.MaxLR <= 0 {
		return errors.Errorf("invalid schedule state %+v", st)
	}
	s.stepNum = st.StepNum
	s.cfg.MaxLR = st.MaxLR
	s.cfg.TotalSteps = st.TotalSteps
	s.apply()
	return nil
}
