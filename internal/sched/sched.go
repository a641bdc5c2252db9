// Package sched provides the training-time schedules: learning-rate
// schedules as pure functions of the step, and the linear warm-up
// scheduler used for loss coefficients.
package sched

import (
	"fmt"
	"math"
	"strings"
)

// LinearScheduler ramps a coefficient linearly from 0 to its final value
// over a warm-up period, then holds it.
type LinearScheduler struct {
	warmUpSteps  int
	finalValue   float64
	currentStep  int
	currentValue float64
}

func NewLinearScheduler(warmUpSteps int, finalValue float64) *LinearScheduler {
	s := &LinearScheduler{warmUpSteps: warmUpSteps, finalValue: finalValue}
	if warmUpSteps == 0 {
		s.currentValue = finalValue
	}
	return s
}

// Value returns the current coefficient.
func (s *LinearScheduler) Value() float64 { return s.currentValue }

// Step advances the schedule by one training step.
func (s *LinearScheduler) Step() {
	if s.currentStep < s.warmUpSteps {
		s.currentValue = s.finalValue * float64(1+s.currentStep) / float64(s.warmUpSteps)
	} else {
		s.currentValue = s.finalValue
	}
	s.currentStep++
}

// LinearSchedulerState is the serializable state of a LinearScheduler.
type LinearSchedulerState struct {
	WarmUpSteps  int     `cbor:"warm_up_steps"`
	FinalValue   float64 `cbor:"final_value"`
	CurrentStep  int     `cbor:"current_step"`
	CurrentValue float64 `cbor:"current_value"`
}

func (s *LinearScheduler) State() LinearSchedulerState {
	return LinearSchedulerState{
		WarmUpSteps:  s.warmUpSteps,
		FinalValue:   s.finalValue,
		CurrentStep:  s.currentStep,
		CurrentValue: s.currentValue,
	}
}

func (s *LinearScheduler) LoadState(state LinearSchedulerState) {
	s.warmUpSteps = state.WarmUpSteps
	s.finalValue = state.FinalValue
	s.currentStep = state.CurrentStep
	s.currentValue = state.CurrentValue
}

// LR schedule shapes.
const (
	ScheduleConstant           = "constant"
	ScheduleCosine             = "cosineannealing"
	ScheduleCosineWarmRestarts = "cosineannealingwarmrestarts"
)

// LRSchedule is a learning-rate schedule: an optional linear warm-up, a
// main phase, and an optional linear decay to zero at the end of training.
type LRSchedule struct {
	name          string
	trainingSteps int
	lr            float64
	warmUpSteps   int
	decaySteps    int
	lrEnd         float64
	numCycles     int
}

// NewLRSchedule validates and builds a schedule. The decay phase starts
// from lrEnd, so a non-constant schedule with decay needs lrEnd > 0.
func NewLRSchedule(name string, trainingSteps int, lr float64, warmUpSteps, decaySteps int, lrEnd float64, numCycles int) (*LRSchedule, error) {
	name = strings.ToLower(name)
	switch name {
	case ScheduleConstant, ScheduleCosine, ScheduleCosineWarmRestarts:
	default:
		return nil, fmt.Errorf("sched: unsupported schedule %q", name)
	}
	if trainingSteps <= 0 {
		return nil, fmt.Errorf("sched: non-positive training steps %d", trainingSteps)
	}
	if warmUpSteps+decaySteps >= trainingSteps {
		return nil, fmt.Errorf("sched: warm-up %d plus decay %d leave no main phase in %d steps",
			warmUpSteps, decaySteps, trainingSteps)
	}
	if name == ScheduleConstant {
		// Constant ignores lrEnd; decay starts from lr itself
		lrEnd = lr
	} else if decaySteps > 0 && lrEnd == 0 {
		return nil, fmt.Errorf("sched: decay with lr_end=0 would decay from 0 to 0")
	}
	if name == ScheduleCosineWarmRestarts && numCycles <= 0 {
		return nil, fmt.Errorf("sched: warm restarts need a positive cycle count, got %d", numCycles)
	}
	return &LRSchedule{
		name:          name,
		trainingSteps: trainingSteps,
		lr:            lr,
		warmUpSteps:   warmUpSteps,
		decaySteps:    decaySteps,
		lrEnd:         lrEnd,
		numCycles:     numCycles,
	}, nil
}

// LR returns the learning rate at a zero-based step. Steps past the end
// of training stay at zero when a decay phase exists, otherwise at the
// main phase's final value.
func (s *LRSchedule) LR(step int) float64 {
	if step < s.warmUpSteps {
		return s.lr * float64(step+1) / float64(s.warmUpSteps)
	}

	mainSteps := s.trainingSteps - s.warmUpSteps - s.decaySteps
	mainStep := step - s.warmUpSteps
	if mainStep < mainSteps {
		return s.mainLR(mainStep, mainSteps)
	}

	if s.decaySteps == 0 {
		return s.mainLR(mainSteps-1, mainSteps)
	}
	decayStep := step - s.warmUpSteps - mainSteps
	if decayStep >= s.decaySteps {
		return 0
	}
	frac := 1 - float64(decayStep+1)/float64(s.decaySteps)
	return s.lrEnd * frac
}

func (s *LRSchedule) mainLR(step, total int) float64 {
	switch s.name {
	case ScheduleConstant:
		return s.lr
	case ScheduleCosine:
		return cosineLR(s.lr, s.lrEnd, step, total)
	case ScheduleCosineWarmRestarts:
		period := total / s.numCycles
		if period < 1 {
			period = 1
		}
		return cosineLR(s.lr, s.lrEnd, step%period, period)
	}
	return s.lr
}

func cosineLR(lr, lrEnd float64, step, total int) float64 {
	return lrEnd + (lr-lrEnd)*(1+math.Cos(math.Pi*float64(step)/float64(total)))/2
}
