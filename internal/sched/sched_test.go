package sched

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLinearSchedulerWarmUp(t *testing.T) {
	s := NewLinearScheduler(4, 2.0)
	require.Equal(t, 0.0, s.Value())

	want := []float64{0.5, 1.0, 1.5, 2.0, 2.0, 2.0}
	for _, w := range want {
		s.Step()
		require.InDelta(t, w, s.Value(), 1e-12)
	}
}

func TestLinearSchedulerNoWarmUp(t *testing.T) {
	s := NewLinearScheduler(0, 3.0)
	require.Equal(t, 3.0, s.Value())
	s.Step()
	require.Equal(t, 3.0, s.Value())
}

func TestLinearSchedulerStateRoundTrip(t *testing.T) {
	s := NewLinearScheduler(10, 5.0)
	s.Step()
	s.Step()
	state := s.State()

	restored := NewLinearScheduler(0, 0)
	restored.LoadState(state)
	require.Equal(t, s.Value(), restored.Value())
	s.Step()
	restored.Step()
	require.Equal(t, s.Value(), restored.Value())
}

func TestLRScheduleConstant(t *testing.T) {
	s, err := NewLRSchedule(ScheduleConstant, 10, 1e-3, 2, 0, 0, 1)
	require.NoError(t, err)

	// Warm-up ramps to the full rate
	require.InDelta(t, 5e-4, s.LR(0), 1e-12)
	require.InDelta(t, 1e-3, s.LR(1), 1e-12)
	for step := 2; step < 10; step++ {
		require.InDelta(t, 1e-3, s.LR(step), 1e-12)
	}
}

func TestLRScheduleConstantWithDecay(t *testing.T) {
	// Constant decays from lr itself, lrEnd is ignored
	s, err := NewLRSchedule("Constant", 10, 1e-3, 0, 4, 0, 1)
	require.NoError(t, err)

	require.InDelta(t, 1e-3, s.LR(5), 1e-12)
	require.InDelta(t, 7.5e-4, s.LR(6), 1e-12)
	require.InDelta(t, 0.0, s.LR(9), 1e-12)
	require.Equal(t, 0.0, s.LR(100))
}

func TestLRScheduleCosine(t *testing.T) {
	s, err := NewLRSchedule(ScheduleCosine, 100, 1e-3, 0, 0, 1e-5, 1)
	require.NoError(t, err)

	require.InDelta(t, 1e-3, s.LR(0), 1e-12)
	mid := s.LR(50)
	require.InDelta(t, (1e-3+1e-5)/2, mid, 1e-8)
	for step := 1; step < 100; step++ {
		require.LessOrEqual(t, s.LR(step), s.LR(step-1), "cosine must be non-increasing")
	}
	require.GreaterOrEqual(t, s.LR(99), 1e-5)
}

func TestLRScheduleWarmRestarts(t *testing.T) {
	s, err := NewLRSchedule(ScheduleCosineWarmRestarts, 100, 1e-3, 0, 0, 1e-5, 4)
	require.NoError(t, err)

	// Each cycle restarts at the full rate
	require.InDelta(t, s.LR(0), s.LR(25), 1e-12)
	require.InDelta(t, s.LR(0), s.LR(50), 1e-12)
	require.Less(t, s.LR(24), s.LR(25))
}

func TestLRScheduleValidation(t *testing.T) {
	_, err := NewLRSchedule("exponential", 10, 1e-3, 0, 0, 0, 1)
	require.Error(t, err)

	_, err = NewLRSchedule(ScheduleCosine, 10, 1e-3, 0, 4, 0, 1)
	require.Error(t, err, "decay to zero from lr_end zero")

	_, err = NewLRSchedule(ScheduleConstant, 10, 1e-3, 6, 4, 0, 1)
	require.Error(t, err, "no main phase left")

	_, err = NewLRSchedule(ScheduleCosineWarmRestarts, 10, 1e-3, 0, 0, 1e-5, 0)
	require.Error(t, err)

	_, err = NewLRSchedule(ScheduleConstant, 0, 1e-3, 0, 0, 0, 1)
	require.Error(t, err)
}

func TestLRScheduleMath(t *testing.T) {
	// cosineLR endpoints
	require.InDelta(t, 1.0, cosineLR(1, 0, 0, 10), 1e-12)
	require.InDelta(t, 0.5, cosineLR(1, 0, 5, 10), 1e-12)
	require.InDelta(t, 0.0, cosineLR(1, 0, 10, 10), math.SmallestNonzeroFloat64+1e-12)
}
