package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "Idle"},
		{StateRunning, "Running"},
		{StateStopped, "Stopped"},
		{State(99), "Unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestNewRejectsBadFrequency(t *testing.T) {
	_, err := New(0)
	assert.ErrorIs(t, err, ErrInvalidFrequency)
	_, err = New(-2)
	assert.ErrorIs(t, err, ErrInvalidFrequency)

	tr, err := New(4)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, tr.Period())
	assert.Equal(t, StateIdle, tr.State())
}

func TestRunStopsWhenCallbackReturnsFalse(t *testing.T) {
	tr, err := New(1000)
	require.NoError(t, err)

	var calls atomic.Int32
	err = tr.Run(context.Background(), func(context.Context) (bool, error) {
		return calls.Add(1) < 5, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, StateStopped, tr.State())

	// Stopped is terminal.
	err = tr.Run(context.Background(), func(context.Context) (bool, error) {
		calls.Add(1)
		return true, nil
	})
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(5), calls.Load())
}

func TestRunReturnsCallbackError(t *testing.T) {
	tr, err := New(1000)
	require.NoError(t, err)

	boom := errors.New("encode failed")
	var calls int
	err = tr.Run(context.Background(), func(context.Context) (bool, error) {
		calls++
		if calls == 3 {
			return true, boom
		}
		return true, nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
	assert.Equal(t, StateStopped, tr.State())
}

func TestRunNeverOverlaps(t *testing.T) {
	// 100 Hz ceiling with callbacks that take 0-25 ms: many overrun.
	tr, err := New(100)
	require.NoError(t, err)

	durations := []time.Duration{25, 2, 18, 0, 12, 25, 1, 15, 3, 22}
	var inFlight, maxInFlight atomic.Int32
	var calls int

	err = tr.Run(context.Background(), func(context.Context) (bool, error) {
		n := inFlight.Add(1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		time.Sleep(durations[calls%len(durations)] * time.Millisecond)
		calls++
		inFlight.Add(-1)
		return calls < 2*len(durations), nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), maxInFlight.Load())

	stats := tr.Stats()
	assert.Equal(t, uint64(2*len(durations)), stats.Ticks)
	assert.Positive(t, stats.Overruns)
	assert.Equal(t, "Stopped", stats.StateName)
}

func TestRunRespectsRateCeiling(t *testing.T) {
	tr, err := New(50) // 20 ms period
	require.NoError(t, err)

	var starts []time.Time
	err = tr.Run(context.Background(), func(context.Context) (bool, error) {
		starts = append(starts, time.Now())
		return len(starts) < 6, nil
	})
	require.NoError(t, err)
	require.Len(t, starts, 6)

	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		assert.GreaterOrEqual(t, gap, 19*time.Millisecond, "tick %d started after %v", i, gap)
	}
}

func TestRunDoesNotCatchUpAfterOverrun(t *testing.T) {
	tr, err := New(100) // 10 ms period
	require.NoError(t, err)

	var starts []time.Time
	err = tr.Run(context.Background(), func(context.Context) (bool, error) {
		starts = append(starts, time.Now())
		if len(starts) == 1 {
			time.Sleep(80 * time.Millisecond) // eight periods
		}
		return len(starts) < 4, nil
	})
	require.NoError(t, err)
	require.Len(t, starts, 4)

	// After the long tick the next one starts at once, and the ones after it
	// are spaced by a full period again instead of firing back to back.
	assert.GreaterOrEqual(t, starts[2].Sub(starts[1]), 9*time.Millisecond)
	assert.GreaterOrEqual(t, starts[3].Sub(starts[2]), 9*time.Millisecond)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	tr, err := New(200)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- tr.Run(ctx, func(context.Context) (bool, error) {
			calls.Add(1)
			return true, nil
		})
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Positive(t, calls.Load())
	assert.Equal(t, StateStopped, tr.State())
}

func TestRunTreatsCancelledWaitAsStop(t *testing.T) {
	tr, err := New(10)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	err = tr.Run(ctx, func(ctx context.Context) (bool, error) {
		cancel()
		<-ctx.Done()
		return false, ctx.Err()
	})
	assert.NoError(t, err)
}
