// Package scheduler runs a callback at a bounded rate.
//
// A TimeTrigger calls its callback on the calling goroutine, one call at a
// time. After each call it sleeps for whatever is left of the period; a
// call that overruns its period is followed immediately by the next one,
// without any attempt to catch up on missed periods. The frequency is
// therefore a ceiling, not a guarantee.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/ShmStreamer/internal/logger"
)

// State is the lifecycle state of a TimeTrigger.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

var (
	// ErrAlreadyStarted is returned by Run on a trigger that has run before.
	ErrAlreadyStarted = errors.New("time trigger already started")
	// ErrInvalidFrequency is returned by New for non-positive frequencies.
	ErrInvalidFrequency = errors.New("invalid trigger frequency")
)

// Func is called once per period. Returning false stops the trigger; a
// non-nil error stops it and is returned from Run.
type Func func(ctx context.Context) (bool, error)

// Stats describes a trigger's activity so far.
type Stats struct {
	State        State         `json:"-"`
	StateName    string        `json:"state"`
	Ticks        uint64        `json:"ticks"`
	Overruns     uint64        `json:"overruns"`
	LastDuration time.Duration `json:"last_duration_ns"`
}

// TimeTrigger calls a Func at most Freq times per second.
type TimeTrigger struct {
	period time.Duration

	mu    sync.Mutex
	state State
	stats Stats
}

// New creates a trigger for freq calls per second.
func New(freq float64) (*TimeTrigger, error) {
	if freq <= 0 {
		return nil, fmt.Errorf("%w: %v Hz", ErrInvalidFrequency, freq)
	}
	return &TimeTrigger{
		period: time.Duration(float64(time.Second) / freq),
		state:  StateIdle,
	}, nil
}

// Period returns the minimum time between the starts of two calls.
func (t *TimeTrigger) Period() time.Duration {
	return t.period
}

// State returns the current lifecycle state.
func (t *TimeTrigger) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Stats returns a snapshot of the trigger's counters.
func (t *TimeTrigger) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.State = t.state
	s.StateName = t.state.String()
	return s
}

// Run calls fn until it returns false or an error, or ctx is cancelled.
// Cancellation is a normal stop and returns nil. A trigger runs only once.
func (t *TimeTrigger) Run(ctx context.Context, fn Func) error {
	t.mu.Lock()
	if t.state != StateIdle {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.state = StateRunning
	t.mu.Unlock()

	defer t.stop()

	log := logger.WithComponent("scheduler")
	log.Debug().
		Dur("period", t.period).
		Msg("Time trigger started")

	timer := time.NewTimer(t.period)
	timer.Stop()
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		start := time.Now()
		cont, err := fn(ctx)
		elapsed := time.Since(start)
		t.record(elapsed)

		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			log.Error().Err(err).Msg("Time trigger callback failed, stopping")
			return err
		}
		if !cont {
			log.Debug().Msg("Time trigger callback requested stop")
			return nil
		}

		wait := t.period - elapsed
		if wait <= 0 {
			continue
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}

func (t *TimeTrigger) record(elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.Ticks++
	t.stats.LastDuration = elapsed
	if elapsed > t.period {
		t.stats.Overruns++
	}
}

func (t *TimeTrigger) stop() {
	t.mu.Lock()
	t.state = StateStopped
	t.mu.Unlock()
}
