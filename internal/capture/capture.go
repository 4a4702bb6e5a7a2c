package capture

import (
	"context"
	"errors"

	"github.com/bryanchriswhite/ShmStreamer/internal/frame"
)

// ErrRegionUnavailable is returned when a frame region cannot be attached:
// it does not exist, cannot be mapped, or is too small for the geometry.
var ErrRegionUnavailable = errors.New("frame region unavailable")

// ErrClosed is returned by operations on a closed source.
var ErrClosed = errors.New("frame source closed")

// Source defines the interface for frame regions filled by an external
// producer
type Source interface {
	// WaitForFrame blocks until the producer signals a new frame.
	// There is no timeout; ctx is only used to unblock on shutdown.
	WaitForFrame(ctx context.Context) error

	// WithLockedView holds the region lock while fn runs with a read-only
	// view of the current pixels. The lock is released on every path out
	// of fn. fn must not keep the view after it returns.
	WithLockedView(fn func(view *frame.Buffer) error) error

	// Close releases the region
	Close() error
}

// Locker is the mutual-exclusion primitive of a region.
type Locker interface {
	Lock() error
	Unlock() error
}

// WithLock runs fn while l is held and always releases it, including when
// fn panics. An unlock error is returned only if fn succeeded.
func WithLock(l Locker, fn func() error) (err error) {
	if err := l.Lock(); err != nil {
		return err
	}
	defer func() {
		if uerr := l.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}()
	return fn()
}
