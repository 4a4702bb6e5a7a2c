// Package mailbox is an in-process frame region: a single frame slot that
// a producer overwrites and a consumer waits on. It has the same
// latest-frame-wins behaviour as a shared-memory region, without the
// operating system.
package mailbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/ShmStreamer/internal/capture"
	"github.com/bryanchriswhite/ShmStreamer/internal/frame"
)

// Region holds one frame. It implements capture.Source.
type Region struct {
	pixMu sync.Mutex // the region lock
	view  frame.Buffer

	sigMu   sync.Mutex
	cond    *sync.Cond
	seq     uint64
	lastSeq uint64
	closed  bool

	drops uint64
}

var _ capture.Source = (*Region)(nil)

// New allocates a region for width×height frames at bpp bits per pixel.
func New(width, height, bpp int) (*Region, error) {
	view := frame.Buffer{Width: width, Height: height, BPP: bpp}
	if width <= 0 || height <= 0 || bpp <= 0 || bpp%8 != 0 {
		return nil, fmt.Errorf("%w: invalid geometry %dx%dx%d", capture.ErrRegionUnavailable, width, height, bpp)
	}
	view.Pix = make([]byte, frame.Size(width, height, bpp))

	r := &Region{view: view}
	r.cond = sync.NewCond(&r.sigMu)
	return r, nil
}

// Publish writes the next frame under the region lock and wakes a waiting
// consumer. A frame the consumer never picked up is overwritten and
// counted as dropped.
func (r *Region) Publish(fill func(pix []byte)) error {
	r.sigMu.Lock()
	closed := r.closed
	r.sigMu.Unlock()
	if closed {
		return capture.ErrClosed
	}

	r.pixMu.Lock()
	fill(r.view.Pix)
	r.pixMu.Unlock()

	r.sigMu.Lock()
	if r.seq != r.lastSeq {
		atomic.AddUint64(&r.drops, 1)
	}
	r.seq++
	r.cond.Signal()
	r.sigMu.Unlock()
	return nil
}

// Drops returns how many frames were overwritten before being consumed.
func (r *Region) Drops() uint64 {
	return atomic.LoadUint64(&r.drops)
}

// WaitForFrame blocks until a frame newer than the last consumed one has
// been published, ctx is done, or the region is closed.
func (r *Region) WaitForFrame(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		r.sigMu.Lock()
		r.cond.Broadcast()
		r.sigMu.Unlock()
	})
	defer stop()

	r.sigMu.Lock()
	defer r.sigMu.Unlock()

	for r.seq == r.lastSeq && !r.closed && ctx.Err() == nil {
		r.cond.Wait()
	}
	if r.closed {
		return capture.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.lastSeq = r.seq
	return nil
}

// WithLockedView runs fn with the current frame while holding the region lock.
func (r *Region) WithLockedView(fn func(view *frame.Buffer) error) error {
	r.sigMu.Lock()
	closed := r.closed
	r.sigMu.Unlock()
	if closed {
		return capture.ErrClosed
	}

	return capture.WithLock(mutexLocker{&r.pixMu}, func() error {
		return fn(&r.view)
	})
}

// Close wakes any waiter; later calls fail with capture.ErrClosed.
func (r *Region) Close() error {
	r.sigMu.Lock()
	r.closed = true
	r.cond.Broadcast()
	r.sigMu.Unlock()
	return nil
}

type mutexLocker struct {
	mu *sync.Mutex
}

func (l mutexLocker) Lock() error {
	l.mu.Lock()
	return nil
}

func (l mutexLocker) Unlock() error {
	l.mu.Unlock()
	return nil
}
