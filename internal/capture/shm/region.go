package shm

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bryanchriswhite/ShmStreamer/internal/capture"
	"github.com/bryanchriswhite/ShmStreamer/internal/frame"
	"github.com/bryanchriswhite/ShmStreamer/internal/logger"
)

// Region is a read-only attachment to a frame region created by a producer.
// It implements capture.Source.
type Region struct {
	name string
	path string
	poll time.Duration

	mu      sync.Mutex // guards the mapping against Close
	file    *os.File
	data    []byte
	view    frame.Buffer
	lastSeq uint64
	closed  bool
}

var _ capture.Source = (*Region)(nil)

// Open attaches to the existing region called name and exposes its first
// width*height*bpp/8 pixel bytes. It fails with capture.ErrRegionUnavailable
// if the region is missing, cannot be mapped, is not a frame region, or is
// too small.
func Open(name string, width, height, bpp int, opts ...Option) (*Region, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if width <= 0 || height <= 0 || bpp <= 0 || bpp%8 != 0 {
		return nil, fmt.Errorf("%w: invalid geometry %dx%dx%d", capture.ErrRegionUnavailable, width, height, bpp)
	}

	path, err := Path(o.dir, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", capture.ErrRegionUnavailable, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", capture.ErrRegionUnavailable, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", capture.ErrRegionUnavailable, path, err)
	}

	pixels := frame.Size(width, height, bpp)
	need := int64(HeaderSize + pixels)
	if st.Size() < need {
		f.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes, need %d for %dx%dx%d",
			capture.ErrRegionUnavailable, path, st.Size(), need, width, height, bpp)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap %s: %v", capture.ErrRegionUnavailable, path, err)
	}

	hdr := readHeader(data)
	if hdr.magic != Magic || hdr.version != Version {
		unix.Munmap(data)
		f.Close()
		return nil, fmt.Errorf("%w: %s is not a frame region (magic %q, version %d)",
			capture.ErrRegionUnavailable, path, hdr.magic, hdr.version)
	}

	log := logger.WithComponent("shm")
	if int(hdr.width) != width || int(hdr.height) != height || int(hdr.bpp) != bpp {
		log.Warn().
			Str("region", name).
			Uint32("region_width", hdr.width).
			Uint32("region_height", hdr.height).
			Uint32("region_bpp", hdr.bpp).
			Int("width", width).
			Int("height", height).
			Int("bpp", bpp).
			Msg("Region header geometry differs from configuration")
	}

	r := &Region{
		name: name,
		path: path,
		poll: o.pollInterval,
		file: f,
		data: data,
		view: frame.Buffer{
			Width:  width,
			Height: height,
			BPP:    bpp,
			Pix:    data[HeaderSize : HeaderSize+pixels],
		},
	}
	r.lastSeq = loadSequence(data)

	log.Info().
		Str("region", name).
		Str("path", path).
		Int64("size", st.Size()).
		Msg("Found shared memory")

	return r, nil
}

// Name returns the region name as given to Open.
func (r *Region) Name() string {
	return r.name
}

// Size returns the mapped size in bytes, header included.
func (r *Region) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data)
}

// WaitForFrame blocks until the producer has published a frame newer than
// the last one this region returned for. If one is already pending it
// returns at once; intermediate frames are skipped.
func (r *Region) WaitForFrame(ctx context.Context) error {
	if fresh, err := r.checkSequence(); err != nil || fresh {
		return err
	}

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if fresh, err := r.checkSequence(); err != nil || fresh {
				return err
			}
		}
	}
}

func (r *Region) checkSequence() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false, capture.ErrClosed
	}
	seq := loadSequence(r.data)
	if seq == r.lastSeq {
		return false, nil
	}
	r.lastSeq = seq
	return true, nil
}

// WithLockedView runs fn under the region lock with the mapped pixels. The
// mapping is read-only; writing to the view faults.
func (r *Region) WithLockedView(fn func(view *frame.Buffer) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return capture.ErrClosed
	}
	return capture.WithLock(fileLock{f: r.file}, func() error {
		return fn(&r.view)
	})
}

// Close unmaps the region. The region file itself belongs to the producer
// and is left in place.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.view.Pix = nil

	err := unix.Munmap(r.data)
	r.data = nil
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}
