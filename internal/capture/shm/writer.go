package shm

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/bryanchriswhite/ShmStreamer/internal/capture"
	"github.com/bryanchriswhite/ShmStreamer/internal/frame"
)

// Writer is the producer side of a region. It creates the region file and
// removes it again on Close.
type Writer struct {
	path string

	mu     sync.Mutex
	file   *os.File
	data   []byte
	pix    []byte
	closed bool
}

// Create makes a new region called name sized for one width×height frame
// at bpp bits per pixel. An existing region of that name is replaced.
func Create(name string, width, height, bpp int, opts ...Option) (*Writer, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if width <= 0 || height <= 0 || bpp <= 0 || bpp%8 != 0 {
		return nil, fmt.Errorf("invalid geometry %dx%dx%d", width, height, bpp)
	}

	path, err := Path(o.dir, name)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return nil, fmt.Errorf("create region: %w", err)
	}

	pixels := frame.Size(width, height, bpp)
	size := HeaderSize + pixels
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("size region: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("mmap region: %w", err)
	}
	writeHeader(data, width, height, bpp)

	return &Writer{
		path: path,
		file: f,
		data: data,
		pix:  data[HeaderSize:size],
	}, nil
}

// Path returns the file backing the region.
func (w *Writer) Path() string {
	return w.path
}

// WriteFrame lets fill write the next frame under the region lock, then
// signals readers by bumping the sequence word.
func (w *Writer) WriteFrame(fill func(pix []byte)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return capture.ErrClosed
	}
	return capture.WithLock(fileLock{f: w.file}, func() error {
		fill(w.pix)
		atomic.AddUint64(sequenceWord(w.data), 1)
		return nil
	})
}

// Sequence returns the number of frames written so far.
func (w *Writer) Sequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0
	}
	return loadSequence(w.data)
}

// Close unmaps and removes the region.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	err := unix.Munmap(w.data)
	w.data, w.pix = nil, nil
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	if rerr := os.Remove(w.path); err == nil && !os.IsNotExist(rerr) {
		err = rerr
	}
	return err
}
