// Package shm attaches to frame regions in POSIX shared memory.
//
// A region is a file under /dev/shm laid out as a 64-byte header followed
// by one packed frame:
//
//	offset  size  field
//	0       4     magic "SHMF"
//	4       4     layout version (1)
//	8       4     width
//	12      4     height
//	16      4     bits per pixel
//	24      8     frame sequence, bumped by the producer after each frame
//	64      ...   pixels
//
// Integers are little-endian. The producer holds an exclusive flock(2) on
// the file while writing pixels; readers take the same lock while copying.
//
// This layout is specific to this bridge: a camera driver must write it
// (see Writer, or the simulate command) for Open to attach.
package shm

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"
)

const (
	// HeaderSize is the number of bytes before the pixel data.
	HeaderSize = 64
	// Magic identifies a frame region.
	Magic = "SHMF"
	// Version is the layout version written by Create.
	Version = 1

	offVersion  = 4
	offWidth    = 8
	offHeight   = 12
	offBPP      = 16
	offSequence = 24

	// DefaultDir is where POSIX shared memory objects live on Linux.
	DefaultDir = "/dev/shm"
	// DefaultPollInterval is how often WaitForFrame checks the sequence word.
	DefaultPollInterval = 2 * time.Millisecond
)

// Option configures Open and Create.
type Option func(*options)

type options struct {
	dir          string
	pollInterval time.Duration
}

func defaultOptions() options {
	return options{dir: DefaultDir, pollInterval: DefaultPollInterval}
}

// WithDir places regions under dir instead of /dev/shm.
func WithDir(dir string) Option {
	return func(o *options) {
		if dir != "" {
			o.dir = dir
		}
	}
}

// WithPollInterval sets how often a reader checks for a new frame.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// Path returns the file backing the region called name. "/cam0" and
// "cam0" name the same region.
func Path(dir, name string) (string, error) {
	base := strings.TrimLeft(name, "/")
	if base == "" || strings.Contains(base, "/") {
		return "", fmt.Errorf("invalid region name %q", name)
	}
	return filepath.Join(dir, base), nil
}

// header is the decoded fixed part of a region.
type header struct {
	magic   string
	version uint32
	width   uint32
	height  uint32
	bpp     uint32
}

func readHeader(data []byte) header {
	return header{
		magic:   string(data[:4]),
		version: binary.LittleEndian.Uint32(data[offVersion:]),
		width:   binary.LittleEndian.Uint32(data[offWidth:]),
		height:  binary.LittleEndian.Uint32(data[offHeight:]),
		bpp:     binary.LittleEndian.Uint32(data[offBPP:]),
	}
}

func writeHeader(data []byte, width, height, bpp int) {
	copy(data[:4], Magic)
	binary.LittleEndian.PutUint32(data[offVersion:], Version)
	binary.LittleEndian.PutUint32(data[offWidth:], uint32(width))
	binary.LittleEndian.PutUint32(data[offHeight:], uint32(height))
	binary.LittleEndian.PutUint32(data[offBPP:], uint32(bpp))
}

// sequenceWord points at the shared frame counter. The mapping is page
// aligned so the word is 8-byte aligned.
func sequenceWord(data []byte) *uint64 {
	return (*uint64)(unsafe.Pointer(&data[offSequence]))
}

func loadSequence(data []byte) uint64 {
	return atomic.LoadUint64(sequenceWord(data))
}
