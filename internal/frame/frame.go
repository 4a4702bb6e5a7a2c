// Package frame holds raw pixel buffers and the nearest-neighbour resize
// applied to them before encoding.
package frame

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDimensions is returned for zero or negative sizes.
	ErrInvalidDimensions = errors.New("invalid frame dimensions")
	// ErrInvalidDepth is returned when bits-per-pixel is not a positive multiple of 8.
	ErrInvalidDepth = errors.New("invalid bits per pixel")
	// ErrShortBuffer is returned when Pix is smaller than the geometry needs.
	ErrShortBuffer = errors.New("pixel buffer too small for geometry")
)

// Buffer is a packed, row-major pixel buffer without padding.
//
// A Buffer handed out by a capture.Source inside WithLockedView aliases the
// shared region: it is read-only and must not be used after the callback
// returns. Buffers produced by Resize own their pixels.
type Buffer struct {
	Width  int
	Height int
	BPP    int
	Pix    []byte
}

// Size returns the byte length of a width×height frame at bpp bits per pixel.
func Size(width, height, bpp int) int {
	return width * height * bpp / 8
}

// BytesPerPixel returns BPP/8.
func (b *Buffer) BytesPerPixel() int {
	return b.BPP / 8
}

// Stride returns the byte length of one row.
func (b *Buffer) Stride() int {
	return b.Width * b.BytesPerPixel()
}

// Validate checks the geometry against the pixel slice.
func (b *Buffer) Validate() error {
	if b.Width <= 0 || b.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, b.Width, b.Height)
	}
	if b.BPP <= 0 || b.BPP%8 != 0 {
		return fmt.Errorf("%w: %d", ErrInvalidDepth, b.BPP)
	}
	if need := Size(b.Width, b.Height, b.BPP); len(b.Pix) < need {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrShortBuffer, len(b.Pix), need)
	}
	return nil
}

// Clone returns an owned copy of b.
func (b *Buffer) Clone() *Buffer {
	n := Size(b.Width, b.Height, b.BPP)
	pix := make([]byte, n)
	copy(pix, b.Pix[:n])
	return &Buffer{Width: b.Width, Height: b.Height, BPP: b.BPP, Pix: pix}
}

// Resize scales src to width×height by nearest-neighbour sampling. Output
// pixel (x, y) is source pixel (x*src.Width/width, y*src.Height/height),
// both rounded down. src is only read; the result is a new owned Buffer.
func Resize(src *Buffer, width, height int) (*Buffer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: target %dx%d", ErrInvalidDimensions, width, height)
	}
	if err := src.Validate(); err != nil {
		return nil, err
	}

	if width == src.Width && height == src.Height {
		return src.Clone(), nil
	}

	bpp := src.BytesPerPixel()
	srcStride := src.Stride()
	dstStride := width * bpp
	dst := &Buffer{
		Width:  width,
		Height: height,
		BPP:    src.BPP,
		Pix:    make([]byte, height*dstStride),
	}

	// Column offsets are the same for every row.
	cols := make([]int, width)
	for x := range cols {
		cols[x] = (x * src.Width / width) * bpp
	}

	for y := 0; y < height; y++ {
		sy := y * src.Height / height
		srow := src.Pix[sy*srcStride : sy*srcStride+srcStride]
		drow := dst.Pix[y*dstStride : y*dstStride+dstStride]
		for x, sx := range cols {
			copy(drow[x*bpp:x*bpp+bpp], srow[sx:sx+bpp])
		}
	}

	return dst, nil
}
