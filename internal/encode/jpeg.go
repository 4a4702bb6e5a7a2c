// Package encode turns raw frames into compressed images.
package encode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/bryanchriswhite/ShmStreamer/internal/frame"
)

// FormatJPEG is the format tag carried by published readings.
const FormatJPEG = "jpeg"

// DefaultQuality matches the default used by the camera toolchain's imencode.
const DefaultQuality = 95

// ErrEncodeFailure wraps every error returned by an encoder.
var ErrEncodeFailure = errors.New("encode failure")

// JPEG encodes frames as baseline JPEG.
type JPEG struct {
	quality int
}

// NewJPEG creates a JPEG encoder with the given quality (1-100).
// Zero selects DefaultQuality.
func NewJPEG(quality int) *JPEG {
	if quality == 0 {
		quality = DefaultQuality
	}
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	return &JPEG{quality: quality}
}

// Format returns the format tag for encoded output.
func (e *JPEG) Format() string {
	return FormatJPEG
}

// Quality returns the configured quality.
func (e *JPEG) Quality() int {
	return e.quality
}

// Encode compresses buf. 24 bpp frames are read as BGR, 32 bpp as BGRA and
// 8 bpp as greyscale. buf is not modified.
func (e *JPEG) Encode(buf *frame.Buffer) ([]byte, error) {
	img, err := ToImage(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncodeFailure, err)
	}

	var out bytes.Buffer
	out.Grow(len(buf.Pix) / 8)
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: e.quality}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncodeFailure, err)
	}
	return out.Bytes(), nil
}

// ToImage converts a raw frame into an image.Image holding its own copy of
// the pixels.
func ToImage(buf *frame.Buffer) (image.Image, error) {
	if err := buf.Validate(); err != nil {
		return nil, err
	}

	rect := image.Rect(0, 0, buf.Width, buf.Height)
	switch buf.BPP {
	case 8:
		img := image.NewGray(rect)
		for y := 0; y < buf.Height; y++ {
			copy(img.Pix[y*img.Stride:y*img.Stride+buf.Width], buf.Pix[y*buf.Width:(y+1)*buf.Width])
		}
		return img, nil
	case 24, 32:
		n := buf.BytesPerPixel()
		img := image.NewRGBA(rect)
		for i, j := 0, 0; i < buf.Width*buf.Height; i, j = i+1, j+n {
			img.Pix[i*4+0] = buf.Pix[j+2]
			img.Pix[i*4+1] = buf.Pix[j+1]
			img.Pix[i*4+2] = buf.Pix[j+0]
			img.Pix[i*4+3] = 0xFF
		}
		return img, nil
	default:
		return nil, fmt.Errorf("unsupported pixel depth %d", buf.BPP)
	}
}
