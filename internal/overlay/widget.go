// Package overlay draws small annotations onto preview images.
package overlay

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// Widget is something that can be drawn onto a preview image.
type Widget interface {
	Render(img *image.RGBA) error
}

// BlendImage draws src onto dst with its top-left corner at (x, y), scaling
// the source alpha by opacity. Parts of src outside dst are clipped.
func BlendImage(dst *image.RGBA, src image.Image, x, y int, opacity float64) {
	opacity = clampOpacity(opacity)
	if opacity == 0 {
		return
	}

	sb := src.Bounds()
	r := image.Rect(x, y, x+sb.Dx(), y+sb.Dy())
	mask := image.NewUniform(color.Alpha{A: uint8(opacity*255 + 0.5)})
	draw.DrawMask(dst, r, src, sb.Min, mask, image.Point{}, draw.Over)
}

// DrawRectangle fills a width×height rectangle at (x, y) with c at the given
// opacity.
func DrawRectangle(dst *image.RGBA, x, y, width, height int, c color.Color, opacity float64) {
	opacity = clampOpacity(opacity)
	if opacity == 0 || width <= 0 || height <= 0 {
		return
	}
	r := image.Rect(x, y, x+width, y+height)
	mask := image.NewUniform(color.Alpha{A: uint8(opacity*255 + 0.5)})
	draw.DrawMask(dst, r, &image.Uniform{C: c}, image.Point{}, mask, image.Point{}, draw.Over)
}

func clampOpacity(opacity float64) float64 {
	if opacity < 0 {
		return 0
	}
	if opacity > 1 {
		return 1
	}
	return opacity
}
