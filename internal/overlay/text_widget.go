package overlay

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// TextWidget draws a single line of text, optionally on a background box.
type TextWidget struct {
	X, Y       int
	Text       string
	Color      color.RGBA
	Background *color.RGBA
	Padding    int
	Opacity    float64
}

// NewTextWidget creates a white label at the top-left corner on a
// translucent black box.
func NewTextWidget(text string) *TextWidget {
	return &TextWidget{
		Text:       text,
		Color:      color.RGBA{255, 255, 255, 255},
		Background: &color.RGBA{0, 0, 0, 160},
		Padding:    3,
		Opacity:    1,
	}
}

// Size returns the rendered width and height including padding.
func (w *TextWidget) Size() (int, int) {
	face := basicfont.Face7x13
	d := &font.Drawer{Face: face}
	textWidth := d.MeasureString(w.Text).Ceil()
	return textWidth + w.Padding*2, face.Height + w.Padding*2
}

// Render draws the label onto img. Parts outside img are clipped.
func (w *TextWidget) Render(img *image.RGBA) error {
	if img == nil {
		return fmt.Errorf("text widget: nil image")
	}
	if w.Text == "" {
		return nil
	}

	face := basicfont.Face7x13
	width, height := w.Size()

	label := image.NewRGBA(image.Rect(0, 0, width, height))
	if w.Background != nil {
		DrawRectangle(label, 0, 0, width, height, *w.Background, 1)
	}
	d := &font.Drawer{
		Dst:  label,
		Src:  image.NewUniform(w.Color),
		Face: face,
		Dot:  fixed.P(w.Padding, w.Padding+face.Ascent),
	}
	d.DrawString(w.Text)

	BlendImage(img, label, w.X, w.Y, w.Opacity)
	return nil
}
