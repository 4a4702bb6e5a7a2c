// Package output serves published frames to local viewers.
package output

import (
	"github.com/bryanchriswhite/ShmStreamer/internal/stream"
)

// Output receives every frame the bridge publishes. The pipeline calls
// WriteReading after a successful send; outputs never touch the region.
type Output interface {
	stream.Sink

	// Start initializes the output mechanism
	Start() error

	// Stop cleanly shuts down the output
	Stop() error

	// Name returns a human-readable name for this output type
	Name() string

	// IsRunning returns true if the output is currently active
	IsRunning() bool
}

// Config holds the preview geometry.
type Config struct {
	Width  int
	Height int
	FPS    float64

	// ThumbnailWidth is the width of /thumbnail.jpg. Zero selects
	// DefaultThumbnailWidth.
	ThumbnailWidth int
}

// DefaultThumbnailWidth is the width of preview thumbnails in pixels.
const DefaultThumbnailWidth = 160
