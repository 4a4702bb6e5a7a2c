package output

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"github.com/bryanchriswhite/ShmStreamer/internal/encode"
	"github.com/bryanchriswhite/ShmStreamer/internal/logger"
	"github.com/bryanchriswhite/ShmStreamer/internal/overlay"
	"github.com/bryanchriswhite/ShmStreamer/internal/stream"
)

var (
	// ErrNotRunning is returned when frames are written to a stopped output.
	ErrNotRunning = errors.New("MJPEG output not running")
	// ErrNoFrame is returned before the first frame has been published.
	ErrNoFrame = errors.New("no frame published yet")
)

// FrameEvent is the per-frame notification sent to event subscribers.
type FrameEvent struct {
	Sequence    uint64    `json:"sequence"`
	Format      string    `json:"format"`
	Width       uint32    `json:"width"`
	Height      uint32    `json:"height"`
	Bytes       int       `json:"bytes"`
	SampleTime  time.Time `json:"sample_time"`
	SenderStamp uint32    `json:"sender_stamp"`
	DurationMs  float64   `json:"duration_ms"`
}

// Stats describes the preview output.
type Stats struct {
	Running     bool      `json:"running"`
	Frames      uint64    `json:"frames"`
	Clients     int       `json:"clients"`
	Subscribers int       `json:"subscribers"`
	FPS         float64   `json:"fps"`
	LastUpdate  time.Time `json:"last_update"`
	Uptime      string    `json:"uptime"`
}

// MJPEGOutput re-serves published JPEG frames as a Motion JPEG stream.
// The bytes sent to HTTP clients are exactly the bytes published on the
// bus; nothing is re-encoded.
type MJPEGOutput struct {
	config  Config
	running bool
	mu      sync.RWMutex

	// Latest published frame
	frameMu    sync.RWMutex
	last       *stream.Published
	lastUpdate time.Time

	// Connected MJPEG clients
	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	// Frame event subscribers
	subsMu sync.RWMutex
	subs   map[chan FrameEvent]struct{}

	// Stats
	frameCount uint64
	startTime  time.Time
}

// NewMJPEGOutput creates a new MJPEG stream output
func NewMJPEGOutput(config Config) *MJPEGOutput {
	if config.ThumbnailWidth <= 0 {
		config.ThumbnailWidth = DefaultThumbnailWidth
	}
	return &MJPEGOutput{
		config:  config,
		clients: make(map[chan []byte]struct{}),
		subs:    make(map[chan FrameEvent]struct{}),
	}
}

// Start initializes the MJPEG output
// Note: The HTTP handlers are mounted separately by the api package.
func (m *MJPEGOutput) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("MJPEG output already running")
	}

	m.running = true
	m.startTime = time.Now()
	m.frameCount = 0

	logger.WithComponent("preview").Info().Msgf("[MJPEG] Output started: %dx%d @ %.2f FPS", m.config.Width, m.config.Height, m.config.FPS)
	return nil
}

// Stop cleanly shuts down the output
func (m *MJPEGOutput) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	m.running = false

	// Close all client connections
	m.clientsMu.Lock()
	for ch := range m.clients {
		close(ch)
	}
	m.clients = make(map[chan []byte]struct{})
	m.clientsMu.Unlock()

	m.subsMu.Lock()
	for ch := range m.subs {
		close(ch)
	}
	m.subs = make(map[chan FrameEvent]struct{})
	m.subsMu.Unlock()

	logger.WithComponent("preview").Info().Msgf("[MJPEG] Output stopped after %v frames", m.frameCount)
	return nil
}

// WriteReading records a published frame and forwards its JPEG bytes to
// all connected clients. Slow clients skip frames.
func (m *MJPEGOutput) WriteReading(p stream.Published) error {
	if !m.IsRunning() {
		return ErrNotRunning
	}

	m.frameMu.Lock()
	m.last = &p
	m.lastUpdate = time.Now()
	m.frameMu.Unlock()

	m.mu.Lock()
	m.frameCount++
	m.mu.Unlock()

	if p.Reading.Format == encode.FormatJPEG {
		m.clientsMu.RLock()
		for ch := range m.clients {
			select {
			case ch <- p.Reading.Data:
			default:
			}
		}
		m.clientsMu.RUnlock()
	}

	event := FrameEvent{
		Sequence:    p.Sequence,
		Format:      p.Reading.Format,
		Width:       p.Reading.Width,
		Height:      p.Reading.Height,
		Bytes:       len(p.Reading.Data),
		SampleTime:  p.SampleTime,
		SenderStamp: p.SenderStamp,
		DurationMs:  float64(p.Duration) / float64(time.Millisecond),
	}
	m.subsMu.RLock()
	for ch := range m.subs {
		select {
		case ch <- event:
		default:
		}
	}
	m.subsMu.RUnlock()

	return nil
}

// Name returns the output type name
func (m *MJPEGOutput) Name() string {
	return "MJPEG HTTP Stream"
}

// IsRunning returns true if the output is active
func (m *MJPEGOutput) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Subscribe returns a channel of frame events. It is closed by Stop or
// Unsubscribe.
func (m *MJPEGOutput) Subscribe() chan FrameEvent {
	ch := make(chan FrameEvent, 8)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (m *MJPEGOutput) Unsubscribe(ch chan FrameEvent) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

// Snapshot returns the most recently published JPEG.
func (m *MJPEGOutput) Snapshot() ([]byte, error) {
	m.frameMu.RLock()
	defer m.frameMu.RUnlock()
	if m.last == nil || m.last.Reading.Format != encode.FormatJPEG {
		return nil, ErrNoFrame
	}
	return m.last.Reading.Data, nil
}

// Thumbnail renders the most recently published frame at the thumbnail
// width, keeping its aspect ratio, with a size and sequence label.
func (m *MJPEGOutput) Thumbnail() ([]byte, error) {
	m.frameMu.RLock()
	last := m.last
	m.frameMu.RUnlock()
	if last == nil || last.Frame == nil {
		return nil, ErrNoFrame
	}

	src, err := encode.ToImage(last.Frame)
	if err != nil {
		return nil, err
	}

	width := m.config.ThumbnailWidth
	height := last.Frame.Height * width / last.Frame.Width
	if height < 1 {
		height = 1
	}
	thumb := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(thumb, thumb.Bounds(), src, src.Bounds(), draw.Src, nil)

	label := overlay.NewTextWidget(fmt.Sprintf("%dx%d #%d", last.Reading.Width, last.Reading.Height, last.Sequence))
	label.X, label.Y = 2, 2
	if err := label.Render(thumb); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: encode.DefaultQuality}); err != nil {
		return nil, fmt.Errorf("%w: %v", encode.ErrEncodeFailure, err)
	}
	return buf.Bytes(), nil
}

// Stats returns a snapshot of the output's counters.
func (m *MJPEGOutput) Stats() Stats {
	m.mu.RLock()
	running := m.running
	frameCount := m.frameCount
	startTime := m.startTime
	m.mu.RUnlock()

	m.frameMu.RLock()
	lastUpdate := m.lastUpdate
	m.frameMu.RUnlock()

	m.clientsMu.RLock()
	clientCount := len(m.clients)
	m.clientsMu.RUnlock()

	m.subsMu.RLock()
	subCount := len(m.subs)
	m.subsMu.RUnlock()

	stats := Stats{
		Running:     running,
		Frames:      frameCount,
		Clients:     clientCount,
		Subscribers: subCount,
		LastUpdate:  lastUpdate,
		Uptime:      "N/A",
	}
	if running && !startTime.IsZero() {
		elapsed := time.Since(startTime)
		if elapsed > 0 {
			stats.FPS = float64(frameCount) / elapsed.Seconds()
		}
		stats.Uptime = elapsed.Round(time.Second).String()
	}
	return stats
}

// GetHTTPHandler returns an http.Handler for the MJPEG stream
// Mount this at /stream or similar endpoint
func (m *MJPEGOutput) GetHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.WithComponent("preview")
		if !m.IsRunning() {
			http.Error(w, ErrNotRunning.Error(), http.StatusServiceUnavailable)
			return
		}

		// Set headers for MJPEG stream
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		// Buffer 2 frames
		frameChan := make(chan []byte, 2)

		m.clientsMu.Lock()
		m.clients[frameChan] = struct{}{}
		clientCount := len(m.clients)
		m.clientsMu.Unlock()

		log.Info().Msgf("[MJPEG] New client connected (total: %d)", clientCount)

		defer func() {
			m.clientsMu.Lock()
			delete(m.clients, frameChan)
			clientCount := len(m.clients)
			m.clientsMu.Unlock()
			log.Info().Msgf("[MJPEG] Client disconnected (remaining: %d)", clientCount)
		}()

		for {
			var jpegData []byte
			select {
			case <-r.Context().Done():
				return
			case data, ok := <-frameChan:
				if !ok {
					return
				}
				jpegData = data
			}

			if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
				return
			}
			if _, err := w.Write(jpegData); err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}
}

// GetSnapshotHandler serves the last published JPEG.
func (m *MJPEGOutput) GetSnapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := m.Snapshot()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)
	}
}

// GetThumbnailHandler serves a labelled thumbnail of the last frame.
func (m *MJPEGOutput) GetThumbnailHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := m.Thumbnail()
		if errors.Is(err, ErrNoFrame) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)
	}
}

// GetViewerHandler returns an HTTP handler that displays the stream with a
// small status line.
func (m *MJPEGOutput) GetViewerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		html := `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>ShmStreamer</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            background: #000;
            overflow: hidden;
            display: flex;
            justify-content: center;
            align-items: center;
            min-height: 100vh;
        }
        img {
            width: 100vw;
            height: 100vh;
            object-fit: contain;
            display: block;
            background: #000;
        }
        .status {
            position: fixed;
            bottom: 16px;
            left: 16px;
            padding: 8px 14px;
            background: rgba(40, 40, 40, 0.9);
            color: #ccc;
            border-radius: 20px;
            font-family: system-ui, -apple-system, sans-serif;
            font-size: 13px;
        }
    </style>
</head>
<body>
    <img src="/stream" alt="ShmStreamer Live Stream">
    <div class="status" id="status">waiting for frames</div>
    <script>
        const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
        const ws = new WebSocket(proto + location.host + '/api/frames');
        ws.onmessage = (msg) => {
            const e = JSON.parse(msg.data);
            document.getElementById('status').textContent =
                '#' + e.sequence + ' ' + e.width + 'x' + e.height + ' ' + e.bytes + ' bytes';
        };
    </script>
</body>
</html>`
		w.Write([]byte(html))
	}
}
