// Package stream wires a frame source to the bus: each tick waits for a
// frame, scales it under the region lock, encodes it and publishes one
// ImageReading.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/ShmStreamer/internal/capture"
	"github.com/bryanchriswhite/ShmStreamer/internal/encode"
	"github.com/bryanchriswhite/ShmStreamer/internal/frame"
	"github.com/bryanchriswhite/ShmStreamer/internal/logger"
	"github.com/bryanchriswhite/ShmStreamer/internal/od4"
	"github.com/bryanchriswhite/ShmStreamer/internal/od4/opendlv"
)

// Encoder compresses a frame.
type Encoder interface {
	Format() string
	Encode(buf *frame.Buffer) ([]byte, error)
}

// Publisher sends one message on the bus.
type Publisher interface {
	Send(msg od4.Message, sampleTime time.Time, senderStamp uint32) error
}

// Published describes one frame that went out on the bus. Frame is the
// scaled raw frame the reading was encoded from; it is owned by the
// pipeline and must not be modified.
type Published struct {
	Sequence    uint64
	Reading     opendlv.ImageReading
	Frame       *frame.Buffer
	SampleTime  time.Time
	SenderStamp uint32
	Duration    time.Duration
}

// Sink observes published frames, e.g. a preview server.
type Sink interface {
	WriteReading(p Published) error
}

// Config holds the geometry and identity of a stream.
type Config struct {
	SourceWidth  int
	SourceHeight int
	ScaledWidth  int
	ScaledHeight int
	SenderStamp  uint32
	Verbose      bool
}

// Pipeline is the per-tick work of the bridge.
type Pipeline struct {
	cfg       Config
	source    capture.Source
	encoder   Encoder
	publisher Publisher
	now       func() time.Time

	mu         sync.Mutex
	sinks      []Sink
	stats      Stats
	lastSample time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock sets the clock used for sample timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithSink adds a sink that sees every published frame.
func WithSink(s Sink) Option {
	return func(p *Pipeline) {
		if s != nil {
			p.sinks = append(p.sinks, s)
		}
	}
}

// New creates a pipeline. Scaled dimensions of zero default to the source
// dimensions.
func New(cfg Config, source capture.Source, encoder Encoder, publisher Publisher, opts ...Option) (*Pipeline, error) {
	if cfg.SourceWidth <= 0 || cfg.SourceHeight <= 0 {
		return nil, fmt.Errorf("%w: source %dx%d", frame.ErrInvalidDimensions, cfg.SourceWidth, cfg.SourceHeight)
	}
	if cfg.ScaledWidth == 0 {
		cfg.ScaledWidth = cfg.SourceWidth
	}
	if cfg.ScaledHeight == 0 {
		cfg.ScaledHeight = cfg.SourceHeight
	}
	if cfg.ScaledWidth < 0 || cfg.ScaledHeight < 0 {
		return nil, fmt.Errorf("%w: scaled %dx%d", frame.ErrInvalidDimensions, cfg.ScaledWidth, cfg.ScaledHeight)
	}
	if source == nil || encoder == nil || publisher == nil {
		return nil, errors.New("pipeline needs a source, an encoder and a publisher")
	}
	if f := encoder.Format(); f != encode.FormatJPEG {
		return nil, fmt.Errorf("%w: encoder produces %q, readings carry %q", encode.ErrEncodeFailure, f, encode.FormatJPEG)
	}

	p := &Pipeline{
		cfg:       cfg,
		source:    source,
		encoder:   encoder,
		publisher: publisher,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Config returns the resolved configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Tick runs one wait, scale, encode, publish cycle. It returns false with a
// nil error when ctx is cancelled while waiting, and false with an error
// when the stream cannot continue. Publish failures are logged and counted
// but do not stop the stream.
func (p *Pipeline) Tick(ctx context.Context) (bool, error) {
	log := logger.WithComponent("stream")

	if p.cfg.Verbose {
		log.Info().Msg("Waiting for image..")
	}

	if err := p.source.WaitForFrame(ctx); err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, fmt.Errorf("wait for frame: %w", err)
	}
	start := time.Now()

	var scaled *frame.Buffer
	err := p.source.WithLockedView(func(view *frame.Buffer) error {
		var err error
		scaled, err = frame.Resize(view, p.cfg.ScaledWidth, p.cfg.ScaledHeight)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("scale frame: %w", err)
	}

	data, err := p.encoder.Encode(scaled)
	if err != nil {
		p.count(func(s *Stats) { s.EncodeFailures++ })
		return false, fmt.Errorf("encode frame: %w", err)
	}

	reading := opendlv.ImageReading{
		Format: encode.FormatJPEG,
		Width:  uint32(p.cfg.ScaledWidth),
		Height: uint32(p.cfg.ScaledHeight),
		Data:   data,
	}

	sample := p.sampleTime()
	if err := p.publisher.Send(reading, sample, p.cfg.SenderStamp); err != nil {
		p.count(func(s *Stats) { s.PublishFailures++ })
		log.Warn().
			Err(err).
			Int("bytes", len(data)).
			Msg("Failed to publish image")
		return true, nil
	}

	elapsed := time.Since(start)
	var seq uint64
	p.count(func(s *Stats) {
		s.Published++
		s.Bytes += uint64(len(data))
		s.LastSize = len(data)
		s.LastSampleTime = sample
		s.LastDuration = elapsed
		seq = s.Published
	})

	published := Published{
		Sequence:    seq,
		Reading:     reading,
		Frame:       scaled,
		SampleTime:  sample,
		SenderStamp: p.cfg.SenderStamp,
		Duration:    elapsed,
	}
	for _, sink := range p.sinkList() {
		if err := sink.WriteReading(published); err != nil {
			log.Debug().Err(err).Msg("Sink rejected frame")
		}
	}

	if p.cfg.Verbose {
		log.Info().Msgf("Sending image, scaled from %dx%d to %dx%d.",
			p.cfg.SourceWidth, p.cfg.SourceHeight, p.cfg.ScaledWidth, p.cfg.ScaledHeight)
	}
	return true, nil
}

// sampleTime returns now, held at the previous value if the wall clock
// stepped backwards.
func (p *Pipeline) sampleTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.now()
	if t.Before(p.lastSample) {
		t = p.lastSample
	}
	p.lastSample = t
	return t
}

func (p *Pipeline) sinkList() []Sink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Sink(nil), p.sinks...)
}

func (p *Pipeline) count(f func(*Stats)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f(&p.stats)
}
