package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/ShmStreamer/internal/api"
	"github.com/bryanchriswhite/ShmStreamer/internal/capture/shm"
	"github.com/bryanchriswhite/ShmStreamer/internal/config"
	"github.com/bryanchriswhite/ShmStreamer/internal/encode"
	"github.com/bryanchriswhite/ShmStreamer/internal/logger"
	"github.com/bryanchriswhite/ShmStreamer/internal/od4"
	"github.com/bryanchriswhite/ShmStreamer/internal/output"
	"github.com/bryanchriswhite/ShmStreamer/internal/scheduler"
	"github.com/bryanchriswhite/ShmStreamer/internal/stream"
)

func (a *app) runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.v)
	if err != nil {
		if errors.Is(err, config.ErrMissingOption) {
			cmd.Usage()
		}
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return bridge(ctx, cfg, a.runID)
}

// bridge streams frames from the configured region until ctx is
// cancelled or a fatal error occurs.
func bridge(ctx context.Context, cfg config.StreamConfig, runID string) error {
	log := logger.WithComponent("bridge")

	region, err := shm.Open(cfg.Name, cfg.Width, cfg.Height, cfg.BPP, shm.WithDir(cfg.ShmDir))
	if err != nil {
		return fmt.Errorf("failed to attach to shared memory %q: %w", cfg.Name, err)
	}
	defer region.Close()

	session, err := od4.NewSession(cfg.CID)
	if err != nil {
		return fmt.Errorf("failed to open OD4 session %d: %w", cfg.CID, err)
	}
	defer session.Close()

	trigger, err := scheduler.New(cfg.Freq)
	if err != nil {
		return err
	}

	var opts []stream.Option
	var preview *output.MJPEGOutput
	if cfg.HTTPPort > 0 {
		preview = output.NewMJPEGOutput(output.Config{
			Width:  cfg.ScaledWidth,
			Height: cfg.ScaledHeight,
			FPS:    cfg.Freq,
		})
		if err := preview.Start(); err != nil {
			return err
		}
		defer preview.Stop()
		opts = append(opts, stream.WithSink(preview))
	}

	pipeline, err := stream.New(stream.Config{
		SourceWidth:  cfg.Width,
		SourceHeight: cfg.Height,
		ScaledWidth:  cfg.ScaledWidth,
		ScaledHeight: cfg.ScaledHeight,
		SenderStamp:  cfg.ID,
		Verbose:      cfg.Verbose,
	}, region, encode.NewJPEG(cfg.JPEGQuality), session, opts...)
	if err != nil {
		return err
	}

	if preview != nil {
		server := api.NewServer(cfg, runID, preview, pipeline, trigger)
		go func() {
			if err := server.Start(ctx, cfg.HTTPPort); err != nil {
				log.Error().Err(err).Int("port", cfg.HTTPPort).Msg("Preview server failed")
			}
		}()
	}

	log.Info().
		Str("name", region.Name()).
		Uint16("cid", cfg.CID).
		Str("group", session.Address()).
		Float64("freq", cfg.Freq).
		Str("source", fmt.Sprintf("%dx%dx%d", cfg.Width, cfg.Height, cfg.BPP)).
		Str("scaled", fmt.Sprintf("%dx%d", cfg.ScaledWidth, cfg.ScaledHeight)).
		Msg("Streaming")

	err = trigger.Run(ctx, pipeline.Tick)

	stats := pipeline.Stats()
	ts := trigger.Stats()
	log.Info().
		Uint64("published", stats.Published).
		Uint64("publish_failures", stats.PublishFailures).
		Uint64("bytes", stats.Bytes).
		Uint64("ticks", ts.Ticks).
		Uint64("overruns", ts.Overruns).
		Msg("Stream stopped")
	return err
}
