package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/ShmStreamer/internal/config"
	"github.com/bryanchriswhite/ShmStreamer/internal/logger"
	"github.com/bryanchriswhite/ShmStreamer/internal/od4"
	"github.com/bryanchriswhite/ShmStreamer/internal/od4/opendlv"
)

func newListenCmd(a *app) *cobra.Command {
	var count uint64

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Log image readings received on an OD4 session",
		Long: `Join the OD4 session given by --cid and log the metadata of every
ImageReading received: sender stamp, format, size and latency. Image data is
not decoded or stored.`,
		Example: `  # Watch session 111
  shmstreamer listen --cid=111`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Require(a.v, config.KeyCID); err != nil {
				cmd.Usage()
				return err
			}
			cid := a.v.GetInt(config.KeyCID)
			if cid < 1 || cid > 254 {
				return fmt.Errorf("%w: --%s must be in 1..254, got %d", config.ErrInvalidOption, config.KeyCID, cid)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			listener, err := od4.Listen(uint16(cid))
			if err != nil {
				return fmt.Errorf("failed to join OD4 session %d: %w", cid, err)
			}
			defer listener.Close()

			_, err = listen(ctx, listener, count)
			return err
		},
	}

	cmd.Flags().Uint64Var(&count, "count", 0, "stop after this many image readings (0 runs until interrupted)")
	return cmd
}

// envelopeReceiver is the receiving side of a session.
type envelopeReceiver interface {
	Receive(ctx context.Context) (od4.Envelope, error)
}

// listen logs image readings until ctx ends or count readings were seen.
// It returns the number of readings logged.
func listen(ctx context.Context, rx envelopeReceiver, count uint64) (uint64, error) {
	log := logger.WithComponent("listen")

	var seen uint64
	for count == 0 || seen < count {
		env, err := rx.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return seen, nil
			}
			return seen, err
		}
		if env.DataType != opendlv.ImageReadingID {
			log.Debug().Int32("data_type", env.DataType).Msg("Skipping message")
			continue
		}

		reading, err := opendlv.UnmarshalImageReading(env.SerializedData)
		if err != nil {
			log.Warn().Err(err).Uint32("sender_stamp", env.SenderStamp).Msg("Malformed image reading")
			continue
		}
		seen++

		log.Info().
			Uint32("sender_stamp", env.SenderStamp).
			Str("format", reading.Format).
			Uint32("width", reading.Width).
			Uint32("height", reading.Height).
			Int("bytes", len(reading.Data)).
			Time("sample_time", env.SampleTimeStamp).
			Dur("latency", env.Received.Sub(env.Sent)).
			Msg("Image reading")
	}
	return seen, nil
}
