package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/ShmStreamer/internal/capture/shm"
	"github.com/bryanchriswhite/ShmStreamer/internal/config"
	"github.com/bryanchriswhite/ShmStreamer/internal/logger"
	"github.com/bryanchriswhite/ShmStreamer/internal/scheduler"
)

const defaultSimulateFreq = 30

func newSimulateCmd(a *app) *cobra.Command {
	var count uint64

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Write a moving test pattern into a shared memory region",
		Long: `Create the shared memory region named by --name and write a moving test
pattern into it at --freq frames per second (30 if not given). The region is
removed on exit.`,
		Example: `  # Feed a 1280x960 BGR region at 30 Hz
  shmstreamer simulate --name=video0.argb --width=1280 --height=960 --bpp=24`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Require(a.v, config.KeyName, config.KeyWidth, config.KeyHeight, config.KeyBPP); err != nil {
				cmd.Usage()
				return err
			}
			if err := config.ValidateDepth(a.v.GetInt(config.KeyBPP)); err != nil {
				return err
			}
			freq := float64(defaultSimulateFreq)
			if a.v.IsSet(config.KeyFreq) {
				freq = a.v.GetFloat64(config.KeyFreq)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return simulate(ctx, simulateOptions{
				name:   a.v.GetString(config.KeyName),
				dir:    a.v.GetString(config.KeyShmDir),
				width:  a.v.GetInt(config.KeyWidth),
				height: a.v.GetInt(config.KeyHeight),
				bpp:    a.v.GetInt(config.KeyBPP),
				freq:   freq,
				count:  count,
			})
		},
	}

	cmd.Flags().Uint64Var(&count, "count", 0, "stop after this many frames (0 runs until interrupted)")
	return cmd
}

type simulateOptions struct {
	name   string
	dir    string
	width  int
	height int
	bpp    int
	freq   float64
	count  uint64
}

func simulate(ctx context.Context, opts simulateOptions) error {
	log := logger.WithComponent("simulate")

	writer, err := shm.Create(opts.name, opts.width, opts.height, opts.bpp, shm.WithDir(opts.dir))
	if err != nil {
		return fmt.Errorf("failed to create shared memory %q: %w", opts.name, err)
	}
	defer writer.Close()

	trigger, err := scheduler.New(opts.freq)
	if err != nil {
		return err
	}

	log.Info().
		Str("path", writer.Path()).
		Str("geometry", fmt.Sprintf("%dx%dx%d", opts.width, opts.height, opts.bpp)).
		Float64("freq", opts.freq).
		Msg("Writing test pattern")

	var n int
	err = trigger.Run(ctx, func(context.Context) (bool, error) {
		if err := writer.WriteFrame(func(pix []byte) {
			drawPattern(pix, opts.width, opts.height, opts.bpp, n)
		}); err != nil {
			return false, err
		}
		n++
		return opts.count == 0 || uint64(n) < opts.count, nil
	})

	log.Info().Uint64("frames", writer.Sequence()).Msg("Simulation stopped")
	return err
}

// drawPattern fills pix with a diagonal gradient and a vertical bar that
// moves a few pixels per frame. 3 and 4 byte pixels are BGR(A); any other
// depth is filled with grey in every byte.
func drawPattern(pix []byte, width, height, bpp, frameNo int) {
	bytesPerPixel := bpp / 8
	barWidth := max(width/16, 1)
	barX := (frameNo * 4) % width

	for y := 0; y < height; y++ {
		row := pix[y*width*bytesPerPixel:]
		for x := 0; x < width; x++ {
			p := row[x*bytesPerPixel : (x+1)*bytesPerPixel]
			b := byte(x * 255 / max(width-1, 1))
			g := byte(y * 255 / max(height-1, 1))
			r := byte(frameNo * 3)
			if x >= barX && x < barX+barWidth {
				b, g, r = 255, 255, 255
			}

			switch bytesPerPixel {
			case 3, 4:
				p[0], p[1], p[2] = b, g, r
				if bytesPerPixel == 4 {
					p[3] = 255
				}
			default:
				grey := byte((int(b) + int(g) + int(r)) / 3)
				for i := range p {
					p[i] = grey
				}
			}
		}
	}
}
