package commands

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/ShmStreamer/internal/config"
	"github.com/bryanchriswhite/ShmStreamer/internal/logger"
)

// app carries state shared by the command tree.
type app struct {
	v       *viper.Viper
	cfgFile string
	runID   string
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.NewViper()}

	rootCmd := &cobra.Command{
		Use:   "shmstreamer",
		Short: "ShmStreamer - publish shared memory video frames on an OD4 session",
		Long: `ShmStreamer reads raw video frames that a camera process writes into a
shared memory region, optionally scales them, encodes them as JPEG and
publishes them as opendlv.proxy.ImageReading messages on an OD4 session.

Frames are taken at most --freq times per second. A frame that arrives while
the previous one is still being processed replaces any unsent frame; there is
no backlog.`,
		Example: `  # Stream a 1280x960 BGR camera at 2 Hz on session 111
  shmstreamer --cid=111 --name=video0.argb --width=1280 --height=960 --bpp=24 --freq=2

  # Scale to 640x480 and open the preview server
  shmstreamer --cid=111 --name=video0.argb --width=1280 --height=960 --bpp=24 \
      --freq=10 --scaled-width=640 --scaled-height=480 --http-port=8080`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.initialize,
		RunE:              a.runBridge,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "YAML config file")
	flags.String(config.KeyLogLevel, "info", "log level (debug, info, warn, error)")
	flags.Bool(config.KeyLogPretty, false, "human readable console logs")
	config.AddStreamFlags(flags)
	// Every flag is defined above, so binding cannot fail.
	_ = a.v.BindPFlags(flags)

	rootCmd.AddCommand(newSimulateCmd(a))
	rootCmd.AddCommand(newListenCmd(a))
	rootCmd.AddCommand(newConfigCmd(a))
	return rootCmd
}

// initialize merges the config file and sets up logging.
func (a *app) initialize(cmd *cobra.Command, args []string) error {
	if err := config.ReadFile(a.v, a.cfgFile); err != nil {
		return err
	}
	a.runID = uuid.NewString()
	logger.Init(a.v.GetString(config.KeyLogLevel), a.v.GetBool(config.KeyLogPretty), a.runID)
	return nil
}

// Execute runs the root command
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
