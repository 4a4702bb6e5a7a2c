package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/ShmStreamer/internal/config"
)

func newConfigCmd(a *app) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect ShmStreamer configuration",
		Long:  `View the configuration resolved from flags, SHMSTREAMER_* variables and the config file.`,
	}

	var formatFlag string
	configShowCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the resolved configuration",
		Long:  `Resolve and validate the configuration exactly as the bridge would, then print it.`,
		Example: `  # Show configuration as YAML (default)
  shmstreamer config show --config stream.yaml

  # Show configuration as JSON
  shmstreamer config show --config stream.yaml --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.v)
			if err != nil {
				return err
			}

			switch formatFlag {
			case "json":
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(cfg)
			case "yaml":
				return cfg.WriteYAML(cmd.OutOrStdout())
			default:
				return fmt.Errorf("unsupported format: %s (use 'yaml' or 'json')", formatFlag)
			}
		},
	}
	configShowCmd.Flags().StringVarP(&formatFlag, "format", "f", "yaml", "output format (yaml or json)")

	configCmd.AddCommand(configShowCmd)
	return configCmd
}
