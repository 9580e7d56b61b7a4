// Command offq manages an offline-first mutation queue: it records local
// changes durably, replays them against the remote store when connectivity
// allows, and surfaces conflicts for manual resolution.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/offq/offq/internal/config"
	"github.com/offq/offq/internal/logging"
	"github.com/offq/offq/internal/ui"
)

var (
	configPath   string
	outputFormat string
	logLevel     string

	cfg    *config.Config
	logger *logging.Logger
)

// skipConfig marks commands that run without loading the config file.
const skipConfig = "skip-config"

var rootCmd = &cobra.Command{
	Use:   "offq",
	Short: "Offline-first mutation queue",
	Long: `offq queues local mutations durably while offline and replays them against
the remote store once it is reachable again, in priority order with
exponential backoff. Mutations whose entity changed remotely are held back
as conflicts until resolved.

Settings come from .offq/offq.toml (see 'offq config init') and OFFQ_*
environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.Init(os.Stdout)

		switch outputFormat {
		case formatTable, formatJSON, formatYAML:
		default:
			fatalf("--format must be table, json or yaml")
		}

		if cmd.Annotations[skipConfig] == "true" {
			logger = logging.Nop()
			return
		}

		loaded, err := config.Load(configPath)
		if err != nil {
			fatalf("%v", err)
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		l, err := logging.New(logging.Options{
			Level:  loaded.Log.Level,
			Format: loaded.Log.Format,
			File:   loaded.Log.File,
		})
		if err != nil {
			fatalf("%v", err)
		}
		cfg = loaded
		logger = l
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: .offq/offq.toml or ~/.config/offq/offq.toml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", formatTable, "Output format: table, json or yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level (trace, debug, info, warn, error)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "queue", Title: "Queue:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fatalf("%v", err)
	}
	runExitHooks()
}
