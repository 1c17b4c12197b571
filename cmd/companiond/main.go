// companiond is the cognitive companion runtime daemon. It runs the
// perceive, think, express, learn cycle against a SQLite store and exposes
// inspection subcommands over the same database.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"companion/internal/config"
	"companion/internal/logging"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "companiond",
	Short: "Proactive cognitive companion runtime",
	Long: `companiond runs a continuous consciousness cycle: attention codelets
sense the world, salient stimuli become thoughts, worthwhile thoughts are
expressed through care-gated channels, and user reactions feed back into
pattern mining and self-tuning.

All state lives in a single SQLite database shared with external adapters
(messenger bridge, calendar sync, emotion tracker).`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logging.Initialize(logging.Options{
			Level:      cfg.Logging.Level,
			JSONFormat: cfg.Logging.Format == "json",
			File:       cfg.Logging.File,
			Categories: cfg.Logging.Categories,
		})
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "companion.yaml", "path to the config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
