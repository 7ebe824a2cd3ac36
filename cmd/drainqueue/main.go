// Command drainqueue is the example daemon for this module: it drains a
// Redis-stream-backed queue with a configurable worker pool, the way
// cmd/nova's "daemon" subcommand drives nova's own long-running process.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oriys/drainqueue/internal/config"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "drainqueue",
		Short: "drainqueue - reliable worker-pool consumer for a broker-backed queue",
		Long:  "A CLI daemon that drains a Redis-stream backed queue with at-least-once delivery, autoclaim redelivery, and dead-letter dropping.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to JSON config file (optional, env overrides)")

	rootCmd.AddCommand(
		runCmd(),
		enqueueCmd(),
		healthCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the drainqueue version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("drainqueue dev")
			return nil
		},
	}
}
