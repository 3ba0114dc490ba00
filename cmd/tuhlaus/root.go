package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/tuhlaus/config"
)

var (
	version = "0.1.0"

	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "tuhlaus",
		Short: "Multi-cloud waste detection engine",
		Long: `Tuhlaus - multi-cloud waste detection

Tuhlaus lists cloud resources, fetches the utilization metrics its
scenarios need and reports idle, stopped, orphaned and over-provisioned
resources with a confidence tier and an estimated monthly waste.

Findings are never produced from missing data: a scan always tells
"nothing is wasteful" apart from "could not tell".`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Tuhlaus {{.Version}} - multi-cloud waste detection
`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "tuhlaus.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides log.level from the config)")
}

// loadConfig reads the config file and configures the global logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := setupLogging(cfg.Log.Level); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(level string) error {
	if logLevel != "" {
		level = logLevel
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	return nil
}
