// Package cmd implements the CLI commands for adscribe.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/adscribe/adscribe/internal/config"
	"github.com/adscribe/adscribe/internal/observability"
	"github.com/adscribe/adscribe/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "adscribe",
	Short:   "AI audio description pipeline for YouTube videos",
	Version: version.Short(),
	Long: `adscribe runs a resumable multi-stage pipeline that turns a YouTube
video into an AI-drafted audio description and publishes the draft to a
YDX server for human review.

The serve command starts the intake API, the task queue workers, and the
cleanup supervisor in one process. The submit command queues a video
against a running server.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, /etc/adscribe, $HOME/.adscribe)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
}

// loadConfig reads the configuration and applies CLI logging overrides.
// Flags beat environment variables, which beat the config file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if level, ok := changedString(rootCmd.PersistentFlags(), "log-level"); ok {
		cfg.Logging.Level = strings.ToLower(level)
	}
	if format, ok := changedString(rootCmd.PersistentFlags(), "log-format"); ok {
		cfg.Logging.Format = strings.ToLower(format)
	}
	if cfg.Logging.Level == "warning" {
		cfg.Logging.Level = "warn"
	}

	return cfg, nil
}

// changedString returns a string flag's value only when the user set it,
// so flag defaults never shadow environment or file configuration.
func changedString(flags *pflag.FlagSet, name string) (string, bool) {
	if !flags.Changed(name) {
		return "", false
	}
	value, _ := flags.GetString(name)
	return value, true
}

// setupLogging installs the process-wide logger from config.
func setupLogging(cfg *config.Config) {
	logger := observability.NewLogger(cfg.Logging)
	observability.SetDefault(logger)
}
