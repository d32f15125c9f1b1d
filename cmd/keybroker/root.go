package main

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kenneth/ephemeral-key-broker/internal/config"
)

// Set at build time via -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "keybroker",
		Short: "Ephemeral key broker",
		Long: `Serves an HTML page encrypted with AES-256-CBC under a fresh key per request.
The browser fetches the key by id while it is live and decrypts the page locally.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newCheckConfigCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func newCheckConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "listen_addr: %s\n", cfg.ListenAddr)
			fmt.Fprintf(out, "ttl: %s\n", cfg.Broker.TTL())
			fmt.Fprintf(out, "sweep_interval: %s\n", cfg.Broker.SweepInterval())
			fmt.Fprintf(out, "rate_limit: %t\n", cfg.RateLimit.Enabled)
			fmt.Fprintf(out, "audit: %t\n", cfg.Audit.Enabled)
			fmt.Fprintf(out, "tracing: %t\n", cfg.Tracing.Enabled)
			fmt.Fprintln(out, "configuration OK")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// newLogger builds the process logger from config.
func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if strings.EqualFold(cfg.Format, "text") {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	applyLogLevel(logger, cfg.Level)
	return logger
}

func applyLogLevel(logger *logrus.Logger, level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logger.WithField("level", level).Warn("Unknown log level, using info")
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
}
