// Package main provides the goi binary entry point.
// GOI drives agent sessions through plans, checkpoints, human
// collaboration and failure recovery, and serves them over HTTP.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/c360studio/goi/config"
	"github.com/c360studio/goi/goi/checkpoint"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "goi"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Agent session orchestrator",
		Long: `GOI drives agent sessions from a goal to a finished plan.

It provides:
- Plans executed step by step with checkpoints before risky operations
- Collaboration modes and control transfer between agent and user
- Failure reports with rollback, retry and skip recovery
- A replayable per-session event stream over SSE`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(&configPath, &logLevel))
	cmd.AddCommand(rulesCmd(&configPath, &logLevel))

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func serveCmd(configPath, logLevel *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(*logLevel, os.Stderr)
			slog.SetDefault(logger)

			cfg, err := config.NewLoader(logger).Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func rulesCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "Print the checkpoint rule presets as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(*logLevel, os.Stderr)

			cfg, err := config.NewLoader(logger).Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			library := checkpoint.NewLibrary(checkpoint.LibraryConfig{
				Dir:    cfg.Checkpoint.RulesDir,
				Logger: logger,
			})
			if err := library.Reload(); err != nil {
				return fmt.Errorf("load rules: %w", err)
			}
			return writePresets(cmd.OutOrStdout(), library.Presets())
		},
	}
}

func writePresets(w io.Writer, presets []checkpoint.Preset) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	for _, p := range presets {
		if err := enc.Encode(p); err != nil {
			return fmt.Errorf("encode preset %s: %w", p.Name, err)
		}
	}
	return nil
}

// newLogger builds the process logger for a level name. Unknown names
// fall back to info.
func newLogger(logLevel string, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func connectToNATS(ctx context.Context, cfg config.NATSConfig, logger *slog.Logger) (*natsclient.Client, error) {
	logger.Info("Connecting to NATS", "url", cfg.URL)

	client, err := natsclient.NewClient(cfg.URL,
		natsclient.WithName(cfg.Name),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithCircuitBreakerThreshold(20), // Higher threshold for startup bursts
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, cfg.URL)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, cfg.URL)
	}

	logger.Info("Connected to NATS", "url", cfg.URL)
	return client, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker run -d -p 4222:4222 nats -js

Or unset nats.url to run without event mirroring and the kv backend.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}
