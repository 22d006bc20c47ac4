// Package main is the entry point for smtp-sink-lite: an SMTP endpoint that
// forwards every message to a webhook instead of delivering it.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/shineum/smtp-sink-lite/internal/config"
	"github.com/shineum/smtp-sink-lite/internal/logfile"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		slog.Error("smtp-sink failed", "error", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "smtp-sink",
		Usage:   "intercept outgoing mail and forward it to a webhook",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to YAML configuration file (optional)",
				EnvVars: []string{"SINK_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "path to a .env file (defaults to ./.env when present)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the SMTP endpoint and the admin server",
				Action: serveAction,
			},
			{
				Name:      "send",
				Usage:     "push .eml files through the interception pipeline",
				ArgsUsage: "FILE...",
				Action:    sendAction,
			},
		},
		DefaultCommand: "serve",
	}
}

// runState is shared by every command.
type runState struct {
	cfg    *config.Config
	runID  string
	logger *slog.Logger
}

// setup loads configuration and installs the process logger.
func setup(c *cli.Context) (*runState, error) {
	if err := config.LoadDotEnv(c.String("env-file")); err != nil {
		return nil, err
	}

	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logger := newLogger(cfg, runID)
	slog.SetDefault(logger)

	return &runState{cfg: cfg, runID: runID, logger: logger}, nil
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// newLogger writes JSON records to stdout and the same records to the
// rotated decision log. Every record carries the run id.
func newLogger(cfg *config.Config, runID string) *slog.Logger {
	level := parseLevel(cfg.Logging.Level)

	handlers := []slog.Handler{
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
	}
	if cfg.Sink.LogFile != "" {
		handlers = append(handlers, logfile.NewHandler(logfile.New(cfg.Sink.LogFile), level))
	}

	return slog.New(logfile.Tee(handlers...)).With("run_id", runID)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func usageError(format string, args ...any) error {
	return cli.Exit(fmt.Sprintf(format, args...), 2)
}
