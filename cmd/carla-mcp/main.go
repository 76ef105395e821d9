// Command carla-mcp serves a Carla simulator to MCP clients over stdio or HTTP+SSE.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MegaGrindStone/carla-mcp/config"
	"github.com/MegaGrindStone/carla-mcp/servers/simulator"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "carla-mcp",
		Short:        "MCP server for the Carla driving simulator",
		Long:         "carla-mcp exposes a running Carla simulator to LLM clients through the Model Context Protocol.",
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, os.LookupEnv)
			if err != nil {
				return err
			}
			if err := applyFlags(cmd, &cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logs, err := newLogHandler(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			logger := slog.New(logs)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger, logs, os.Stdin, os.Stdout)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")
	flags.String("carla-host", "", "Carla server host")
	flags.Int("carla-port", 0, "Carla server RPC port")
	flags.String("transport", "", "MCP transport: stdio or sse")
	flags.String("addr", "", "listen address of the sse transport")
	flags.String("base-url", "", "URL sse clients reach the server at")
	flags.String("recorder", "", "SQLite file recording simulation runs, empty disables recording")
	flags.String("metrics-addr", "", "listen address for /metrics with the stdio transport")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("log-format", "", "log format: text or json")

	return cmd
}

// applyFlags overrides cfg with the flags set on the command line.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()

	strs := map[string]*string{
		"carla-host":   &cfg.Carla.Host,
		"transport":    &cfg.Server.Transport,
		"addr":         &cfg.Server.Addr,
		"base-url":     &cfg.Server.BaseURL,
		"recorder":     &cfg.Recorder.Path,
		"metrics-addr": &cfg.Metrics.Addr,
		"log-level":    &cfg.Log.Level,
		"log-format":   &cfg.Log.Format,
	}
	for name, dst := range strs {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	if flags.Changed("carla-port") {
		port, err := flags.GetInt("carla-port")
		if err != nil {
			return err
		}
		cfg.Carla.Port = port
	}
	return nil
}

// newLogHandler builds the stderr handler and wraps it so records also reach MCP
// clients. Stdout is left to the stdio transport.
func newLogHandler(cfg config.LogConfig, w io.Writer) (*simulator.LogHandler, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	opts := &slog.HandlerOptions{Level: level}
	var base slog.Handler
	switch cfg.Format {
	case "json":
		base = slog.NewJSONHandler(w, opts)
	default:
		base = slog.NewTextHandler(w, opts)
	}
	return simulator.NewLogHandler(base), nil
}
