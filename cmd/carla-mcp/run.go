package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/carla-mcp/carla"
	"github.com/MegaGrindStone/carla-mcp/config"
	"github.com/MegaGrindStone/carla-mcp/mcp"
	"github.com/MegaGrindStone/carla-mcp/recorder"
	"github.com/MegaGrindStone/carla-mcp/servers/simulator"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 15 * time.Second

	instructions = "Tools drive a Carla simulator: load maps, spawn and control actors, " +
		"change weather and step the simulation. Actors spawned here are destroyed when the server stops."
)

// run serves until ctx is cancelled or, with the stdio transport, stdin is closed.
func run(
	ctx context.Context,
	cfg config.Config,
	logger *slog.Logger,
	logs *simulator.LogHandler,
	stdin io.Reader,
	stdout io.Writer,
) error {
	conn := carla.NewConnection(cfg.Carla.Host, cfg.Carla.Port,
		carla.WithConnectionTimeout(cfg.Carla.Timeout),
		carla.WithReconnectInterval(cfg.Carla.ReconnectInterval),
		carla.WithConnectionLogger(logger))

	simOptions := []simulator.Option{simulator.WithLogger(logger)}
	if cfg.Recorder.Path != "" {
		store, err := recorder.Open(ctx, cfg.Recorder.Path, recorder.WithLogger(logger))
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("failed to close recorder", slog.String("err", err.Error()))
			}
		}()
		simOptions = append(simOptions, simulator.WithRecorder(store))
	}
	sim := simulator.NewServer(conn, simOptions...)

	var (
		transport mcp.ServerTransport
		handler   http.Handler
		httpAddr  string
	)
	switch cfg.Server.Transport {
	case config.TransportSSE:
		sse := mcp.NewSSEServer(cfg.Server.ResolvedBaseURL()+"/message", mcp.WithSSEServerLogger(logger))
		transport = sse
		handler = newRouter(conn, &sse)
		httpAddr = cfg.Server.Addr
	default:
		transport = mcp.NewStdIO(stdin, stdout, mcp.WithStdIOLogger(logger))
		if cfg.Metrics.Addr != "" {
			handler = newRouter(conn, nil)
			httpAddr = cfg.Metrics.Addr
		}
	}

	srv := mcp.NewServer(mcp.Info{Name: "carla-mcp", Version: version}, transport,
		mcp.WithToolServer(sim),
		mcp.WithResourceServer(sim),
		mcp.WithResourceListUpdater(sim),
		mcp.WithResourceSubscriptionHandler(sim),
		mcp.WithPromptServer(sim),
		mcp.WithLogHandler(logs),
		mcp.WithInstructions(instructions),
		mcp.WithServerPingInterval(cfg.Server.PingInterval),
		mcp.WithServerLogger(logger),
		mcp.WithServerOnClientConnected(func(id string, info mcp.Info) {
			logger.Info("client connected",
				slog.String("session_id", id),
				slog.String("client", info.Name),
				slog.String("client_version", info.Version))
		}),
		mcp.WithServerOnClientDisconnected(func(id string) {
			logger.Info("client disconnected", slog.String("session_id", id))
		}),
	)

	var httpSrv *http.Server
	if handler != nil {
		httpSrv = &http.Server{
			Addr:              httpAddr,
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	served := make(chan struct{})

	g.Go(func() error {
		defer close(served)
		logger.Info("serving MCP",
			slog.String("transport", cfg.Server.Transport),
			slog.String("carla", conn.Addr()))
		srv.Serve()
		return nil
	})

	if httpSrv != nil {
		g.Go(func() error {
			logger.Info("HTTP server listening", slog.String("addr", httpSrv.Addr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-served:
		}
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// The update and log streams must end before the MCP server can finish.
		sim.Close()
		logs.Close()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("mcp server: %w", err))
		}
		if httpSrv != nil {
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("http server: %w", err))
			}
		}
		if err := conn.Close(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
