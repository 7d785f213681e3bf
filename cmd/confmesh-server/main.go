package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/confmesh/confmesh/internal/config"
	"github.com/confmesh/confmesh/internal/httpserver"
	"github.com/confmesh/confmesh/internal/mediaengine"
	"github.com/confmesh/confmesh/internal/metrics"
	"github.com/confmesh/confmesh/internal/room"
	"github.com/confmesh/confmesh/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting confmesh-server",
		"listen_addr", cfg.ListenAddr,
		"rooms", cfg.Rooms,
		"max_users", cfg.MaxUsers,
		"max_screen_shares", cfg.MaxScreenShares,
		"media_engine_url", cfg.MediaEngineURL,
	)

	engine, err := mediaengine.NewRemote(cfg.MediaEngineURL, cfg.MediaEngineTimeout)
	if err != nil {
		logger.Error("failed to configure media engine client", "err", err)
		os.Exit(2)
	}

	// No useful work can happen without the engine; fail startup rather than
	// serve a signaling surface that rejects everything.
	probeCtx, cancelProbe := context.WithTimeout(context.Background(), cfg.MediaEngineProbeTimeout)
	if err := engine.Probe(probeCtx); err != nil {
		cancelProbe()
		logger.Error("media engine probe failed", "url", cfg.MediaEngineURL, "err", err)
		os.Exit(1)
	}
	cancelProbe()
	logger.Info("media engine ready", "url", cfg.MediaEngineURL)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, engine.Ready)

	m := metrics.New()
	rooms := room.NewRegistry(cfg.Rooms, cfg.MaxUsers, cfg.MaxScreenShares)
	sig := signaling.NewServer(cfg, logger, rooms, engine, m)
	sig.RegisterRoutes(srv.Mux())

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	if commit == "" {
		commit = "unknown"
	}
	if buildTime == "" {
		buildTime = "unknown"
	}
	return commit, buildTime
}
