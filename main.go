package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/veilproxy/veilproxy/internal/barrier"
	"github.com/veilproxy/veilproxy/internal/config"
	"github.com/veilproxy/veilproxy/internal/logger"
	"github.com/veilproxy/veilproxy/internal/metrics"
	"github.com/veilproxy/veilproxy/internal/overlay"
	"github.com/veilproxy/veilproxy/internal/proxy"
	"github.com/veilproxy/veilproxy/internal/sweep"
	"github.com/veilproxy/veilproxy/internal/tunnel"
	"github.com/veilproxy/veilproxy/internal/version"
	"github.com/veilproxy/veilproxy/pkg/format"
)

func main() {
	vlog := log.New(log.Writer(), "", 0)
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		version.PrintVersionInfo(true, vlog)
		os.Exit(0)
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", version.Name, err)
		os.Exit(1)
	}

	logLevel := cfg.Logging.Level
	if cfg.Logging.Debug {
		logLevel = logger.LogLevelDebug
	}
	appLog, cleanup, err := logger.New(&logger.Config{
		Level:      logLevel,
		LogDir:     cfg.Logging.Dir,
		Format:     cfg.Logging.Format,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
		FileOutput: cfg.Logging.FileOutput,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()
	slog.SetDefault(appLog)

	version.PrintVersionInfo(false, vlog)
	appLog.Info("initialising", "version", version.Version, "pid", os.Getpid())
	appLog.Info("relay buffers configured",
		"incoming_buf", format.Bytes(uint64(cfg.Buffers.IncomingBuf)),
		"outgoing_buf", format.Bytes(uint64(cfg.Buffers.OutgoingBuf)),
		"cache_ttl", format.Duration(cfg.Tunnel.TTL),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	rl, err := barrier.New(cfg.Server.Replenish, cfg.Server.MaxBurst)
	if err != nil {
		logger.FatalWithLogger(appLog, "failed to build rate limiter", "error", err)
	}

	overlayClient := overlay.New(overlay.Config{
		ProxyAddr:   cfg.Overlay.ProxyAddr,
		DialTimeout: cfg.Overlay.DialTimeout,
	})

	appLog.Info("bootstrapping overlay client", "proxy_addr", cfg.Overlay.ProxyAddr, "circuits", cfg.Tunnel.Circuits)
	tunnelClient, err := tunnel.Bootstrap(ctx, overlayClient, cfg.Tunnel.Circuits, cfg.Tunnel.MaxEntries, cfg.Tunnel.TTL, appLog, cfg.Logging.Debug)
	if err != nil {
		logger.FatalWithLogger(appLog, "failed to bootstrap overlay client", "error", err)
	}
	defer tunnelClient.Close()

	var rec *metrics.Recorder
	var metricsServer *metrics.Server
	if cfg.Metrics.Addr != "" {
		rec = metrics.New()
		metricsServer = metrics.NewServer(cfg.Metrics.Addr, rec)
	}

	sweeper := sweep.New(tunnelClient, cfg.Sweep.Schedule, rec, appLog)
	if err := sweeper.Start(); err != nil {
		appLog.Warn("failed to start cache sweep scheduler", "error", err)
	}
	defer sweeper.Stop()

	p, err := proxy.New(cfg.Server.Port, rl, tunnelClient, cfg.Buffers, appLog, rec)
	if err != nil {
		logger.FatalWithLogger(appLog, "failed to build proxy", "error", err)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return p.Run(egCtx)
	})
	if metricsServer != nil {
		appLog.Info("serving metrics", "addr", cfg.Metrics.Addr)
		eg.Go(func() error {
			return metricsServer.Serve(egCtx)
		})
	}

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.FatalWithLogger(appLog, "failed to run proxy", "error", err)
	}

	appLog.Info("veilproxy has shut down")
}
