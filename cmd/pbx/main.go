// Command pbx runs the telephone switch: it accepts client connections on
// a TCP port, each one becoming a registered telephone unit, and serves a
// read-only admin HTTP surface alongside it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/pbx/internal/admin"
	"github.com/flowpbx/pbx/internal/config"
	"github.com/flowpbx/pbx/internal/metrics"
	"github.com/flowpbx/pbx/internal/pbx"
	"github.com/flowpbx/pbx/internal/switchboard"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "usage: pbx -p <port> [flags]\nerror: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting pbx",
		"port", cfg.Port,
		"host", cfg.Host,
		"ext_base", cfg.ExtBase,
		"admin_addr", cfg.AdminAddr,
	)

	promReg := prometheus.NewRegistry()
	registry := pbx.NewRegistry(cfg.ExtBase)
	counters := metrics.NewCounters(promReg)
	promReg.MustRegister(metrics.NewCollector(registry, time.Now()))

	engine := pbx.NewEngine(registry, logger, counters)

	sb := switchboard.NewServer(switchboard.Config{
		Addr:              cfg.Addr(),
		MaxConnsPerSecond: cfg.MaxConnsPerSec,
		Burst:             cfg.ConnBurst,
	}, engine, logger, counters)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	if err := sb.Start(appCtx); err != nil {
		slog.Error("failed to start switchboard", "error", err)
		os.Exit(1)
	}

	adminSrv := admin.NewServer(registry, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}), logger)
	if err := adminSrv.Start(cfg.AdminAddr); err != nil {
		slog.Error("failed to start admin http surface", "error", err)
		os.Exit(1)
	}

	// Every exit path — SIGHUP or SIGINT/SIGTERM — tears the registry down
	// the same way: every TU is hung up and unregistered, and its
	// connection's read side is half-closed so the serving goroutine
	// observes EOF and exits on its own rather than leaving sb.Stop()
	// blocked on s.wg.Wait() for a still-connected client, per spec.md
	// §6.1 and §9's cooperative-exit requirement.
	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-hangup:
		slog.Info("received SIGHUP, shutting down registry")

	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	}

	torn := engine.Shutdown()
	sb.HalfCloseAll(torn)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down servers")
	sb.Stop()
	if err := adminSrv.Stop(ctx); err != nil {
		slog.Error("admin http surface shutdown error", "error", err)
	}

	slog.Info("pbx stopped")
}
