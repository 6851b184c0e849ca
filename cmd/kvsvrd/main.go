// Command kvsvrd is the key-value server: TCP line protocol, HTTP REST
// adapter, and Prometheus metrics over a shared in-process heap.
// Wiring and startup sequence are grounded on teacher_reference/ws/main.go
// (flag parsing for a couple of overrides, automaxprocs, config load,
// signal-driven graceful shutdown).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/odinkv/kvsvrd/internal/config"
	"github.com/odinkv/kvsvrd/internal/heap"
	"github.com/odinkv/kvsvrd/internal/logging"
	"github.com/odinkv/kvsvrd/internal/metrics"
	"github.com/odinkv/kvsvrd/internal/pubsub"
	"github.com/odinkv/kvsvrd/internal/rwgate"
	"github.com/odinkv/kvsvrd/internal/store"
	"github.com/odinkv/kvsvrd/internal/transport"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides KVSVRD_LOG_LEVEL)")
	configPath := flag.String("config", "", "optional snapshot path override (overrides KVSVRD_SNAPSHOT_PATH)")
	flag.Parse()

	bootLogger := logging.New(logging.Options{Level: "info", Format: "json"})

	maxProcs := runtime.GOMAXPROCS(0)
	bootLogger.Info().Int("gomaxprocs", maxProcs).Msg("kvsvrd: starting")

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("kvsvrd: failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if *configPath != "" {
		cfg.SnapshotPath = *configPath
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: logging.Format(cfg.LogFormat)})
	cfg.LogConfig(logger)

	defer func() {
		if r := recover(); r != nil {
			logging.LogPanic(logger, r, "kvsvrd: fatal panic in main", nil)
			os.Exit(1)
		}
	}()

	alloc := heap.NewArena(cfg.HeapInitialBytes, logger)
	gate := rwgate.New()
	notifier := pubsub.New(logger)

	st, err := store.New(alloc, gate, notifier, cfg.TableInitialSize, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("kvsvrd: failed to create store")
	}

	if cfg.SnapshotPath != "" {
		if err := st.LoadSnapshot(cfg.SnapshotPath); err != nil {
			logger.Error().Err(err).Msg("kvsvrd: failed to load startup snapshot")
		}
	}

	m := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go metrics.RunProcessSampler(ctx, m, cfg.MetricsInterval, logger)

	if cfg.SnapshotEnabled && cfg.SnapshotPath != "" {
		go st.RunSnapshotWorker(ctx, cfg.SnapshotPath, cfg.SnapshotInterval)
	}

	var opExec *transport.OpExecutor
	if cfg.EnableOpExecutor {
		opExec = transport.NewOpExecutor(st, true, cfg.OpMaxPerSec)
		logger.Warn().Msg("kvsvrd: OP executor enabled, clients can run arbitrary shell commands")
	}

	tcpCfg := transport.Config{
		Addr:              cfg.Addr,
		MaxLineBytes:      cfg.MaxLineBytes,
		MaxConnections:    cfg.MaxConnections,
		MaxCommandsPerSec: cfg.MaxCommandsPerSec,
		EnableOpExecutor:  cfg.EnableOpExecutor,
		OpRatePerSec:      cfg.OpMaxPerSec,
		EnableNewsletter:  cfg.EnableNewsletter,
	}
	tcpServer := transport.NewServer(tcpCfg, logger, st, gate, notifier, m, opExec)
	if err := tcpServer.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("kvsvrd: failed to start tcp server")
	}

	var httpServer *transport.HTTPServer
	if cfg.EnableHTTP {
		httpServer = transport.NewHTTPServer(tcpCfg, logger, st, gate, m, cfg.WebRoot)
		if err := httpServer.Start(cfg.HTTPAddr); err != nil {
			logger.Fatal().Err(err).Msg("kvsvrd: failed to start http server")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("kvsvrd: shutting down")
	cancel()
	tcpServer.Stop()

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("kvsvrd: http server shutdown error")
		}
	}

	if cfg.SnapshotEnabled && cfg.SnapshotPath != "" {
		if err := st.SaveSnapshot(cfg.SnapshotPath); err != nil {
			logger.Error().Err(err).Msg("kvsvrd: failed to save final snapshot")
		}
	}

	logger.Info().Msg("kvsvrd: shutdown complete")
}
