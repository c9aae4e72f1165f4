package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/kohantikanath/visit-counter/internal/config"
	"github.com/kohantikanath/visit-counter/internal/counter"
	"github.com/kohantikanath/visit-counter/internal/monitoring"
	"github.com/kohantikanath/visit-counter/internal/server"
	"github.com/kohantikanath/visit-counter/internal/shard"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	// Basic logger for startup, before config decides the structured format.
	startup := log.New(os.Stdout, "[visitd] ", log.LstdFlags)

	// automaxprocs caps GOMAXPROCS at the container CPU limit.
	startup.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	cfg, err := config.LoadConfig(nil)
	if err != nil {
		startup.Fatalf("Failed to load configuration: %v", err)
	}

	if *debug {
		cfg.LogLevel = "debug"
		startup.Printf("Debug mode enabled via flag")
	}

	// Human-readable config for startup logs
	cfg.Print()

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  monitoring.LogLevel(cfg.LogLevel),
		Format: monitoring.LogFormat(cfg.LogFormat),
	})
	cfg.LogConfig(logger)

	manager := shard.NewManager(shard.Options{
		PoolSize:     cfg.RedisPoolSize,
		VirtualNodes: cfg.VirtualNodes,
		MigrateRate:  cfg.MigrateRate,
		Logger:       logger,
	})
	// Seeding runs the same migrating add an operator would, so counters
	// persisted by a previous topology land on their current owners.
	if err := manager.Seed(context.Background(), cfg.Nodes()); err != nil {
		logger.Fatal().Err(err).Msg("Failed to seed shard ring")
	}

	engine := counter.NewEngine(manager, counter.Config{
		CacheTTL:        cfg.CacheTTL,
		FlushInterval:   cfg.FlushInterval,
		CacheMaxEntries: cfg.CacheMaxEntries,
		FlushWorkers:    cfg.FlushWorkers,
		FlushQueueSize:  cfg.FlushQueueSize,
		Logger:          logger,
	})
	engine.Start()

	monitor := monitoring.NewSystemMonitor(logger)
	monitor.Start(cfg.MetricsInterval)

	srv := server.NewServer(server.Config{
		Addr:         cfg.Addr,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		Environment:  cfg.Environment,
	}, engine, manager, monitor, logger)
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start HTTP server")
	}

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown error")
	}
	// Push remaining buffered deltas out while the shard clients are still up.
	if err := engine.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Final buffer flush failed")
	}
	if err := manager.Close(); err != nil {
		logger.Error().Err(err).Msg("Closing shard clients failed")
	}
	monitor.Stop()

	logger.Info().Msg("Shutdown complete")
}
