// Package main is the entry point for a standalone TACoreService worker.
// It dials the broker's backend endpoint over TCP, which allows the worker
// pool to be scaled independently of the broker process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/tacore/internal/cache"
	"github.com/aristath/tacore/internal/config"
	"github.com/aristath/tacore/internal/store"
	"github.com/aristath/tacore/internal/trading"
	"github.com/aristath/tacore/internal/worker"
	"github.com/aristath/tacore/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})

	workerID := os.Getenv("TACORE_WORKER_ID")
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	}

	endpoint := os.Getenv("TACORE_BROKER_ENDPOINT")
	if endpoint == "" {
		endpoint = fmt.Sprintf("tcp://127.0.0.1:%d", cfg.ZMQBackendPort)
	}

	log.Info().
		Str("worker_id", workerID).
		Str("endpoint", endpoint).
		Msg("Starting standalone worker")

	st, err := store.Open(store.Config{Path: cfg.StorePath, Log: log})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.Close()

	c := cache.Open(cache.Config{
		Host:     cfg.CacheHost,
		Port:     cfg.CachePort,
		DB:       cfg.CacheDB,
		Password: cfg.CachePassword,
		Log:      log,
	})
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var w *worker.Worker
	engine := trading.NewEngine(trading.EngineConfig{
		WorkerID:  workerID,
		Cache:     c,
		Processed: func() int64 { return w.Processed() },
		Log:       log,
	})
	registry, err := trading.NewRegistry(engine.Handlers(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build handler registry")
	}

	w = worker.New(worker.Config{
		ID:                workerID,
		BrokerEndpoint:    endpoint,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Log:               log,
	}, registry, st)

	if err := w.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start worker")
	}
	defer w.Close()
	go w.Run(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker...")
	cancel()

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
	}

	log.Info().Msg("Worker stopped")
}
