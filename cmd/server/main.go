// Package main is the entry point for TACoreService: the ZeroMQ request
// broker, its embedded worker pool, and the HTTP monitoring API.
//
// Startup sequence:
//  1. Load configuration from environment variables (.env honored)
//  2. Initialize structured logging
//  3. Open the SQLite store and optional Redis cache
//  4. Start the metrics collector and periodic flusher
//  5. Bind the broker sockets and launch the routing loop
//  6. Launch the embedded worker pool
//  7. Register maintenance jobs (cleanup, WAL checkpoint, backup)
//  8. Start the HTTP monitoring API
//  9. Wait for shutdown signal and drain gracefully
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/tacore/internal/broker"
	"github.com/aristath/tacore/internal/cache"
	"github.com/aristath/tacore/internal/config"
	"github.com/aristath/tacore/internal/metrics"
	"github.com/aristath/tacore/internal/reliability"
	"github.com/aristath/tacore/internal/scheduler"
	"github.com/aristath/tacore/internal/server"
	"github.com/aristath/tacore/internal/store"
	"github.com/aristath/tacore/internal/trading"
	"github.com/aristath/tacore/internal/worker"
	"github.com/aristath/tacore/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})

	log.Info().
		Str("version", cfg.Version).
		Str("frontend", cfg.FrontendEndpoint()).
		Str("backend", cfg.BackendEndpoint()).
		Msg("Starting TACoreService")

	st, err := store.Open(store.Config{Path: cfg.StorePath, Log: log})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.Close()

	// Cache is optional: a missing or unreachable backend degrades to
	// uncached operation rather than failing startup.
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

	collector := metrics.NewCollector(cfg.MetricsWindow)
	flusher := metrics.NewFlusher(collector, st, cfg.MetricsInterval, log)
	go flusher.Run(ctx)

	// Broker: both ROUTER sockets bound before any worker dials in.
	brk := broker.New(broker.Config{
		FrontendEndpoint:  cfg.FrontendEndpoint(),
		BackendEndpoint:   cfg.BackendEndpoint(),
		HeartbeatInterval: cfg.HeartbeatInterval,
		StaleFactor:       cfg.HeartbeatStale,
		Log:               log,
	}, broker.NewRegistry(), st, collector)
	if err := brk.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start broker")
	}
	defer brk.Close()
	go brk.Run(ctx)

	// Embedded worker pool. Workers dial the backend over loopback; a
	// wildcard bind address is not a dialable endpoint.
	workerEndpoint := cfg.BackendEndpoint()
	if cfg.ZMQBindAddress == "*" || cfg.ZMQBindAddress == "0.0.0.0" {
		workerEndpoint = fmt.Sprintf("tcp://127.0.0.1:%d", cfg.ZMQBackendPort)
	}

	workers := make([]*worker.Worker, 0, cfg.WorkerCount)
	for i := 0; i < cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i+1, uuid.New().String()[:8])

		w := newWorker(workerID, workerEndpoint, cfg, c, st, log)
		if err := w.Start(ctx); err != nil {
			log.Fatal().Err(err).Str("worker_id", workerID).Msg("Failed to start worker")
		}
		go w.Run(ctx)
		workers = append(workers, w)
	}
	log.Info().Int("count", len(workers)).Msg("Worker pool started")

	// Backup service is optional, enabled by configuring a bucket.
	var backupSvc *reliability.BackupService
	if cfg.BackupEnabled() {
		s3, err := reliability.NewS3Client(ctx, reliability.S3Config{
			Bucket:    cfg.BackupBucket,
			Endpoint:  cfg.BackupEndpoint,
			AccessKey: cfg.BackupAccessKey,
			SecretKey: cfg.BackupSecretKey,
			Log:       log,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize backup storage")
		}
		backupSvc = reliability.NewBackupService(st, s3, cfg.Version, cfg.BackupRetain, log)
		log.Info().Str("bucket", cfg.BackupBucket).Msg("Backup service enabled")
	}

	sched := scheduler.New(log)
	mustAddJob(log, sched, "0 0 3 * * *", &scheduler.CleanupJob{
		Store:      st,
		RetainDays: cfg.MetricsRetentionDays,
		Log:        log,
	})
	mustAddJob(log, sched, "0 0 * * * *", &scheduler.CheckpointJob{Store: st, Log: log})
	if backupSvc != nil {
		mustAddJob(log, sched, "0 30 3 * * *", &scheduler.BackupJob{Backup: backupSvc, Log: log})
	}
	sched.Start()

	var backupRunner server.BackupRunner
	if backupSvc != nil {
		backupRunner = backupSvc
	}
	srv := server.New(server.Config{
		ServiceName: cfg.ServiceName,
		Version:     cfg.Version,
		Host:        cfg.HTTPHost,
		Port:        cfg.HTTPPort,
		Store:       st,
		Cache:       c,
		Collector:   collector,
		Backup:      backupRunner,
		Jobs:        sched,
		Log:         log,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	log.Info().Int("port", cfg.HTTPPort).Msg("TACoreService started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	cancel()

	// Wait for the broker and workers to flush their final status rows.
	drainTimeout := time.After(5 * time.Second)
	for _, w := range workers {
		select {
		case <-w.Done():
		case <-drainTimeout:
		}
	}
	select {
	case <-brk.Done():
	case <-drainTimeout:
	}

	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server forced to shutdown")
	}

	if err := st.WALCheckpoint("TRUNCATE"); err != nil {
		log.Warn().Err(err).Msg("Final WAL checkpoint failed")
	}

	log.Info().Msg("TACoreService stopped")
}

// newWorker builds one embedded worker with its own simulated engine. The
// engine reads the worker's processed counter for health.check responses.
func newWorker(workerID, endpoint string, cfg *config.Config, c *cache.Cache, st *store.Store, log zerolog.Logger) *worker.Worker {
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
	return w
}

// mustAddJob registers a job and aborts on an invalid schedule, which is a
// programming error rather than a runtime condition.
func mustAddJob(log zerolog.Logger, s *scheduler.Scheduler, schedule string, job scheduler.Job) {
	if err := s.AddJob(schedule, job); err != nil {
		log.Fatal().Err(err).Str("job", job.Name()).Msg("Failed to register job")
	}
}
