package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/floorops/internal/app"
	jobmetrics "github.com/odyssey-erp/floorops/internal/jobs"
	"github.com/odyssey-erp/floorops/internal/ledger"
	"github.com/odyssey-erp/floorops/internal/platform/cache"
	"github.com/odyssey-erp/floorops/internal/reconcile"
	"github.com/odyssey-erp/floorops/internal/stockaudit"
	"github.com/odyssey-erp/floorops/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	if cfg.StoreDriver == app.DriverMemory {
		logger.Warn("worker running against the memory store; results are not shared with the API server")
	}

	// The queue itself lives in Redis, so the worker cannot run without it.
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	components, err := app.NewComponents(ctx, cfg, logger, redisClient)
	if err != nil {
		logger.Error("wire components", slog.Any("error", err))
		os.Exit(1)
	}
	defer components.Close()
	if cfg.StoreDriver == app.DriverMemory {
		if err := app.SeedDemo(ctx, components); err != nil {
			logger.Error("seed demo data", slog.Any("error", err))
			os.Exit(1)
		}
	}

	metrics := jobmetrics.NewMetrics(components.Metrics.Registerer())
	sampleJob := stockaudit.NewSampleJob(components.Audits, redislock.New(redisClient), metrics, logger)
	verifyJob := ledger.NewVerifyJob(components.Ledger, components.Publisher, components.Metrics, metrics, logger)
	sweepJob := reconcile.NewSweepJob(components.Lines, metrics, logger)

	sampleTask, err := jobs.NewAuditSampleTask("")
	if err != nil {
		logger.Error("build audit sample task", slog.Any("error", err))
		os.Exit(1)
	}
	verifyTask, err := jobs.NewLedgerVerifyTask(time.Time{})
	if err != nil {
		logger.Error("build ledger verify task", slog.Any("error", err))
		os.Exit(1)
	}
	sweepTask, err := jobs.NewLeaseSweepTask(time.Time{})
	if err != nil {
		logger.Error("build lease sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAuditSample, Handler: sampleJob.Handle},
			{Type: jobs.TaskLedgerVerify, Handler: verifyJob.Handle},
			{Type: jobs.TaskLeaseSweep, Handler: sweepJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.AuditRunCron, Task: sampleTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.LedgerVerifyCron, Task: verifyTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
			{Spec: cfg.LineSweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(0), asynq.Unique(time.Minute)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.WorkerMetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.WorkerMetricsAddr,
			Handler:           components.Metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("worker metrics server", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("worker started",
		slog.String("audit_cron", cfg.AuditRunCron),
		slog.String("verify_cron", cfg.LedgerVerifyCron),
		slog.String("sweep_cron", cfg.LineSweepCron))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
