package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/roomledger/roomledger/internal/app"
	"github.com/roomledger/roomledger/internal/observability"
	"github.com/roomledger/roomledger/internal/platform/cache"
	"github.com/roomledger/roomledger/internal/platform/db"
	"github.com/roomledger/roomledger/internal/recalc"
	"github.com/roomledger/roomledger/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, summary cache disabled", slog.Any("error", err))
	}
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	services := app.NewServices(cfg, pool, redisClient, jobClient, metrics, logger)

	recalcJob := recalc.NewRecalculateJob(services.Recalc, logger, services.JobMetrics)
	smartYearlyJob := jobs.NewSmartYearlyJob(services.Recalc, logger, services.JobMetrics)
	reconcileJob := jobs.NewReconcileJob(services.Recalc, logger, services.JobMetrics)

	smartYearlyTask, err := jobs.NewSmartYearlyTask(0)
	if err != nil {
		logger.Error("build smart yearly task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskPerformanceRecalculate, Handler: recalcJob.Handle},
			{Type: jobs.TaskPerformanceSmartYearly, Handler: smartYearlyJob.Handle},
			{Type: jobs.TaskPerformanceReconcile, Handler: reconcileJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.SmartYearlyCron, Task: smartYearlyTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.ReconcileCron, Task: jobs.NewReconcileTask(), Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
		OnStart: []func(context.Context){
			func(ctx context.Context) {
				if err := reconcileJob.Run(ctx); err != nil {
					logger.Warn("startup reconcile", slog.Any("error", err))
				}
			},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started", slog.Int("concurrency", cfg.WorkerConcurrency))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
	services.Dashboard.Wait()
}
