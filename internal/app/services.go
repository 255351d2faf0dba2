package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/roomledger/roomledger/internal/batchjob"
	"github.com/roomledger/roomledger/internal/booking"
	"github.com/roomledger/roomledger/internal/dashboard"
	jobmetrics "github.com/roomledger/roomledger/internal/jobs"
	"github.com/roomledger/roomledger/internal/observability"
	"github.com/roomledger/roomledger/internal/performance"
	"github.com/roomledger/roomledger/internal/period"
	"github.com/roomledger/roomledger/internal/recalc"
)

// Services is the domain object graph shared by the API server and the worker.
type Services struct {
	Facts        *booking.Repository
	Summaries    *performance.CachedStore
	Recalculator *performance.Recalculator
	Tracker      *batchjob.Tracker
	Dashboard    *dashboard.Service
	Recalc       *recalc.Service
	JobMetrics   *jobmetrics.Metrics
}

// NewServices wires repositories and services on top of Postgres and Redis.
// redisClient may be nil, which disables the summary cache.
func NewServices(cfg *Config, pool *pgxpool.Pool, redisClient *redis.Client, dispatcher recalc.Dispatcher,
	metrics *observability.Metrics, logger *slog.Logger) *Services {
	facts := booking.NewRepository(pool)
	summaries := performance.NewCachedStore(performance.NewPGStore(pool), redisClient, cfg.SummaryCacheTTL, logger).
		WithObserver(metrics)
	recalculator := performance.NewRecalculator(performance.NewEngine(facts), summaries, facts, logger)
	planner := performance.NewPlanner(summaries, facts, logger).WithStaleAfter(cfg.SummaryStaleAfter)
	resolver := period.NewResolver(logger)

	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())
	tracker := batchjob.NewTracker(batchjob.NewRepository(pool), logger)
	processor := recalc.NewProcessor(tracker, facts, cfg.RecalcConcurrency, logger, jobMetrics)
	recalcService := recalc.NewService(tracker, processor, recalculator, planner, resolver, dispatcher, summaries, recalc.Config{
		BatchSize:   cfg.RecalcBatchSize,
		Delay:       cfg.RecalcBatchDelay,
		Concurrency: cfg.RecalcConcurrency,
		StaleAfter:  cfg.JobStaleAfter,
	}, logger)

	builder := dashboard.NewBuilder(facts, summaries, recalculator, cfg.ReportRepairTimeout, logger).
		WithStaleAfter(cfg.SummaryStaleAfter)

	return &Services{
		Facts:        facts,
		Summaries:    summaries,
		Recalculator: recalculator,
		Tracker:      tracker,
		Dashboard:    dashboard.NewService(builder, resolver),
		Recalc:       recalcService,
		JobMetrics:   jobMetrics,
	}
}
