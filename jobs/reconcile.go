package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/roomledger/roomledger/internal/jobs"
)

// JobReconciler repairs the job ledger after worker loss.
type JobReconciler interface {
	ReconcileStale(ctx context.Context) (int, error)
	ResumePending(ctx context.Context) (int, error)
}

// ReconcileJob fails stale IN_PROGRESS jobs and re-dispatches PENDING ones.
type ReconcileJob struct {
	Service JobReconciler
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewReconcileJob constructs the job handler.
func NewReconcileJob(service JobReconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileJob {
	return &ReconcileJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle runs one reconciliation pass.
func (j *ReconcileJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("reconcile: dependencies not configured")
	}
	tracker := j.metrics().Track(TaskPerformanceReconcile)
	return tracker.End(j.Run(ctx))
}

// Run performs the reconciliation outside of asynq, e.g. on worker start.
func (j *ReconcileJob) Run(ctx context.Context) error {
	failed, staleErr := j.Service.ReconcileStale(ctx)
	if staleErr != nil {
		j.log().Error("reconcile stale jobs", slog.Any("error", staleErr))
	}
	resumed, resumeErr := j.Service.ResumePending(ctx)
	if resumeErr != nil {
		j.log().Error("resume pending jobs", slog.Any("error", resumeErr))
	}
	if failed > 0 || resumed > 0 {
		j.log().Info("job ledger reconciled", slog.Int("stale_failed", failed), slog.Int("pending_resumed", resumed))
	}
	return errors.Join(staleErr, resumeErr)
}

func (j *ReconcileJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ReconcileJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskPerformanceReconcile))
	}
	return slog.Default().With(slog.String("job", TaskPerformanceReconcile))
}
