package recalc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/roomledger/roomledger/internal/batchjob"
	jobmetrics "github.com/roomledger/roomledger/internal/jobs"
	"github.com/roomledger/roomledger/jobs"
)

// RecalculateJob processes tracked recalculation tasks.
type RecalculateJob struct {
	service *Service
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewRecalculateJob constructs a job handler.
func NewRecalculateJob(service *Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *RecalculateJob {
	return &RecalculateJob{service: service, logger: logger, metrics: metrics}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *RecalculateJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload jobs.RecalculatePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	id, err := uuid.Parse(payload.JobID)
	if err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics.Track(jobs.TaskPerformanceRecalculate)
	job, err := j.service.RunJob(ctx, id)
	if err != nil {
		_ = tracker.End(err)
		if errors.Is(err, batchjob.ErrJobNotFound) || errors.Is(err, ErrUnknownJobType) {
			j.log().Warn("drop recalculation task", slog.String("job_id", payload.JobID), slog.Any("error", err))
			return asynq.SkipRetry
		}
		j.log().Error("recalculation job", slog.String("job_id", payload.JobID), slog.Any("error", err))
		return err
	}
	// Owner failures are final for this run; retrying the task would only replay them.
	if job.Status == batchjob.StatusFailed {
		_ = tracker.End(errors.New(job.ErrorMessage))
		j.log().Warn("recalculation job failed",
			slog.String("job_id", job.ID.String()),
			slog.Any("failed_owner_ids", job.Metadata.FailedOwnerIDs))
		return nil
	}
	_ = tracker.End(nil)
	j.log().Info("recalculation job done",
		slog.String("job_id", job.ID.String()),
		slog.String("status", string(job.Status)))
	return nil
}

func (j *RecalculateJob) log() *slog.Logger {
	if j.logger != nil {
		return j.logger.With(slog.String("job", jobs.TaskPerformanceRecalculate))
	}
	return slog.Default().With(slog.String("job", jobs.TaskPerformanceRecalculate))
}
