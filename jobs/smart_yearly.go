package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/roomledger/roomledger/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// catchUpDays is how long into January the previous year is still recomputed.
const catchUpDays = 7

// YearlyRecalculator submits smart yearly recalculation jobs.
type YearlyRecalculator interface {
	SmartYearlyRecalculation(ctx context.Context, year *int) (uuid.UUID, error)
}

// SmartYearlyJob is the cron entry point for nightly summary maintenance.
type SmartYearlyJob struct {
	Service YearlyRecalculator
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewSmartYearlyJob constructs the job handler.
func NewSmartYearlyJob(service YearlyRecalculator, logger *slog.Logger, metrics *jobmetrics.Metrics) *SmartYearlyJob {
	return &SmartYearlyJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle submits the yearly jobs. During the first week of January the previous
// year is submitted as well so late confirmations land in its summaries.
func (j *SmartYearlyJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("smart yearly: dependencies not configured")
	}
	var payload SmartYearlyPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	tracker := j.metrics().Track(TaskPerformanceSmartYearly)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	now := j.now()
	years := []int{now.Year()}
	if payload.Year > 0 {
		years = []int{payload.Year}
	} else if now.Month() == time.January && now.Day() <= catchUpDays {
		years = []int{now.Year() - 1, now.Year()}
	}

	for _, year := range years {
		y := year
		jobID, err := j.Service.SmartYearlyRecalculation(ctx, &y)
		if err != nil {
			resultErr = err
			j.log().Error("submit smart yearly recalculation", slog.Int("year", y), slog.Any("error", err))
			return resultErr
		}
		j.log().Info("smart yearly recalculation submitted", slog.Int("year", y), slog.String("job_id", jobID.String()))
	}
	return resultErr
}

func (j *SmartYearlyJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *SmartYearlyJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskPerformanceSmartYearly))
	}
	return slog.Default().With(slog.String("job", TaskPerformanceSmartYearly))
}

func (j *SmartYearlyJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *SmartYearlyJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
