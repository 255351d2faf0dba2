package recalc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roomledger/roomledger/internal/batchjob"
	"github.com/roomledger/roomledger/internal/performance"
	"github.com/roomledger/roomledger/internal/period"
)

var (
	// ErrInvalidRequest indicates a recalculation request that cannot be scheduled.
	ErrInvalidRequest = errors.New("recalc: invalid request")
	// ErrUnknownJobType indicates a ledger row this service cannot run.
	ErrUnknownJobType = errors.New("recalc: unknown job type")
)

// Dispatcher hands a tracked job to the background executor.
type Dispatcher interface {
	DispatchRecalculation(ctx context.Context, jobID uuid.UUID) error
}

// Config tunes batch execution.
type Config struct {
	BatchSize   int
	Delay       time.Duration
	Concurrency int
	// StaleAfter is how long an IN_PROGRESS job may go without a progress write.
	StaleAfter time.Duration
	// PendingLimit caps the PENDING jobs re-dispatched per resume pass.
	PendingLimit int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Delay < 0 {
		c.Delay = 0
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Hour
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = 50
	}
	return c
}

// PeriodRequest asks for a full recalculation of one period for every owner.
type PeriodRequest struct {
	PeriodType string
	PeriodKey  string
	Year       *int
	Month      *int
	BatchSize  int
	// Delay between batches; nil uses the configured default.
	Delay *time.Duration
}

// Recalculator recomputes an owner's summaries for one period.
type Recalculator interface {
	RecalculateOwner(ctx context.Context, ownerID int64, desc period.Descriptor) (performance.Result, error)
}

// YearPlanner decides which periods of a year need recomputation.
type YearPlanner interface {
	PlanYear(ctx context.Context, ownerID int64, year int) (performance.Plan, error)
}

// Service submits, runs and inspects batch recalculation jobs.
type Service struct {
	tracker      *batchjob.Tracker
	processor    *Processor
	recalculator Recalculator
	planner      YearPlanner
	resolver     *period.Resolver
	dispatcher   Dispatcher
	summaries    performance.Store
	cfg          Config
	logger       *slog.Logger
	clock        func() time.Time
}

// NewService wires the recalculation service.
func NewService(tracker *batchjob.Tracker, processor *Processor, recalculator Recalculator, planner YearPlanner,
	resolver *period.Resolver, dispatcher Dispatcher, summaries performance.Store, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		tracker:      tracker,
		processor:    processor,
		recalculator: recalculator,
		planner:      planner,
		resolver:     resolver,
		dispatcher:   dispatcher,
		summaries:    summaries,
		cfg:          cfg.withDefaults(),
		logger:       logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

// RecalculateAllOwnersPropertiesSummaryForPeriod submits a period recalculation job and
// returns its id. While a job for the same period is PENDING or IN_PROGRESS its id is
// returned instead of creating another.
func (s *Service) RecalculateAllOwnersPropertiesSummaryForPeriod(ctx context.Context, req PeriodRequest) (uuid.UUID, error) {
	desc := s.resolver.Resolve(period.Input{
		PeriodType: req.PeriodType,
		PeriodKey:  req.PeriodKey,
		Year:       req.Year,
		Month:      req.Month,
	})
	if desc.IsCustom() {
		return uuid.Nil, fmt.Errorf("%w: custom range %s is not a summary period", ErrInvalidRequest, desc.Key)
	}
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = s.cfg.BatchSize
	}
	delay := s.cfg.Delay
	if req.Delay != nil && *req.Delay >= 0 {
		delay = *req.Delay
	}
	return s.submit(ctx, batchjob.Spec{
		Type:       batchjob.TypeRecalculateAllOwnersPeriod,
		PeriodType: desc.Type,
		PeriodKey:  desc.Key,
		Metadata: batchjob.Metadata{
			BatchSize: batchSize,
			DelayMS:   delay.Milliseconds(),
		},
	})
}

// SmartYearlyRecalculation submits a planner-driven job for year, defaulting to the
// current year. Future years are rejected.
func (s *Service) SmartYearlyRecalculation(ctx context.Context, year *int) (uuid.UUID, error) {
	now := s.clock()
	y := now.Year()
	if year != nil {
		y = *year
	}
	if y < 1900 || y > now.Year() {
		return uuid.Nil, fmt.Errorf("%w: year %d", ErrInvalidRequest, y)
	}
	desc := period.NewYear(y)
	return s.submit(ctx, batchjob.Spec{
		Type:       batchjob.TypeSmartYearlyRecalculation,
		PeriodType: desc.Type,
		PeriodKey:  desc.Key,
		Metadata: batchjob.Metadata{
			BatchSize: s.cfg.BatchSize,
			DelayMS:   s.cfg.Delay.Milliseconds(),
			Year:      y,
		},
	})
}

func (s *Service) submit(ctx context.Context, spec batchjob.Spec) (uuid.UUID, error) {
	existing, ok, err := s.tracker.FindActiveForPeriod(ctx, spec.Type, spec.PeriodType, spec.PeriodKey)
	if err != nil {
		return uuid.Nil, fmt.Errorf("recalc: single-flight check: %w", err)
	}
	if ok {
		s.log().Info("recalculation already active",
			slog.String("job_id", existing.ID.String()),
			slog.String("period", string(spec.PeriodType)+":"+spec.PeriodKey))
		return existing.ID, nil
	}
	job, err := s.tracker.Create(ctx, spec)
	if err != nil {
		return uuid.Nil, fmt.Errorf("recalc: create job: %w", err)
	}
	if err := s.dispatch(ctx, job.ID); err != nil {
		return uuid.Nil, err
	}
	return job.ID, nil
}

func (s *Service) dispatch(ctx context.Context, id uuid.UUID) error {
	if s.dispatcher == nil {
		return nil
	}
	if err := s.dispatcher.DispatchRecalculation(ctx, id); err != nil {
		if _, ferr := s.tracker.Finish(context.WithoutCancel(ctx), id, batchjob.StatusFailed, nil, "dispatch: "+err.Error()); ferr != nil {
			s.log().Error("mark undispatched job failed", slog.String("job_id", id.String()), slog.Any("error", ferr))
		}
		return fmt.Errorf("recalc: dispatch job %s: %w", id, err)
	}
	return nil
}

// RunJob executes a tracked job to completion. Terminal jobs are a no-op.
func (s *Service) RunJob(ctx context.Context, id uuid.UUID) (batchjob.Job, error) {
	job, err := s.tracker.Get(ctx, id)
	if err != nil {
		return batchjob.Job{}, err
	}
	if job.Status.Terminal() {
		return job, nil
	}
	work, err := s.workFor(job)
	if err != nil {
		if _, ferr := s.tracker.Finish(ctx, id, batchjob.StatusFailed, nil, err.Error()); ferr != nil {
			return job, errors.Join(err, ferr)
		}
		return job, err
	}
	return s.processor.ProcessAllOwners(ctx, job, work)
}

func (s *Service) workFor(job batchjob.Job) (OwnerWork, error) {
	switch job.Type {
	case batchjob.TypeRecalculateAllOwnersPeriod:
		desc := s.resolver.Resolve(period.Input{PeriodType: string(job.PeriodType), PeriodKey: job.PeriodKey})
		return func(ctx context.Context, ownerID int64) (int, error) {
			if _, err := s.recalculator.RecalculateOwner(ctx, ownerID, desc); err != nil {
				return 0, err
			}
			return 1, nil
		}, nil
	case batchjob.TypeSmartYearlyRecalculation:
		year := job.Metadata.Year
		if year == 0 {
			parsed, ok := period.ParseKey(job.PeriodKey)
			if !ok {
				return nil, fmt.Errorf("%w: period key %q", ErrInvalidRequest, job.PeriodKey)
			}
			year = parsed.Year
		}
		return func(ctx context.Context, ownerID int64) (int, error) {
			plan, err := s.planner.PlanYear(ctx, ownerID, year)
			if err != nil {
				return 0, err
			}
			done := 0
			var errs []error
			for _, desc := range plan.Periods {
				if _, err := s.recalculator.RecalculateOwner(ctx, ownerID, desc); err != nil {
					errs = append(errs, err)
					continue
				}
				done++
			}
			return done, errors.Join(errs...)
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type)
}

// ResumePending re-dispatches jobs that never left PENDING.
func (s *Service) ResumePending(ctx context.Context) (int, error) {
	resumed := 0
	var errs []error
	for _, jobType := range []batchjob.JobType{batchjob.TypeRecalculateAllOwnersPeriod, batchjob.TypeSmartYearlyRecalculation} {
		jobs, err := s.tracker.FindPending(ctx, jobType, s.cfg.PendingLimit)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, job := range jobs {
			if s.dispatcher == nil {
				break
			}
			if err := s.dispatcher.DispatchRecalculation(ctx, job.ID); err != nil {
				errs = append(errs, fmt.Errorf("resume %s: %w", job.ID, err))
				continue
			}
			resumed++
		}
	}
	return resumed, errors.Join(errs...)
}

// ReconcileStale fails IN_PROGRESS jobs that stopped writing progress.
func (s *Service) ReconcileStale(ctx context.Context) (int, error) {
	jobs, err := s.tracker.FindStaleInProgress(ctx, s.cfg.StaleAfter)
	if err != nil {
		return 0, err
	}
	failed := 0
	var errs []error
	for _, job := range jobs {
		meta := job.Metadata
		if _, err := s.tracker.Finish(ctx, job.ID, batchjob.StatusFailed, &meta, "stale: worker lost"); err != nil {
			errs = append(errs, fmt.Errorf("reconcile %s: %w", job.ID, err))
			continue
		}
		s.log().Warn("stale job failed",
			slog.String("job_id", job.ID.String()),
			slog.Time("updated_at", job.UpdatedAt))
		failed++
	}
	return failed, errors.Join(errs...)
}

// GetJob returns a job for polling.
func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (batchjob.Job, error) {
	return s.tracker.Get(ctx, id)
}

// ListJobs returns jobs matching filter, newest first.
func (s *Service) ListJobs(ctx context.Context, filter batchjob.Filter) ([]batchjob.Job, error) {
	return s.tracker.List(ctx, filter)
}

// IsRunningForPeriod reports whether any job occupies the period.
func (s *Service) IsRunningForPeriod(ctx context.Context, in period.Input) (period.Descriptor, bool, error) {
	desc := s.resolver.Resolve(in)
	running, err := s.tracker.IsRunningForPeriod(ctx, desc.Type, desc.Key)
	return desc, running, err
}

// PurgeSummaries deletes an owner's cached summaries for a period.
func (s *Service) PurgeSummaries(ctx context.Context, ownerID int64, in period.Input) (int64, error) {
	if ownerID <= 0 {
		return 0, fmt.Errorf("%w: owner id required", ErrInvalidRequest)
	}
	desc := s.resolver.Resolve(in)
	n, err := s.summaries.Purge(ctx, ownerID, desc.Type, desc.Key)
	if err != nil {
		return 0, err
	}
	s.log().Info("summaries purged",
		slog.Int64("owner_id", ownerID),
		slog.String("period", desc.String()),
		slog.Int64("rows", n))
	return n, nil
}

func (s *Service) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}
