package batchjob

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roomledger/roomledger/internal/period"
)

// Tracker enforces the job state machine on top of a Store.
type Tracker struct {
	store  Store
	logger *slog.Logger
	clock  func() time.Time
	newID  func() uuid.UUID
}

// NewTracker constructs a tracker using the system clock.
func NewTracker(store Store, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
		newID:  uuid.New,
	}
}

// WithClock overrides the tracker clock.
func (t *Tracker) WithClock(clock func() time.Time) {
	if clock != nil {
		t.clock = clock
	}
}

// Create inserts a PENDING job.
func (t *Tracker) Create(ctx context.Context, spec Spec) (Job, error) {
	if !spec.Type.Valid() {
		return Job{}, fmt.Errorf("%w: type %q", ErrInvalidSpec, spec.Type)
	}
	if !spec.PeriodType.Valid() || spec.PeriodKey == "" {
		return Job{}, fmt.Errorf("%w: period %s:%s", ErrInvalidSpec, spec.PeriodType, spec.PeriodKey)
	}
	now := t.clock()
	job := Job{
		ID:            t.newID(),
		Type:          spec.Type,
		TargetOwnerID: spec.TargetOwnerID,
		PeriodType:    spec.PeriodType,
		PeriodKey:     spec.PeriodKey,
		Status:        StatusPending,
		Metadata:      spec.Metadata.Clone(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := t.store.Insert(ctx, job); err != nil {
		return Job{}, err
	}
	t.log().Info("batch job created",
		slog.String("job_id", job.ID.String()),
		slog.String("job_type", string(job.Type)),
		slog.String("period", string(job.PeriodType)+":"+job.PeriodKey))
	return job, nil
}

// Update applies the patch against the latest row. Status changes must move forward.
func (t *Tracker) Update(ctx context.Context, id uuid.UUID, patch Patch) (Job, error) {
	job, err := t.store.Get(ctx, id)
	if err != nil {
		return Job{}, err
	}
	next := job.Status
	if patch.Status != nil {
		next = *patch.Status
	}
	if !CanTransition(job.Status, next) {
		return Job{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, next)
	}
	patch.apply(&job)
	job.UpdatedAt = t.clock()
	if err := t.store.Save(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// MarkInProgress moves a job to IN_PROGRESS and stamps StartedAt.
func (t *Tracker) MarkInProgress(ctx context.Context, id uuid.UUID) (Job, error) {
	status := StatusInProgress
	now := t.clock()
	return t.Update(ctx, id, Patch{Status: &status, StartedAt: &now})
}

// Finish moves a job to a terminal status, stamping CompletedAt.
func (t *Tracker) Finish(ctx context.Context, id uuid.UUID, status Status, meta *Metadata, message string) (Job, error) {
	if !status.Terminal() {
		return Job{}, fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	now := t.clock()
	patch := Patch{Status: &status, CompletedAt: &now, Metadata: meta}
	if message != "" {
		patch.ErrorMessage = &message
	}
	return t.Update(ctx, id, patch)
}

// IsRunningForPeriod reports whether any job is PENDING or IN_PROGRESS for the period.
func (t *Tracker) IsRunningForPeriod(ctx context.Context, periodType period.Type, periodKey string) (bool, error) {
	jobs, err := t.store.FindActive(ctx, "", periodType, periodKey)
	if err != nil {
		return false, err
	}
	return len(jobs) > 0, nil
}

// FindActiveForPeriod returns the oldest active job of the type for the period.
func (t *Tracker) FindActiveForPeriod(ctx context.Context, jobType JobType, periodType period.Type, periodKey string) (Job, bool, error) {
	jobs, err := t.store.FindActive(ctx, jobType, periodType, periodKey)
	if err != nil {
		return Job{}, false, err
	}
	if len(jobs) == 0 {
		return Job{}, false, nil
	}
	return jobs[0], true, nil
}

// FindPending lists PENDING jobs of the type, oldest first.
func (t *Tracker) FindPending(ctx context.Context, jobType JobType, limit int) ([]Job, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	return t.store.List(ctx, Filter{Type: jobType, Status: StatusPending, Limit: limit, OldestFirst: true})
}

// Get loads one job.
func (t *Tracker) Get(ctx context.Context, id uuid.UUID) (Job, error) {
	return t.store.Get(ctx, id)
}

// List returns jobs matching the filter.
func (t *Tracker) List(ctx context.Context, filter Filter) ([]Job, error) {
	return t.store.List(ctx, filter.normalised())
}

// FindStaleInProgress lists IN_PROGRESS jobs without a progress write for olderThan.
func (t *Tracker) FindStaleInProgress(ctx context.Context, olderThan time.Duration) ([]Job, error) {
	return t.store.FindStaleInProgress(ctx, t.clock().Add(-olderThan))
}

func (t *Tracker) log() *slog.Logger {
	if t.logger != nil {
		return t.logger
	}
	return slog.Default()
}
