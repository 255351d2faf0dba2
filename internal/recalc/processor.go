// Package recalc runs tracked, batched summary recalculation across all owners.
package recalc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roomledger/roomledger/internal/batchjob"
	jobmetrics "github.com/roomledger/roomledger/internal/jobs"
)

const (
	// DefaultBatchSize is the number of owners processed per batch.
	DefaultBatchSize = 5
	// DefaultDelay is the pause between batches.
	DefaultDelay = time.Second
	// DefaultConcurrency bounds the owners processed in parallel within a batch.
	DefaultConcurrency = 5
)

// ErrOwnerPanic wraps a recovered panic from one owner's work.
var ErrOwnerPanic = errors.New("recalc: owner work panicked")

// OwnerSource pages through owner ids.
type OwnerSource interface {
	ListOwnerIDsAfter(ctx context.Context, afterID int64, limit int) ([]int64, error)
	CountOwners(ctx context.Context) (int64, error)
}

// OwnerWork recomputes one owner and reports how many periods it wrote.
type OwnerWork func(ctx context.Context, ownerID int64) (int, error)

// Processor walks every owner in id order and applies OwnerWork batch by batch.
type Processor struct {
	tracker     *batchjob.Tracker
	owners      OwnerSource
	concurrency int
	logger      *slog.Logger
	metrics     *jobmetrics.Metrics
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewProcessor constructs a processor. Concurrency below one uses DefaultConcurrency.
func NewProcessor(tracker *batchjob.Tracker, owners OwnerSource, concurrency int, logger *slog.Logger, metrics *jobmetrics.Metrics) *Processor {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Processor{
		tracker:     tracker,
		owners:      owners,
		concurrency: concurrency,
		logger:      logger,
		metrics:     metrics,
		sleep:       sleepContext,
	}
}

// WithSleep overrides the inter-batch sleep for tests.
func (p *Processor) WithSleep(sleep func(ctx context.Context, d time.Duration) error) {
	if sleep != nil {
		p.sleep = sleep
	}
}

// ProcessAllOwners drives job to a terminal status. A job already IN_PROGRESS resumes
// after Metadata.LastOwnerID. Per-owner failures land in Metadata.FailedOwnerIDs and
// never stop the loop. Context cancellation returns early and leaves the job
// IN_PROGRESS so a redelivery can resume it.
func (p *Processor) ProcessAllOwners(ctx context.Context, job batchjob.Job, work OwnerWork) (batchjob.Job, error) {
	if job.Status.Terminal() {
		return job, nil
	}
	meta := job.Metadata.Clone()
	if meta.BatchSize <= 0 {
		meta.BatchSize = DefaultBatchSize
	}
	logger := p.log().With(
		slog.String("job_id", job.ID.String()),
		slog.String("job_type", string(job.Type)),
		slog.String("period", string(job.PeriodType)+":"+job.PeriodKey))

	var err error
	if job.Status == batchjob.StatusPending {
		job, err = p.tracker.MarkInProgress(ctx, job.ID)
		if err != nil {
			return job, fmt.Errorf("recalc: mark job in progress: %w", err)
		}
	} else {
		logger.Info("resuming batch job", slog.Int64("after_owner_id", meta.LastOwnerID))
	}

	if meta.TotalOwners == 0 {
		total, err := p.owners.CountOwners(ctx)
		if err != nil {
			return p.fail(ctx, job, meta, fmt.Errorf("count owners: %w", err))
		}
		meta.TotalOwners = total
	}

	for {
		if err := ctx.Err(); err != nil {
			return job, err
		}
		ids, err := p.owners.ListOwnerIDsAfter(ctx, meta.LastOwnerID, meta.BatchSize)
		if err != nil {
			return p.fail(ctx, job, meta, fmt.Errorf("list owners after %d: %w", meta.LastOwnerID, err))
		}
		if len(ids) == 0 {
			break
		}

		failed, periods := p.runBatch(ctx, ids, work, logger)
		if err := ctx.Err(); err != nil {
			// The interrupted batch is replayed on resume.
			return job, err
		}
		meta.OwnersProcessed += int64(len(ids))
		meta.BatchesCompleted++
		meta.FailedOwnerIDs = append(meta.FailedOwnerIDs, failed...)
		meta.LastOwnerID = ids[len(ids)-1]
		meta.PeriodsRecomputed += periods
		p.metrics.ObserveOwners(string(job.Type), len(ids)-len(failed), len(failed))

		job, err = p.tracker.Update(ctx, job.ID, batchjob.Patch{Metadata: &meta})
		if err != nil {
			return p.fail(ctx, job, meta, fmt.Errorf("persist progress: %w", err))
		}
		logger.Debug("batch completed",
			slog.Int("batch", meta.BatchesCompleted),
			slog.Int64("owners_processed", meta.OwnersProcessed),
			slog.Int("batch_failures", len(failed)))

		if len(ids) < meta.BatchSize {
			break
		}
		if err := p.sleep(ctx, meta.Delay()); err != nil {
			return job, err
		}
	}

	status := batchjob.StatusCompleted
	message := ""
	if n := len(meta.FailedOwnerIDs); n > 0 {
		status = batchjob.StatusFailed
		message = fmt.Sprintf("%d owner(s) failed", n)
	}
	job, err = p.tracker.Finish(context.WithoutCancel(ctx), job.ID, status, &meta, message)
	if err != nil {
		return job, fmt.Errorf("recalc: finish job: %w", err)
	}
	logger.Info("batch job finished",
		slog.String("status", string(job.Status)),
		slog.Int64("owners_processed", meta.OwnersProcessed),
		slog.Int("owners_failed", len(meta.FailedOwnerIDs)))
	return job, nil
}

// runBatch processes ids concurrently. Errors and panics are recorded per owner and
// never cancel siblings.
func (p *Processor) runBatch(ctx context.Context, ids []int64, work OwnerWork, logger *slog.Logger) ([]int64, int64) {
	var (
		mu      sync.Mutex
		failed  []int64
		periods int64
		g       errgroup.Group
	)
	g.SetLimit(p.concurrency)
	for _, ownerID := range ids {
		g.Go(func() error {
			n, err := runOwner(ctx, ownerID, work)
			mu.Lock()
			defer mu.Unlock()
			periods += int64(n)
			if err != nil {
				failed = append(failed, ownerID)
				logger.Warn("owner recalculation failed", slog.Int64("owner_id", ownerID), slog.Any("error", err))
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })
	return failed, periods
}

func runOwner(ctx context.Context, ownerID int64, work OwnerWork) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: owner %d: %v", ErrOwnerPanic, ownerID, r)
		}
	}()
	return work(ctx, ownerID)
}

// fail marks the job FAILED with cause. The write ignores cancellation of ctx.
func (p *Processor) fail(ctx context.Context, job batchjob.Job, meta batchjob.Metadata, cause error) (batchjob.Job, error) {
	p.log().Error("batch job aborted", slog.String("job_id", job.ID.String()), slog.Any("error", cause))
	finished, err := p.tracker.Finish(context.WithoutCancel(ctx), job.ID, batchjob.StatusFailed, &meta, cause.Error())
	if err != nil {
		return job, errors.Join(fmt.Errorf("recalc: %w", cause), fmt.Errorf("recalc: mark job failed: %w", err))
	}
	return finished, fmt.Errorf("recalc: %w", cause)
}

func (p *Processor) log() *slog.Logger {
	if p.logger != nil {
		return p.logger
	}
	return slog.Default()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
