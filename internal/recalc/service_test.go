package recalc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/roomledger/roomledger/internal/batchjob"
	"github.com/roomledger/roomledger/internal/booking"
	"github.com/roomledger/roomledger/internal/performance"
	"github.com/roomledger/roomledger/internal/period"
)

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (d *recordingDispatcher) DispatchRecalculation(_ context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.ids = append(d.ids, id)
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	facts      *booking.MemoryStore
	summaries  *performance.MemoryStore
	jobs       *batchjob.MemoryStore
	tracker    *batchjob.Tracker
	processor  *Processor
	dispatcher *recordingDispatcher
	service    *Service
	clock      *testClock
	sleeps     int
}

// newHarness seeds owners 1..owners, each with one property, one room type and one
// confirmed January 2025 reservation. The clock sits in March 2025.
func newHarness(t *testing.T, owners int) *harness {
	t.Helper()
	h := &harness{
		facts:      booking.NewMemoryStore(),
		summaries:  performance.NewMemoryStore(),
		jobs:       batchjob.NewMemoryStore(),
		dispatcher: &recordingDispatcher{},
		clock:      &testClock{now: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)},
	}
	for i := 1; i <= owners; i++ {
		id := int64(i)
		h.facts.AddOwner(booking.Owner{ID: id, Name: "owner"})
		h.facts.AddProperty(booking.Property{ID: id * 10, OwnerID: id, Name: "property"})
		h.facts.AddRoomType(booking.RoomType{ID: id * 100, PropertyID: id * 10, Name: "room", Quantity: 2})
		h.facts.AddReservation(booking.Reservation{
			ID:            id,
			RoomTypeID:    id * 100,
			UserID:        id,
			StartDate:     time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC),
			EndDate:       time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC),
			OrderStatus:   booking.StatusConfirmed,
			PaymentAmount: decimal.NewFromInt(500000),
			PaymentStatus: booking.PaymentConfirmed,
		})
	}
	h.summaries.WithClock(h.clock.Now)
	h.tracker = batchjob.NewTracker(h.jobs, nil)
	h.tracker.WithClock(h.clock.Now)
	h.processor = NewProcessor(h.tracker, h.facts, 3, nil, nil)
	h.processor.WithSleep(func(ctx context.Context, _ time.Duration) error {
		h.sleeps++
		return ctx.Err()
	})
	resolver := period.NewResolver(nil)
	resolver.WithClock(h.clock.Now)
	planner := performance.NewPlanner(h.summaries, h.facts, nil)
	planner.WithClock(h.clock.Now)
	recalculator := performance.NewRecalculator(performance.NewEngine(h.facts), h.summaries, h.facts, nil)
	h.service = NewService(h.tracker, h.processor, recalculator, planner, resolver, h.dispatcher, h.summaries,
		Config{BatchSize: 2, Delay: 0, StaleAfter: time.Hour}, nil)
	h.service.WithClock(h.clock.Now)
	return h
}

func januaryRequest() PeriodRequest {
	return PeriodRequest{PeriodType: "MONTH", PeriodKey: "2025-01"}
}

func TestFailedOwnerIsRecordedAndOthersComplete(t *testing.T) {
	h := newHarness(t, 7)
	h.summaries.FailOwners = map[int64]error{3: errors.New("write refused")}

	id, err := h.service.RecalculateAllOwnersPropertiesSummaryForPeriod(t.Context(), januaryRequest())
	require.NoError(t, err)
	job, err := h.service.RunJob(t.Context(), id)
	require.NoError(t, err)

	require.Equal(t, batchjob.StatusFailed, job.Status)
	require.NotNil(t, job.CompletedAt)
	require.Equal(t, []int64{3}, job.Metadata.FailedOwnerIDs)
	require.Equal(t, int64(7), job.Metadata.OwnersProcessed)
	require.Equal(t, int64(7), job.Metadata.TotalOwners)
	require.Equal(t, 4, job.Metadata.BatchesCompleted)
	require.Equal(t, int64(7), job.Metadata.LastOwnerID)
	require.Equal(t, 3, h.sleeps)

	for _, owner := range []int64{1, 2, 4, 5, 6, 7} {
		summary, ok, err := h.summaries.Find(t.Context(), performance.PropertyKey(owner*10, period.NewMonth(2025, 1)))
		require.NoError(t, err)
		require.True(t, ok, "owner %d", owner)
		require.Equal(t, int64(1), summary.ConfirmedCount)
		require.True(t, summary.TotalRevenue.Equal(decimal.NewFromInt(500000)))
	}
	_, ok, err := h.summaries.Find(t.Context(), performance.PropertyKey(30, period.NewMonth(2025, 1)))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRunJobCompletesWithoutFailures(t *testing.T) {
	h := newHarness(t, 4)
	id, err := h.service.RecalculateAllOwnersPropertiesSummaryForPeriod(t.Context(), januaryRequest())
	require.NoError(t, err)

	job, err := h.service.RunJob(t.Context(), id)
	require.NoError(t, err)
	require.Equal(t, batchjob.StatusCompleted, job.Status)
	require.Empty(t, job.Metadata.FailedOwnerIDs)
	require.Equal(t, int64(4), job.Metadata.PeriodsRecomputed)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)
	require.Equal(t, 8, h.summaries.Len())

	again, err := h.service.RunJob(t.Context(), id)
	require.NoError(t, err)
	require.Equal(t, job.UpdatedAt, again.UpdatedAt)
}

func TestRepeatedTriggerReturnsSameJob(t *testing.T) {
	h := newHarness(t, 2)
	first, err := h.service.RecalculateAllOwnersPropertiesSummaryForPeriod(t.Context(), januaryRequest())
	require.NoError(t, err)
	second, err := h.service.RecalculateAllOwnersPropertiesSummaryForPeriod(t.Context(), PeriodRequest{PeriodKey: "2025-01"})
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, h.dispatcher.ids, 1)

	_, err = h.service.RunJob(t.Context(), first)
	require.NoError(t, err)
	third, err := h.service.RecalculateAllOwnersPropertiesSummaryForPeriod(t.Context(), januaryRequest())
	require.NoError(t, err)
	require.NotEqual(t, first, third)
}

func TestCustomRangeIsRejected(t *testing.T) {
	h := newHarness(t, 1)
	_, err := h.service.RecalculateAllOwnersPropertiesSummaryForPeriod(t.Context(), PeriodRequest{PeriodKey: "custom:2025-01-01_to_2025-01-10"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDispatchFailureFailsJob(t *testing.T) {
	h := newHarness(t, 1)
	h.dispatcher.err = errors.New("redis down")
	_, err := h.service.RecalculateAllOwnersPropertiesSummaryForPeriod(t.Context(), januaryRequest())
	require.Error(t, err)

	jobs, err := h.service.ListJobs(t.Context(), batchjob.Filter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, batchjob.StatusFailed, jobs[0].Status)
	require.Contains(t, jobs[0].ErrorMessage, "redis down")
}

func TestPanickingOwnerIsIsolated(t *testing.T) {
	h := newHarness(t, 5)
	job, err := h.tracker.Create(t.Context(), batchjob.Spec{
		Type:       batchjob.TypeRecalculateAllOwnersPeriod,
		PeriodType: period.Month,
		PeriodKey:  "2025-01",
		Metadata:   batchjob.Metadata{BatchSize: 5},
	})
	require.NoError(t, err)

	var mu sync.Mutex
	seen := map[int64]bool{}
	work := func(_ context.Context, ownerID int64) (int, error) {
		if ownerID == 2 {
			panic("boom")
		}
		mu.Lock()
		seen[ownerID] = true
		mu.Unlock()
		return 1, nil
	}
	done, err := h.processor.ProcessAllOwners(t.Context(), job, work)
	require.NoError(t, err)
	require.Equal(t, batchjob.StatusFailed, done.Status)
	require.Equal(t, []int64{2}, done.Metadata.FailedOwnerIDs)
	require.Equal(t, map[int64]bool{1: true, 3: true, 4: true, 5: true}, seen)
	require.Equal(t, "1 owner(s) failed", done.ErrorMessage)
}

func TestInProgressJobResumesAfterCursor(t *testing.T) {
	h := newHarness(t, 7)
	job, err := h.tracker.Create(t.Context(), batchjob.Spec{
		Type:       batchjob.TypeRecalculateAllOwnersPeriod,
		PeriodType: period.Month,
		PeriodKey:  "2025-01",
		Metadata:   batchjob.Metadata{BatchSize: 2},
	})
	require.NoError(t, err)
	_, err = h.tracker.MarkInProgress(t.Context(), job.ID)
	require.NoError(t, err)
	meta := batchjob.Metadata{BatchSize: 2, TotalOwners: 7, OwnersProcessed: 4, BatchesCompleted: 2, LastOwnerID: 4, FailedOwnerIDs: []int64{1}}
	job, err = h.tracker.Update(t.Context(), job.ID, batchjob.Patch{Metadata: &meta})
	require.NoError(t, err)

	var mu sync.Mutex
	var visited []int64
	done, err := h.processor.ProcessAllOwners(t.Context(), job, func(_ context.Context, ownerID int64) (int, error) {
		mu.Lock()
		visited = append(visited, ownerID)
		mu.Unlock()
		return 1, nil
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{5, 6, 7}, visited)
	require.Equal(t, int64(7), done.Metadata.OwnersProcessed)
	require.Equal(t, []int64{1}, done.Metadata.FailedOwnerIDs)
	require.Equal(t, batchjob.StatusFailed, done.Status)
}

type brokenOwners struct{}

func (brokenOwners) ListOwnerIDsAfter(context.Context, int64, int) ([]int64, error) {
	return nil, errors.New("connection reset")
}

func (brokenOwners) CountOwners(context.Context) (int64, error) { return 3, nil }

func TestOrchestrationFailureMarksJobFailed(t *testing.T) {
	h := newHarness(t, 0)
	processor := NewProcessor(h.tracker, brokenOwners{}, 1, nil, nil)
	job, err := h.tracker.Create(t.Context(), batchjob.Spec{
		Type:       batchjob.TypeRecalculateAllOwnersPeriod,
		PeriodType: period.Year,
		PeriodKey:  "2025",
	})
	require.NoError(t, err)

	done, err := processor.ProcessAllOwners(t.Context(), job, func(context.Context, int64) (int, error) { return 0, nil })
	require.Error(t, err)
	require.Equal(t, batchjob.StatusFailed, done.Status)
	require.NotNil(t, done.CompletedAt)
	require.Contains(t, done.ErrorMessage, "connection reset")
}

func TestCancelledRunLeavesJobInProgress(t *testing.T) {
	h := newHarness(t, 4)
	job, err := h.tracker.Create(t.Context(), batchjob.Spec{
		Type:       batchjob.TypeRecalculateAllOwnersPeriod,
		PeriodType: period.Month,
		PeriodKey:  "2025-01",
		Metadata:   batchjob.Metadata{BatchSize: 2},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	h.processor.WithSleep(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	})
	done, err := h.processor.ProcessAllOwners(ctx, job, func(context.Context, int64) (int, error) { return 1, nil })
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, batchjob.StatusInProgress, done.Status)
	require.Equal(t, int64(2), done.Metadata.LastOwnerID)
}

func TestSmartYearlyPastYearRecomputesThirteenPeriods(t *testing.T) {
	h := newHarness(t, 2)
	year := 2024
	id, err := h.service.SmartYearlyRecalculation(t.Context(), &year)
	require.NoError(t, err)
	job, err := h.service.RunJob(t.Context(), id)
	require.NoError(t, err)
	require.Equal(t, batchjob.StatusCompleted, job.Status)
	require.Equal(t, int64(26), job.Metadata.PeriodsRecomputed)
	require.Equal(t, 2024, job.Metadata.Year)
	require.Equal(t, "2024", job.PeriodKey)
}

func TestSmartYearlyCurrentYearSkipsQuietMonths(t *testing.T) {
	h := newHarness(t, 1)
	id, err := h.service.SmartYearlyRecalculation(t.Context(), nil)
	require.NoError(t, err)
	job, err := h.service.RunJob(t.Context(), id)
	require.NoError(t, err)
	// January has activity; February and March do not. YEAR is always written.
	require.Equal(t, int64(2), job.Metadata.PeriodsRecomputed)
	_, ok, err := h.summaries.Find(t.Context(), performance.PropertyKey(10, period.NewMonth(2025, 2)))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSmartYearlyRejectsFutureYear(t *testing.T) {
	h := newHarness(t, 1)
	year := 2026
	_, err := h.service.SmartYearlyRecalculation(t.Context(), &year)
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestReconcileStaleFailsLostJobs(t *testing.T) {
	h := newHarness(t, 1)
	id, err := h.service.RecalculateAllOwnersPropertiesSummaryForPeriod(t.Context(), januaryRequest())
	require.NoError(t, err)
	_, err = h.tracker.MarkInProgress(t.Context(), id)
	require.NoError(t, err)

	n, err := h.service.ReconcileStale(t.Context())
	require.NoError(t, err)
	require.Zero(t, n)

	h.clock.Advance(2 * time.Hour)
	n, err = h.service.ReconcileStale(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := h.service.GetJob(t.Context(), id)
	require.NoError(t, err)
	require.Equal(t, batchjob.StatusFailed, job.Status)
	require.Equal(t, "stale: worker lost", job.ErrorMessage)
}

func TestResumePendingRedispatches(t *testing.T) {
	h := newHarness(t, 1)
	id, err := h.service.RecalculateAllOwnersPropertiesSummaryForPeriod(t.Context(), januaryRequest())
	require.NoError(t, err)
	h.dispatcher.ids = nil

	n, err := h.service.ResumePending(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []uuid.UUID{id}, h.dispatcher.ids)
}

func TestPurgeSummaries(t *testing.T) {
	h := newHarness(t, 2)
	id, err := h.service.RecalculateAllOwnersPropertiesSummaryForPeriod(t.Context(), januaryRequest())
	require.NoError(t, err)
	_, err = h.service.RunJob(t.Context(), id)
	require.NoError(t, err)

	n, err := h.service.PurgeSummaries(t.Context(), 1, period.Input{PeriodKey: "2025-01"})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.Equal(t, 2, h.summaries.Len())

	_, err = h.service.PurgeSummaries(t.Context(), 0, period.Input{})
	require.ErrorIs(t, err, ErrInvalidRequest)
}
