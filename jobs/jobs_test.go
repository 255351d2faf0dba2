package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/roomledger/roomledger/internal/jobs"
)

type fakeYearly struct {
	years []int
	err   error
}

func (f *fakeYearly) SmartYearlyRecalculation(_ context.Context, year *int) (uuid.UUID, error) {
	if f.err != nil {
		return uuid.Nil, f.err
	}
	f.years = append(f.years, *year)
	return uuid.New(), nil
}

func newSmartYearly(t *testing.T, svc YearlyRecalculator, now time.Time) *SmartYearlyJob {
	t.Helper()
	job := NewSmartYearlyJob(svc, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	job.WithClock(func() time.Time { return now })
	return job
}

func TestSmartYearlyCurrentYear(t *testing.T) {
	svc := &fakeYearly{}
	task, err := NewSmartYearlyTask(0)
	require.NoError(t, err)
	job := newSmartYearly(t, svc, time.Date(2025, 6, 2, 2, 0, 0, 0, time.UTC))
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, []int{2025}, svc.years)
}

func TestSmartYearlyCatchesUpPreviousYearInJanuary(t *testing.T) {
	svc := &fakeYearly{}
	task, err := NewSmartYearlyTask(0)
	require.NoError(t, err)
	job := newSmartYearly(t, svc, time.Date(2025, 1, 3, 2, 0, 0, 0, time.UTC))
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, []int{2024, 2025}, svc.years)
}

func TestSmartYearlyPinnedYear(t *testing.T) {
	svc := &fakeYearly{}
	task, err := NewSmartYearlyTask(2022)
	require.NoError(t, err)
	job := newSmartYearly(t, svc, time.Date(2025, 1, 3, 2, 0, 0, 0, time.UTC))
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, []int{2022}, svc.years)
}

func TestSmartYearlyBadPayloadSkipsRetry(t *testing.T) {
	job := newSmartYearly(t, &fakeYearly{}, time.Now())
	err := job.Handle(context.Background(), asynq.NewTask(TaskPerformanceSmartYearly, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestSmartYearlySubmitError(t *testing.T) {
	task, err := NewSmartYearlyTask(0)
	require.NoError(t, err)
	job := newSmartYearly(t, &fakeYearly{err: errors.New("db down")}, time.Now())
	require.Error(t, job.Handle(context.Background(), task))
}

type fakeReconciler struct {
	stale, pending int
	staleErr       error
}

func (f fakeReconciler) ReconcileStale(context.Context) (int, error) { return f.stale, f.staleErr }
func (f fakeReconciler) ResumePending(context.Context) (int, error)  { return f.pending, nil }

func TestReconcileJoinsErrors(t *testing.T) {
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	ok := NewReconcileJob(fakeReconciler{stale: 1, pending: 2}, nil, metrics)
	require.NoError(t, ok.Handle(context.Background(), NewReconcileTask()))

	failing := NewReconcileJob(fakeReconciler{staleErr: errors.New("scan failed")}, nil, metrics)
	require.ErrorContains(t, failing.Handle(context.Background(), NewReconcileTask()), "scan failed")
}

func TestRecalculateTaskUsesJobIDAsTaskID(t *testing.T) {
	id := uuid.New()
	task, err := NewRecalculateTask(id)
	require.NoError(t, err)
	require.Equal(t, TaskPerformanceRecalculate, task.Type())

	var payload RecalculatePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, id.String(), payload.JobID)
}

func TestHealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(nil, nil).MountRoutes)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats queueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, QueueDefault, stats.Queue)
}
