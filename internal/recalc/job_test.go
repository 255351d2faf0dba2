package recalc

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/roomledger/roomledger/internal/batchjob"
	jobmetrics "github.com/roomledger/roomledger/internal/jobs"
	"github.com/roomledger/roomledger/jobs"
)

func TestRecalculateJobRunsTrackedJob(t *testing.T) {
	h := newHarness(t, 3)
	reg := prometheus.NewRegistry()
	handler := NewRecalculateJob(h.service, nil, jobmetrics.NewMetrics(reg))

	id, err := h.service.RecalculateAllOwnersPropertiesSummaryForPeriod(t.Context(), januaryRequest())
	require.NoError(t, err)
	task, err := jobs.NewRecalculateTask(id)
	require.NoError(t, err)
	require.NoError(t, handler.Handle(t.Context(), task))

	job, err := h.service.GetJob(t.Context(), id)
	require.NoError(t, err)
	require.Equal(t, batchjob.StatusCompleted, job.Status)

	count, err := testutil.GatherAndCount(reg, "roomledger_jobs_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestRecalculateJobCountsFailedRunWithoutRetry(t *testing.T) {
	h := newHarness(t, 3)
	h.summaries.FailOwners = map[int64]error{2: errors.New("write refused")}
	reg := prometheus.NewRegistry()
	handler := NewRecalculateJob(h.service, nil, jobmetrics.NewMetrics(reg))

	id, err := h.service.RecalculateAllOwnersPropertiesSummaryForPeriod(t.Context(), januaryRequest())
	require.NoError(t, err)
	task, err := jobs.NewRecalculateTask(id)
	require.NoError(t, err)
	require.NoError(t, handler.Handle(t.Context(), task))

	count, err := testutil.GatherAndCount(reg, "roomledger_jobs_failures_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestRecalculateJobSkipsRetryForBadTasks(t *testing.T) {
	h := newHarness(t, 1)
	handler := NewRecalculateJob(h.service, nil, nil)

	err := handler.Handle(t.Context(), asynq.NewTask(jobs.TaskPerformanceRecalculate, []byte(`{"job_id":"nope"}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = handler.Handle(t.Context(), asynq.NewTask(jobs.TaskPerformanceRecalculate, []byte(`{`)))
	require.ErrorIs(t, err, asynq.SkipRetry)

	task, err := jobs.NewRecalculateTask(uuid.New())
	require.NoError(t, err)
	require.ErrorIs(t, handler.Handle(t.Context(), task), asynq.SkipRetry)
}
