package recalchttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/roomledger/roomledger/internal/batchjob"
	"github.com/roomledger/roomledger/internal/booking"
	"github.com/roomledger/roomledger/internal/performance"
	"github.com/roomledger/roomledger/internal/period"
	"github.com/roomledger/roomledger/internal/recalc"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	now := func() time.Time { return time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC) }
	facts := booking.NewMemoryStore()
	facts.AddOwner(booking.Owner{ID: 1})
	summaries := performance.NewMemoryStore()
	tracker := batchjob.NewTracker(batchjob.NewMemoryStore(), nil)
	resolver := period.NewResolver(nil)
	resolver.WithClock(now)
	planner := performance.NewPlanner(summaries, facts, nil)
	planner.WithClock(now)
	service := recalc.NewService(tracker, recalc.NewProcessor(tracker, facts, 1, nil, nil),
		performance.NewRecalculator(performance.NewEngine(facts), summaries, facts, nil),
		planner, resolver, nil, summaries, recalc.Config{}, nil)
	service.WithClock(now)

	r := chi.NewRouter()
	NewHandler(nil, service).MountRoutes(r)
	return r
}

func TestTriggerAndPollJob(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/recalculations/period", strings.NewReader(`{"periodType":"MONTH","periodKey":"2025-01","batchSize":2}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted jobAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.JobID)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/recalculations/period", strings.NewReader(`{"periodKey":"2025-01"}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var again jobAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &again))
	require.Equal(t, accepted.JobID, again.JobID)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/recalculations/jobs/"+accepted.JobID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var job batchjob.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, batchjob.StatusPending, job.Status)
	require.Equal(t, 2, job.Metadata.BatchSize)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/recalculations/status?periodKey=2025-01", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"running":true`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/recalculations/jobs?status=pending", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), accepted.JobID)
}

func TestTriggerValidation(t *testing.T) {
	router := newTestRouter(t)
	cases := []struct {
		name string
		path string
		body string
		want int
	}{
		{"bad month", "/recalculations/period", `{"month":13}`, http.StatusBadRequest},
		{"bad type", "/recalculations/period", `{"periodType":"WEEK"}`, http.StatusBadRequest},
		{"malformed", "/recalculations/period", `{`, http.StatusBadRequest},
		{"future year", "/recalculations/yearly", `{"year":2030}`, http.StatusBadRequest},
		{"current year", "/recalculations/yearly", ``, http.StatusAccepted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(tc.body)))
			require.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}

func TestUnknownJob(t *testing.T) {
	router := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/recalculations/jobs/1b4e28ba-2fa1-11d2-883f-0016d3cca427", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/recalculations/jobs/not-a-uuid", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
