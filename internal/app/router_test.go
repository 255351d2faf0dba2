package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roomledger/roomledger/internal/booking"
	"github.com/roomledger/roomledger/internal/dashboard"
	dashboardhttp "github.com/roomledger/roomledger/internal/dashboard/http"
	"github.com/roomledger/roomledger/internal/observability"
	"github.com/roomledger/roomledger/internal/period"
	"github.com/roomledger/roomledger/jobs"
)

func newTestRouter(health map[string]Pinger) (http.Handler, *observability.Metrics) {
	facts := booking.NewMemoryStore()
	facts.AddOwner(booking.Owner{ID: 1})
	service := dashboard.NewService(dashboard.NewBuilder(facts, nil, nil, time.Second, nil), period.NewResolver(nil))
	metrics := observability.NewMetrics()
	router := NewRouter(RouterParams{
		Config:           &Config{AppEnv: "test", AppRequestTimeout: time.Second},
		DashboardHandler: dashboardhttp.NewHandler(nil, service),
		JobHandler:       jobs.NewHandler(nil, nil),
		Metrics:          metrics,
		Health:           health,
	})
	return router, metrics
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(map[string]Pinger{
		"postgres": PingFunc(func(context.Context) error { return nil }),
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body.Status)
	require.Equal(t, "ok", body.Checks["postgres"])
}

func TestHealthzDegraded(t *testing.T) {
	router, _ := newTestRouter(map[string]Pinger{
		"redis": PingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")
}

func TestRouterMountsDashboardAndMetrics(t *testing.T) {
	router, _ := newTestRouter(nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/owners/1/dashboard", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.NotEmpty(t, rec.Header().Get("X-Ratelimit-Limit"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"queue":"default"`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `route="/owners/{ownerID}/dashboard"`)
}

func TestRouterUnknownRoute(t *testing.T) {
	router, _ := newTestRouter(nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&Config{LogFormat: "json"}, &buf).Info("hello")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "hello", line["msg"])

	buf.Reset()
	newLogger(&Config{LogFormat: "pretty"}, &buf).Info("hello")
	require.Contains(t, buf.String(), "msg=hello")
}
