package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	jobmetrics "github.com/roomledger/roomledger/internal/jobs"
)

func scrape(t *testing.T, metrics *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsHandlerExposesJobMetrics(t *testing.T) {
	metrics := NewMetrics()
	jobs := jobmetrics.NewMetrics(metrics.Registerer())
	_ = jobs.Track("performance:recalculate").End(errors.New("boom"))
	jobs.ObserveOwners("RECALCULATE_ALL_OWNERS_PROPERTIES_SUMMARY_FOR_PERIOD", 4, 1)

	body := scrape(t, metrics)
	for _, want := range []string{
		`roomledger_jobs_total{job="performance:recalculate",status="failure"} 1`,
		`roomledger_jobs_failures_total{job="performance:recalculate"} 1`,
		`roomledger_recalc_owner_failures_total{job_type="RECALCULATE_ALL_OWNERS_PROPERTIES_SUMMARY_FOR_PERIOD"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected body to contain %s, got: %s", want, body)
		}
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/owners/{ownerID}/dashboard")

	req := httptest.NewRequest(http.MethodGet, "/owners/1/dashboard", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	body := scrape(t, metrics)
	if !strings.Contains(body, `roomledger_http_requests_total{code="418",route="/owners/{ownerID}/dashboard"} 1`) {
		t.Fatalf("expected metrics to record request, got: %s", body)
	}
	if !strings.Contains(body, `roomledger_http_request_duration_seconds_bucket{route="/owners/{ownerID}/dashboard"`) {
		t.Fatalf("expected duration histogram to be present, got: %s", body)
	}
}

func TestCacheLookupCounter(t *testing.T) {
	metrics := NewMetrics()
	metrics.CacheLookup("summary", "hit")
	metrics.CacheLookup("summary", "hit")
	metrics.CacheLookup("summary", "miss")

	body := scrape(t, metrics)
	if !strings.Contains(body, `roomledger_cache_lookups_total{cache="summary",result="hit"} 2`) {
		t.Fatalf("expected hit counter, got: %s", body)
	}

	var nilMetrics *Metrics
	nilMetrics.CacheLookup("summary", "hit")
}
