package perf

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/roomledger/roomledger/internal/batchjob"
	jobmetrics "github.com/roomledger/roomledger/internal/jobs"
	"github.com/roomledger/roomledger/internal/performance"
	"github.com/roomledger/roomledger/internal/period"
	"github.com/roomledger/roomledger/internal/recalc"
	"github.com/roomledger/roomledger/jobs"
)

type noopDispatcher struct{}

func (noopDispatcher) DispatchRecalculation(context.Context, uuid.UUID) error { return nil }

func TestRecalculationThroughputAndMetrics(t *testing.T) {
	const owners = 60
	facts := seedFacts(owners, 3, 20)
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)

	tracker := batchjob.NewTracker(batchjob.NewMemoryStore(), nil)
	processor := recalc.NewProcessor(tracker, facts, 8, nil, metrics)
	summaries := performance.NewMemoryStore()
	recalculator := performance.NewRecalculator(performance.NewEngine(facts), summaries, facts, nil)
	planner := performance.NewPlanner(summaries, facts, nil)
	service := recalc.NewService(tracker, processor, recalculator, planner, period.NewResolver(nil), noopDispatcher{}, summaries,
		recalc.Config{BatchSize: 10, Delay: 0}, nil)

	id, err := service.RecalculateAllOwnersPropertiesSummaryForPeriod(context.Background(), recalc.PeriodRequest{PeriodKey: "2025-01"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	task, err := jobs.NewRecalculateTask(id)
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	start := time.Now()
	if err := recalc.NewRecalculateJob(service, nil, metrics).Handle(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("recalculation of %d owners above budget: %s", owners, elapsed)
	}

	job, err := service.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != batchjob.StatusCompleted || job.Metadata.OwnersProcessed != owners || job.Metadata.BatchesCompleted != 6 {
		t.Fatalf("unexpected job: %+v", job)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	if got := metricValue(t, families, "roomledger_jobs_total", map[string]string{"job": jobs.TaskPerformanceRecalculate, "status": "success"}); got != 1 {
		t.Fatalf("expected one successful run, got %f", got)
	}
	processed := metricValue(t, families, "roomledger_recalc_owners_processed_total",
		map[string]string{"job_type": string(batchjob.TypeRecalculateAllOwnersPeriod)})
	if processed != owners {
		t.Fatalf("expected %d owners processed, got %f", owners, processed)
	}
	if mean := histogramMean(t, families, "roomledger_job_duration_seconds", map[string]string{"job": jobs.TaskPerformanceRecalculate}); mean > 5 {
		t.Fatalf("job duration above budget: %f", mean)
	}
}

func BenchmarkRecalculateOwner(b *testing.B) {
	facts := seedFacts(1, 5, 200)
	recalculator := performance.NewRecalculator(performance.NewEngine(facts), performance.NewMemoryStore(), facts, nil)
	desc := period.NewMonth(2025, 1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := recalculator.RecalculateOwner(context.Background(), 1, desc); err != nil {
			b.Fatal(err)
		}
	}
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				if fam.GetType() == dto.MetricType_COUNTER {
					return metric.GetCounter().GetValue()
				}
				if fam.GetType() == dto.MetricType_GAUGE {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func histogramMean(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				hist := metric.GetHistogram()
				if hist == nil || hist.GetSampleCount() == 0 {
					t.Fatalf("histogram %s missing samples", name)
				}
				return hist.GetSampleSum() / float64(hist.GetSampleCount())
			}
		}
	}
	t.Fatalf("histogram %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range metric.GetLabel() {
		want, ok := labels[lp.GetName()]
		if !ok {
			continue
		}
		if lp.GetValue() != want {
			return false
		}
		matched++
	}
	return matched == len(labels)
}
