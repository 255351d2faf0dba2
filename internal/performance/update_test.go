package performance

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roomledger/roomledger/internal/period"
)

func propertyKey() Key {
	return PropertyKey(11, period.NewMonth(2025, 1))
}

func TestUpdateSpecRejectsDuplicateMetric(t *testing.T) {
	spec := UpdateSpec{OwnerID: 1, Fields: []FieldUpdate{
		SetInt(MetricConfirmed, 2),
		IncrementInt(MetricConfirmed, 1),
	}}
	if err := spec.Validate(KindProperty); !errors.Is(err, ErrDuplicateMetric) {
		t.Fatalf("expected duplicate metric error, got %v", err)
	}
}

func TestUpdateSpecRejectsNightsOnProperty(t *testing.T) {
	spec := UpdateSpec{OwnerID: 1, Fields: []FieldUpdate{SetInt(MetricNightsBooked, 3)}}
	if err := spec.Validate(KindProperty); !errors.Is(err, ErrInvalidUpdate) {
		t.Fatalf("expected invalid update, got %v", err)
	}
	pid := int64(11)
	spec.PropertyID = &pid
	if err := spec.Validate(KindRoomType); err != nil {
		t.Fatalf("room type nights should validate: %v", err)
	}
}

func TestUpdateSpecRequiresPropertyForRoomType(t *testing.T) {
	spec := UpdateSpec{OwnerID: 1, Fields: []FieldUpdate{SetInt(MetricConfirmed, 1)}}
	if err := spec.Validate(KindRoomType); !errors.Is(err, ErrInvalidUpdate) {
		t.Fatalf("expected invalid update, got %v", err)
	}
}

func TestApplySeedsIncrementsAgainstZero(t *testing.T) {
	now := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	got := Apply(nil, propertyKey(), UpdateSpec{OwnerID: 3, Fields: []FieldUpdate{
		IncrementInt(MetricConfirmed, 2),
		IncrementInt(MetricPendingPayment, 1),
		Increment(MetricTotalRevenue, decimal.NewFromInt(750)),
	}}, now)
	if got.ConfirmedCount != 2 || got.PendingPaymentCount != 1 || got.TotalReservations != 3 {
		t.Fatalf("unexpected counts %+v", got)
	}
	if !got.TotalRevenue.Equal(decimal.NewFromInt(750)) || !got.LastUpdated.Equal(now) {
		t.Fatalf("unexpected summary %+v", got)
	}
	if got.OwnerID != 3 || got.EntityID != 11 || got.PeriodKey != "2025-01" {
		t.Fatalf("identity not stamped: %+v", got)
	}
}

func TestApplyAbsoluteIsIdempotent(t *testing.T) {
	spec := UpdateSpec{OwnerID: 3, Fields: []FieldUpdate{
		SetInt(MetricConfirmed, 4),
		SetInt(MetricCancelled, 1),
		SetInt(MetricUniqueUsers, 3),
		Set(MetricTotalRevenue, decimal.RequireFromString("1200000.50")),
	}}
	t1 := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	first := Apply(nil, propertyKey(), spec, t1)
	second := Apply(&first, propertyKey(), spec, t2)
	second.LastUpdated = first.LastUpdated
	if first.TotalReservations != 5 {
		t.Fatalf("expected total reservations 5, got %d", first.TotalReservations)
	}
	if !first.TotalRevenue.Equal(second.TotalRevenue) {
		t.Fatalf("revenue drifted: %s vs %s", first.TotalRevenue, second.TotalRevenue)
	}
	first.TotalRevenue, second.TotalRevenue = decimal.Zero, decimal.Zero
	if first != second {
		t.Fatalf("absolute upsert not idempotent:\n%+v\n%+v", first, second)
	}
}

func TestApplyIncrementsCommute(t *testing.T) {
	now := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	base := Apply(nil, propertyKey(), UpdateSpec{OwnerID: 3, Fields: []FieldUpdate{SetInt(MetricConfirmed, 10)}}, now)
	a := UpdateSpec{OwnerID: 3, Fields: []FieldUpdate{
		IncrementInt(MetricConfirmed, 2),
		Increment(MetricTotalRevenue, decimal.NewFromInt(300)),
	}}
	b := UpdateSpec{OwnerID: 3, Fields: []FieldUpdate{
		IncrementInt(MetricConfirmed, -1),
		IncrementInt(MetricCancelled, 1),
		Increment(MetricTotalRevenue, decimal.NewFromInt(-100)),
	}}
	ab := Apply(&base, propertyKey(), a, now)
	ab = Apply(&ab, propertyKey(), b, now)
	ba := Apply(&base, propertyKey(), b, now)
	ba = Apply(&ba, propertyKey(), a, now)
	if ab.ConfirmedCount != ba.ConfirmedCount || ab.CancelledCount != ba.CancelledCount || ab.TotalReservations != ba.TotalReservations {
		t.Fatalf("counts differ: %+v vs %+v", ab, ba)
	}
	if !ab.TotalRevenue.Equal(ba.TotalRevenue) || !ab.TotalRevenue.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("revenue differs: %s vs %s", ab.TotalRevenue, ba.TotalRevenue)
	}
	if ab.ConfirmedCount != 11 || ab.TotalReservations != 12 {
		t.Fatalf("unexpected totals %+v", ab)
	}
}

func TestSummaryIsStale(t *testing.T) {
	now := time.Date(2025, 2, 2, 12, 0, 0, 0, time.UTC)
	fresh := Summary{LastUpdated: now.Add(-23 * time.Hour)}
	stale := Summary{LastUpdated: now.Add(-25 * time.Hour)}
	if fresh.IsStale(now) || !stale.IsStale(now) {
		t.Fatal("unexpected staleness evaluation")
	}
}
