package performance

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/roomledger/roomledger/internal/booking"
	"github.com/roomledger/roomledger/internal/period"
)

func newTestPlanner(store Store, activity ActivitySource, now time.Time) *Planner {
	p := NewPlanner(store, activity, nil)
	p.WithClock(func() time.Time { return now })
	return p
}

func TestPlanYearPastYearIsFullRecompute(t *testing.T) {
	planner := newTestPlanner(NewMemoryStore(), booking.NewMemoryStore(), time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	plan, err := planner.PlanYear(context.Background(), 1, 2023)
	require.NoError(t, err)
	require.Equal(t, PlanFull, plan.Mode)
	require.Len(t, plan.Periods, 13)
	for i := 0; i < 12; i++ {
		require.Equal(t, period.Month, plan.Periods[i].Type)
		require.Equal(t, i+1, plan.Periods[i].MonthValue())
	}
	require.Equal(t, period.NewYear(2023), plan.Periods[12])
}

func TestPlanYearFutureYearIsEmpty(t *testing.T) {
	planner := newTestPlanner(NewMemoryStore(), booking.NewMemoryStore(), time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	plan, err := planner.PlanYear(context.Background(), 1, 2026)
	require.NoError(t, err)
	require.Equal(t, PlanNone, plan.Mode)
	require.Empty(t, plan.Periods)
}

func TestPlanYearCurrentYearFillsActiveGapsOnly(t *testing.T) {
	facts := seededFacts()
	// February has a confirmed stay but is already summarised; April has activity and no summary.
	facts.AddReservation(booking.Reservation{ID: 20, RoomTypeID: 100, UserID: 7, StartDate: day(2025, 2, 3), EndDate: day(2025, 2, 4),
		OrderStatus: booking.StatusConfirmed, PaymentAmount: decimal.NewFromInt(1), PaymentStatus: booking.PaymentConfirmed})
	facts.AddReservation(booking.Reservation{ID: 21, RoomTypeID: 100, UserID: 7, StartDate: day(2025, 4, 3), EndDate: day(2025, 4, 4),
		OrderStatus: booking.StatusConfirmed, PaymentAmount: decimal.NewFromInt(1), PaymentStatus: booking.PaymentConfirmed})
	// March only has a pending stay, which does not count as activity.
	facts.AddReservation(booking.Reservation{ID: 22, RoomTypeID: 101, UserID: 8, StartDate: day(2025, 3, 3), EndDate: day(2025, 3, 4),
		OrderStatus: booking.StatusPendingPayment})

	store := NewMemoryStore()
	feb := period.NewMonth(2025, 2)
	_, err := store.Upsert(context.Background(), PropertyKey(10, feb), UpdateSpec{OwnerID: 1, Fields: []FieldUpdate{SetInt(MetricConfirmed, 1)}})
	require.NoError(t, err)
	propertyID := int64(10)
	_, err = store.Upsert(context.Background(), RoomTypeKey(100, feb), UpdateSpec{OwnerID: 1, PropertyID: &propertyID, Fields: []FieldUpdate{SetInt(MetricConfirmed, 1)}})
	require.NoError(t, err)

	planner := newTestPlanner(store, facts, time.Date(2025, 5, 20, 0, 0, 0, 0, time.UTC))
	plan, err := planner.PlanYear(context.Background(), 1, 2025)
	require.NoError(t, err)
	require.Equal(t, PlanGaps, plan.Mode)

	var keys []string
	for _, p := range plan.Periods {
		keys = append(keys, p.Key)
	}
	require.Equal(t, []string{"2025-01", "2025-04", "2025"}, keys)
}

func TestPlanYearCurrentYearAlwaysEndsWithYear(t *testing.T) {
	planner := newTestPlanner(NewMemoryStore(), booking.NewMemoryStore(), time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC))
	plan, err := planner.PlanYear(context.Background(), 42, 2025)
	require.NoError(t, err)
	require.Equal(t, []period.Descriptor{period.NewYear(2025)}, plan.Periods)
}

func planKeys(plan Plan) []string {
	keys := make([]string, 0, len(plan.Periods))
	for _, p := range plan.Periods {
		keys = append(keys, p.Key)
	}
	return keys
}

func TestPlanYearReplansPartiallyCoveredMonth(t *testing.T) {
	facts := seededFacts()
	facts.AddProperty(booking.Property{ID: 11, OwnerID: 1, Name: "Guesthouse Kopi"})
	facts.AddRoomType(booking.RoomType{ID: 110, PropertyID: 11, Name: "Twin", Quantity: 2})
	facts.AddReservation(booking.Reservation{ID: 30, RoomTypeID: 100, UserID: 7, StartDate: day(2025, 2, 3), EndDate: day(2025, 2, 4),
		OrderStatus: booking.StatusConfirmed, PaymentAmount: decimal.NewFromInt(1), PaymentStatus: booking.PaymentConfirmed})
	facts.AddReservation(booking.Reservation{ID: 31, RoomTypeID: 110, UserID: 8, StartDate: day(2025, 2, 10), EndDate: day(2025, 2, 12),
		OrderStatus: booking.StatusConfirmed, PaymentAmount: decimal.NewFromInt(1), PaymentStatus: booking.PaymentConfirmed})

	store := NewMemoryStore()
	recalc := NewRecalculator(NewEngine(facts), store, facts, nil)
	feb := period.NewMonth(2025, 2)
	// A read-path repair touched only property 10.
	_, err := recalc.RecalculateScope(context.Background(), 1, feb, Scope{
		PropertyIDs: map[int64]struct{}{10: {}},
		RoomTypeIDs: map[int64]struct{}{100: {}},
	})
	require.NoError(t, err)
	_, err = recalc.RecalculateOwner(context.Background(), 1, period.NewMonth(2025, 1))
	require.NoError(t, err)

	planner := newTestPlanner(store, facts, time.Date(2025, 5, 20, 0, 0, 0, 0, time.UTC))
	plan, err := planner.PlanYear(context.Background(), 1, 2025)
	require.NoError(t, err)
	require.Equal(t, []string{"2025-02", "2025"}, planKeys(plan))

	_, err = recalc.RecalculateOwner(context.Background(), 1, feb)
	require.NoError(t, err)
	plan, err = planner.PlanYear(context.Background(), 1, 2025)
	require.NoError(t, err)
	require.Equal(t, []string{"2025"}, planKeys(plan))
}

func TestPlanYearReplansStaleCurrentMonth(t *testing.T) {
	facts := seededFacts()
	store := NewMemoryStore()
	recalc := NewRecalculator(NewEngine(facts), store, facts, nil)
	now := time.Date(2025, 5, 20, 3, 0, 0, 0, time.UTC)

	store.WithClock(func() time.Time { return now.Add(-48 * time.Hour) })
	for _, m := range []int{1, 4, 5} {
		_, err := recalc.RecalculateOwner(context.Background(), 1, period.NewMonth(2025, m))
		require.NoError(t, err)
	}

	planner := newTestPlanner(store, facts, now)
	plan, err := planner.PlanYear(context.Background(), 1, 2025)
	require.NoError(t, err)
	// April is just as old but only the current month is refreshed.
	require.Equal(t, []string{"2025-05", "2025"}, planKeys(plan))

	planner.WithStaleAfter(72 * time.Hour)
	plan, err = planner.PlanYear(context.Background(), 1, 2025)
	require.NoError(t, err)
	require.Equal(t, []string{"2025"}, planKeys(plan))

	store.WithClock(func() time.Time { return now.Add(-time.Hour) })
	_, err = recalc.RecalculateOwner(context.Background(), 1, period.NewMonth(2025, 5))
	require.NoError(t, err)
	plan, err = newTestPlanner(store, facts, now).PlanYear(context.Background(), 1, 2025)
	require.NoError(t, err)
	require.Equal(t, []string{"2025"}, planKeys(plan))
}
