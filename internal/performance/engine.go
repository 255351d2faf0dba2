package performance

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roomledger/roomledger/internal/booking"
)

// ReservationSource lists reservation facts.
type ReservationSource interface {
	ListReservations(ctx context.Context, filter booking.ReservationFilter) ([]booking.Reservation, error)
}

// Metrics is the confirmed-only aggregate of one entity over a date range.
type Metrics struct {
	TotalRevenue      decimal.Decimal `json:"totalRevenue"`
	TotalReservations int64           `json:"totalReservations"`
	UniqueUsers       int64           `json:"uniqueUsers"`
	TotalNightsBooked int64           `json:"totalNightsBooked"`
}

// Breakdown extends Metrics with per-status counts and projected revenue.
type Breakdown struct {
	Confirmed                Metrics
	PendingPaymentCount      int64
	PendingConfirmationCount int64
	ConfirmedCount           int64
	CancelledCount           int64
	ProjectedRevenue         decimal.Decimal
}

// AbsoluteSpec renders the breakdown as an all-Set update.
func (b Breakdown) AbsoluteSpec(kind Kind, ownerID int64, propertyID *int64) UpdateSpec {
	fields := []FieldUpdate{
		SetInt(MetricPendingPayment, b.PendingPaymentCount),
		SetInt(MetricPendingConfirmation, b.PendingConfirmationCount),
		SetInt(MetricConfirmed, b.ConfirmedCount),
		SetInt(MetricCancelled, b.CancelledCount),
		SetInt(MetricUniqueUsers, b.Confirmed.UniqueUsers),
		Set(MetricTotalRevenue, b.Confirmed.TotalRevenue),
		Set(MetricProjectedRevenue, b.ProjectedRevenue),
	}
	if kind == KindRoomType {
		fields = append(fields, SetInt(MetricNightsBooked, b.Confirmed.TotalNightsBooked))
	}
	return UpdateSpec{OwnerID: ownerID, PropertyID: propertyID, Fields: fields}
}

// Engine computes metrics from raw reservation facts.
type Engine struct {
	source ReservationSource
}

// NewEngine constructs an engine over the fact source.
func NewEngine(source ReservationSource) *Engine {
	return &Engine{source: source}
}

// Aggregate returns confirmed-reservation metrics for the entity over the inclusive range.
func (e *Engine) Aggregate(ctx context.Context, entityID int64, kind Kind, start, end time.Time) (Metrics, error) {
	rs, err := e.load(ctx, entityID, kind, start, end, []booking.OrderStatus{booking.StatusConfirmed})
	if err != nil {
		return Metrics{}, err
	}
	return Fold(rs, kind).Confirmed, nil
}

// Breakdown returns the full per-status picture for the entity over the inclusive range.
func (e *Engine) Breakdown(ctx context.Context, entityID int64, kind Kind, start, end time.Time) (Breakdown, error) {
	rs, err := e.load(ctx, entityID, kind, start, end, nil)
	if err != nil {
		return Breakdown{}, err
	}
	return Fold(rs, kind), nil
}

func (e *Engine) load(ctx context.Context, entityID int64, kind Kind, start, end time.Time, statuses []booking.OrderStatus) ([]booking.Reservation, error) {
	if entityID <= 0 {
		return nil, ErrInvalidEntity
	}
	filter := booking.ReservationFilter{Start: &start, End: &end, Statuses: statuses}
	switch kind {
	case KindProperty:
		filter.PropertyID = &entityID
	case KindRoomType:
		filter.RoomTypeID = &entityID
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrInvalidKey, kind)
	}
	rs, err := e.source.ListReservations(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("performance: load reservations for %s %d: %w", kind, entityID, err)
	}
	return rs, nil
}

// Fold aggregates already selected reservations. Nights are only counted for room types.
func Fold(rs []booking.Reservation, kind Kind) Breakdown {
	var out Breakdown
	users := make(map[int64]struct{})
	for _, r := range rs {
		switch r.OrderStatus {
		case booking.StatusPendingPayment:
			out.PendingPaymentCount++
		case booking.StatusPendingConfirmation:
			out.PendingConfirmationCount++
		case booking.StatusConfirmed:
			out.ConfirmedCount++
		case booking.StatusCancelled:
			out.CancelledCount++
			continue
		default:
			continue
		}
		out.ProjectedRevenue = out.ProjectedRevenue.Add(r.ConfirmedAmount())
		if r.OrderStatus != booking.StatusConfirmed {
			continue
		}
		out.Confirmed.TotalReservations++
		out.Confirmed.TotalRevenue = out.Confirmed.TotalRevenue.Add(r.ConfirmedAmount())
		if r.HasGuest() {
			users[r.UserID] = struct{}{}
		}
		if kind == KindRoomType {
			out.Confirmed.TotalNightsBooked += r.Nights()
		}
	}
	out.Confirmed.UniqueUsers = int64(len(users))
	return out
}
