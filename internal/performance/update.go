package performance

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Metric names one updatable summary column.
type Metric string

const (
	MetricPendingPayment      Metric = "pending_payment_count"
	MetricPendingConfirmation Metric = "pending_confirmation_count"
	MetricConfirmed           Metric = "confirmed_count"
	MetricCancelled           Metric = "cancelled_count"
	MetricUniqueUsers         Metric = "unique_users"
	MetricNightsBooked        Metric = "total_nights_booked"
	MetricTotalRevenue        Metric = "total_revenue"
	MetricProjectedRevenue    Metric = "projected_revenue"
)

// metricColumns lists every updatable metric in column order.
var metricColumns = []Metric{
	MetricPendingPayment,
	MetricPendingConfirmation,
	MetricConfirmed,
	MetricCancelled,
	MetricUniqueUsers,
	MetricNightsBooked,
	MetricTotalRevenue,
	MetricProjectedRevenue,
}

func (m Metric) valid() bool {
	for _, known := range metricColumns {
		if m == known {
			return true
		}
	}
	return false
}

// Monetary reports whether the metric holds a currency amount.
func (m Metric) Monetary() bool {
	return m == MetricTotalRevenue || m == MetricProjectedRevenue
}

// Mode selects how a field update is applied.
type Mode string

const (
	// ModeSet replaces the stored value.
	ModeSet Mode = "set"
	// ModeIncrement adds to the stored value, seeding against zero on creation.
	ModeIncrement Mode = "increment"
)

// FieldUpdate is one tagged metric instruction.
type FieldUpdate struct {
	Metric Metric
	Mode   Mode
	Value  decimal.Decimal
}

// Set builds an absolute instruction.
func Set(m Metric, v decimal.Decimal) FieldUpdate {
	return FieldUpdate{Metric: m, Mode: ModeSet, Value: v}
}

// SetInt builds an absolute instruction for a counter.
func SetInt(m Metric, v int64) FieldUpdate {
	return Set(m, decimal.NewFromInt(v))
}

// Increment builds a delta instruction.
func Increment(m Metric, v decimal.Decimal) FieldUpdate {
	return FieldUpdate{Metric: m, Mode: ModeIncrement, Value: v}
}

// IncrementInt builds a delta instruction for a counter.
func IncrementInt(m Metric, v int64) FieldUpdate {
	return Increment(m, decimal.NewFromInt(v))
}

// UpdateSpec carries the denormalized owner fields and the metric instructions of one upsert.
type UpdateSpec struct {
	OwnerID    int64
	PropertyID *int64
	Fields     []FieldUpdate
}

// Validate checks the spec against the summary kind.
func (s UpdateSpec) Validate(kind Kind) error {
	if s.OwnerID <= 0 {
		return fmt.Errorf("%w: owner id required", ErrInvalidUpdate)
	}
	if kind == KindRoomType && (s.PropertyID == nil || *s.PropertyID <= 0) {
		return fmt.Errorf("%w: room type summary requires property id", ErrInvalidUpdate)
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("%w: no fields", ErrInvalidUpdate)
	}
	seen := make(map[Metric]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if !f.Metric.valid() {
			return fmt.Errorf("%w: unknown metric %q", ErrInvalidUpdate, f.Metric)
		}
		if f.Mode != ModeSet && f.Mode != ModeIncrement {
			return fmt.Errorf("%w: unknown mode %q for %s", ErrInvalidUpdate, f.Mode, f.Metric)
		}
		if f.Metric == MetricNightsBooked && kind != KindRoomType {
			return fmt.Errorf("%w: %s only applies to room types", ErrInvalidUpdate, f.Metric)
		}
		if !f.Metric.Monetary() && !f.Value.IsInteger() {
			return fmt.Errorf("%w: %s must be integral", ErrInvalidUpdate, f.Metric)
		}
		if _, dup := seen[f.Metric]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateMetric, f.Metric)
		}
		seen[f.Metric] = struct{}{}
	}
	return nil
}

// Apply computes the summary produced by upserting spec onto existing (nil on creation).
// It is the reference semantics every Store implementation follows.
func Apply(existing *Summary, key Key, spec UpdateSpec, now time.Time) Summary {
	var out Summary
	if existing != nil {
		out = *existing
	}
	out.Kind = key.Kind
	out.EntityID = key.EntityID
	out.PeriodType = key.PeriodType
	out.PeriodKey = key.PeriodKey
	out.OwnerID = spec.OwnerID
	if spec.PropertyID != nil {
		pid := *spec.PropertyID
		out.PropertyID = &pid
	}
	for _, f := range spec.Fields {
		applyField(&out, f)
	}
	out.recount()
	out.LastUpdated = now
	return out
}

func applyField(s *Summary, f FieldUpdate) {
	if f.Metric.Monetary() {
		target := &s.TotalRevenue
		if f.Metric == MetricProjectedRevenue {
			target = &s.ProjectedRevenue
		}
		if f.Mode == ModeIncrement {
			*target = target.Add(f.Value)
		} else {
			*target = f.Value
		}
		return
	}
	var target *int64
	switch f.Metric {
	case MetricPendingPayment:
		target = &s.PendingPaymentCount
	case MetricPendingConfirmation:
		target = &s.PendingConfirmationCount
	case MetricConfirmed:
		target = &s.ConfirmedCount
	case MetricCancelled:
		target = &s.CancelledCount
	case MetricUniqueUsers:
		target = &s.UniqueUsers
	case MetricNightsBooked:
		target = &s.TotalNightsBooked
	default:
		return
	}
	if f.Mode == ModeIncrement {
		*target += f.Value.IntPart()
	} else {
		*target = f.Value.IntPart()
	}
}
