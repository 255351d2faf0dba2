// Package performance maintains the per-entity, per-period performance summaries.
package performance

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roomledger/roomledger/internal/period"
)

// Kind identifies the entity granularity a summary belongs to.
type Kind string

const (
	// KindProperty keys summaries by property id.
	KindProperty Kind = "property"
	// KindRoomType keys summaries by room type id.
	KindRoomType Kind = "room_type"
)

// Valid reports whether k is a known entity kind.
func (k Kind) Valid() bool {
	return k == KindProperty || k == KindRoomType
}

// DefaultStaleAfter is the freshness window used by the planner.
const DefaultStaleAfter = 24 * time.Hour

// Key is the identity of one summary row.
type Key struct {
	Kind       Kind
	EntityID   int64
	PeriodType period.Type
	PeriodKey  string
}

// PropertyKey builds a property summary key for the descriptor.
func PropertyKey(propertyID int64, desc period.Descriptor) Key {
	return Key{Kind: KindProperty, EntityID: propertyID, PeriodType: desc.Type, PeriodKey: desc.Key}
}

// RoomTypeKey builds a room type summary key for the descriptor.
func RoomTypeKey(roomTypeID int64, desc period.Descriptor) Key {
	return Key{Kind: KindRoomType, EntityID: roomTypeID, PeriodType: desc.Type, PeriodKey: desc.Key}
}

// Validate checks the key is fully populated.
func (k Key) Validate() error {
	if !k.Kind.Valid() {
		return fmt.Errorf("%w: kind %q", ErrInvalidKey, k.Kind)
	}
	if k.EntityID <= 0 {
		return fmt.Errorf("%w: entity id %d", ErrInvalidKey, k.EntityID)
	}
	if !k.PeriodType.Valid() || k.PeriodKey == "" {
		return fmt.Errorf("%w: period %s:%s", ErrInvalidKey, k.PeriodType, k.PeriodKey)
	}
	return nil
}

func (k Key) String() string {
	return string(k.Kind) + ":" + strconv.FormatInt(k.EntityID, 10) + ":" + string(k.PeriodType) + ":" + k.PeriodKey
}

// Summary is a cached aggregate for one entity and one period.
type Summary struct {
	Kind                     Kind            `json:"kind"`
	EntityID                 int64           `json:"entityId"`
	OwnerID                  int64           `json:"ownerId"`
	PropertyID               *int64          `json:"propertyId,omitempty"`
	PeriodType               period.Type     `json:"periodType"`
	PeriodKey                string          `json:"periodKey"`
	PendingPaymentCount      int64           `json:"pendingPaymentCount"`
	PendingConfirmationCount int64           `json:"pendingConfirmationCount"`
	ConfirmedCount           int64           `json:"confirmedCount"`
	CancelledCount           int64           `json:"cancelledCount"`
	TotalReservations        int64           `json:"totalReservations"`
	UniqueUsers              int64           `json:"uniqueUsers"`
	TotalNightsBooked        int64           `json:"totalNightsBooked"`
	TotalRevenue             decimal.Decimal `json:"totalRevenue"`
	ProjectedRevenue         decimal.Decimal `json:"projectedRevenue"`
	LastUpdated              time.Time       `json:"lastUpdated"`
}

// Key returns the summary identity.
func (s Summary) Key() Key {
	return Key{Kind: s.Kind, EntityID: s.EntityID, PeriodType: s.PeriodType, PeriodKey: s.PeriodKey}
}

// IsStale reports whether the summary is older than the default freshness window.
func (s Summary) IsStale(now time.Time) bool {
	return s.IsStaleAfter(now, DefaultStaleAfter)
}

// IsStaleAfter reports whether the summary is older than ttl.
func (s Summary) IsStaleAfter(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = DefaultStaleAfter
	}
	return now.Sub(s.LastUpdated) > ttl
}

func (s *Summary) recount() {
	s.TotalReservations = s.PendingPaymentCount + s.PendingConfirmationCount + s.ConfirmedCount + s.CancelledCount
}

var (
	// ErrInvalidKey is returned for incomplete summary keys.
	ErrInvalidKey = errors.New("performance: invalid summary key")
	// ErrInvalidUpdate is returned for malformed update specs.
	ErrInvalidUpdate = errors.New("performance: invalid update spec")
	// ErrDuplicateMetric is returned when one metric receives two instructions.
	ErrDuplicateMetric = errors.New("performance: metric updated twice")
	// ErrInvalidEntity is returned when an entity id is not positive.
	ErrInvalidEntity = errors.New("performance: invalid entity")
)
