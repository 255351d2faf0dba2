// Package booking exposes read-only access to reservation and payment facts.
package booking

import (
	"errors"
	"math"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus enumerates reservation lifecycle values.
type OrderStatus string

const (
	// StatusPendingPayment waits for the guest to pay.
	StatusPendingPayment OrderStatus = "PENDING_PAYMENT"
	// StatusPendingConfirmation waits for the owner to confirm a payment.
	StatusPendingConfirmation OrderStatus = "PENDING_CONFIRMATION"
	// StatusConfirmed marks a confirmed stay.
	StatusConfirmed OrderStatus = "CONFIRMED"
	// StatusCancelled marks a cancelled reservation.
	StatusCancelled OrderStatus = "CANCELLED"
)

// OrderStatuses lists every known status in reporting order.
var OrderStatuses = []OrderStatus{StatusPendingPayment, StatusPendingConfirmation, StatusConfirmed, StatusCancelled}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	for _, known := range OrderStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// PaymentStatus enumerates payment verification values.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentConfirmed PaymentStatus = "CONFIRMED"
	PaymentRejected  PaymentStatus = "REJECTED"
)

// Reservation is a reservation fact joined with its payment and display fields.
type Reservation struct {
	ID            int64
	OwnerID       int64
	PropertyID    int64
	RoomTypeID    int64
	UserID        int64 // zero when the stay has no guest account
	StartDate     time.Time
	EndDate       time.Time
	OrderStatus   OrderStatus
	PaymentAmount decimal.Decimal
	PaymentStatus PaymentStatus
	InvoiceNumber string
	CustomerName  string
	CustomerEmail string
	PropertyName  string
	RoomTypeName  string
	CreatedAt     time.Time
}

// PaymentConfirmed reports whether the reservation carries a confirmed payment.
func (r Reservation) PaymentConfirmed() bool {
	return r.PaymentStatus == PaymentConfirmed
}

// HasGuest reports whether the reservation is linked to a guest account.
func (r Reservation) HasGuest() bool {
	return r.UserID > 0
}

// ConfirmedAmount returns the payment amount when confirmed, zero otherwise.
func (r Reservation) ConfirmedAmount() decimal.Decimal {
	if !r.PaymentConfirmed() {
		return decimal.Zero
	}
	return r.PaymentAmount
}

// Nights returns the number of started days between start and end, never negative.
func (r Reservation) Nights() int64 {
	hours := r.EndDate.Sub(r.StartDate).Hours()
	nights := int64(math.Ceil(hours / 24))
	if nights < 0 {
		return 0
	}
	return nights
}

// Overlaps reports whether the stay intersects the inclusive [start, end] window.
func (r Reservation) Overlaps(start, end time.Time) bool {
	return !r.StartDate.After(end) && !r.EndDate.Before(start)
}

// Owner is the account owning properties.
type Owner struct {
	ID    int64
	Name  string
	Email string
}

// Property carries the metadata needed by reports.
type Property struct {
	ID       int64
	OwnerID  int64
	Name     string
	Address  string
	City     string
	Province string
}

// RoomType carries the metadata needed by reports.
type RoomType struct {
	ID         int64
	PropertyID int64
	OwnerID    int64
	Name       string
	Quantity   int
}

// AvailabilityDay is a per-date availability record for one room type.
type AvailabilityDay struct {
	Date      time.Time
	Available int
	Blocked   bool
}

// Availability aggregates the stock of one room type over a date range.
type Availability struct {
	RoomTypeID    int64
	TotalQuantity int
	Days          []AvailabilityDay
}

// ReservationFilter narrows reservation queries. Zero values mean "no filter".
type ReservationFilter struct {
	OwnerID       int64
	PropertyID    *int64
	RoomTypeID    *int64
	Start         *time.Time
	End           *time.Time
	Statuses      []OrderStatus
	CustomerName  string
	Email         string
	InvoiceNumber string
}

// ActiveEntities lists the properties and room types with confirmed activity, each once.
type ActiveEntities struct {
	PropertyIDs []int64
	RoomTypeIDs []int64
}

// Empty reports whether nothing had activity.
func (a ActiveEntities) Empty() bool {
	return len(a.PropertyIDs) == 0 && len(a.RoomTypeIDs) == 0
}

func (a *ActiveEntities) add(propertyID, roomTypeID int64) {
	if !slices.Contains(a.PropertyIDs, propertyID) {
		a.PropertyIDs = append(a.PropertyIDs, propertyID)
	}
	if !slices.Contains(a.RoomTypeIDs, roomTypeID) {
		a.RoomTypeIDs = append(a.RoomTypeIDs, roomTypeID)
	}
}

// OwnerTotals is the lightweight global aggregate over an owner's reservations.
type OwnerTotals struct {
	ActiveBookings   int64
	ActualRevenue    decimal.Decimal
	ProjectedRevenue decimal.Decimal
	PropertyCount    int64
}

var (
	// ErrOwnerNotFound occurs when the owner does not exist.
	ErrOwnerNotFound = errors.New("booking: owner not found")
	// ErrPropertyNotFound occurs when the property does not exist.
	ErrPropertyNotFound = errors.New("booking: property not found")
	// ErrRoomTypeNotFound occurs when the room type does not exist.
	ErrRoomTypeNotFound = errors.New("booking: room type not found")
)
