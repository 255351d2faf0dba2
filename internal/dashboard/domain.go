// Package dashboard assembles the owner performance report.
package dashboard

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roomledger/roomledger/internal/booking"
	"github.com/roomledger/roomledger/internal/period"
)

const (
	defaultPageSize            = 10
	maxPageSize                = 100
	defaultReservationPageSize = 10
	maxReservationPageSize     = 200
)

var (
	// ErrPropertyNotOwned indicates a property filter naming another owner's property.
	ErrPropertyNotOwned = errors.New("dashboard: property not owned by owner")
	// ErrRoomTypeNotOwned indicates a room type filter naming another owner's room type.
	ErrRoomTypeNotOwned = errors.New("dashboard: room type not owned by owner")
	// ErrInvalidFilter indicates a malformed filter combination.
	ErrInvalidFilter = errors.New("dashboard: invalid filter")
)

// IsInputError reports whether err is a caller error that escapes the report pipeline.
func IsInputError(err error) bool {
	return errors.Is(err, ErrPropertyNotOwned) ||
		errors.Is(err, ErrRoomTypeNotOwned) ||
		errors.Is(err, ErrInvalidFilter) ||
		errors.Is(err, booking.ErrOwnerNotFound) ||
		errors.Is(err, booking.ErrPropertyNotFound) ||
		errors.Is(err, booking.ErrRoomTypeNotFound)
}

// SortKey orders the property list.
type SortKey string

const (
	SortName      SortKey = "name"
	SortRevenue   SortKey = "revenue"
	SortConfirmed SortKey = "confirmed"
	SortPending   SortKey = "pending"
	SortCity      SortKey = "city"
	SortProvince  SortKey = "province"
	SortAddress   SortKey = "address"
)

// Valid reports whether k is a supported sort key.
func (k SortKey) Valid() bool {
	switch k {
	case SortName, SortRevenue, SortConfirmed, SortPending, SortCity, SortProvince, SortAddress:
		return true
	}
	return false
}

// SortDir is asc or desc.
type SortDir string

const (
	SortAsc  SortDir = "asc"
	SortDesc SortDir = "desc"
)

// Filters narrow the reservations and entities in a report.
type Filters struct {
	PropertyID        *int64
	RoomTypeID        *int64
	PropertySearch    string
	RoomTypeSearch    string
	City              string
	Province          string
	CustomerName      string
	Email             string
	InvoiceNumber     string
	ReservationStatus []booking.OrderStatus
	StartDate         *time.Time
	EndDate           *time.Time
}

// Options control paging, sorting and payload size.
type Options struct {
	Page                int
	PageSize            int
	ReservationPage     int
	ReservationPageSize int
	SortBy              SortKey
	SortDir             SortDir
	// Search is used as the property search when Filters.PropertySearch is empty.
	Search string
	// FetchAllData returns every reservation line unpaginated.
	FetchAllData bool
}

// Normalised fills defaults and clamps page sizes.
func (o Options) Normalised() Options {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.PageSize <= 0 {
		o.PageSize = defaultPageSize
	}
	if o.PageSize > maxPageSize {
		o.PageSize = maxPageSize
	}
	if o.ReservationPage < 1 {
		o.ReservationPage = 1
	}
	if o.ReservationPageSize <= 0 {
		o.ReservationPageSize = defaultReservationPageSize
	}
	if o.ReservationPageSize > maxReservationPageSize {
		o.ReservationPageSize = maxReservationPageSize
	}
	o.SortBy = SortKey(strings.ToLower(string(o.SortBy)))
	if !o.SortBy.Valid() {
		o.SortBy = SortName
	}
	o.SortDir = SortDir(strings.ToLower(string(o.SortDir)))
	if o.SortDir != SortDesc {
		o.SortDir = SortAsc
	}
	return o
}

// Report is the document returned to dashboard callers.
type Report struct {
	Properties []PropertyReport `json:"properties"`
	Summary    Summary          `json:"summary"`
}

// Summary wraps the owner totals, the page aggregate and paging state.
type Summary struct {
	Global     GlobalSummary `json:"global"`
	Aggregate  Aggregate     `json:"aggregate"`
	Period     *PeriodInfo   `json:"period"`
	Pagination Pagination    `json:"pagination"`
}

// Revenue pairs actual and projected amounts.
type Revenue struct {
	Actual    decimal.Decimal `json:"actual"`
	Projected decimal.Decimal `json:"projected"`
}

// GlobalSummary is computed live over the owner's reservations in the date range.
type GlobalSummary struct {
	ActiveBookings int64   `json:"activeBookings"`
	Revenue        Revenue `json:"revenue"`
	PropertyCount  int64   `json:"propertyCount"`
}

// Aggregate sums the properties on the current page.
type Aggregate struct {
	PropertyCount       int     `json:"propertyCount"`
	RoomTypeCount       int     `json:"roomTypeCount"`
	TotalReservations   int64   `json:"totalReservations"`
	PendingPayment      int64   `json:"pendingPayment"`
	PendingConfirmation int64   `json:"pendingConfirmation"`
	Confirmed           int64   `json:"confirmed"`
	Cancelled           int64   `json:"cancelled"`
	Revenue             Revenue `json:"revenue"`
}

// PeriodInfo echoes the resolved period.
type PeriodInfo struct {
	Type      period.Type `json:"periodType"`
	Key       string      `json:"periodKey"`
	Year      int         `json:"year"`
	Month     *int        `json:"month"`
	StartDate string      `json:"startDate,omitempty"`
	EndDate   string      `json:"endDate,omitempty"`
}

// Pagination describes one page of a list.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

func paginate(total, page, size int) (Pagination, int, int) {
	p := Pagination{Page: page, PageSize: size, Total: total}
	if size > 0 {
		p.TotalPages = (total + size - 1) / size
	}
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	return p, start, end
}

// Metrics are the per-entity counters folded from matched reservations.
type Metrics struct {
	TotalReservations   int64   `json:"totalReservations"`
	PendingPayment      int64   `json:"pendingPayment"`
	PendingConfirmation int64   `json:"pendingConfirmation"`
	Confirmed           int64   `json:"confirmed"`
	Cancelled           int64   `json:"cancelled"`
	UniqueCustomers     int64   `json:"uniqueCustomers"`
	NightsBooked        int64   `json:"nightsBooked"`
	Revenue             Revenue `json:"revenue"`
}

// Pending returns the count of reservations waiting on payment or confirmation.
func (m Metrics) Pending() int64 {
	return m.PendingPayment + m.PendingConfirmation
}

func (m *Metrics) add(r booking.Reservation) {
	m.TotalReservations++
	switch r.OrderStatus {
	case booking.StatusPendingPayment:
		m.PendingPayment++
	case booking.StatusPendingConfirmation:
		m.PendingConfirmation++
	case booking.StatusConfirmed:
		m.Confirmed++
		m.NightsBooked += r.Nights()
		m.Revenue.Actual = m.Revenue.Actual.Add(r.ConfirmedAmount())
	case booking.StatusCancelled:
		m.Cancelled++
	}
	if r.OrderStatus != booking.StatusCancelled {
		m.Revenue.Projected = m.Revenue.Projected.Add(r.ConfirmedAmount())
	}
}

func (m *Metrics) merge(o Metrics) {
	m.TotalReservations += o.TotalReservations
	m.PendingPayment += o.PendingPayment
	m.PendingConfirmation += o.PendingConfirmation
	m.Confirmed += o.Confirmed
	m.Cancelled += o.Cancelled
	m.NightsBooked += o.NightsBooked
	m.Revenue.Actual = m.Revenue.Actual.Add(o.Revenue.Actual)
	m.Revenue.Projected = m.Revenue.Projected.Add(o.Revenue.Projected)
}

// PropertyReport is one property row with its room types.
type PropertyReport struct {
	ID        int64            `json:"id"`
	Name      string           `json:"name"`
	Address   string           `json:"address"`
	City      string           `json:"city"`
	Province  string           `json:"province"`
	Metrics   Metrics          `json:"metrics"`
	RoomTypes []RoomTypeReport `json:"roomTypes"`
	// Cached is the stored summary for the report period, when one exists.
	Cached *CachedSummary `json:"cached,omitempty"`
}

// CachedSummary exposes a stored summary snapshot alongside the live figures.
type CachedSummary struct {
	TotalReservations int64           `json:"totalReservations"`
	ConfirmedCount    int64           `json:"confirmedCount"`
	TotalRevenue      decimal.Decimal `json:"totalRevenue"`
	ProjectedRevenue  decimal.Decimal `json:"projectedRevenue"`
	LastUpdated       time.Time       `json:"lastUpdated"`
	Stale             bool            `json:"stale"`
}

// RoomTypeReport is one room type row.
type RoomTypeReport struct {
	ID           int64             `json:"id"`
	Name         string            `json:"name"`
	Quantity     int               `json:"quantity"`
	Metrics      Metrics           `json:"metrics"`
	Availability AvailabilityBlock `json:"availability"`
	// ReservationTotal sums the confirmed payments of every listed reservation.
	ReservationTotal      decimal.Decimal   `json:"reservationTotalAmount"`
	Reservations          []ReservationLine `json:"reservations,omitempty"`
	ReservationPagination *Pagination       `json:"reservationPagination,omitempty"`
}

// AvailabilityBlock summarises availability for the report range.
type AvailabilityBlock struct {
	TotalQuantity  int                       `json:"totalQuantity"`
	AvailableUnits int                       `json:"availableUnits"`
	BlockedDays    int                       `json:"blockedDays"`
	Days           []booking.AvailabilityDay `json:"days"`
}

// ReservationLine is one listed reservation.
type ReservationLine struct {
	ID            int64                 `json:"id"`
	InvoiceNumber string                `json:"invoiceNumber"`
	UserID        int64                 `json:"userId"`
	CustomerName  string                `json:"customerName"`
	CustomerEmail string                `json:"customerEmail"`
	StartDate     time.Time             `json:"startDate"`
	EndDate       time.Time             `json:"endDate"`
	Nights        int64                 `json:"nights"`
	OrderStatus   booking.OrderStatus   `json:"orderStatus"`
	PaymentStatus booking.PaymentStatus `json:"paymentStatus"`
	Amount        decimal.Decimal       `json:"amount"`
	CreatedAt     time.Time             `json:"createdAt"`
}

func lineOf(r booking.Reservation) ReservationLine {
	return ReservationLine{
		ID:            r.ID,
		InvoiceNumber: r.InvoiceNumber,
		UserID:        r.UserID,
		CustomerName:  r.CustomerName,
		CustomerEmail: r.CustomerEmail,
		StartDate:     r.StartDate,
		EndDate:       r.EndDate,
		Nights:        r.Nights(),
		OrderStatus:   r.OrderStatus,
		PaymentStatus: r.PaymentStatus,
		Amount:        r.PaymentAmount,
		CreatedAt:     r.CreatedAt,
	}
}

// EmptyReport is the fallback document: zero global summary, no properties, page 1 of 0.
func EmptyReport(desc *period.Descriptor, opts Options) Report {
	opts = opts.Normalised()
	return Report{
		Properties: []PropertyReport{},
		Summary: Summary{
			Period:     periodInfo(desc),
			Pagination: Pagination{Page: 1, PageSize: opts.PageSize},
		},
	}
}

func periodInfo(desc *period.Descriptor) *PeriodInfo {
	if desc == nil {
		return nil
	}
	start, end := desc.Range()
	return &PeriodInfo{
		Type:      desc.Type,
		Key:       desc.Key,
		Year:      desc.Year,
		Month:     desc.Month,
		StartDate: start.Format(time.DateOnly),
		EndDate:   end.Format(time.DateOnly),
	}
}
