package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"

	"github.com/roomledger/roomledger/internal/booking"
	"github.com/roomledger/roomledger/internal/performance"
	"github.com/roomledger/roomledger/internal/period"
)

// DefaultRepairTimeout bounds one detached cache repair.
const DefaultRepairTimeout = 2 * time.Minute

// FactStore supplies reservations, entity metadata and availability.
type FactStore interface {
	GetOwner(ctx context.Context, id int64) (booking.Owner, error)
	GetProperty(ctx context.Context, id int64) (booking.Property, error)
	GetRoomType(ctx context.Context, id int64) (booking.RoomType, error)
	ListProperties(ctx context.Context, ownerID int64) ([]booking.Property, error)
	ListRoomTypes(ctx context.Context, ownerID int64, propertyID *int64) ([]booking.RoomType, error)
	ListReservations(ctx context.Context, filter booking.ReservationFilter) ([]booking.Reservation, error)
	RoomTypeAvailability(ctx context.Context, roomTypeID int64, start, end time.Time) (booking.Availability, error)
	OwnerTotals(ctx context.Context, ownerID int64, start, end *time.Time) (booking.OwnerTotals, error)
}

// SummaryReader reads stored summaries.
type SummaryReader interface {
	Find(ctx context.Context, key performance.Key) (performance.Summary, bool, error)
}

// Repairer recomputes summaries for a subset of an owner's entities.
type Repairer interface {
	RecalculateScope(ctx context.Context, ownerID int64, desc period.Descriptor, scope performance.Scope) (performance.Result, error)
}

// Builder runs the report pipeline.
type Builder struct {
	facts         FactStore
	summaries     SummaryReader
	repairer      Repairer
	repairTimeout time.Duration
	staleAfter    time.Duration
	logger        *slog.Logger
	clock         func() time.Time
	repairs       sync.WaitGroup
}

// NewBuilder constructs a builder. summaries and repairer may be nil.
func NewBuilder(facts FactStore, summaries SummaryReader, repairer Repairer, repairTimeout time.Duration, logger *slog.Logger) *Builder {
	if repairTimeout <= 0 {
		repairTimeout = DefaultRepairTimeout
	}
	return &Builder{
		facts:         facts,
		summaries:     summaries,
		repairer:      repairer,
		repairTimeout: repairTimeout,
		staleAfter:    performance.DefaultStaleAfter,
		logger:        logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (b *Builder) WithClock(clock func() time.Time) {
	if clock != nil {
		b.clock = clock
	}
}

// WithStaleAfter sets the age at which attached cached summaries are flagged stale.
func (b *Builder) WithStaleAfter(ttl time.Duration) *Builder {
	if ttl > 0 {
		b.staleAfter = ttl
	}
	return b
}

// Wait blocks until detached repairs have finished.
func (b *Builder) Wait() {
	b.repairs.Wait()
}

// Build assembles the report. Input and ownership errors are returned; any other
// failure yields EmptyReport.
func (b *Builder) Build(ctx context.Context, ownerID int64, filters Filters, opts Options, desc *period.Descriptor) (report Report, err error) {
	opts = opts.Normalised()
	defer func() {
		if r := recover(); r != nil {
			b.log().Error("report pipeline panicked", slog.Int64("owner_id", ownerID), slog.Any("panic", r))
			report, err = EmptyReport(desc, opts), nil
		}
	}()

	report, reservations, err := b.build(ctx, ownerID, filters, opts, desc)
	if err != nil {
		if IsInputError(err) {
			return Report{}, err
		}
		b.log().Error("build owner report", slog.Int64("owner_id", ownerID), slog.Any("error", err))
		return EmptyReport(desc, opts), nil
	}
	b.repair(ctx, ownerID, desc, reservations)
	return report, nil
}

func (b *Builder) build(ctx context.Context, ownerID int64, filters Filters, opts Options, desc *period.Descriptor) (Report, []booking.Reservation, error) {
	if err := b.checkInput(ctx, ownerID, filters); err != nil {
		return Report{}, nil, err
	}
	start, end := filters.StartDate, filters.EndDate
	fold := cases.Fold()

	// 1. global summary
	totals, err := b.facts.OwnerTotals(ctx, ownerID, start, end)
	if err != nil {
		return Report{}, nil, fmt.Errorf("owner totals: %w", err)
	}
	global := GlobalSummary{
		ActiveBookings: totals.ActiveBookings,
		Revenue:        Revenue{Actual: totals.ActualRevenue, Projected: totals.ProjectedRevenue},
		PropertyCount:  totals.PropertyCount,
	}

	// 2. reservations
	reservations, err := b.facts.ListReservations(ctx, booking.ReservationFilter{
		OwnerID:       ownerID,
		PropertyID:    filters.PropertyID,
		RoomTypeID:    filters.RoomTypeID,
		Start:         start,
		End:           end,
		Statuses:      filters.ReservationStatus,
		CustomerName:  filters.CustomerName,
		Email:         filters.Email,
		InvoiceNumber: filters.InvoiceNumber,
	})
	if err != nil {
		return Report{}, nil, fmt.Errorf("list reservations: %w", err)
	}

	// 3. group, seeded with every room type of the owner
	properties, err := b.group(ctx, ownerID, reservations)
	if err != nil {
		return Report{}, nil, err
	}

	// 4-6. availability, unique customers, reservation lines
	byRoomType := make(map[int64][]booking.Reservation)
	for _, r := range reservations {
		byRoomType[r.RoomTypeID] = append(byRoomType[r.RoomTypeID], r)
	}
	for i := range properties {
		p := &properties[i]
		for j := range p.RoomTypes {
			rt := &p.RoomTypes[j]
			rt.Availability = b.availability(ctx, rt, start, end)
			matched := byRoomType[rt.ID]
			rt.Metrics.UniqueCustomers = uniqueUsers(matched, nil)
			b.listReservations(rt, matched, filters, opts, fold)
		}
	}

	// 7. filter, sort, paginate
	properties = filterProperties(properties, filters, opts, fold)
	for i := range properties {
		foldProperty(&properties[i], byRoomType)
	}
	sortProperties(properties, opts)
	pagination, from, to := paginate(len(properties), opts.Page, opts.PageSize)
	page := properties[from:to]
	if !opts.FetchAllData && filters.RoomTypeID == nil {
		for i := range page {
			for j := range page[i].RoomTypes {
				page[i].RoomTypes[j].Reservations = nil
				page[i].RoomTypes[j].ReservationPagination = nil
			}
		}
	}
	b.attachCached(ctx, page, desc)

	// 8. page aggregate
	var agg Aggregate
	var aggMetrics Metrics
	for _, p := range page {
		agg.PropertyCount++
		agg.RoomTypeCount += len(p.RoomTypes)
		aggMetrics.merge(p.Metrics)
	}
	agg.TotalReservations = aggMetrics.TotalReservations
	agg.PendingPayment = aggMetrics.PendingPayment
	agg.PendingConfirmation = aggMetrics.PendingConfirmation
	agg.Confirmed = aggMetrics.Confirmed
	agg.Cancelled = aggMetrics.Cancelled
	agg.Revenue = aggMetrics.Revenue

	if page == nil {
		page = []PropertyReport{}
	}
	return Report{
		Properties: page,
		Summary: Summary{
			Global:     global,
			Aggregate:  agg,
			Period:     periodInfo(desc),
			Pagination: pagination,
		},
	}, reservations, nil
}

func (b *Builder) checkInput(ctx context.Context, ownerID int64, filters Filters) error {
	if ownerID <= 0 {
		return fmt.Errorf("%w: owner id required", ErrInvalidFilter)
	}
	if _, err := b.facts.GetOwner(ctx, ownerID); err != nil {
		return err
	}
	if filters.StartDate != nil && filters.EndDate != nil && filters.StartDate.After(*filters.EndDate) {
		return fmt.Errorf("%w: start date after end date", ErrInvalidFilter)
	}
	for _, s := range filters.ReservationStatus {
		if !s.Valid() {
			return fmt.Errorf("%w: reservation status %q", ErrInvalidFilter, s)
		}
	}
	if filters.PropertyID != nil {
		prop, err := b.facts.GetProperty(ctx, *filters.PropertyID)
		if err != nil {
			return err
		}
		if prop.OwnerID != ownerID {
			return fmt.Errorf("%w: property %d", ErrPropertyNotOwned, prop.ID)
		}
	}
	if filters.RoomTypeID != nil {
		rt, err := b.facts.GetRoomType(ctx, *filters.RoomTypeID)
		if err != nil {
			return err
		}
		if rt.OwnerID != ownerID {
			return fmt.Errorf("%w: room type %d", ErrRoomTypeNotOwned, rt.ID)
		}
		if filters.PropertyID != nil && rt.PropertyID != *filters.PropertyID {
			return fmt.Errorf("%w: room type %d is not in property %d", ErrInvalidFilter, rt.ID, *filters.PropertyID)
		}
	}
	return nil
}

func (b *Builder) group(ctx context.Context, ownerID int64, reservations []booking.Reservation) ([]PropertyReport, error) {
	props, err := b.facts.ListProperties(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list properties: %w", err)
	}
	roomTypes, err := b.facts.ListRoomTypes(ctx, ownerID, nil)
	if err != nil {
		return nil, fmt.Errorf("list room types: %w", err)
	}
	out := make([]PropertyReport, 0, len(props))
	index := make(map[int64]int, len(props))
	for _, p := range props {
		index[p.ID] = len(out)
		out = append(out, PropertyReport{
			ID:        p.ID,
			Name:      p.Name,
			Address:   p.Address,
			City:      p.City,
			Province:  p.Province,
			RoomTypes: []RoomTypeReport{},
		})
	}
	rtIndex := make(map[int64][2]int, len(roomTypes))
	for _, rt := range roomTypes {
		pi, ok := index[rt.PropertyID]
		if !ok {
			continue
		}
		rtIndex[rt.ID] = [2]int{pi, len(out[pi].RoomTypes)}
		out[pi].RoomTypes = append(out[pi].RoomTypes, RoomTypeReport{ID: rt.ID, Name: rt.Name, Quantity: rt.Quantity})
	}
	for _, r := range reservations {
		pos, ok := rtIndex[r.RoomTypeID]
		if !ok {
			continue
		}
		out[pos[0]].RoomTypes[pos[1]].Metrics.add(r)
	}
	return out, nil
}

// availability loads the block for rt. Failures and missing ranges yield a zero block.
func (b *Builder) availability(ctx context.Context, rt *RoomTypeReport, start, end *time.Time) AvailabilityBlock {
	block := AvailabilityBlock{TotalQuantity: rt.Quantity, Days: []booking.AvailabilityDay{}}
	if start == nil || end == nil {
		return block
	}
	av, err := b.facts.RoomTypeAvailability(ctx, rt.ID, *start, *end)
	if err != nil {
		b.log().Warn("room type availability", slog.Int64("room_type_id", rt.ID), slog.Any("error", err))
		return AvailabilityBlock{Days: []booking.AvailabilityDay{}}
	}
	block.TotalQuantity = av.TotalQuantity
	for _, d := range av.Days {
		block.AvailableUnits += d.Available
		if d.Blocked {
			block.BlockedDays++
		}
	}
	if av.Days != nil {
		block.Days = av.Days
	}
	return block
}

func uniqueUsers(rs []booking.Reservation, into map[int64]struct{}) int64 {
	seen := make(map[int64]struct{}, len(rs))
	for _, r := range rs {
		if !r.HasGuest() {
			continue
		}
		seen[r.UserID] = struct{}{}
		if into != nil {
			into[r.UserID] = struct{}{}
		}
	}
	return int64(len(seen))
}

// foldProperty recomputes property metrics from the room types it still lists.
func foldProperty(p *PropertyReport, byRoomType map[int64][]booking.Reservation) {
	var m Metrics
	customers := make(map[int64]struct{})
	for _, rt := range p.RoomTypes {
		m.merge(rt.Metrics)
		uniqueUsers(byRoomType[rt.ID], customers)
	}
	m.UniqueCustomers = int64(len(customers))
	p.Metrics = m
}

func (b *Builder) listReservations(rt *RoomTypeReport, matched []booking.Reservation, filters Filters, opts Options, fold cases.Caser) {
	var listed []booking.Reservation
	if containsFold(fold, rt.Name, filters.RoomTypeSearch) {
		for _, r := range matched {
			if containsFold(fold, r.InvoiceNumber, filters.InvoiceNumber) {
				listed = append(listed, r)
			}
		}
	}
	for _, r := range listed {
		rt.ReservationTotal = rt.ReservationTotal.Add(r.ConfirmedAmount())
	}
	if opts.FetchAllData {
		rt.Reservations = make([]ReservationLine, 0, len(listed))
		for _, r := range listed {
			rt.Reservations = append(rt.Reservations, lineOf(r))
		}
		return
	}
	pagination, from, to := paginate(len(listed), opts.ReservationPage, opts.ReservationPageSize)
	rt.ReservationPagination = &pagination
	rt.Reservations = make([]ReservationLine, 0, to-from)
	for _, r := range listed[from:to] {
		rt.Reservations = append(rt.Reservations, lineOf(r))
	}
}

func filterProperties(properties []PropertyReport, filters Filters, opts Options, fold cases.Caser) []PropertyReport {
	search := strings.TrimSpace(filters.PropertySearch)
	if search == "" {
		search = strings.TrimSpace(opts.Search)
	}
	roomTypeFilter := filters.RoomTypeID != nil || strings.TrimSpace(filters.RoomTypeSearch) != ""
	out := properties[:0]
	for _, p := range properties {
		if filters.PropertyID != nil && p.ID != *filters.PropertyID {
			continue
		}
		if search != "" && !containsFold(fold, p.Name, search) && !containsFold(fold, p.Address, search) &&
			!containsFold(fold, p.City, search) && !containsFold(fold, p.Province, search) {
			continue
		}
		if !equalFold(fold, p.City, filters.City) || !equalFold(fold, p.Province, filters.Province) {
			continue
		}
		if roomTypeFilter {
			kept := p.RoomTypes[:0]
			for _, rt := range p.RoomTypes {
				if filters.RoomTypeID != nil && rt.ID != *filters.RoomTypeID {
					continue
				}
				if !containsFold(fold, rt.Name, filters.RoomTypeSearch) {
					continue
				}
				kept = append(kept, rt)
			}
			if len(kept) == 0 {
				continue
			}
			p.RoomTypes = kept
		}
		out = append(out, p)
	}
	return out
}

func sortProperties(properties []PropertyReport, opts Options) {
	less := func(a, b PropertyReport) int {
		switch opts.SortBy {
		case SortRevenue:
			return a.Metrics.Revenue.Actual.Cmp(b.Metrics.Revenue.Actual)
		case SortConfirmed:
			return cmpInt(a.Metrics.Confirmed, b.Metrics.Confirmed)
		case SortPending:
			return cmpInt(a.Metrics.Pending(), b.Metrics.Pending())
		case SortCity:
			return strings.Compare(strings.ToLower(a.City), strings.ToLower(b.City))
		case SortProvince:
			return strings.Compare(strings.ToLower(a.Province), strings.ToLower(b.Province))
		case SortAddress:
			return strings.Compare(strings.ToLower(a.Address), strings.ToLower(b.Address))
		default:
			return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
		}
	}
	sort.SliceStable(properties, func(i, j int) bool {
		c := less(properties[i], properties[j])
		if c == 0 {
			return properties[i].ID < properties[j].ID
		}
		if opts.SortDir == SortDesc {
			return c > 0
		}
		return c < 0
	})
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func containsFold(fold cases.Caser, value, needle string) bool {
	needle = strings.TrimSpace(needle)
	if needle == "" {
		return true
	}
	return strings.Contains(fold.String(value), fold.String(needle))
}

func equalFold(fold cases.Caser, value, want string) bool {
	want = strings.TrimSpace(want)
	if want == "" {
		return true
	}
	return fold.String(strings.TrimSpace(value)) == fold.String(want)
}

// attachCached adds stored property summaries for the report period to the page.
func (b *Builder) attachCached(ctx context.Context, page []PropertyReport, desc *period.Descriptor) {
	if b.summaries == nil || desc == nil || desc.IsCustom() {
		return
	}
	now := b.clock()
	for i := range page {
		s, ok, err := b.summaries.Find(ctx, performance.PropertyKey(page[i].ID, *desc))
		if err != nil {
			b.log().Debug("read cached summary", slog.Int64("property_id", page[i].ID), slog.Any("error", err))
			continue
		}
		if !ok {
			continue
		}
		page[i].Cached = &CachedSummary{
			TotalReservations: s.TotalReservations,
			ConfirmedCount:    s.ConfirmedCount,
			TotalRevenue:      s.TotalRevenue,
			ProjectedRevenue:  s.ProjectedRevenue,
			LastUpdated:       s.LastUpdated,
			Stale:             s.IsStaleAfter(now, b.staleAfter),
		}
	}
}

// repair refreshes the summaries of the entities touched by reservations without
// blocking the caller.
func (b *Builder) repair(ctx context.Context, ownerID int64, desc *period.Descriptor, reservations []booking.Reservation) {
	if b.repairer == nil || desc == nil || desc.IsCustom() {
		return
	}
	scope := performance.ScopeOf(reservations)
	if scope.Empty() {
		return
	}
	target := *desc
	b.repairs.Add(1)
	go func() {
		defer b.repairs.Done()
		defer func() {
			if r := recover(); r != nil {
				b.log().Error("summary repair panicked", slog.Int64("owner_id", ownerID), slog.Any("panic", r))
			}
		}()
		repairCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.repairTimeout)
		defer cancel()
		res, err := b.repairer.RecalculateScope(repairCtx, ownerID, target, scope)
		if err != nil && !errors.Is(err, context.Canceled) {
			b.log().Warn("summary repair", slog.Int64("owner_id", ownerID), slog.String("period", target.String()), slog.Any("error", err))
			return
		}
		b.log().Debug("summary repair done",
			slog.Int64("owner_id", ownerID),
			slog.String("period", target.String()),
			slog.Int("properties", res.Properties),
			slog.Int("room_types", res.RoomTypes))
	}()
}

func (b *Builder) log() *slog.Logger {
	if b.logger != nil {
		return b.logger
	}
	return slog.Default()
}
