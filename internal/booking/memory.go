package booking

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process fact store used by tests and local demos.
type MemoryStore struct {
	mu           sync.RWMutex
	owners       map[int64]Owner
	properties   map[int64]Property
	roomTypes    map[int64]RoomType
	reservations []Reservation
	availability map[int64][]AvailabilityDay
	// AvailabilityErr, when set, fails availability lookups for the given room types.
	AvailabilityErr map[int64]error
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		owners:       map[int64]Owner{},
		properties:   map[int64]Property{},
		roomTypes:    map[int64]RoomType{},
		availability: map[int64][]AvailabilityDay{},
	}
}

func (m *MemoryStore) AddOwner(o Owner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[o.ID] = o
}

func (m *MemoryStore) AddProperty(p Property) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.properties[p.ID] = p
}

// AddRoomType stores the room type, copying the owner from its property.
func (m *MemoryStore) AddRoomType(rt RoomType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.properties[rt.PropertyID]; ok {
		rt.OwnerID = p.OwnerID
	}
	m.roomTypes[rt.ID] = rt
}

// AddReservation stores the reservation, filling owner, property and display names.
func (m *MemoryStore) AddReservation(r Reservation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.roomTypes[r.RoomTypeID]; ok {
		r.PropertyID = rt.PropertyID
		r.OwnerID = rt.OwnerID
		if r.RoomTypeName == "" {
			r.RoomTypeName = rt.Name
		}
	}
	if p, ok := m.properties[r.PropertyID]; ok && r.PropertyName == "" {
		r.PropertyName = p.Name
	}
	m.reservations = append(m.reservations, r)
}

func (m *MemoryStore) SetAvailability(roomTypeID int64, days []AvailabilityDay) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.availability[roomTypeID] = days
}

func (m *MemoryStore) ListReservations(_ context.Context, filter ReservationFilter) ([]Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Reservation
	for _, r := range m.reservations {
		if Matches(r, filter) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartDate.Before(out[j].StartDate)
	})
	return out, nil
}

func (m *MemoryStore) ListOwnerIDsAfter(_ context.Context, afterID int64, limit int) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []int64
	for id := range m.owners {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *MemoryStore) CountOwners(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.owners)), nil
}

func (m *MemoryStore) GetOwner(_ context.Context, id int64) (Owner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.owners[id]
	if !ok {
		return Owner{}, ErrOwnerNotFound
	}
	return o, nil
}

func (m *MemoryStore) GetProperty(_ context.Context, id int64) (Property, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.properties[id]
	if !ok {
		return Property{}, ErrPropertyNotFound
	}
	return p, nil
}

func (m *MemoryStore) ListProperties(_ context.Context, ownerID int64) ([]Property, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Property
	for _, p := range m.properties {
		if p.OwnerID == ownerID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryStore) GetRoomType(_ context.Context, id int64) (RoomType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.roomTypes[id]
	if !ok {
		return RoomType{}, ErrRoomTypeNotFound
	}
	return rt, nil
}

func (m *MemoryStore) ListRoomTypes(_ context.Context, ownerID int64, propertyID *int64) ([]RoomType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []RoomType
	for _, rt := range m.roomTypes {
		if rt.OwnerID != ownerID {
			continue
		}
		if propertyID != nil && rt.PropertyID != *propertyID {
			continue
		}
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PropertyID != out[j].PropertyID {
			return out[i].PropertyID < out[j].PropertyID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) RoomTypeAvailability(_ context.Context, roomTypeID int64, start, end time.Time) (Availability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.AvailabilityErr[roomTypeID]; err != nil {
		return Availability{}, err
	}
	rt, ok := m.roomTypes[roomTypeID]
	if !ok {
		return Availability{}, ErrRoomTypeNotFound
	}
	out := Availability{RoomTypeID: roomTypeID, TotalQuantity: rt.Quantity}
	for _, day := range m.availability[roomTypeID] {
		if !day.Date.Before(start) && !day.Date.After(end) {
			out.Days = append(out.Days, day)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListActiveEntities(ctx context.Context, ownerID int64, start, end time.Time) (ActiveEntities, error) {
	rs, err := m.ListReservations(ctx, ReservationFilter{
		OwnerID:  ownerID,
		Start:    &start,
		End:      &end,
		Statuses: []OrderStatus{StatusConfirmed},
	})
	if err != nil {
		return ActiveEntities{}, err
	}
	var out ActiveEntities
	for _, r := range rs {
		out.add(r.PropertyID, r.RoomTypeID)
	}
	return out, nil
}

func (m *MemoryStore) OwnerTotals(ctx context.Context, ownerID int64, start, end *time.Time) (OwnerTotals, error) {
	rs, err := m.ListReservations(ctx, ReservationFilter{OwnerID: ownerID, Start: start, End: end})
	if err != nil {
		return OwnerTotals{}, err
	}
	return Totals(rs), nil
}

// Matches reports whether r satisfies the filter.
func Matches(r Reservation, f ReservationFilter) bool {
	if f.OwnerID > 0 && r.OwnerID != f.OwnerID {
		return false
	}
	if f.PropertyID != nil && r.PropertyID != *f.PropertyID {
		return false
	}
	if f.RoomTypeID != nil && r.RoomTypeID != *f.RoomTypeID {
		return false
	}
	if f.End != nil && r.StartDate.After(*f.End) {
		return false
	}
	if f.Start != nil && r.EndDate.Before(*f.Start) {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if r.OrderStatus == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return containsFold(r.CustomerName, f.CustomerName) &&
		containsFold(r.CustomerEmail, f.Email) &&
		containsFold(r.InvoiceNumber, f.InvoiceNumber)
}

func containsFold(value, needle string) bool {
	needle = strings.TrimSpace(needle)
	if needle == "" {
		return true
	}
	return strings.Contains(strings.ToLower(value), strings.ToLower(needle))
}

// Totals computes the owner-level aggregate over already filtered reservations.
func Totals(rs []Reservation) OwnerTotals {
	var out OwnerTotals
	properties := make(map[int64]struct{})
	for _, r := range rs {
		properties[r.PropertyID] = struct{}{}
		if r.OrderStatus == StatusCancelled {
			continue
		}
		out.ActiveBookings++
		out.ProjectedRevenue = out.ProjectedRevenue.Add(r.ConfirmedAmount())
		if r.OrderStatus == StatusConfirmed {
			out.ActualRevenue = out.ActualRevenue.Add(r.ConfirmedAmount())
		}
	}
	out.PropertyCount = int64(len(properties))
	return out
}
