package performance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roomledger/roomledger/internal/booking"
	"github.com/roomledger/roomledger/internal/period"
)

// EntitySource supplies the owner's properties and room types.
type EntitySource interface {
	ListProperties(ctx context.Context, ownerID int64) ([]booking.Property, error)
	ListRoomTypes(ctx context.Context, ownerID int64, propertyID *int64) ([]booking.RoomType, error)
}

// Scope limits a recalculation to specific entities; nil sets mean "all of the owner's".
type Scope struct {
	PropertyIDs map[int64]struct{}
	RoomTypeIDs map[int64]struct{}
}

// ScopeOf collects the entities touched by a reservation set.
func ScopeOf(rs []booking.Reservation) Scope {
	scope := Scope{PropertyIDs: map[int64]struct{}{}, RoomTypeIDs: map[int64]struct{}{}}
	for _, r := range rs {
		scope.PropertyIDs[r.PropertyID] = struct{}{}
		scope.RoomTypeIDs[r.RoomTypeID] = struct{}{}
	}
	return scope
}

// Empty reports whether the scope names no entity.
func (s Scope) Empty() bool {
	return s.PropertyIDs != nil && s.RoomTypeIDs != nil && len(s.PropertyIDs) == 0 && len(s.RoomTypeIDs) == 0
}

func (s Scope) hasProperty(id int64) bool {
	if s.PropertyIDs == nil {
		return true
	}
	_, ok := s.PropertyIDs[id]
	return ok
}

func (s Scope) hasRoomType(id int64) bool {
	if s.RoomTypeIDs == nil {
		return true
	}
	_, ok := s.RoomTypeIDs[id]
	return ok
}

// Recalculator recomputes summaries from facts and writes absolute upserts.
type Recalculator struct {
	engine   *Engine
	store    Store
	entities EntitySource
	logger   *slog.Logger
}

// NewRecalculator wires the recalculation dependencies.
func NewRecalculator(engine *Engine, store Store, entities EntitySource, logger *slog.Logger) *Recalculator {
	return &Recalculator{engine: engine, store: store, entities: entities, logger: logger}
}

// Result counts the summaries written by one recalculation.
type Result struct {
	Properties int
	RoomTypes  int
}

// RecalculateOwner recomputes every property and room type summary of the owner for desc.
func (r *Recalculator) RecalculateOwner(ctx context.Context, ownerID int64, desc period.Descriptor) (Result, error) {
	return r.RecalculateScope(ctx, ownerID, desc, Scope{})
}

// RecalculateScope recomputes the owner's entities named by scope for desc.
// Per-entity failures are joined; the remaining entities are still written.
func (r *Recalculator) RecalculateScope(ctx context.Context, ownerID int64, desc period.Descriptor, scope Scope) (Result, error) {
	var res Result
	if ownerID <= 0 {
		return res, fmt.Errorf("%w: owner %d", ErrInvalidEntity, ownerID)
	}
	start, end := desc.Range()
	properties, err := r.entities.ListProperties(ctx, ownerID)
	if err != nil {
		return res, fmt.Errorf("performance: list properties for owner %d: %w", ownerID, err)
	}
	roomTypes, err := r.entities.ListRoomTypes(ctx, ownerID, nil)
	if err != nil {
		return res, fmt.Errorf("performance: list room types for owner %d: %w", ownerID, err)
	}

	var errs []error
	for _, p := range properties {
		if !scope.hasProperty(p.ID) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		b, err := r.engine.Breakdown(ctx, p.ID, KindProperty, start, end)
		if err == nil {
			_, err = r.store.Upsert(ctx, PropertyKey(p.ID, desc), b.AbsoluteSpec(KindProperty, ownerID, nil))
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("property %d: %w", p.ID, err))
			continue
		}
		res.Properties++
	}
	for _, rt := range roomTypes {
		if !scope.hasRoomType(rt.ID) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		propertyID := rt.PropertyID
		b, err := r.engine.Breakdown(ctx, rt.ID, KindRoomType, start, end)
		if err == nil {
			_, err = r.store.Upsert(ctx, RoomTypeKey(rt.ID, desc), b.AbsoluteSpec(KindRoomType, ownerID, &propertyID))
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("room type %d: %w", rt.ID, err))
			continue
		}
		res.RoomTypes++
	}
	if err := errors.Join(errs...); err != nil {
		return res, fmt.Errorf("performance: recalculate owner %d %s: %w", ownerID, desc, err)
	}
	r.log().Debug("summaries recalculated",
		slog.Int64("owner_id", ownerID),
		slog.String("period", desc.String()),
		slog.Int("properties", res.Properties),
		slog.Int("room_types", res.RoomTypes))
	return res, nil
}

func (r *Recalculator) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return slog.Default()
}
