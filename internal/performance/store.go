package performance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roomledger/roomledger/internal/booking"
	"github.com/roomledger/roomledger/internal/period"
	"github.com/roomledger/roomledger/internal/platform/db"
)

// Store persists performance summaries.
type Store interface {
	Find(ctx context.Context, key Key) (Summary, bool, error)
	Upsert(ctx context.Context, key Key, spec UpdateSpec) (Summary, error)
	OwnerCoverage(ctx context.Context, ownerID int64, periodType period.Type, periodKey string) (Coverage, error)
	Purge(ctx context.Context, ownerID int64, periodType period.Type, periodKey string) (int64, error)
}

type tableSpec struct {
	name      string
	entityCol string
	columns   []Metric
}

var tables = map[Kind]tableSpec{
	KindProperty: {
		name:      "property_performance_summaries",
		entityCol: "property_id",
		columns: []Metric{MetricPendingPayment, MetricPendingConfirmation, MetricConfirmed, MetricCancelled,
			MetricUniqueUsers, MetricTotalRevenue, MetricProjectedRevenue},
	},
	KindRoomType: {
		name:      "room_type_performance_summaries",
		entityCol: "room_type_id",
		columns:   metricColumns,
	},
}

// PGStore is the durable summary store backed by PostgreSQL.
type PGStore struct {
	pool  *pgxpool.Pool
	clock func() time.Time
}

// NewPGStore constructs the store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, clock: func() time.Time { return time.Now().UTC() }}
}

// Find loads a summary; a miss is reported through the boolean.
func (s *PGStore) Find(ctx context.Context, key Key) (Summary, bool, error) {
	if s == nil || s.pool == nil {
		return Summary{}, false, fmt.Errorf("performance: store not initialised")
	}
	if err := key.Validate(); err != nil {
		return Summary{}, false, err
	}
	table := tables[key.Kind]
	query := selectColumns(key.Kind) + " FROM " + table.name +
		" WHERE " + table.entityCol + " = $1 AND period_type = $2 AND period_key = $3"
	summary, err := scanSummary(key.Kind, s.pool.QueryRow(ctx, query, key.EntityID, string(key.PeriodType), key.PeriodKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Summary{}, false, nil
		}
		return Summary{}, false, fmt.Errorf("performance: find %s: %w", key, err)
	}
	return summary, true, nil
}

// Upsert creates or updates the summary in a single statement.
func (s *PGStore) Upsert(ctx context.Context, key Key, spec UpdateSpec) (Summary, error) {
	if s == nil || s.pool == nil {
		return Summary{}, fmt.Errorf("performance: store not initialised")
	}
	if err := key.Validate(); err != nil {
		return Summary{}, err
	}
	if err := spec.Validate(key.Kind); err != nil {
		return Summary{}, err
	}
	query, args := buildUpsert(key, spec, s.clock())
	summary, err := scanSummary(key.Kind, s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return Summary{}, fmt.Errorf("performance: upsert %s: %w", key, err)
	}
	return summary, nil
}

// OwnerCoverage lists the owner's entities holding a summary for the period.
func (s *PGStore) OwnerCoverage(ctx context.Context, ownerID int64, periodType period.Type, periodKey string) (Coverage, error) {
	if s == nil || s.pool == nil {
		return Coverage{}, fmt.Errorf("performance: store not initialised")
	}
	rows, err := s.pool.Query(ctx, `SELECT 'property', property_id, last_updated
FROM property_performance_summaries
WHERE owner_id = $1 AND period_type = $2 AND period_key = $3
UNION ALL
SELECT 'room_type', room_type_id, last_updated
FROM room_type_performance_summaries
WHERE owner_id = $1 AND period_type = $2 AND period_key = $3`, ownerID, string(periodType), periodKey)
	if err != nil {
		return Coverage{}, fmt.Errorf("performance: coverage: %w", err)
	}
	defer rows.Close()
	cov := Coverage{}
	for rows.Next() {
		var (
			kind    string
			id      int64
			updated time.Time
		)
		if err := rows.Scan(&kind, &id, &updated); err != nil {
			return Coverage{}, fmt.Errorf("performance: coverage: %w", err)
		}
		if kind == "property" {
			cov.add(KindProperty, id, updated)
		} else {
			cov.add(KindRoomType, id, updated)
		}
	}
	return cov, rows.Err()
}

// Purge deletes the owner's summaries; empty period arguments widen the scope.
func (s *PGStore) Purge(ctx context.Context, ownerID int64, periodType period.Type, periodKey string) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("performance: store not initialised")
	}
	var total int64
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, kind := range []Kind{KindRoomType, KindProperty} {
			tag, err := tx.Exec(ctx, `DELETE FROM `+tables[kind].name+`
WHERE owner_id = $1 AND ($2 = '' OR period_type = $2) AND ($3 = '' OR period_key = $3)`,
				ownerID, string(periodType), periodKey)
			if err != nil {
				return err
			}
			total += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("performance: purge owner %d: %w", ownerID, err)
	}
	return total, nil
}

// Coverage records which entities of one owner period already hold a summary.
type Coverage struct {
	PropertyIDs map[int64]struct{}
	RoomTypeIDs map[int64]struct{}
	// Oldest is the least recently updated summary found.
	Oldest Summary
}

func (c *Coverage) add(kind Kind, id int64, updated time.Time) {
	if c.PropertyIDs == nil {
		c.PropertyIDs = map[int64]struct{}{}
		c.RoomTypeIDs = map[int64]struct{}{}
	}
	if kind == KindProperty {
		c.PropertyIDs[id] = struct{}{}
	} else {
		c.RoomTypeIDs[id] = struct{}{}
	}
	if c.Oldest.LastUpdated.IsZero() || updated.Before(c.Oldest.LastUpdated) {
		c.Oldest = Summary{Kind: kind, EntityID: id, LastUpdated: updated}
	}
}

// Empty reports whether no summary exists.
func (c Coverage) Empty() bool {
	return len(c.PropertyIDs) == 0 && len(c.RoomTypeIDs) == 0
}

// Covers reports whether every active entity holds a summary.
func (c Coverage) Covers(active booking.ActiveEntities) bool {
	for _, id := range active.PropertyIDs {
		if _, ok := c.PropertyIDs[id]; !ok {
			return false
		}
	}
	for _, id := range active.RoomTypeIDs {
		if _, ok := c.RoomTypeIDs[id]; !ok {
			return false
		}
	}
	return true
}

func selectColumns(kind Kind) string {
	table := tables[kind]
	cols := []string{table.entityCol, "owner_id"}
	if kind == KindRoomType {
		cols = append(cols, "property_id")
	}
	cols = append(cols, "period_type", "period_key")
	for _, m := range table.columns {
		cols = append(cols, string(m))
	}
	cols = append(cols, "total_reservations", "last_updated")
	return "SELECT " + strings.Join(cols, ", ")
}

// buildUpsert renders the INSERT ... ON CONFLICT statement for the spec.
func buildUpsert(key Key, spec UpdateSpec, now time.Time) (string, []any) {
	table := tables[key.Kind]
	cols := []string{table.entityCol, "owner_id"}
	args := []any{key.EntityID, spec.OwnerID}
	sets := []string{"owner_id = EXCLUDED.owner_id"}
	if key.Kind == KindRoomType {
		cols = append(cols, "property_id")
		args = append(args, *spec.PropertyID)
		sets = append(sets, "property_id = EXCLUDED.property_id")
	}
	cols = append(cols, "period_type", "period_key")
	args = append(args, string(key.PeriodType), key.PeriodKey)
	for _, f := range spec.Fields {
		col := string(f.Metric)
		cols = append(cols, col)
		if f.Metric.Monetary() {
			args = append(args, db.Numeric(f.Value))
		} else {
			args = append(args, f.Value.IntPart())
		}
		if f.Mode == ModeIncrement {
			sets = append(sets, fmt.Sprintf("%s = t.%s + EXCLUDED.%s", col, col, col))
		} else {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		}
	}
	cols = append(cols, "last_updated")
	args = append(args, now)
	sets = append(sets, "last_updated = EXCLUDED.last_updated")

	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	var b strings.Builder
	b.WriteString("INSERT INTO " + table.name + " AS t (" + strings.Join(cols, ", ") + ")\n")
	b.WriteString("VALUES (" + strings.Join(placeholders, ", ") + ")\n")
	b.WriteString("ON CONFLICT (" + table.entityCol + ", period_type, period_key) DO UPDATE SET\n    ")
	b.WriteString(strings.Join(sets, ",\n    "))
	b.WriteString("\n" + strings.Replace(selectColumns(key.Kind), "SELECT", "RETURNING", 1))
	return b.String(), args
}

func scanSummary(kind Kind, row pgx.Row) (Summary, error) {
	s := Summary{Kind: kind}
	var (
		periodType        string
		propertyID        int64
		revenue, projects pgtype.Numeric
	)
	dest := []any{&s.EntityID, &s.OwnerID}
	if kind == KindRoomType {
		dest = append(dest, &propertyID)
	}
	dest = append(dest, &periodType, &s.PeriodKey)
	for _, m := range tables[kind].columns {
		switch m {
		case MetricPendingPayment:
			dest = append(dest, &s.PendingPaymentCount)
		case MetricPendingConfirmation:
			dest = append(dest, &s.PendingConfirmationCount)
		case MetricConfirmed:
			dest = append(dest, &s.ConfirmedCount)
		case MetricCancelled:
			dest = append(dest, &s.CancelledCount)
		case MetricUniqueUsers:
			dest = append(dest, &s.UniqueUsers)
		case MetricNightsBooked:
			dest = append(dest, &s.TotalNightsBooked)
		case MetricTotalRevenue:
			dest = append(dest, &revenue)
		case MetricProjectedRevenue:
			dest = append(dest, &projects)
		}
	}
	dest = append(dest, &s.TotalReservations, &s.LastUpdated)
	if err := row.Scan(dest...); err != nil {
		return Summary{}, err
	}
	s.PeriodType = period.Type(periodType)
	s.TotalRevenue = db.Decimal(revenue)
	s.ProjectedRevenue = db.Decimal(projects)
	if kind == KindRoomType {
		s.PropertyID = &propertyID
	}
	return s, nil
}

// MemoryStore keeps summaries in process memory using Apply semantics.
type MemoryStore struct {
	mu    sync.Mutex
	rows  map[Key]Summary
	clock func() time.Time
	// FailOwners makes Upsert fail for the listed owners.
	FailOwners map[int64]error
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: map[Key]Summary{}, clock: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the stamp used for LastUpdated.
func (m *MemoryStore) WithClock(clock func() time.Time) {
	if clock != nil {
		m.clock = clock
	}
}

func (m *MemoryStore) Find(_ context.Context, key Key) (Summary, bool, error) {
	if err := key.Validate(); err != nil {
		return Summary{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[key]
	return s, ok, nil
}

func (m *MemoryStore) Upsert(_ context.Context, key Key, spec UpdateSpec) (Summary, error) {
	if err := key.Validate(); err != nil {
		return Summary{}, err
	}
	if err := spec.Validate(key.Kind); err != nil {
		return Summary{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailOwners[spec.OwnerID]; err != nil {
		return Summary{}, err
	}
	var existing *Summary
	if s, ok := m.rows[key]; ok {
		existing = &s
	}
	out := Apply(existing, key, spec, m.clock())
	m.rows[key] = out
	return out, nil
}

func (m *MemoryStore) OwnerCoverage(_ context.Context, ownerID int64, periodType period.Type, periodKey string) (Coverage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cov := Coverage{}
	for k, s := range m.rows {
		if s.OwnerID == ownerID && k.PeriodType == periodType && k.PeriodKey == periodKey {
			cov.add(k.Kind, k.EntityID, s.LastUpdated)
		}
	}
	return cov, nil
}

func (m *MemoryStore) Purge(_ context.Context, ownerID int64, periodType period.Type, periodKey string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, s := range m.rows {
		if s.OwnerID != ownerID {
			continue
		}
		if periodType != "" && k.PeriodType != periodType {
			continue
		}
		if periodKey != "" && k.PeriodKey != periodKey {
			continue
		}
		delete(m.rows, k)
		n++
	}
	return n, nil
}

// Len returns the number of stored summaries.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
