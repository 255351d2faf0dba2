package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roomledger/roomledger/internal/platform/db"
)

// Repository reads reservation facts and entity metadata from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the fact store.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var errNotInitialised = errors.New("booking: repository not initialised")

// reservationSelect joins each reservation with its latest payment and display fields.
const reservationSelect = `SELECT
    r.id,
    p.owner_id,
    p.id,
    r.room_type_id,
    COALESCE(r.user_id, 0),
    r.start_date,
    r.end_date,
    r.order_status,
    pay.amount,
    COALESCE(pay.status, ''),
    COALESCE(r.invoice_number, ''),
    COALESCE(u.name, ''),
    COALESCE(u.email, ''),
    p.name,
    rt.name,
    r.created_at
FROM reservations r
JOIN room_types rt ON rt.id = r.room_type_id
JOIN properties p ON p.id = rt.property_id
LEFT JOIN users u ON u.id = r.user_id
LEFT JOIN LATERAL (
    SELECT amount, status FROM payments
    WHERE reservation_id = r.id
    ORDER BY created_at DESC, id DESC
    LIMIT 1
) pay ON TRUE`

// ListReservations returns reservations matching the filter ordered by start date.
func (r *Repository) ListReservations(ctx context.Context, filter ReservationFilter) ([]Reservation, error) {
	if r == nil || r.pool == nil {
		return nil, errNotInitialised
	}
	where, args := reservationWhere(filter)
	query := reservationSelect + "\nWHERE " + strings.Join(where, "\n  AND ") + "\nORDER BY r.start_date, r.id"
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("booking: list reservations: %w", err)
	}
	defer rows.Close()
	var out []Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func reservationWhere(filter ReservationFilter) ([]string, []any) {
	where := []string{"p.deleted_at IS NULL", "rt.deleted_at IS NULL"}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.OwnerID > 0 {
		where = append(where, "p.owner_id = "+arg(filter.OwnerID))
	}
	if filter.PropertyID != nil {
		where = append(where, "p.id = "+arg(*filter.PropertyID))
	}
	if filter.RoomTypeID != nil {
		where = append(where, "r.room_type_id = "+arg(*filter.RoomTypeID))
	}
	if filter.End != nil {
		where = append(where, "r.start_date <= "+arg(*filter.End))
	}
	if filter.Start != nil {
		where = append(where, "r.end_date >= "+arg(*filter.Start))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		where = append(where, "r.order_status = ANY("+arg(statuses)+")")
	}
	if name := strings.TrimSpace(filter.CustomerName); name != "" {
		where = append(where, "u.name ILIKE "+arg("%"+name+"%"))
	}
	if email := strings.TrimSpace(filter.Email); email != "" {
		where = append(where, "u.email ILIKE "+arg("%"+email+"%"))
	}
	if invoice := strings.TrimSpace(filter.InvoiceNumber); invoice != "" {
		where = append(where, "r.invoice_number ILIKE "+arg("%"+invoice+"%"))
	}
	return where, args
}

func scanReservation(row pgx.Row) (Reservation, error) {
	var (
		res     Reservation
		status  string
		payStat string
		amount  pgtype.Numeric
	)
	if err := row.Scan(
		&res.ID,
		&res.OwnerID,
		&res.PropertyID,
		&res.RoomTypeID,
		&res.UserID,
		&res.StartDate,
		&res.EndDate,
		&status,
		&amount,
		&payStat,
		&res.InvoiceNumber,
		&res.CustomerName,
		&res.CustomerEmail,
		&res.PropertyName,
		&res.RoomTypeName,
		&res.CreatedAt,
	); err != nil {
		return Reservation{}, err
	}
	res.OrderStatus = OrderStatus(status)
	res.PaymentStatus = PaymentStatus(payStat)
	res.PaymentAmount = db.Decimal(amount)
	return res, nil
}

// ListOwnerIDsAfter pages owner ids in ascending order after the cursor.
func (r *Repository) ListOwnerIDsAfter(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	if r == nil || r.pool == nil {
		return nil, errNotInitialised
	}
	if limit <= 0 {
		limit = 5
	}
	rows, err := r.pool.Query(ctx, `SELECT id FROM owners WHERE id > $1 AND deleted_at IS NULL ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("booking: list owners: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountOwners returns the number of live owners.
func (r *Repository) CountOwners(ctx context.Context) (int64, error) {
	if r == nil || r.pool == nil {
		return 0, errNotInitialised
	}
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM owners WHERE deleted_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("booking: count owners: %w", err)
	}
	return n, nil
}

// GetOwner loads an owner by id.
func (r *Repository) GetOwner(ctx context.Context, id int64) (Owner, error) {
	if r == nil || r.pool == nil {
		return Owner{}, errNotInitialised
	}
	var owner Owner
	err := r.pool.QueryRow(ctx, `SELECT id, name, email FROM owners WHERE id = $1 AND deleted_at IS NULL`, id).
		Scan(&owner.ID, &owner.Name, &owner.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Owner{}, ErrOwnerNotFound
		}
		return Owner{}, err
	}
	return owner, nil
}

const propertySelect = `SELECT id, owner_id, name, COALESCE(address,''), COALESCE(city,''), COALESCE(province,'') FROM properties`

// GetProperty loads a property by id.
func (r *Repository) GetProperty(ctx context.Context, id int64) (Property, error) {
	if r == nil || r.pool == nil {
		return Property{}, errNotInitialised
	}
	prop, err := scanProperty(r.pool.QueryRow(ctx, propertySelect+` WHERE id = $1 AND deleted_at IS NULL`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Property{}, ErrPropertyNotFound
		}
		return Property{}, err
	}
	return prop, nil
}

// ListProperties returns every live property of the owner ordered by name.
func (r *Repository) ListProperties(ctx context.Context, ownerID int64) ([]Property, error) {
	if r == nil || r.pool == nil {
		return nil, errNotInitialised
	}
	rows, err := r.pool.Query(ctx, propertySelect+` WHERE owner_id = $1 AND deleted_at IS NULL ORDER BY name, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("booking: list properties: %w", err)
	}
	defer rows.Close()
	var out []Property
	for rows.Next() {
		prop, err := scanProperty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, prop)
	}
	return out, rows.Err()
}

func scanProperty(row pgx.Row) (Property, error) {
	var p Property
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Address, &p.City, &p.Province)
	return p, err
}

const roomTypeSelect = `SELECT rt.id, rt.property_id, p.owner_id, rt.name, rt.quantity
FROM room_types rt
JOIN properties p ON p.id = rt.property_id`

// GetRoomType loads a room type by id.
func (r *Repository) GetRoomType(ctx context.Context, id int64) (RoomType, error) {
	if r == nil || r.pool == nil {
		return RoomType{}, errNotInitialised
	}
	rt, err := scanRoomType(r.pool.QueryRow(ctx, roomTypeSelect+`
WHERE rt.id = $1 AND rt.deleted_at IS NULL AND p.deleted_at IS NULL`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RoomType{}, ErrRoomTypeNotFound
		}
		return RoomType{}, err
	}
	return rt, nil
}

// ListRoomTypes returns every live room type of the owner; propertyID narrows to one property when set.
func (r *Repository) ListRoomTypes(ctx context.Context, ownerID int64, propertyID *int64) ([]RoomType, error) {
	if r == nil || r.pool == nil {
		return nil, errNotInitialised
	}
	var property any
	if propertyID != nil {
		property = *propertyID
	}
	rows, err := r.pool.Query(ctx, roomTypeSelect+`
WHERE p.owner_id = $1
  AND ($2::bigint IS NULL OR rt.property_id = $2)
  AND rt.deleted_at IS NULL AND p.deleted_at IS NULL
ORDER BY rt.property_id, rt.name, rt.id`, ownerID, property)
	if err != nil {
		return nil, fmt.Errorf("booking: list room types: %w", err)
	}
	defer rows.Close()
	var out []RoomType
	for rows.Next() {
		rt, err := scanRoomType(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

func scanRoomType(row pgx.Row) (RoomType, error) {
	var rt RoomType
	err := row.Scan(&rt.ID, &rt.PropertyID, &rt.OwnerID, &rt.Name, &rt.Quantity)
	return rt, err
}

// RoomTypeAvailability returns stock and per-date availability for the inclusive range.
func (r *Repository) RoomTypeAvailability(ctx context.Context, roomTypeID int64, start, end time.Time) (Availability, error) {
	if r == nil || r.pool == nil {
		return Availability{}, errNotInitialised
	}
	out := Availability{RoomTypeID: roomTypeID}
	if err := r.pool.QueryRow(ctx, `SELECT quantity FROM room_types WHERE id = $1`, roomTypeID).Scan(&out.TotalQuantity); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Availability{}, ErrRoomTypeNotFound
		}
		return Availability{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT date, available_count, is_blocked
FROM room_availability
WHERE room_type_id = $1 AND date BETWEEN $2 AND $3
ORDER BY date`, roomTypeID, start, end)
	if err != nil {
		return Availability{}, fmt.Errorf("booking: availability: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var day AvailabilityDay
		if err := rows.Scan(&day.Date, &day.Available, &day.Blocked); err != nil {
			return Availability{}, err
		}
		out.Days = append(out.Days, day)
	}
	return out, rows.Err()
}

// ListActiveEntities returns the owner's properties and room types holding a confirmed
// stay that intersects the range.
func (r *Repository) ListActiveEntities(ctx context.Context, ownerID int64, start, end time.Time) (ActiveEntities, error) {
	if r == nil || r.pool == nil {
		return ActiveEntities{}, errNotInitialised
	}
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT p.id, rt.id
FROM reservations r
JOIN room_types rt ON rt.id = r.room_type_id
JOIN properties p ON p.id = rt.property_id
WHERE p.owner_id = $1
  AND r.order_status = 'CONFIRMED'
  AND r.start_date <= $3 AND r.end_date >= $2
  AND p.deleted_at IS NULL AND rt.deleted_at IS NULL
ORDER BY p.id, rt.id`, ownerID, start, end)
	if err != nil {
		return ActiveEntities{}, fmt.Errorf("booking: active entities: %w", err)
	}
	defer rows.Close()
	var out ActiveEntities
	for rows.Next() {
		var propertyID, roomTypeID int64
		if err := rows.Scan(&propertyID, &roomTypeID); err != nil {
			return ActiveEntities{}, err
		}
		out.add(propertyID, roomTypeID)
	}
	return out, rows.Err()
}

// OwnerTotals aggregates the owner's reservations in the optional date window.
func (r *Repository) OwnerTotals(ctx context.Context, ownerID int64, start, end *time.Time) (OwnerTotals, error) {
	if r == nil || r.pool == nil {
		return OwnerTotals{}, errNotInitialised
	}
	var (
		startArg, endArg any
		totals           OwnerTotals
		actual, project  pgtype.Numeric
	)
	if start != nil {
		startArg = *start
	}
	if end != nil {
		endArg = *end
	}
	err := r.pool.QueryRow(ctx, `WITH scoped AS (
    SELECT r.order_status, p.id AS property_id, pay.amount, pay.status AS payment_status
    FROM reservations r
    JOIN room_types rt ON rt.id = r.room_type_id
    JOIN properties p ON p.id = rt.property_id
    LEFT JOIN LATERAL (
        SELECT amount, status FROM payments
        WHERE reservation_id = r.id
        ORDER BY created_at DESC, id DESC
        LIMIT 1
    ) pay ON TRUE
    WHERE p.owner_id = $1
      AND ($2::date IS NULL OR r.end_date >= $2)
      AND ($3::date IS NULL OR r.start_date <= $3)
      AND p.deleted_at IS NULL AND rt.deleted_at IS NULL
)
SELECT
    COUNT(*) FILTER (WHERE order_status <> 'CANCELLED'),
    COALESCE(SUM(amount) FILTER (WHERE order_status = 'CONFIRMED' AND payment_status = 'CONFIRMED'), 0),
    COALESCE(SUM(amount) FILTER (WHERE order_status <> 'CANCELLED' AND payment_status = 'CONFIRMED'), 0),
    COUNT(DISTINCT property_id)
FROM scoped`, ownerID, startArg, endArg).Scan(&totals.ActiveBookings, &actual, &project, &totals.PropertyCount)
	if err != nil {
		return OwnerTotals{}, fmt.Errorf("booking: owner totals: %w", err)
	}
	totals.ActualRevenue = db.Decimal(actual)
	totals.ProjectedRevenue = db.Decimal(project)
	return totals, nil
}
