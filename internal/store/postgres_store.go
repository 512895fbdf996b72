package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/example/driverme/internal/models"
)

// PostgresStore persists bookings in postgres. CompareAndTransition takes
// a row lock so the guard-and-mutate is indivisible per booking id.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

const bookingColumns = `id, rider_id, driver_id, pickup_address, pickup_lat, pickup_lng,
	destination_address, destination_lat, destination_lng, service_type, duration_hours,
	car_type, distance_km, estimated_duration, voucher_code, payment_method, preferences,
	estimated_price, final_price, status, notes, booking_time, pickup_time, start_time,
	end_time, updated_at`

func (p *PostgresStore) Create(ctx context.Context, draft *models.Booking) (*models.Booking, error) {
	b := draft.Clone()
	b.ID = uuid.NewString()
	b.Status = models.StatusPending
	now := time.Now()
	b.BookingTime = now
	b.UpdatedAt = now

	var destLat, destLng *float64
	if b.Destination != nil {
		destLat, destLng = &b.Destination.Lat, &b.Destination.Lng
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,NULLIF($7,''),$8,$9,$10,NULLIF($11,0),
			NULLIF($12,''),NULLIF($13,0),NULLIF($14,0),NULLIF($15,''),$16,$17,
			$18,NULLIF($19,0),$20,$21,$22,$23,$24,$25,$26)`,
		b.ID, b.RiderID, b.DriverID, b.PickupAddress, b.Pickup.Lat, b.Pickup.Lng,
		b.DestinationAddress, destLat, destLng, string(b.ServiceType), b.DurationHours,
		string(b.VehicleTier), b.DistanceKm, b.EstimatedDuration, b.VoucherCode,
		string(b.PaymentMethod), nullableBlob(b.Preferences),
		b.EstimatedPrice, b.FinalPrice, string(b.Status), b.Notes,
		b.BookingTime, b.PickupTime, b.StartTime, b.EndTime, b.UpdatedAt)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	return b, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Booking, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	b, err := scanBooking(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	return b, nil
}

func (p *PostgresStore) ListFor(ctx context.Context, actorID string, role models.Role) ([]*models.Booking, error) {
	var (
		query string
		args  []any
	)
	switch role {
	case models.RoleAdmin:
		query = `SELECT ` + bookingColumns + ` FROM bookings ORDER BY booking_time DESC`
	case models.RoleDriver:
		query = `SELECT ` + bookingColumns + ` FROM bookings
			WHERE driver_id = $1 OR (driver_id IS NULL AND status = 'pending')
			ORDER BY booking_time DESC`
		args = append(args, actorID)
	default:
		query = `SELECT ` + bookingColumns + ` FROM bookings WHERE rider_id = $1 ORDER BY booking_time DESC`
		args = append(args, actorID)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	defer rows.Close()

	var out []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, wrapUnavailable(err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapUnavailable(err)
	}
	return out, nil
}

func (p *PostgresStore) CompareAndTransition(ctx context.Context, id string, expected, next models.Status, mutate func(*models.Booking)) (*models.Booking, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id)
	b, err := scanBooking(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	if b.Status != expected {
		return nil, ErrConflict
	}

	if mutate != nil {
		mutate(b)
	}
	b.Status = next
	b.UpdatedAt = time.Now()

	// Status guard repeated in the UPDATE; with the row lock held it can
	// only match, but it keeps the write itself conditional.
	res, err := tx.ExecContext(ctx, `UPDATE bookings SET
			driver_id = NULLIF($1,''), status = $2, final_price = NULLIF($3,0),
			pickup_time = $4, start_time = $5, end_time = $6, updated_at = $7
		WHERE id = $8 AND status = $9`,
		b.DriverID, string(b.Status), b.FinalPrice,
		b.PickupTime, b.StartTime, b.EndTime, b.UpdatedAt, id, string(expected))
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapUnavailable(err)
	}
	return b, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBooking(row scanner) (*models.Booking, error) {
	var (
		b                            models.Booking
		driverID, destAddr           sql.NullString
		destLat, destLng             sql.NullFloat64
		durationHours                sql.NullInt64
		carType, voucher             sql.NullString
		distanceKm, estDuration      sql.NullFloat64
		preferences                  []byte
		finalPrice                   sql.NullInt64
		pickupT, startT, endT        sql.NullTime
		serviceType, payment, status string
	)
	err := row.Scan(&b.ID, &b.RiderID, &driverID, &b.PickupAddress, &b.Pickup.Lat, &b.Pickup.Lng,
		&destAddr, &destLat, &destLng, &serviceType, &durationHours,
		&carType, &distanceKm, &estDuration, &voucher, &payment, &preferences,
		&b.EstimatedPrice, &finalPrice, &status, &b.Notes, &b.BookingTime,
		&pickupT, &startT, &endT, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}

	b.DriverID = driverID.String
	b.DestinationAddress = destAddr.String
	if destLat.Valid && destLng.Valid {
		b.Destination = &models.Coord{Lat: destLat.Float64, Lng: destLng.Float64}
	}
	b.ServiceType = models.ServiceType(serviceType)
	b.DurationHours = int(durationHours.Int64)
	b.VehicleTier = models.VehicleTier(carType.String)
	b.DistanceKm = distanceKm.Float64
	b.EstimatedDuration = estDuration.Float64
	b.VoucherCode = voucher.String
	b.PaymentMethod = models.PaymentMethod(payment)
	b.Preferences = preferences
	b.FinalPrice = finalPrice.Int64
	b.Status = models.Status(status)
	b.PickupTime = nullableTime(pickupT)
	b.StartTime = nullableTime(startT)
	b.EndTime = nullableTime(endT)
	return &b, nil
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullableBlob(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func wrapUnavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
