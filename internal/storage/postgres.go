package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the embedded schema files in name order. Every statement
// is idempotent, so running it on each start is safe.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return names, nil
}

const rideColumns = `id, raid_id, user_id, customer_id, user_name, user_mobile,
	driver_id, driver_name, driver_mobile,
	pickup_addr, pickup_lat, pickup_lng, drop_addr, drop_lat, drop_lng,
	vehicle_type, fare, distance_km, distance, travel_time, is_return_trip,
	otp, status, cancel_reason, created_at, updated_at,
	accepted_at, arrived_at, started_at, completed_at, cancelled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRide reads rideColumns followed by any extra selected columns.
func scanRide(row rowScanner, extra ...any) (*models.Ride, error) {
	var r models.Ride
	var driverID, driverName, driverMobile, cancelReason sql.NullString
	var acceptedAt, arrivedAt, startedAt, completedAt, cancelledAt sql.NullTime
	dest := []any{
		&r.ID, &r.RideID, &r.UserID, &r.CustomerID, &r.UserName, &r.UserMobile,
		&driverID, &driverName, &driverMobile,
		&r.Pickup.Address, &r.Pickup.Lat, &r.Pickup.Lng, &r.Drop.Address, &r.Drop.Lat, &r.Drop.Lng,
		&r.VehicleType, &r.Fare, &r.DistanceKm, &r.Distance, &r.TravelTime, &r.ReturnTrip,
		&r.OTP, &r.Status, &cancelReason, &r.CreatedAt, &r.UpdatedAt,
		&acceptedAt, &arrivedAt, &startedAt, &completedAt, &cancelledAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.DriverName = driverName.String
	r.DriverMobile = driverMobile.String
	r.CancelReason = cancelReason.String
	r.AcceptedAt = toTimePtr(acceptedAt)
	r.ArrivedAt = toTimePtr(arrivedAt)
	r.StartedAt = toTimePtr(startedAt)
	r.CompletedAt = toTimePtr(completedAt)
	r.CancelledAt = toTimePtr(cancelledAt)
	return &r, nil
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(
		id, raid_id, user_id, customer_id, user_name, user_mobile,
		pickup_addr, pickup_lat, pickup_lng, drop_addr, drop_lat, drop_lng,
		vehicle_type, fare, distance_km, distance, travel_time, is_return_trip,
		otp, status, created_at, updated_at
	) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		r.ID, r.RideID, r.UserID, r.CustomerID, r.UserName, r.UserMobile,
		r.Pickup.Address, r.Pickup.Lat, r.Pickup.Lng, r.Drop.Address, r.Drop.Lat, r.Drop.Lng,
		string(r.VehicleType), r.Fare, r.DistanceKm, r.Distance, r.TravelTime, r.ReturnTrip,
		r.OTP, string(r.Status), r.CreatedAt, r.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicateRide
	}
	if err != nil {
		return fmt.Errorf("insert ride %s: %w", r.RideID, err)
	}
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, rideID string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE raid_id = $1`, rideID)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ride %s: %w", rideID, err)
	}
	return r, nil
}

func (p *PostgresStore) AcceptRide(ctx context.Context, rideID string, a models.Assignment) (*models.Ride, error) {
	at := a.At
	if at.IsZero() {
		at = time.Now()
	}
	row := p.db.QueryRowContext(ctx, `UPDATE rides SET
			status = 'accepted',
			driver_id = $2, driver_name = $3, driver_mobile = $4,
			otp = COALESCE(NULLIF(otp, ''), $5),
			accepted_at = $6, updated_at = $6
		WHERE raid_id = $1 AND status = 'pending'
		RETURNING `+rideColumns,
		rideID, a.DriverID, a.DriverName, a.DriverMobile, a.OTP, at)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		cur, gerr := p.GetRide(ctx, rideID)
		if gerr != nil && !errors.Is(gerr, ErrNotFound) {
			return nil, gerr
		}
		return nil, classifyAcceptMiss(cur)
	}
	if err != nil {
		return nil, fmt.Errorf("accept ride %s: %w", rideID, err)
	}
	return r, nil
}

// TransitionRide locks the row in a CTE so the previous driver and the
// update come from the same version of the ride.
func (p *PostgresStore) TransitionRide(ctx context.Context, rideID string, from []models.RideStatus, to models.RideStatus, reason string) (*models.Ride, string, error) {
	row := p.db.QueryRowContext(ctx, `WITH prev AS (
			SELECT raid_id AS prev_raid_id, driver_id AS prev_driver_id FROM rides
			WHERE raid_id = $1 AND status = ANY($5)
			FOR UPDATE
		)
		UPDATE rides SET
			status = $2::text,
			updated_at = $3,
			arrived_at = CASE WHEN $2::text = 'arrived' THEN $3 ELSE arrived_at END,
			started_at = CASE WHEN $2::text = 'ongoing' THEN $3 ELSE started_at END,
			completed_at = CASE WHEN $2::text = 'completed' THEN $3 ELSE completed_at END,
			cancelled_at = CASE WHEN $2::text = 'cancelled' THEN $3 ELSE cancelled_at END,
			cancel_reason = CASE WHEN $2::text = 'cancelled' THEN $4 ELSE cancel_reason END,
			driver_id = CASE WHEN $2::text = 'cancelled' THEN NULL ELSE driver_id END,
			driver_name = CASE WHEN $2::text = 'cancelled' THEN NULL ELSE driver_name END,
			driver_mobile = CASE WHEN $2::text = 'cancelled' THEN NULL ELSE driver_mobile END
		FROM prev
		WHERE raid_id = prev.prev_raid_id
		RETURNING `+rideColumns+`, prev.prev_driver_id`,
		rideID, string(to), time.Now(), reason, pq.Array(statusStrings(from)))
	var prevDriver sql.NullString
	r, err := scanRide(row, &prevDriver)
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := p.GetRide(ctx, rideID); gerr != nil {
			return nil, "", gerr
		}
		return nil, "", ErrConflict
	}
	if err != nil {
		return nil, "", fmt.Errorf("transition ride %s to %s: %w", rideID, to, err)
	}
	return r, prevDriver.String, nil
}

func (p *PostgresStore) ActiveRideForDriver(ctx context.Context, driverID string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE driver_id = $1 AND status = ANY($2)
		ORDER BY accepted_at DESC NULLS LAST
		LIMIT 1`, driverID, pq.Array(statusStrings(activeStatuses)))
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active ride for %s: %w", driverID, err)
	}
	return r, nil
}

func (p *PostgresStore) NextSequence(ctx context.Context, name string, base int64) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `INSERT INTO counters(name, sequence) VALUES ($1, $2::bigint + 1)
		ON CONFLICT (name) DO UPDATE SET sequence = counters.sequence + 1
		RETURNING sequence`, name, base).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", name, err)
	}
	return n, nil
}

func (p *PostgresStore) ResetSequence(ctx context.Context, name string, value int64) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO counters(name, sequence) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET sequence = EXCLUDED.sequence`, name, value)
	return err
}

func (p *PostgresStore) AppendDriverLocation(ctx context.Context, s models.DriverLocationSnapshot) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO driver_locations(driver_id, driver_name, lat, lng, vehicle_type, status, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		s.DriverID, s.DriverName, s.Location.Lat, s.Location.Lng, string(s.VehicleType), string(s.Status), s.Timestamp)
	return err
}

func (p *PostgresStore) AppendUserLocation(ctx context.Context, s models.UserLocationSnapshot) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO user_locations(user_id, ride_id, lat, lng, recorded_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5)`,
		s.UserID, s.RideID, s.Location.Lat, s.Location.Lng, s.Timestamp)
	return err
}

func (p *PostgresStore) ActiveRates(ctx context.Context) (map[models.VehicleType]float64, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT vehicle_type, price_per_km FROM ride_prices WHERE is_active`)
	if err != nil {
		return nil, fmt.Errorf("query prices: %w", err)
	}
	defer rows.Close()
	out := make(map[models.VehicleType]float64)
	for rows.Next() {
		var vt string
		var rate float64
		if err := rows.Scan(&vt, &rate); err != nil {
			return nil, err
		}
		out[models.VehicleType(vt)] = rate
	}
	return out, rows.Err()
}

func (p *PostgresStore) FindDriver(ctx context.Context, driverID string) (*models.DriverProfile, error) {
	var d models.DriverProfile
	err := p.db.QueryRowContext(ctx, `SELECT driver_id, name, phone, vehicle_type, lat, lng FROM drivers WHERE driver_id = $1`, driverID).
		Scan(&d.DriverID, &d.Name, &d.Phone, &d.VehicleType, &d.Location.Lat, &d.Location.Lng)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find driver %s: %w", driverID, err)
	}
	return &d, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close(context.Context) error { return p.db.Close() }

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
