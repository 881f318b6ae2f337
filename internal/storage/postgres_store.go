package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore backs the CAS contract with conditional UPDATEs: the row is
// only touched when its status still matches the expected set, so the
// database itself serializes concurrent accepts.
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

var terminalStatuses = []string{
	string(models.StatusCompleted),
	string(models.StatusCancelled),
	string(models.StatusNoDrivers),
}

func (p *PostgresStore) Create(ctx context.Context, r *models.Ride) error {
	stops, err := json.Marshal(r.Stops)
	if err != nil {
		return err
	}
	// The NOT EXISTS guard catches the common case; two concurrent creates
	// can both pass it, so the partial unique index on (rider_id) over
	// non-terminal statuses is what actually holds the invariant.
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO rides(
			id, rider_id, driver_id, pickup_lat, pickup_lon, pickup_addr,
			dropoff_lat, dropoff_lon, dropoff_addr, stops, service, status,
			fare_base, fare_distance, fare_time, fare_surge, fare_promo, fare_tip, fare_total,
			requested_at)
		SELECT $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20
		WHERE NOT EXISTS (
			SELECT 1 FROM rides WHERE rider_id = $2 AND status <> ALL($21)
		)`,
		r.ID, r.RiderID, nullStr(r.DriverID),
		r.Pickup.Lat, r.Pickup.Lon, r.Pickup.Address,
		r.Dropoff.Lat, r.Dropoff.Lon, r.Dropoff.Address,
		stops, r.Service, r.Status,
		r.Fare.Base, r.Fare.Distance, r.Fare.Time, r.Fare.Surge, r.Fare.Promo, r.Fare.Tip, r.Fare.Total,
		r.RequestedAt, pq.Array(terminalStatuses))
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return apperrors.Validation("rider %s already has an active ride", r.RiderID)
		}
		return apperrors.Unavailable("ride insert: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.Validation("rider %s already has an active ride", r.RiderID)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, rider_id, COALESCE(driver_id,''), pickup_lat, pickup_lon, pickup_addr,
			dropoff_lat, dropoff_lon, dropoff_addr, stops, service, status,
			fare_base, fare_distance, fare_time, fare_surge, fare_promo, fare_tip, fare_total,
			requested_at, accepted_at, arrived_at, started_at, completed_at, cancelled_at,
			COALESCE(cancelled_by,''), COALESCE(cancel_reason,''), cancel_fee
		FROM rides WHERE id = $1`, id)
	return scanRide(row)
}

func scanRide(row *sql.Row) (*models.Ride, error) {
	var r models.Ride
	var stops []byte
	var accepted, arrived, started, completed, cancelled sql.NullTime
	err := row.Scan(&r.ID, &r.RiderID, &r.DriverID,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.Pickup.Address,
		&r.Dropoff.Lat, &r.Dropoff.Lon, &r.Dropoff.Address,
		&stops, &r.Service, &r.Status,
		&r.Fare.Base, &r.Fare.Distance, &r.Fare.Time, &r.Fare.Surge, &r.Fare.Promo, &r.Fare.Tip, &r.Fare.Total,
		&r.RequestedAt, &accepted, &arrived, &started, &completed, &cancelled,
		&r.CancelledBy, &r.CancelReason, &r.CancelFee)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("ride")
	}
	if err != nil {
		return nil, apperrors.Unavailable("ride read: %v", err)
	}
	if len(stops) > 0 {
		_ = json.Unmarshal(stops, &r.Stops)
	}
	r.AcceptedAt = timeOrZero(accepted)
	r.ArrivedAt = timeOrZero(arrived)
	r.StartedAt = timeOrZero(started)
	r.CompletedAt = timeOrZero(completed)
	r.CancelledAt = timeOrZero(cancelled)
	return &r, nil
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus, mutate func(*models.Ride)) (*models.Ride, error) {
	current, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next := *current
	if mutate != nil {
		mutate(&next)
	}
	next.Status = to

	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides SET
			driver_id = $2, status = $3,
			fare_tip = $4,
			accepted_at = $5, arrived_at = $6, started_at = $7, completed_at = $8, cancelled_at = $9,
			cancelled_by = $10, cancel_reason = $11, cancel_fee = $12,
			updated_at = now()
		WHERE id = $1 AND status = ANY($13)`,
		id, nullStr(next.DriverID), next.Status,
		next.Fare.Tip,
		nullTime(next.AcceptedAt), nullTime(next.ArrivedAt), nullTime(next.StartedAt),
		nullTime(next.CompletedAt), nullTime(next.CancelledAt),
		nullStr(next.CancelledBy), nullStr(next.CancelReason), next.CancelFee,
		pq.Array(fromStrs))
	if err != nil {
		return nil, apperrors.Unavailable("ride transition: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// lost the race; re-read so the conflict names the winner's status
		latest, gerr := p.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, apperrors.Conflict("ride %s is %s, not in %v", id, latest.Status, from)
	}
	return &next, nil
}

func (p *PostgresStore) SaveEarning(ctx context.Context, e *models.Earning) error {
	// unique(ride_id) makes the ledger entry exactly-once
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO earnings(id, ride_id, driver_id, gross, fee, net, tip, status, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.RideID, e.DriverID, e.Gross, e.Fee, e.Net, e.Tip, e.Status, e.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return apperrors.Conflict("earning already recorded for ride %s", e.RideID)
		}
		return apperrors.Unavailable("earning insert: %v", err)
	}
	return nil
}

func (p *PostgresStore) AddDriverStats(ctx context.Context, driverID string, net float64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO driver_stats(driver_id, ride_count, lifetime_net)
		VALUES($1, 1, $2)
		ON CONFLICT (driver_id) DO UPDATE
		SET ride_count = driver_stats.ride_count + 1,
		    lifetime_net = driver_stats.lifetime_net + EXCLUDED.lifetime_net`,
		driverID, net)
	if err != nil {
		return apperrors.Unavailable("driver stats: %v", err)
	}
	return nil
}

func (p *PostgresStore) DriverStats(ctx context.Context, driverID string) (*models.DriverStats, error) {
	var s models.DriverStats
	err := p.db.QueryRowContext(ctx,
		`SELECT driver_id, ride_count, lifetime_net FROM driver_stats WHERE driver_id = $1`,
		driverID).Scan(&s.DriverID, &s.RideCount, &s.LifetimeNet)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("driver stats " + driverID)
	}
	if err != nil {
		return nil, apperrors.Unavailable("driver stats read: %v", err)
	}
	return &s, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func timeOrZero(t sql.NullTime) time.Time {
	if t.Valid {
		return t.Time
	}
	return time.Time{}
}
