package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/example/courier-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// uniqueViolation is the Postgres SQLSTATE for a unique index conflict.
const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	// quick ping
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies the embedded schema files in name order. Every statement
// is idempotent.
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
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return names, nil
}

func (p *PostgresStore) GetCourier(ctx context.Context, id string) (models.Courier, error) {
	var (
		c        models.Courier
		lat, lon sql.NullFloat64
		reported sql.NullTime
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT id, is_available, current_ride_id, lat, lon, reported_at FROM couriers WHERE id = $1`, id,
	).Scan(&c.ID, &c.Available, &c.CurrentRideID, &lat, &lon, &reported)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Courier{}, fmt.Errorf("courier %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Courier{}, err
	}
	if lat.Valid && lon.Valid {
		c.Position = &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
	}
	if reported.Valid {
		c.ReportedAt = reported.Time
	}
	return c, nil
}

func (p *PostgresStore) SaveCourier(ctx context.Context, c models.Courier) error {
	var lat, lon sql.NullFloat64
	if c.Position != nil {
		lat = sql.NullFloat64{Float64: c.Position.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: c.Position.Lon, Valid: true}
	}
	reported := sql.NullTime{Time: c.ReportedAt, Valid: !c.ReportedAt.IsZero()}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO couriers (id, is_available, current_ride_id, lat, lon, reported_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			is_available = EXCLUDED.is_available,
			current_ride_id = EXCLUDED.current_ride_id,
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon,
			reported_at = EXCLUDED.reported_at`,
		c.ID, c.Available, c.CurrentRideID, lat, lon, reported)
	return err
}

const offerColumns = `id, courier_id, payload, status, created_at, expires_at, resolved_at`

func scanOffer(row interface{ Scan(...any) error }) (models.Offer, error) {
	var (
		o        models.Offer
		payload  []byte
		resolved sql.NullTime
	)
	if err := row.Scan(&o.ID, &o.CourierID, &payload, &o.Status, &o.CreatedAt, &o.ExpiresAt, &resolved); err != nil {
		return models.Offer{}, err
	}
	if err := json.Unmarshal(payload, &o.Payload); err != nil {
		return models.Offer{}, fmt.Errorf("offer %s payload: %w", o.ID, err)
	}
	if resolved.Valid {
		t := resolved.Time
		o.ResolvedAt = &t
	}
	return o, nil
}

func (p *PostgresStore) CreateOffer(ctx context.Context, o models.Offer) error {
	payload, err := json.Marshal(o.Payload)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO offers (id, courier_id, payload, status, created_at, expires_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		o.ID, o.CourierID, payload, models.OfferPending, o.CreatedAt, o.ExpiresAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("courier %s: %w", o.CourierID, ErrPendingOffer)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	o, err := scanOffer(p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Offer{}, fmt.Errorf("offer %s: %w", id, ErrNotFound)
	}
	return o, err
}

func (p *PostgresStore) ListOffers(ctx context.Context, courierID string) ([]models.Offer, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE courier_id = $1 ORDER BY created_at`, courierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Offer, 0)
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ResolveOffer(ctx context.Context, id string, to models.OfferStatus, at time.Time) (models.Offer, error) {
	o, err := scanOffer(p.db.QueryRowContext(ctx,
		`UPDATE offers SET status = $2, resolved_at = $3 WHERE id = $1 AND status = $4 RETURNING `+offerColumns,
		id, to, at, models.OfferPending))
	if errors.Is(err, sql.ErrNoRows) {
		cur, getErr := p.GetOffer(ctx, id)
		if getErr != nil {
			return models.Offer{}, getErr
		}
		return cur, fmt.Errorf("offer %s is %s: %w", id, cur.Status, ErrOfferResolved)
	}
	return o, err
}

const orderColumns = `id, status, store_lat, store_lon, customer_lat, customer_lon, completion_code, price, distance_km, payment_intent_id, created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (models.Order, error) {
	var o models.Order
	err := row.Scan(&o.ID, &o.Status, &o.Store.Lat, &o.Store.Lon, &o.Customer.Lat, &o.Customer.Lon,
		&o.CompletionCode, &o.Price, &o.DistanceKm, &o.PaymentIntentID, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

func (p *PostgresStore) SaveOrder(ctx context.Context, o models.Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			payment_intent_id = EXCLUDED.payment_intent_id,
			updated_at = EXCLUDED.updated_at`,
		o.ID, o.Status, o.Store.Lat, o.Store.Lon, o.Customer.Lat, o.Customer.Lon,
		o.CompletionCode, o.Price, o.DistanceKm, o.PaymentIntentID, o.CreatedAt, o.UpdatedAt)
	return err
}

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (models.Order, error) {
	o, err := scanOrder(p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Order{}, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return o, err
}

func (p *PostgresStore) UpdateOrderStatus(ctx context.Context, id string, status models.OrderStatus, at time.Time) (models.Order, error) {
	o, err := scanOrder(p.db.QueryRowContext(ctx,
		`UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1 RETURNING `+orderColumns, id, status, at))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Order{}, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return o, err
}

const rideColumns = `id, courier_id, order_id, price, distance_km, weather_flag, from_lat, from_lon, to_lat, to_lon, completion_code, arrival_store, arrival_customer, created_at`

func scanRide(row interface{ Scan(...any) error }) (models.RideRecord, error) {
	var (
		r               models.RideRecord
		store, customer sql.NullTime
	)
	err := row.Scan(&r.ID, &r.CourierID, &r.OrderID, &r.Price, &r.DistanceKm, &r.Rain,
		&r.From.Lat, &r.From.Lon, &r.To.Lat, &r.To.Lon, &r.CompletionCode, &store, &customer, &r.CreatedAt)
	if err != nil {
		return models.RideRecord{}, err
	}
	if store.Valid {
		t := store.Time
		r.ArrivalStore = &t
	}
	if customer.Valid {
		t := customer.Time
		r.ArrivalCustomer = &t
	}
	return r, nil
}

func (p *PostgresStore) SaveRide(ctx context.Context, r models.RideRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides (`+rideColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, r.CourierID, r.OrderID, r.Price, r.DistanceKm, r.Rain,
		r.From.Lat, r.From.Lon, r.To.Lat, r.To.Lon, r.CompletionCode,
		nullTime(r.ArrivalStore), nullTime(r.ArrivalCustomer), r.CreatedAt)
	return err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (models.RideRecord, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.RideRecord{}, fmt.Errorf("ride %s: %w", id, ErrNotFound)
	}
	return r, err
}

func (p *PostgresStore) MarkArrival(ctx context.Context, upd models.RideUpdate) (models.RideRecord, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `
		UPDATE rides SET
			arrival_store = COALESCE(arrival_store, $2),
			arrival_customer = COALESCE(arrival_customer, $3)
		WHERE id = $1
		RETURNING `+rideColumns,
		upd.ID, nullTime(upd.ArrivalStore), nullTime(upd.ArrivalCustomer)))
	if errors.Is(err, sql.ErrNoRows) {
		return models.RideRecord{}, fmt.Errorf("ride %s: %w", upd.ID, ErrNotFound)
	}
	return r, err
}
