package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/roadside-dispatch/internal/models"
)

//go:embed migrations/001_init.sql
var initSchema string

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the bundled schema. Statements are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, initSchema)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }

const requestColumns = `id, requester_id, service_type, lat, lng, address, description, mechanical_type,
	fuel_quantity, fuel_type, status, assigned_provider_id, assigned_provider_role, otp, distance_meters,
	payment_amount, payment_currency, payment_status, payment_suspicious, payment_provider_set,
	created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.ServiceRequest, error) {
	var (
		r         models.ServiceRequest
		fuelQty   sql.NullFloat64
		fuelType  sql.NullString
		completed sql.NullTime
	)
	err := row.Scan(&r.ID, &r.RequesterID, &r.ServiceType, &r.Location.Lat, &r.Location.Lng, &r.Location.Address,
		&r.Description, &r.MechanicalType, &fuelQty, &fuelType, &r.Status, &r.AssignedProviderID,
		&r.AssignedProviderRole, &r.OTP, &r.DistanceMeters, &r.Payment.Amount, &r.Payment.Currency,
		&r.Payment.Status, &r.Payment.Suspicious, &r.Payment.ProviderSet, &r.CreatedAt, &r.UpdatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if fuelQty.Valid {
		r.FuelDetails = &models.FuelDetails{Quantity: fuelQty.Float64, FuelType: fuelType.String}
	}
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	return &r, nil
}

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.ServiceRequest) error {
	var fuelQty sql.NullFloat64
	var fuelType sql.NullString
	if r.FuelDetails != nil {
		fuelQty = sql.NullFloat64{Float64: r.FuelDetails.Quantity, Valid: true}
		fuelType = sql.NullString{String: r.FuelDetails.FuelType, Valid: true}
	}
	paymentStatus := r.Payment.Status
	if paymentStatus == "" {
		paymentStatus = models.PaymentPending
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO service_requests(id, requester_id, service_type, lat, lng, address,
		description, mechanical_type, fuel_quantity, fuel_type, status, payment_status, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		r.ID, r.RequesterID, r.ServiceType, r.Location.Lat, r.Location.Lng, r.Location.Address, r.Description,
		r.MechanicalType, fuelQty, fuelType, r.Status, paymentStatus, r.CreatedAt, r.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id=$1`, id))
	if err != nil {
		return nil, err
	}
	if err := loadChildren(ctx, p.db, r); err != nil {
		return nil, err
	}
	return r, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

func loadChildren(ctx context.Context, q querier, r *models.ServiceRequest) error {
	rows, err := q.QueryContext(ctx, `SELECT provider_id, provider_role, at FROM acceptance_log WHERE request_id=$1 ORDER BY id`, r.ID)
	if err != nil {
		return err
	}
	r.AcceptanceLog = []models.AcceptanceEntry{}
	for rows.Next() {
		var e models.AcceptanceEntry
		if err := rows.Scan(&e.ProviderID, &e.Role, &e.At); err != nil {
			rows.Close()
			return err
		}
		r.AcceptanceLog = append(r.AcceptanceLog, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = q.QueryContext(ctx, `SELECT lat, lng, recorded_at FROM location_history WHERE request_id=$1 ORDER BY id`, r.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	r.LocationHistory = []models.TrailPoint{}
	for rows.Next() {
		var tp models.TrailPoint
		if err := rows.Scan(&tp.Lat, &tp.Lng, &tp.Timestamp); err != nil {
			return err
		}
		r.LocationHistory = append(r.LocationHistory, tp)
	}
	return rows.Err()
}

// missingOr distinguishes a lost conditional write from an unknown id.
func missingOr(ctx context.Context, q querier, id string, otherwise error) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM service_requests WHERE id=$1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return otherwise
}

func (p *PostgresStore) AssignIfPending(ctx context.Context, a AssignParams) (*models.ServiceRequest, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	won := true
	r, err := scanRequest(tx.QueryRowContext(ctx, `UPDATE service_requests
		SET status=$1, assigned_provider_id=$2, assigned_provider_role=$3, otp=$4, updated_at=$5
		WHERE id=$6 AND status=$7
		RETURNING `+requestColumns,
		a.Status, a.ProviderID, a.Role, a.OTP, a.At, a.RequestID, models.StatusPending))
	if errors.Is(err, ErrNotFound) {
		// Lost the race, or the id is unknown.
		won = false
		r, err = scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id=$1`, a.RequestID))
	}
	if err != nil {
		return nil, false, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO acceptance_log(request_id, provider_id, provider_role, at) VALUES($1,$2,$3,$4)`,
		a.RequestID, a.ProviderID, a.Role, a.At); err != nil {
		return nil, false, err
	}
	if err := loadChildren(ctx, tx, r); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return r, won, nil
}

// updateReturning runs a conditional UPDATE ... RETURNING and loads the
// row's children in the same transaction. A miss is ErrNotFound for an
// unknown id and ErrConflict otherwise.
func (p *PostgresStore) updateReturning(ctx context.Context, id, query string, args ...any) (*models.ServiceRequest, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	r, err := scanRequest(tx.QueryRowContext(ctx, query+` RETURNING `+requestColumns, args...))
	if errors.Is(err, ErrNotFound) {
		return nil, missingOr(ctx, tx, id, ErrConflict)
	}
	if err != nil {
		return nil, err
	}
	if err := loadChildren(ctx, tx, r); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) TransitionStatus(ctx context.Context, id string, from, to models.Status, at time.Time) (*models.ServiceRequest, error) {
	return p.updateReturning(ctx, id, `UPDATE service_requests SET status=$1, updated_at=$2 WHERE id=$3 AND status=$4`, to, at, id, from)
}

func (p *PostgresStore) Complete(ctx context.Context, id string, c Completion) (*models.ServiceRequest, error) {
	return p.updateReturning(ctx, id, `UPDATE service_requests
		SET status=$1, distance_meters=$2, payment_amount=$3, payment_currency=$4, payment_status=$5,
			payment_suspicious=$6, payment_provider_set=$7, completed_at=$8, updated_at=$8
		WHERE id=$9 AND status=$10`,
		models.StatusCompleted, c.DistanceMeters, c.Payment.Amount, c.Payment.Currency, c.Payment.Status,
		c.Payment.Suspicious, c.Payment.ProviderSet, c.At, id, c.From)
}

func (p *PostgresStore) AppendTrailPoint(ctx context.Context, id string, tp models.TrailPoint) (bool, error) {
	res, err := p.db.ExecContext(ctx, `INSERT INTO location_history(request_id, lat, lng, recorded_at)
		SELECT $1, $2, $3, $4
		WHERE EXISTS (SELECT 1 FROM service_requests WHERE id=$1 AND status = ANY($5))`,
		id, tp.Lat, tp.Lng, tp.Timestamp, pq.Array(statusStrings(models.ActiveStatuses)))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, missingOr(ctx, p.db, id, nil)
	}
	return true, nil
}

func (p *PostgresStore) FindActiveByProvider(ctx context.Context, providerID string) (*models.ServiceRequest, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM service_requests
		WHERE assigned_provider_id=$1 AND status = ANY($2) ORDER BY updated_at DESC LIMIT 1`,
		providerID, pq.Array(statusStrings(models.ActiveStatuses))))
	if err != nil {
		return nil, err
	}
	if err := loadChildren(ctx, p.db, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) CountActiveSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM service_requests WHERE created_at >= $1 AND status = ANY($2)`,
		since, pq.Array(statusStrings(openStatuses()))).Scan(&n)
	return n, err
}

func (p *PostgresStore) LatestPolicy(ctx context.Context) (models.PricingPolicy, error) {
	var pp models.PricingPolicy
	err := p.db.QueryRowContext(ctx, `SELECT price_per_km, currency, fuel_price_per_unit, minimum_fare, updated_at
		FROM pricing_policies ORDER BY updated_at DESC, id DESC LIMIT 1`).
		Scan(&pp.PricePerKm, &pp.Currency, &pp.FuelPricePerUnit, &pp.MinimumFare, &pp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PricingPolicy{}, ErrNotFound
	}
	return pp, err
}

func (p *PostgresStore) SavePolicy(ctx context.Context, pp models.PricingPolicy) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO pricing_policies(price_per_km, currency, fuel_price_per_unit, minimum_fare, updated_at)
		VALUES($1,$2,$3,$4,$5)`, pp.PricePerKm, pp.Currency, pp.FuelPricePerUnit, pp.MinimumFare, pp.UpdatedAt)
	return err
}

func (p *PostgresStore) SetAvailability(ctx context.Context, providerID string, role models.Role, available bool) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO providers(id, role, available, updated_at) VALUES($1,$2,$3,now())
		ON CONFLICT (id) DO UPDATE SET role=EXCLUDED.role, available=EXCLUDED.available, updated_at=now()`,
		providerID, role, available)
	return err
}

func (p *PostgresStore) RecordEarning(ctx context.Context, e Earning) (bool, error) {
	res, err := p.db.ExecContext(ctx, `INSERT INTO earnings(request_id, provider_id, provider_role, amount, currency, at)
		VALUES($1,$2,$3,$4,$5,$6) ON CONFLICT (request_id) DO NOTHING`,
		e.RequestID, e.ProviderID, e.Role, e.Amount, e.Currency, e.At)
	if err != nil {
		return false, fmt.Errorf("record earning %s: %w", e.RequestID, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

var _ Store = (*PostgresStore)(nil)
