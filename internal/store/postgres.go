package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"inboxflow/internal/domain"
)

// EnsurePostgresSchema creates tables if they don't exist.
func EnsurePostgresSchema(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tenants (
  id TEXT PRIMARY KEY,
  prefix TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS bookings (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL REFERENCES tenants(id),
  idempotency_key TEXT NOT NULL,
  client_name TEXT NOT NULL DEFAULT '',
  client_email TEXT NOT NULL DEFAULT '',
  event_type TEXT NOT NULL DEFAULT '',
  event_date TIMESTAMPTZ,
  venue TEXT NOT NULL DEFAULT '',
  fee DOUBLE PRECISION,
  currency TEXT NOT NULL DEFAULT '',
  source TEXT NOT NULL DEFAULT '',
  notes TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_bookings_idem ON bookings(tenant_id, idempotency_key);
CREATE TABLE IF NOT EXISTS review_records (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL DEFAULT '',
  reason TEXT NOT NULL,
  payload JSONB NOT NULL,
  fields JSONB,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_reviews_tenant ON review_records(tenant_id, created_at);
`)
	return err
}

type pgRepo struct{ db *pgxpool.Pool }

func NewPostgresRepo(db *pgxpool.Pool) Repository { return &pgRepo{db: db} }

const bookingColumns = `id,tenant_id,idempotency_key,client_name,client_email,event_type,event_date,venue,fee,currency,source,notes,created_at,updated_at`

func (r *pgRepo) ResolveTenantByAddressPrefix(ctx context.Context, prefix string) (string, error) {
	var id string
	err := r.db.QueryRow(ctx, `SELECT id FROM tenants WHERE prefix = $1`, strings.ToLower(prefix)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("tenant prefix %q: %w", prefix, domain.ErrNotFound)
	}
	return id, err
}

func (r *pgRepo) CreateBooking(ctx context.Context, tenantID, key string, f domain.ExtractedFields) (domain.Booking, error) {
	now := time.Now().UTC()
	row := r.db.QueryRow(ctx, `
INSERT INTO bookings (`+bookingColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)
ON CONFLICT (tenant_id, idempotency_key) DO UPDATE SET
  client_name  = COALESCE(NULLIF(bookings.client_name, ''), EXCLUDED.client_name),
  client_email = COALESCE(NULLIF(bookings.client_email, ''), EXCLUDED.client_email),
  event_type   = COALESCE(NULLIF(bookings.event_type, ''), EXCLUDED.event_type),
  event_date   = COALESCE(bookings.event_date, EXCLUDED.event_date),
  venue        = COALESCE(NULLIF(bookings.venue, ''), EXCLUDED.venue),
  fee          = COALESCE(bookings.fee, EXCLUDED.fee),
  currency     = COALESCE(NULLIF(bookings.currency, ''), EXCLUDED.currency),
  source       = COALESCE(NULLIF(bookings.source, ''), EXCLUDED.source),
  notes        = COALESCE(NULLIF(bookings.notes, ''), EXCLUDED.notes),
  updated_at   = EXCLUDED.updated_at
RETURNING `+bookingColumns,
		"bkg_"+uuid.NewString(), tenantID, key, f.ClientName, f.ClientEmail, f.EventType, f.EventDate, f.Venue, f.Fee, f.Currency, f.Source, f.Notes, now)
	return scanPgBooking(row)
}

func (r *pgRepo) CreateReviewRecord(ctx context.Context, tenantID, reason string, payload domain.Envelope, fields *domain.ExtractedFields) (string, error) {
	id := "rev_" + uuid.NewString()
	p, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	var fj []byte
	if fields != nil {
		if fj, err = json.Marshal(fields); err != nil {
			return "", fmt.Errorf("encode fields: %w", err)
		}
	}
	_, err = r.db.Exec(ctx, `INSERT INTO review_records (id,tenant_id,reason,payload,fields,created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		id, tenantID, reason, p, fj, time.Now().UTC())
	return id, err
}

func (r *pgRepo) CreateTenant(ctx context.Context, t domain.Tenant) (string, error) {
	id := t.ID
	if id == "" {
		id = "ten_" + uuid.NewString()
	}
	prefix := strings.ToLower(strings.TrimSpace(t.Prefix))
	if prefix == "" {
		return "", fmt.Errorf("tenant prefix is required")
	}
	_, err := r.db.Exec(ctx, `INSERT INTO tenants (id,prefix,name,created_at) VALUES ($1,$2,$3,$4)`, id, prefix, t.Name, time.Now().UTC())
	return id, err
}

func (r *pgRepo) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := r.db.Query(ctx, `SELECT id,prefix,name,created_at FROM tenants ORDER BY prefix`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.Prefix, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (r *pgRepo) ListBookings(ctx context.Context, tenantID string, limit int) ([]domain.Booking, error) {
	rows, err := r.db.Query(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bookings []domain.Booking
	for rows.Next() {
		b, err := scanPgBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

func (r *pgRepo) ListReviews(ctx context.Context, tenantID string, limit int) ([]domain.ReviewRecord, error) {
	rows, err := r.db.Query(ctx, `
SELECT id,tenant_id,reason,payload,fields,created_at FROM review_records
WHERE $1 = '' OR tenant_id = $1 ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reviews []domain.ReviewRecord
	for rows.Next() {
		var (
			rec     domain.ReviewRecord
			payload []byte
			fields  []byte
		)
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.Reason, &payload, &fields, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := decodeReview(&rec, payload, fields != nil, fields); err != nil {
			return nil, err
		}
		reviews = append(reviews, rec)
	}
	return reviews, rows.Err()
}

func scanPgBooking(row pgx.Row) (domain.Booking, error) {
	var b domain.Booking
	err := row.Scan(&b.ID, &b.TenantID, &b.IdempotencyKey, &b.ClientName, &b.ClientEmail, &b.EventType, &b.EventDate, &b.Venue, &b.Fee, &b.Currency, &b.Source, &b.Notes, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}
