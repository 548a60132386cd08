package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"inboxflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS tenants (
  id TEXT PRIMARY KEY,
  prefix TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS bookings (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  idempotency_key TEXT NOT NULL,
  client_name TEXT NOT NULL DEFAULT '',
  client_email TEXT NOT NULL DEFAULT '',
  event_type TEXT NOT NULL DEFAULT '',
  event_date DATETIME,
  venue TEXT NOT NULL DEFAULT '',
  fee REAL,
  currency TEXT NOT NULL DEFAULT '',
  source TEXT NOT NULL DEFAULT '',
  notes TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(tenant_id) REFERENCES tenants(id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_bookings_idem ON bookings(tenant_id, idempotency_key);
CREATE INDEX IF NOT EXISTS idx_bookings_tenant ON bookings(tenant_id, created_at);
CREATE TABLE IF NOT EXISTS review_records (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL DEFAULT '',
  reason TEXT NOT NULL,
  payload TEXT NOT NULL,
  fields TEXT,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_reviews_tenant ON review_records(tenant_id, created_at);
`
	_, err := db.Exec(schema)
	return err
}

// Repository is the persistence collaborator of the ingestion pipeline.
type Repository interface {
	ResolveTenantByAddressPrefix(ctx context.Context, prefix string) (string, error)
	CreateBooking(ctx context.Context, tenantID, idempotencyKey string, f domain.ExtractedFields) (domain.Booking, error)
	CreateReviewRecord(ctx context.Context, tenantID, reason string, payload domain.Envelope, fields *domain.ExtractedFields) (string, error)

	CreateTenant(ctx context.Context, t domain.Tenant) (string, error)
	ListTenants(ctx context.Context) ([]domain.Tenant, error)
	ListBookings(ctx context.Context, tenantID string, limit int) ([]domain.Booking, error)
	ListReviews(ctx context.Context, tenantID string, limit int) ([]domain.ReviewRecord, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) ResolveTenantByAddressPrefix(ctx context.Context, prefix string) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM tenants WHERE prefix = ?`, strings.ToLower(prefix)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("tenant prefix %q: %w", prefix, domain.ErrNotFound)
	}
	return id, err
}

// CreateBooking inserts a booking once per idempotency key. A repeated call
// returns the stored booking after filling only the fields that are still
// empty, so an earlier write is never clobbered.
func (r *sqliteRepo) CreateBooking(ctx context.Context, tenantID, key string, f domain.ExtractedFields) (domain.Booking, error) {
	now := time.Now().UTC()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Booking{}, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO bookings (id,tenant_id,idempotency_key,client_name,client_email,event_type,event_date,venue,fee,currency,source,notes,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(tenant_id, idempotency_key) DO UPDATE SET
  client_name  = CASE WHEN bookings.client_name  = '' THEN excluded.client_name  ELSE bookings.client_name  END,
  client_email = CASE WHEN bookings.client_email = '' THEN excluded.client_email ELSE bookings.client_email END,
  event_type   = CASE WHEN bookings.event_type   = '' THEN excluded.event_type   ELSE bookings.event_type   END,
  event_date   = COALESCE(bookings.event_date, excluded.event_date),
  venue        = CASE WHEN bookings.venue        = '' THEN excluded.venue        ELSE bookings.venue        END,
  fee          = COALESCE(bookings.fee, excluded.fee),
  currency     = CASE WHEN bookings.currency     = '' THEN excluded.currency     ELSE bookings.currency     END,
  source       = CASE WHEN bookings.source       = '' THEN excluded.source       ELSE bookings.source       END,
  notes        = CASE WHEN bookings.notes        = '' THEN excluded.notes        ELSE bookings.notes        END,
  updated_at   = excluded.updated_at
`, "bkg_"+uuid.NewString(), tenantID, key, f.ClientName, f.ClientEmail, f.EventType, nullTime(f.EventDate), f.Venue, nullFloat(f.Fee), f.Currency, f.Source, f.Notes, now, now)
	if err != nil {
		return domain.Booking{}, err
	}

	b, err := scanBooking(tx.QueryRowContext(ctx, `
SELECT id,tenant_id,idempotency_key,client_name,client_email,event_type,event_date,venue,fee,currency,source,notes,created_at,updated_at
FROM bookings WHERE tenant_id = ? AND idempotency_key = ?`, tenantID, key))
	if err != nil {
		return domain.Booking{}, err
	}
	return b, tx.Commit()
}

func (r *sqliteRepo) CreateReviewRecord(ctx context.Context, tenantID, reason string, payload domain.Envelope, fields *domain.ExtractedFields) (string, error) {
	id := "rev_" + uuid.NewString()
	p, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	var fj sql.NullString
	if fields != nil {
		b, err := json.Marshal(fields)
		if err != nil {
			return "", fmt.Errorf("encode fields: %w", err)
		}
		fj = sql.NullString{String: string(b), Valid: true}
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO review_records (id,tenant_id,reason,payload,fields,created_at) VALUES (?,?,?,?,?,?)`,
		id, tenantID, reason, string(p), fj, time.Now().UTC())
	return id, err
}

func (r *sqliteRepo) CreateTenant(ctx context.Context, t domain.Tenant) (string, error) {
	id := t.ID
	if id == "" {
		id = "ten_" + uuid.NewString()
	}
	prefix := strings.ToLower(strings.TrimSpace(t.Prefix))
	if prefix == "" {
		return "", fmt.Errorf("tenant prefix is required")
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO tenants (id,prefix,name,created_at) VALUES (?,?,?,?)`,
		id, prefix, t.Name, time.Now().UTC())
	return id, err
}

func (r *sqliteRepo) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id,prefix,name,created_at FROM tenants ORDER BY prefix`)
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

func (r *sqliteRepo) ListBookings(ctx context.Context, tenantID string, limit int) ([]domain.Booking, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,tenant_id,idempotency_key,client_name,client_email,event_type,event_date,venue,fee,currency,source,notes,created_at,updated_at
FROM bookings WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bookings []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

func (r *sqliteRepo) ListReviews(ctx context.Context, tenantID string, limit int) ([]domain.ReviewRecord, error) {
	q := `SELECT id,tenant_id,reason,payload,fields,created_at FROM review_records`
	args := []any{}
	if tenantID != "" {
		q += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reviews []domain.ReviewRecord
	for rows.Next() {
		var (
			rec     domain.ReviewRecord
			payload string
			fields  sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.Reason, &payload, &fields, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := decodeReview(&rec, []byte(payload), fields.Valid, []byte(fields.String)); err != nil {
			return nil, err
		}
		reviews = append(reviews, rec)
	}
	return reviews, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBooking(s scanner) (domain.Booking, error) {
	var (
		b    domain.Booking
		date sql.NullTime
		fee  sql.NullFloat64
	)
	err := s.Scan(&b.ID, &b.TenantID, &b.IdempotencyKey, &b.ClientName, &b.ClientEmail, &b.EventType, &date, &b.Venue, &fee, &b.Currency, &b.Source, &b.Notes, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return domain.Booking{}, err
	}
	if date.Valid {
		d := date.Time
		b.EventDate = &d
	}
	if fee.Valid {
		v := fee.Float64
		b.Fee = &v
	}
	return b, nil
}

func decodeReview(rec *domain.ReviewRecord, payload []byte, hasFields bool, fields []byte) error {
	if err := json.Unmarshal(payload, &rec.Payload); err != nil {
		return fmt.Errorf("decode review payload %s: %w", rec.ID, err)
	}
	if hasFields {
		var f domain.ExtractedFields
		if err := json.Unmarshal(fields, &f); err != nil {
			return fmt.Errorf("decode review fields %s: %w", rec.ID, err)
		}
		rec.Fields = &f
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
