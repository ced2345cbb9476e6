package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"payguard/internal/idempotency/models"
	"payguard/internal/platform/postgres"
	id "payguard/pkg/domain"
	"payguard/pkg/platform/sentinel"
)

// PostgresStore is the authoritative idempotency backend.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, tenantID id.TenantID, key string) (*models.Record, error) {
	query := `
		SELECT tenant_id, idempotency_key, request_hash, status_code, response_body, content_type, created_at, expires_at
		FROM idempotency_records
		WHERE tenant_id = $1 AND idempotency_key = $2
	`
	var rec models.Record
	var tenant string
	err := postgres.Conn(ctx, s.db).QueryRowContext(ctx, query, tenantID.String(), key).Scan(
		&tenant, &rec.Key, &rec.RequestHash, &rec.StatusCode, &rec.Body, &rec.ContentType, &rec.CreatedAt, &rec.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	rec.TenantID = id.TenantID(tenant)
	return &rec, nil
}

// Insert writes rec. The conflict branch only overwrites a row whose TTL has
// lapsed, so a live key is never replaced; zero affected rows means the key
// is taken.
func (s *PostgresStore) Insert(ctx context.Context, rec *models.Record) error {
	query := `
		INSERT INTO idempotency_records (tenant_id, idempotency_key, request_hash, status_code, response_body, content_type, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, idempotency_key) DO UPDATE SET
			request_hash = EXCLUDED.request_hash,
			status_code = EXCLUDED.status_code,
			response_body = EXCLUDED.response_body,
			content_type = EXCLUDED.content_type,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_records.expires_at <= EXCLUDED.created_at
	`
	res, err := postgres.Conn(ctx, s.db).ExecContext(ctx, query,
		rec.TenantID.String(),
		rec.Key,
		rec.RequestHash,
		rec.StatusCode,
		rec.Body,
		rec.ContentType,
		rec.CreatedAt,
		rec.ExpiresAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("insert idempotency record: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert idempotency record rows affected: %w", err)
	}
	if rows == 0 {
		return sentinel.ErrAlreadyUsed
	}
	return nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := postgres.Conn(ctx, s.db).ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired rows affected: %w", err)
	}
	return int(rows), nil
}
