package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"payguard/internal/platform/postgres"
	"payguard/internal/webhooks/models"
	id "payguard/pkg/domain"
	"payguard/pkg/platform/sentinel"
)

const recordColumns = `id, tenant_id, event_id, event_type, status, payload, attempt_count,
	replay_base, next_attempt_at, last_attempt_at, dead_at, error_code, error_message,
	received_at, processed_at, updated_at`

const attemptColumns = `id, tenant_id, event_id, attempt_number, status, error_code, error_message,
	started_at, finished_at`

// PostgresStore persists webhooks in webhook_events and webhook_attempts.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Insert stores a new received row. The (tenant_id, event_id) constraint
// rejects redeliveries with sentinel.ErrAlreadyUsed.
func (s *PostgresStore) Insert(ctx context.Context, rec *models.Record) error {
	query := `
		INSERT INTO webhook_events (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := postgres.Conn(ctx, s.db).ExecContext(ctx, query,
		rec.ID,
		rec.TenantID.String(),
		rec.EventID.String(),
		rec.EventType,
		string(rec.Status),
		rec.Payload,
		rec.AttemptCount,
		rec.ReplayBase,
		nullTime(rec.NextAttemptAt),
		nullTime(rec.LastAttemptAt),
		nullTime(rec.DeadAt),
		nullString(rec.ErrorCode),
		nullString(rec.ErrorMessage),
		rec.ReceivedAt,
		nullTime(rec.ProcessedAt),
		rec.UpdatedAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, tenantID id.TenantID, eventID id.EventID) (*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM webhook_events WHERE tenant_id = $1 AND event_id = $2`
	rec, err := scanRecord(postgres.Conn(ctx, s.db).QueryRowContext(ctx, query, tenantID.String(), eventID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find webhook: %w", err)
	}
	return rec, nil
}

// ClaimReceived moves a freshly inserted row to processing. It fails with
// sentinel.ErrInvalidState when another worker got there first.
func (s *PostgresStore) ClaimReceived(ctx context.Context, tenantID id.TenantID, eventID id.EventID, now time.Time) (*models.Record, error) {
	query := `
		UPDATE webhook_events
		SET status = 'processing', attempt_count = attempt_count + 1, last_attempt_at = $3, updated_at = $3
		WHERE tenant_id = $1 AND event_id = $2 AND status = 'received'
		RETURNING ` + recordColumns
	rec, err := scanRecord(postgres.Conn(ctx, s.db).QueryRowContext(ctx, query, tenantID.String(), eventID.String(), now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrInvalidState
		}
		return nil, fmt.Errorf("claim webhook: %w", err)
	}
	return rec, nil
}

// ClaimDue selects and claims a batch in one statement. SKIP LOCKED lets
// concurrent drains split the backlog without blocking on each other.
func (s *PostgresStore) ClaimDue(ctx context.Context, c ClaimCriteria) ([]*models.Record, error) {
	query := `
		WITH due AS (
			SELECT id AS due_id
			FROM webhook_events
			WHERE (status = 'failed' AND dead_at IS NULL AND next_attempt_at <= $1 AND payload IS NOT NULL)
			   OR ($2::timestamptz IS NOT NULL AND status = 'received' AND received_at < $2)
			   OR ($2::timestamptz IS NOT NULL AND status = 'processing' AND last_attempt_at < $2)
			ORDER BY CASE status
				WHEN 'failed' THEN next_attempt_at
				WHEN 'processing' THEN last_attempt_at
				ELSE received_at
			END
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE webhook_events
		SET status = 'processing', attempt_count = attempt_count + 1, last_attempt_at = $1, updated_at = $1
		FROM due
		WHERE webhook_events.id = due.due_id
		RETURNING ` + recordColumns

	var stale sql.NullTime
	if !c.StaleBefore.IsZero() {
		stale = sql.NullTime{Time: c.StaleBefore, Valid: true}
	}
	rows, err := postgres.Conn(ctx, s.db).QueryContext(ctx, query, c.Now, stale, c.limit())
	if err != nil {
		return nil, fmt.Errorf("claim due webhooks: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// MarkProcessed completes a claimed row. The attempt_count guard rejects a
// worker whose claim was taken over by stale recovery.
func (s *PostgresStore) MarkProcessed(ctx context.Context, rec *models.Record) error {
	query := `
		UPDATE webhook_events
		SET status = 'processed', processed_at = $4, next_attempt_at = NULL,
			error_code = NULL, error_message = NULL, updated_at = $5
		WHERE tenant_id = $1 AND event_id = $2 AND status = 'processing' AND attempt_count = $3
	`
	return s.execClaimed(ctx, "mark webhook processed", query,
		rec.TenantID.String(), rec.EventID.String(), rec.AttemptCount,
		nullTime(rec.ProcessedAt), rec.UpdatedAt,
	)
}

// MarkFailed records a failed attempt. A nil NextAttemptAt with DeadAt set
// dead-letters the row.
func (s *PostgresStore) MarkFailed(ctx context.Context, rec *models.Record) error {
	query := `
		UPDATE webhook_events
		SET status = 'failed', next_attempt_at = $4, dead_at = $5,
			error_code = $6, error_message = $7, updated_at = $8
		WHERE tenant_id = $1 AND event_id = $2 AND status = 'processing' AND attempt_count = $3
	`
	return s.execClaimed(ctx, "mark webhook failed", query,
		rec.TenantID.String(), rec.EventID.String(), rec.AttemptCount,
		nullTime(rec.NextAttemptAt), nullTime(rec.DeadAt),
		nullString(rec.ErrorCode), nullString(rec.ErrorMessage), rec.UpdatedAt,
	)
}

func (s *PostgresStore) execClaimed(ctx context.Context, op, query string, args ...any) error {
	res, err := postgres.Conn(ctx, s.db).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if rows == 0 {
		return sentinel.ErrInvalidState
	}
	return nil
}

// ResetForReplay requeues a row for immediate retry. Rows being processed
// cannot be reset.
func (s *PostgresStore) ResetForReplay(ctx context.Context, tenantID id.TenantID, eventID id.EventID, now time.Time) (*models.Record, error) {
	query := `
		UPDATE webhook_events
		SET status = 'failed', replay_base = attempt_count, dead_at = NULL, next_attempt_at = $3, updated_at = $3
		WHERE tenant_id = $1 AND event_id = $2 AND status <> 'processing'
		RETURNING ` + recordColumns
	rec, err := scanRecord(postgres.Conn(ctx, s.db).QueryRowContext(ctx, query, tenantID.String(), eventID.String(), now))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reset webhook: %w", err)
	}
	if _, err := s.Get(ctx, tenantID, eventID); err != nil {
		return nil, err
	}
	return nil, sentinel.ErrInvalidState
}

// List returns a tenant's webhooks, newest first.
func (s *PostgresStore) List(ctx context.Context, tenantID id.TenantID, filter models.ListFilter) ([]*models.Record, error) {
	filter = filter.Normalize()
	where := []string{"tenant_id = $1"}
	args := []any{tenantID.String()}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.EventType != "" {
		args = append(args, filter.EventType)
		where = append(where, fmt.Sprintf("event_type = $%d", len(args)))
	}
	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf(`
		SELECT %s
		FROM webhook_events
		WHERE %s
		ORDER BY received_at DESC
		LIMIT $%d OFFSET $%d
	`, recordColumns, strings.Join(where, " AND "), len(args)-1, len(args))

	rows, err := postgres.Conn(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *PostgresStore) AppendAttempt(ctx context.Context, a *models.Attempt) error {
	query := `INSERT INTO webhook_attempts (` + attemptColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := postgres.Conn(ctx, s.db).ExecContext(ctx, query,
		a.ID,
		a.TenantID.String(),
		a.EventID.String(),
		a.AttemptNumber,
		string(a.Status),
		nullString(a.ErrorCode),
		nullString(a.ErrorMessage),
		a.StartedAt,
		a.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("append webhook attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAttempts(ctx context.Context, tenantID id.TenantID, eventID id.EventID) ([]*models.Attempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM webhook_attempts
		WHERE tenant_id = $1 AND event_id = $2
		ORDER BY started_at, attempt_number
	`
	rows, err := postgres.Conn(ctx, s.db).QueryContext(ctx, query, tenantID.String(), eventID.String())
	if err != nil {
		return nil, fmt.Errorf("list webhook attempts: %w", err)
	}
	defer rows.Close()

	out := []*models.Attempt{}
	for rows.Next() {
		var (
			a                     models.Attempt
			tenant, event, status string
			errCode, errMessage   sql.NullString
		)
		if err := rows.Scan(&a.ID, &tenant, &event, &a.AttemptNumber, &status, &errCode, &errMessage, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan webhook attempt: %w", err)
		}
		a.TenantID = id.TenantID(tenant)
		a.EventID = id.EventID(event)
		a.Status = models.AttemptStatus(status)
		a.ErrorCode = errCode.String
		a.ErrorMessage = errMessage.String
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook attempts: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var (
		rec                         models.Record
		tenant, event, status       string
		next, last, dead, processed sql.NullTime
		errCode, errMessage         sql.NullString
	)
	if err := row.Scan(
		&rec.ID, &tenant, &event, &rec.EventType, &status, &rec.Payload, &rec.AttemptCount,
		&rec.ReplayBase, &next, &last, &dead, &errCode, &errMessage,
		&rec.ReceivedAt, &processed, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.TenantID = id.TenantID(tenant)
	rec.EventID = id.EventID(event)
	rec.Status = models.Status(status)
	rec.NextAttemptAt = timePtr(next)
	rec.LastAttemptAt = timePtr(last)
	rec.DeadAt = timePtr(dead)
	rec.ProcessedAt = timePtr(processed)
	rec.ErrorCode = errCode.String
	rec.ErrorMessage = errMessage.String
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]*models.Record, error) {
	out := []*models.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhooks: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
