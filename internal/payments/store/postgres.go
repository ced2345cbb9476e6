package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"payguard/internal/payments/models"
	"payguard/internal/platform/postgres"
	id "payguard/pkg/domain"
	"payguard/pkg/platform/sentinel"
)

const operationColumns = `id, tenant_id, reference_id, kind, status, amount, currency, target,
	parent_reference, processor_id, failure_code, failure_message, created_at, updated_at`

// PostgresStore persists operations. The unique (tenant_id, reference_id)
// constraint is what makes concurrent first requests safe.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, op *models.Operation) error {
	query := `
		INSERT INTO operations (` + operationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := postgres.Conn(ctx, s.db).ExecContext(ctx, query,
		op.ID,
		op.TenantID.String(),
		op.ReferenceID.String(),
		string(op.Kind),
		string(op.Status),
		op.Amount,
		op.Currency,
		op.Target,
		nullString(op.ParentReference.String()),
		nullString(op.ProcessorID),
		nullString(op.FailureCode),
		nullString(op.FailureMessage),
		op.CreatedAt,
		op.UpdatedAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByReference(ctx context.Context, tenantID id.TenantID, referenceID id.ReferenceID) (*models.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE tenant_id = $1 AND reference_id = $2`
	op, err := scanOperation(postgres.Conn(ctx, s.db).QueryRowContext(ctx, query, tenantID.String(), referenceID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find operation: %w", err)
	}
	return op, nil
}

// CompleteIfPending writes the terminal state only while the row is still
// pending. Zero affected rows means another writer already completed it.
func (s *PostgresStore) CompleteIfPending(ctx context.Context, op *models.Operation) error {
	query := `
		UPDATE operations
		SET status = $3, processor_id = $4, failure_code = $5, failure_message = $6, updated_at = $7
		WHERE tenant_id = $1 AND reference_id = $2 AND status = 'pending'
	`
	res, err := postgres.Conn(ctx, s.db).ExecContext(ctx, query,
		op.TenantID.String(),
		op.ReferenceID.String(),
		string(op.Status),
		nullString(op.ProcessorID),
		nullString(op.FailureCode),
		nullString(op.FailureMessage),
		op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("complete operation: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete operation rows affected: %w", err)
	}
	if rows == 0 {
		return sentinel.ErrInvalidState
	}
	return nil
}

func (s *PostgresStore) ListPendingOlderThan(ctx context.Context, tenantID id.TenantID, cutoff time.Time, limit int) ([]*models.Operation, error) {
	query := `
		SELECT ` + operationColumns + `
		FROM operations
		WHERE tenant_id = $1 AND status = 'pending' AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`
	if limit <= 0 {
		limit = 100
	}
	rows, err := postgres.Conn(ctx, s.db).QueryContext(ctx, query, tenantID.String(), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending operations: %w", err)
	}
	defer rows.Close()

	var out []*models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending operation: %w", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending operations: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*models.Operation, error) {
	var (
		op                                        models.Operation
		tenant, reference, kind, status           string
		parent, processorID, failCode, failReason sql.NullString
	)
	if err := row.Scan(
		&op.ID, &tenant, &reference, &kind, &status, &op.Amount, &op.Currency, &op.Target,
		&parent, &processorID, &failCode, &failReason, &op.CreatedAt, &op.UpdatedAt,
	); err != nil {
		return nil, err
	}
	op.TenantID = id.TenantID(tenant)
	op.ReferenceID = id.ReferenceID(reference)
	op.Kind = models.Kind(kind)
	op.Status = models.Status(status)
	op.ParentReference = id.ReferenceID(parent.String)
	op.ProcessorID = processorID.String
	op.FailureCode = failCode.String
	op.FailureMessage = failReason.String
	return &op, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
