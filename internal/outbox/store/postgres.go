package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"payguard/internal/outbox/models"
	"payguard/internal/platform/postgres"
	id "payguard/pkg/domain"
)

// PostgresStore implements the transactional outbox. RecordOutboxEvent must
// run inside the business transaction; the tx is taken from ctx.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) RecordOutboxEvent(ctx context.Context, event *models.Event) error {
	query := `
		INSERT INTO outbox (event_id, tenant_id, event_type, aggregate_type, aggregate_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := postgres.Conn(ctx, s.db).ExecContext(ctx, query,
		event.EventID,
		event.TenantID.String(),
		event.EventType,
		event.AggregateType,
		event.AggregateID,
		[]byte(event.Payload),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// FetchUnpublished locks up to limit pending rows. Call it inside a
// transaction: SKIP LOCKED lets several publishers share the table without
// handing the same row to two of them.
func (s *PostgresStore) FetchUnpublished(ctx context.Context, limit int) ([]*models.Event, error) {
	query := `
		SELECT event_id, tenant_id, event_type, aggregate_type, aggregate_id, payload, created_at
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := postgres.Conn(ctx, s.db).QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query unpublished outbox: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var (
			ev      models.Event
			tenant  string
			payload []byte
		)
		if err := rows.Scan(&ev.EventID, &tenant, &ev.EventType, &ev.AggregateType, &ev.AggregateID, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		ev.TenantID = id.TenantID(tenant)
		ev.Payload = payload
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox entries: %w", err)
	}
	return events, nil
}

// MarkPublished sets published_at once; rows already marked are skipped.
func (s *PostgresStore) MarkPublished(ctx context.Context, eventIDs []uuid.UUID, now time.Time) (int, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	ids := make([]string, len(eventIDs))
	for i, e := range eventIDs {
		ids[i] = e.String()
	}
	res, err := postgres.Conn(ctx, s.db).ExecContext(ctx, `
		UPDATE outbox SET published_at = $1
		WHERE event_id = ANY($2::uuid[]) AND published_at IS NULL
	`, now, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("mark outbox published: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark outbox published rows affected: %w", err)
	}
	return int(rows), nil
}

func (s *PostgresStore) CountUnpublished(ctx context.Context) (int, error) {
	var n int
	err := postgres.Conn(ctx, s.db).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unpublished outbox: %w", err)
	}
	return n, nil
}

// PostgresProcessed stores consumer dedupe markers. Insert it in the same
// transaction as the consumer's own writes so both commit or neither does.
type PostgresProcessed struct {
	db *sql.DB
}

func NewPostgresProcessed(db *sql.DB) *PostgresProcessed {
	return &PostgresProcessed{db: db}
}

// MarkEventProcessed returns true when this call inserted the marker and
// false when the event was already handled.
func (s *PostgresProcessed) MarkEventProcessed(ctx context.Context, eventID uuid.UUID, eventType, processor string) (bool, error) {
	res, err := postgres.Conn(ctx, s.db).ExecContext(ctx, `
		INSERT INTO processed_events (event_id, event_type, processor, processed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType, processor)
	if err != nil {
		return false, fmt.Errorf("mark event processed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark event processed rows affected: %w", err)
	}
	return rows == 1, nil
}

func (s *PostgresProcessed) IsProcessed(ctx context.Context, eventID uuid.UUID) (bool, error) {
	var exists bool
	err := postgres.Conn(ctx, s.db).QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return exists, nil
}

// PostgresFailed stores dead-lettered consumer messages in failed_events.
type PostgresFailed struct {
	db *sql.DB
}

func NewPostgresFailed(db *sql.DB) *PostgresFailed {
	return &PostgresFailed{db: db}
}

// RecordFailedEvent inserts ev. A second failure of the same event updates
// the error, retry count and time of the existing row.
func (s *PostgresFailed) RecordFailedEvent(ctx context.Context, ev *models.FailedEvent) error {
	_, err := postgres.Conn(ctx, s.db).ExecContext(ctx, `
		INSERT INTO failed_events (id, event_id, event_type, tenant_id, topic, kafka_partition,
			record_offset, payload, error, retry_count, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id) WHERE event_id IS NOT NULL DO UPDATE
		SET error = EXCLUDED.error,
			retry_count = EXCLUDED.retry_count,
			failed_at = EXCLUDED.failed_at
	`,
		ev.ID,
		nullUUID(ev.EventID),
		nullString(ev.EventType),
		nullString(ev.TenantID),
		ev.Topic,
		ev.Partition,
		ev.Offset,
		ev.Payload,
		ev.Error,
		ev.RetryCount,
		ev.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("insert failed event: %w", err)
	}
	return nil
}

// ListFailed returns up to limit entries, most recent failure first.
func (s *PostgresFailed) ListFailed(ctx context.Context, limit int) ([]*models.FailedEvent, error) {
	rows, err := postgres.Conn(ctx, s.db).QueryContext(ctx, `
		SELECT id, event_id, event_type, tenant_id, topic, kafka_partition,
			record_offset, payload, error, retry_count, failed_at
		FROM failed_events
		ORDER BY failed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed events: %w", err)
	}
	defer rows.Close()

	var out []*models.FailedEvent
	for rows.Next() {
		var (
			ev                models.FailedEvent
			eventID           uuid.NullUUID
			eventType, tenant sql.NullString
		)
		if err := rows.Scan(&ev.ID, &eventID, &eventType, &tenant, &ev.Topic, &ev.Partition,
			&ev.Offset, &ev.Payload, &ev.Error, &ev.RetryCount, &ev.FailedAt); err != nil {
			return nil, fmt.Errorf("scan failed event: %w", err)
		}
		ev.EventID = eventID.UUID
		ev.EventType = eventType.String
		ev.TenantID = tenant.String
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failed events: %w", err)
	}
	return out, nil
}

func nullUUID(v uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: v, Valid: v != uuid.Nil}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
