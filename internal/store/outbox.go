package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/chriswu/outreach-scheduler/internal/models"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// insertOutboxEvent writes one outbox row through either the pool or an open
// transaction. The unique idempotency key makes repeated inserts of the same
// logical event no-ops.
func insertOutboxEvent(ctx context.Context, db execer, topic, key string, payload []byte, idemKey string) error {
	_, err := db.Exec(ctx, `
		INSERT INTO outbox_events (topic, key, payload, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
	`, topic, key, payload, idemKey)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// PublishEvent inserts a standalone outbox event (risk action changes,
// cooldowns, quarantines, anomalies).
func (s *Store) PublishEvent(ctx context.Context, topic, key string, payload []byte, idemKey string) error {
	return insertOutboxEvent(ctx, s.pool, topic, key, payload, idemKey)
}

// ClaimDueOutbox marks up to limit undelivered, due events as sending and
// returns them for the relay.
func (s *Store) ClaimDueOutbox(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE outbox_events SET sending_at = NOW()
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE delivered_at IS NULL
			  AND sending_at IS NULL
			  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
			ORDER BY id ASC LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, topic, key, payload, idempotency_key, attempts, next_retry_at, delivered_at, last_error, created_at
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	defer rows.Close()

	var out []models.OutboxEvent
	for rows.Next() {
		var ev models.OutboxEvent
		var nextRetry, delivered pgtype.Timestamptz
		var lastErr pgtype.Text
		if err := rows.Scan(&ev.ID, &ev.Topic, &ev.Key, &ev.Payload, &ev.IdempotencyKey,
			&ev.Attempts, &nextRetry, &delivered, &lastErr, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		if nextRetry.Valid {
			ev.NextRetryAt = &nextRetry.Time
		}
		if delivered.Valid {
			ev.DeliveredAt = &delivered.Time
		}
		ev.LastError = textPtr(lastErr)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkOutboxDelivered finalizes a delivered event.
func (s *Store) MarkOutboxDelivered(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events SET delivered_at = NOW(), sending_at = NULL, last_error = NULL WHERE id = $1
	`, id)
	return err
}

// FailOutboxEvent records a delivery failure and schedules the retry.
func (s *Store) FailOutboxEvent(ctx context.Context, id int64, errMsg string, nextRetry time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET attempts = attempts + 1, last_error = $2, next_retry_at = $3, sending_at = NULL
		WHERE id = $1
	`, id, errMsg, nextRetry)
	return err
}

// RequeueStaleOutbox resets events stuck in sending, for crash recovery.
func (s *Store) RequeueStaleOutbox(ctx context.Context, staleAfter time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_events SET sending_at = NULL
		WHERE delivered_at IS NULL AND sending_at < NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int(staleAfter.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
