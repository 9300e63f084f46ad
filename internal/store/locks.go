package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// LockOutcome classifies the result of an Acquire attempt.
type LockOutcome string

const (
	LockAcquired      LockOutcome = "acquired"
	LockRenewed       LockOutcome = "renewed"
	LockContended     LockOutcome = "contended"
	LockStaleTakeover LockOutcome = "stale_takeover"
)

// AcquireLock implements the four-way acquire inside one transaction: fresh
// insert, reentrant renewal by the same owner, contention against a live
// owner, or stale takeover once the previous owner's TTL has lapsed.
func (s *Store) AcquireLock(ctx context.Context, lockKey, ownerID string, ttl time.Duration, metadata map[string]any) (LockOutcome, error) {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshal lock metadata: %w", err)
	}
	if metadata == nil {
		metaJSON = []byte("{}")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	expires := now.Add(ttl)

	var currentOwner string
	var currentExpires time.Time
	err = tx.QueryRow(ctx, `
		SELECT owner_id, expires_at FROM runtime_locks WHERE lock_key = $1 FOR UPDATE
	`, lockKey).Scan(&currentOwner, &currentExpires)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Two fresh acquirers can race past the SELECT; the conflict clause
		// turns the loser into a clean contention instead of an error.
		tag, err := tx.Exec(ctx, `
			INSERT INTO runtime_locks (lock_key, owner_id, acquired_at, heartbeat_at, expires_at, metadata)
			VALUES ($1, $2, $3, $3, $4, $5)
			ON CONFLICT (lock_key) DO NOTHING
		`, lockKey, ownerID, now, expires, metaJSON)
		if err != nil {
			return "", fmt.Errorf("insert lock: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return LockContended, nil
		}
		if err := tx.Commit(ctx); err != nil {
			return "", fmt.Errorf("commit: %w", err)
		}
		return LockAcquired, nil

	case err != nil:
		return "", fmt.Errorf("select lock: %w", err)

	case currentOwner == ownerID:
		if _, err := tx.Exec(ctx, `
			UPDATE runtime_locks SET heartbeat_at = $2, expires_at = $3, metadata = $4 WHERE lock_key = $1
		`, lockKey, now, expires, metaJSON); err != nil {
			return "", fmt.Errorf("renew lock: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return "", fmt.Errorf("commit: %w", err)
		}
		return LockRenewed, nil

	case currentExpires.After(now):
		// Live owner elsewhere.
		return LockContended, nil

	default:
		if _, err := tx.Exec(ctx, `
			UPDATE runtime_locks
			SET owner_id = $2, acquired_at = $3, heartbeat_at = $3, expires_at = $4, metadata = $5
			WHERE lock_key = $1
		`, lockKey, ownerID, now, expires, metaJSON); err != nil {
			return "", fmt.Errorf("takeover lock: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return "", fmt.Errorf("commit: %w", err)
		}
		return LockStaleTakeover, nil
	}
}

// HeartbeatLock extends expires_at only while the caller is still the
// recorded owner. A false return means ownership was lost.
func (s *Store) HeartbeatLock(ctx context.Context, lockKey, ownerID string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runtime_locks SET heartbeat_at = NOW(), expires_at = NOW() + $3::interval
		WHERE lock_key = $1 AND owner_id = $2
	`, lockKey, ownerID, fmt.Sprintf("%d seconds", int(ttl.Seconds())))
	if err != nil {
		return false, fmt.Errorf("heartbeat lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseLock deletes the row only if owned by the caller.
func (s *Store) ReleaseLock(ctx context.Context, lockKey, ownerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM runtime_locks WHERE lock_key = $1 AND owner_id = $2
	`, lockKey, ownerID)
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// IncrLockMetric bumps a per-day contention counter for operators.
func (s *Store) IncrLockMetric(ctx context.Context, lockKey, metric string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lock_metrics (metric_date, lock_key, metric, count)
		VALUES (CURRENT_DATE, $1, $2, 1)
		ON CONFLICT (metric_date, lock_key, metric) DO UPDATE SET count = lock_metrics.count + 1
	`, lockKey, metric)
	if err != nil {
		return fmt.Errorf("incr lock metric: %w", err)
	}
	return nil
}

// LockMetricSummary returns today's contention counters keyed by
// "lock_key/metric".
func (s *Store) LockMetricSummary(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT lock_key, metric, count FROM lock_metrics WHERE metric_date = CURRENT_DATE
	`)
	if err != nil {
		return nil, fmt.Errorf("lock metric summary: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var key, metric string
		var n int64
		if err := rows.Scan(&key, &metric, &n); err != nil {
			return nil, fmt.Errorf("scan lock metric: %w", err)
		}
		out[key+"/"+metric] = n
	}
	return out, rows.Err()
}
