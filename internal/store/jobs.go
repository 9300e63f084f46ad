package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/chriswu/outreach-scheduler/internal/models"
)

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Type           models.JobType
	AccountID      string
	Payload        any
	IdempotencyKey string
	Priority       int
	MaxAttempts    int
	RunAt          time.Time
}

// CreateJob inserts a job row keyed by its idempotency key. The boolean
// reports whether a new row was created; re-enqueueing the same logical unit
// of work is a no-op.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.IdempotencyKey == "" {
		return models.Job{}, false, errors.New("idempotency key is required")
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.RunAt.IsZero() {
		p.RunAt = time.Now().UTC()
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, status, account_id, payload, idempotency_key, priority, attempts, max_attempts, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $10)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, id, p.Type, models.JobQueued, p.AccountID, payloadJSON, p.IdempotencyKey, p.Priority, p.MaxAttempts, p.RunAt, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Duplicate logical work; return the existing row.
		existing, err := s.jobByIdempotencyKey(ctx, p.IdempotencyKey)
		if err != nil {
			return models.Job{}, false, err
		}
		return existing, false, nil
	}

	return models.Job{
		ID:             id,
		Type:           p.Type,
		Status:         models.JobQueued,
		AccountID:      p.AccountID,
		Payload:        payloadJSON,
		IdempotencyKey: p.IdempotencyKey,
		Priority:       p.Priority,
		MaxAttempts:    p.MaxAttempts,
		NextRunAt:      p.RunAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, true, nil
}

const jobColumns = `id, type, status, account_id, payload, idempotency_key, priority, attempts, max_attempts, next_run_at, locked_at, heartbeat_at, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var lockedAt, heartbeatAt pgtype.Timestamptz
	var lastErr pgtype.Text
	if err := row.Scan(&job.ID, &job.Type, &job.Status, &job.AccountID, &job.Payload, &job.IdempotencyKey,
		&job.Priority, &job.Attempts, &job.MaxAttempts, &job.NextRunAt, &lockedAt, &heartbeatAt, &lastErr,
		&job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	if lockedAt.Valid {
		job.LockedAt = &lockedAt.Time
	}
	if heartbeatAt.Valid {
		job.HeartbeatAt = &heartbeatAt.Time
	}
	job.LastError = textPtr(lastErr)
	return job, nil
}

func (s *Store) jobByIdempotencyKey(ctx context.Context, key string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = $1`, key)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("job by idempotency key: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job %s not found: %w", id, err)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ClaimNextJob atomically claims the oldest, lowest-priority eligible queued
// job matching the filters and transitions it to running. Postgres does the
// arbitration: FOR UPDATE SKIP LOCKED means two concurrent claimers never
// both succeed on the same row; the loser simply sees no eligible row.
func (s *Store) ClaimNextJob(ctx context.Context, allowedTypes []models.JobType, accountID string) (models.Job, bool, error) {
	if len(allowedTypes) == 0 {
		return models.Job{}, false, nil
	}
	types := make([]string, 0, len(allowedTypes))
	for _, t := range allowedTypes {
		types = append(types, string(t))
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $1, locked_at = NOW(), heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $2
			  AND next_run_at <= NOW()
			  AND type = ANY($3)
			  AND ($4 = '' OR account_id = $4)
			ORDER BY priority ASC, next_run_at ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		models.JobRunning, models.JobQueued, types, accountID)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// MarkJobSucceeded is terminal and idempotent.
func (s *Store) MarkJobSucceeded(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = NULL, updated_at = NOW() WHERE id = $1
	`, id, models.JobSucceeded)
	return err
}

// MarkJobRetry returns a job to queued with a backoff-delayed next_run_at.
// Only a still-running row is touched: once the recovery sweep has requeued
// the job, the old claimant's retry must not clobber the new owner's state.
func (s *Store) MarkJobRetry(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, attempts = $3, next_run_at = $4, last_error = $5,
			locked_at = NULL, heartbeat_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $6
	`, id, models.JobQueued, attempts, nextRun, lastErr, models.JobRunning)
	return err
}

// MarkJobDeadLetter removes a job from the retry path permanently. Guarded
// the same way as MarkJobRetry: a stale claimant cannot dead-letter a row it
// no longer holds.
func (s *Store) MarkJobDeadLetter(ctx context.Context, id string, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, attempts = $3, last_error = $4,
			locked_at = NULL, heartbeat_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.JobDeadLetter, attempts, lastErr, models.JobRunning)
	return err
}

// HeartbeatJob refreshes the liveness stamp of a running job. A false return
// means the job is no longer running under this claim (swept or terminated)
// and the caller must stop mutating shared state.
func (s *Store) HeartbeatJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, models.JobRunning)
	if err != nil {
		return false, fmt.Errorf("heartbeat job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecoverStuckJobs returns running jobs with no recent heartbeat to queued.
// Run at startup and periodically so a crashed worker cannot strand work.
func (s *Store) RecoverStuckJobs(ctx context.Context, staleAfter time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, locked_at = NULL, heartbeat_at = NULL, updated_at = NOW()
		WHERE status = $2 AND COALESCE(heartbeat_at, locked_at) < NOW() - $3::interval
	`, models.JobQueued, models.JobRunning, fmt.Sprintf("%d seconds", int(staleAfter.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("recover stuck jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// JobStatusCounts aggregates counts by status for dashboards and alerts.
func (s *Store) JobStatusCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// OldestRunningAge reports how long the oldest running job has held its claim.
// Zero when nothing is running.
func (s *Store) OldestRunningAge(ctx context.Context) (time.Duration, error) {
	var lockedAt pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT MIN(locked_at) FROM jobs WHERE status = $1
	`, models.JobRunning).Scan(&lockedAt)
	if err != nil {
		return 0, fmt.Errorf("oldest running: %w", err)
	}
	if !lockedAt.Valid {
		return 0, nil
	}
	return time.Since(lockedAt.Time), nil
}

// ClaimableJobCount counts jobs eligible for claim right now.
func (s *Store) ClaimableJobCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = $1 AND next_run_at <= NOW()
	`, models.JobQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("count claimable jobs: %w", err)
	}
	return n, nil
}

// DeadLetterJobs lists recent dead-lettered jobs for operator inspection.
func (s *Store) DeadLetterJobs(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY updated_at DESC LIMIT $2
	`, models.JobDeadLetter, limit)
	if err != nil {
		return nil, fmt.Errorf("dead letter jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
