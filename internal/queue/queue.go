// Package queue is the typed durable job queue: idempotent enqueue, atomic
// claim, retry-with-backoff, and dead-lettering over the Postgres store.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chriswu/outreach-scheduler/internal/models"
	"github.com/chriswu/outreach-scheduler/internal/store"
	"github.com/chriswu/outreach-scheduler/internal/telemetry"
)

// Store is the persistence surface the queue needs.
type Store interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
	ClaimNextJob(ctx context.Context, allowedTypes []models.JobType, accountID string) (models.Job, bool, error)
	MarkJobSucceeded(ctx context.Context, id string) error
	MarkJobRetry(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error
	MarkJobDeadLetter(ctx context.Context, id string, attempts int, lastErr string) error
	RecoverStuckJobs(ctx context.Context, staleAfter time.Duration) (int, error)
	JobStatusCounts(ctx context.Context) (map[string]int64, error)
	ClaimableJobCount(ctx context.Context) (int64, error)
}

// Queue layers queue semantics and telemetry over the store.
type Queue struct {
	store  Store
	logger *slog.Logger
}

func New(st Store, logger *slog.Logger) *Queue {
	return &Queue{store: st, logger: logger.With(slog.String("component", "queue"))}
}

// EnqueueParams describes one unit of work to insert.
type EnqueueParams struct {
	Type           models.JobType
	AccountID      string
	Payload        any
	IdempotencyKey string
	Priority       int
	MaxAttempts    int
	Delay          time.Duration
}

// Enqueue inserts a job unless its idempotency key already exists. Returns
// whether a new row was created; a duplicate is a silent no-op.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (bool, error) {
	job, created, err := q.store.CreateJob(ctx, store.CreateJobParams{
		Type:           p.Type,
		AccountID:      p.AccountID,
		Payload:        p.Payload,
		IdempotencyKey: p.IdempotencyKey,
		Priority:       p.Priority,
		MaxAttempts:    p.MaxAttempts,
		RunAt:          time.Now().UTC().Add(p.Delay),
	})
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", p.Type, err)
	}
	if !created {
		telemetry.JobsDeduped.Inc()
		return false, nil
	}
	telemetry.JobsEnqueued.WithLabelValues(string(p.Type)).Inc()
	q.logger.Debug("job enqueued",
		slog.String("job_id", job.ID),
		slog.String("type", string(p.Type)),
		slog.String("account_id", p.AccountID),
		slog.Duration("delay", p.Delay),
	)
	return true, nil
}

// ClaimNext atomically claims the next eligible job matching the filters.
// An empty result is the expected idle/contention case, not an error.
func (q *Queue) ClaimNext(ctx context.Context, allowedTypes []models.JobType, accountID string) (models.Job, bool, error) {
	job, ok, err := q.store.ClaimNextJob(ctx, allowedTypes, accountID)
	if err != nil {
		return models.Job{}, false, err
	}
	if ok {
		telemetry.JobsClaimed.WithLabelValues(string(job.Type)).Inc()
	}
	return job, ok, nil
}

// MarkSucceeded finalizes a job.
func (q *Queue) MarkSucceeded(ctx context.Context, job models.Job) error {
	if err := q.store.MarkJobSucceeded(ctx, job.ID); err != nil {
		return err
	}
	telemetry.JobsSucceeded.WithLabelValues(string(job.Type)).Inc()
	return nil
}

// MarkRetryOrDeadLetter applies the outcome of a failed attempt: back to
// queued with the supplied backoff, or dead-lettered once attempts are
// exhausted. The backoff is attempt-dependent and computed by the caller.
func (q *Queue) MarkRetryOrDeadLetter(ctx context.Context, job models.Job, attempts int, backoff time.Duration, errMsg string) (deadLettered bool, err error) {
	if attempts >= job.MaxAttempts {
		if err := q.store.MarkJobDeadLetter(ctx, job.ID, attempts, errMsg); err != nil {
			return false, err
		}
		telemetry.JobsDeadLetter.WithLabelValues(string(job.Type)).Inc()
		q.logger.Warn("job dead-lettered",
			slog.String("job_id", job.ID),
			slog.String("type", string(job.Type)),
			slog.Int("attempts", attempts),
			slog.String("error", errMsg),
		)
		return true, nil
	}

	nextRun := time.Now().UTC().Add(backoff)
	if err := q.store.MarkJobRetry(ctx, job.ID, attempts, nextRun, errMsg); err != nil {
		return false, err
	}
	telemetry.JobsRetried.WithLabelValues(string(job.Type)).Inc()
	return false, nil
}

// RecoverStuckJobs sweeps running jobs with no recent heartbeat back to
// queued.
func (q *Queue) RecoverStuckJobs(ctx context.Context, staleAfter time.Duration) (int, error) {
	n, err := q.store.RecoverStuckJobs(ctx, staleAfter)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		telemetry.JobsRecovered.Add(float64(n))
		q.logger.Warn("recovered stuck jobs", slog.Int("count", n))
	}
	return n, nil
}

// StatusCounts aggregates job counts by status and refreshes the depth gauge.
func (q *Queue) StatusCounts(ctx context.Context) (map[string]int64, error) {
	counts, err := q.store.JobStatusCounts(ctx)
	if err != nil {
		return nil, err
	}
	if claimable, err := q.store.ClaimableJobCount(ctx); err == nil {
		telemetry.QueueDepth.Set(float64(claimable))
	}
	return counts, nil
}
