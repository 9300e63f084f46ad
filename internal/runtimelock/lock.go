// Package runtimelock provides named cross-process mutexes backed by the
// transactional store, with heartbeat renewal, stale takeover, and per-day
// contention metrics surfaced to operators.
package runtimelock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chriswu/outreach-scheduler/internal/store"
	"github.com/chriswu/outreach-scheduler/internal/telemetry"
)

// Metric names recorded per day per lock key. Sustained nonzero contention is
// a leading indicator of misconfiguration (TTL too short for the cycle).
const (
	MetricAcquireContended = "acquire_contended"
	MetricStaleTakeover    = "acquire_stale_takeover"
	MetricHeartbeatMiss    = "heartbeat_miss"
	MetricReleaseMiss      = "release_miss"
	MetricQueueRaceLost    = "queue_race_lost"
)

// ErrLockHeld reports that another live owner holds the lock.
var ErrLockHeld = errors.New("lock held by another owner")

// Store is the persistence surface the manager needs.
type Store interface {
	AcquireLock(ctx context.Context, lockKey, ownerID string, ttl time.Duration, metadata map[string]any) (store.LockOutcome, error)
	HeartbeatLock(ctx context.Context, lockKey, ownerID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey, ownerID string) (bool, error)
	IncrLockMetric(ctx context.Context, lockKey, metric string) error
}

// Manager acquires and maintains runtime locks for one process identity.
type Manager struct {
	store   Store
	ownerID string
	logger  *slog.Logger
}

func NewManager(st Store, ownerID string, logger *slog.Logger) *Manager {
	return &Manager{
		store:   st,
		ownerID: ownerID,
		logger:  logger.With(slog.String("component", "runtimelock"), slog.String("owner_id", ownerID)),
	}
}

func (m *Manager) OwnerID() string { return m.ownerID }

// Acquire attempts to take the named lock. Contention returns ErrLockHeld and
// is counted, never logged as an error.
func (m *Manager) Acquire(ctx context.Context, lockKey string, ttl time.Duration, metadata map[string]any) error {
	outcome, err := m.store.AcquireLock(ctx, lockKey, m.ownerID, ttl, metadata)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", lockKey, err)
	}
	switch outcome {
	case store.LockContended:
		m.record(ctx, lockKey, MetricAcquireContended)
		return fmt.Errorf("acquire %s: %w", lockKey, ErrLockHeld)
	case store.LockStaleTakeover:
		m.record(ctx, lockKey, MetricStaleTakeover)
		m.logger.Warn("stale lock takeover", slog.String("lock_key", lockKey))
	}
	return nil
}

// Heartbeat extends the TTL while still the owner. A false return means
// ownership was lost (for instance to a stale takeover) and the caller must
// stop mutating shared state.
func (m *Manager) Heartbeat(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	ok, err := m.store.HeartbeatLock(ctx, lockKey, m.ownerID, ttl)
	if err != nil {
		return false, fmt.Errorf("heartbeat %s: %w", lockKey, err)
	}
	if !ok {
		m.record(ctx, lockKey, MetricHeartbeatMiss)
	}
	return ok, nil
}

// Release drops the lock if still owned.
func (m *Manager) Release(ctx context.Context, lockKey string) (bool, error) {
	ok, err := m.store.ReleaseLock(ctx, lockKey, m.ownerID)
	if err != nil {
		return false, fmt.Errorf("release %s: %w", lockKey, err)
	}
	if !ok {
		m.record(ctx, lockKey, MetricReleaseMiss)
	}
	return ok, nil
}

// RecordQueueRaceLost counts a lost queue claim race against this lock key's
// daily metrics.
func (m *Manager) RecordQueueRaceLost(ctx context.Context, lockKey string) {
	m.record(ctx, lockKey, MetricQueueRaceLost)
}

func (m *Manager) record(ctx context.Context, lockKey, metric string) {
	telemetry.LockEvents.WithLabelValues(lockKey, metric).Inc()
	if err := m.store.IncrLockMetric(ctx, lockKey, metric); err != nil {
		m.logger.Error("record lock metric", slog.String("metric", metric), slog.String("error", err.Error()))
	}
}

// WithLock runs fn while holding the named lock, heartbeating on a third of
// the TTL. fn's context is cancelled if a heartbeat misses, so long sections
// observe lost exclusivity at their next safe point.
func (m *Manager) WithLock(ctx context.Context, lockKey string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if err := m.Acquire(ctx, lockKey, ttl, nil); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				ok, err := m.Heartbeat(runCtx, lockKey, ttl)
				if err != nil || !ok {
					cancel()
					return
				}
			}
		}
	}()

	err := fn(runCtx)
	cancel()
	<-hbDone

	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer releaseCancel()
	if _, rerr := m.Release(releaseCtx, lockKey); rerr != nil {
		m.logger.Error("release lock", slog.String("lock_key", lockKey), slog.String("error", rerr.Error()))
	}
	return err
}
