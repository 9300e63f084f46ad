package runtimelock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chriswu/outreach-scheduler/internal/store"
)

type fakeLockStore struct {
	outcome     store.LockOutcome
	acquireErr  error
	heartbeatOK bool
	releaseOK   bool
	metrics     map[string]int
	acquires    int
	releases    int
	heartbeats  int
}

func newFakeLockStore(outcome store.LockOutcome) *fakeLockStore {
	return &fakeLockStore{
		outcome:     outcome,
		heartbeatOK: true,
		releaseOK:   true,
		metrics:     map[string]int{},
	}
}

func (f *fakeLockStore) AcquireLock(context.Context, string, string, time.Duration, map[string]any) (store.LockOutcome, error) {
	f.acquires++
	return f.outcome, f.acquireErr
}

func (f *fakeLockStore) HeartbeatLock(context.Context, string, string, time.Duration) (bool, error) {
	f.heartbeats++
	return f.heartbeatOK, nil
}

func (f *fakeLockStore) ReleaseLock(context.Context, string, string) (bool, error) {
	f.releases++
	return f.releaseOK, nil
}

func (f *fakeLockStore) IncrLockMetric(_ context.Context, lockKey, metric string) error {
	f.metrics[lockKey+"/"+metric]++
	return nil
}

func testManager(fs *fakeLockStore) *Manager {
	return NewManager(fs, "owner-1", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAcquireOutcomes(t *testing.T) {
	ctx := context.Background()

	fresh := newFakeLockStore(store.LockAcquired)
	require.NoError(t, testManager(fresh).Acquire(ctx, "cycle", time.Minute, nil))
	assert.Empty(t, fresh.metrics)

	renewed := newFakeLockStore(store.LockRenewed)
	require.NoError(t, testManager(renewed).Acquire(ctx, "cycle", time.Minute, nil))
	assert.Empty(t, renewed.metrics)

	contended := newFakeLockStore(store.LockContended)
	err := testManager(contended).Acquire(ctx, "cycle", time.Minute, nil)
	require.ErrorIs(t, err, ErrLockHeld)
	assert.Equal(t, 1, contended.metrics["cycle/"+MetricAcquireContended])

	takeover := newFakeLockStore(store.LockStaleTakeover)
	require.NoError(t, testManager(takeover).Acquire(ctx, "cycle", time.Minute, nil))
	assert.Equal(t, 1, takeover.metrics["cycle/"+MetricStaleTakeover])
}

func TestHeartbeatMissRecorded(t *testing.T) {
	fs := newFakeLockStore(store.LockAcquired)
	fs.heartbeatOK = false
	m := testManager(fs)

	ok, err := m.Heartbeat(context.Background(), "cycle", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, fs.metrics["cycle/"+MetricHeartbeatMiss])
}

func TestReleaseMissRecorded(t *testing.T) {
	fs := newFakeLockStore(store.LockAcquired)
	fs.releaseOK = false
	m := testManager(fs)

	ok, err := m.Release(context.Background(), "cycle")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, fs.metrics["cycle/"+MetricReleaseMiss])
}

func TestWithLockRunsAndReleases(t *testing.T) {
	fs := newFakeLockStore(store.LockAcquired)
	m := testManager(fs)

	ran := false
	err := m.WithLock(context.Background(), "cycle", time.Minute, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, fs.acquires)
	assert.Equal(t, 1, fs.releases)
}

func TestWithLockPropagatesContention(t *testing.T) {
	fs := newFakeLockStore(store.LockContended)
	m := testManager(fs)

	err := m.WithLock(context.Background(), "cycle", time.Minute, func(context.Context) error {
		t.Fatal("fn must not run without the lock")
		return nil
	})
	require.ErrorIs(t, err, ErrLockHeld)
	assert.Zero(t, fs.releases, "nothing to release after a failed acquire")
}

func TestWithLockCancelsOnHeartbeatMiss(t *testing.T) {
	fs := newFakeLockStore(store.LockAcquired)
	fs.heartbeatOK = false
	m := testManager(fs)

	// TTL of 30ms heartbeats every 10ms; the first miss cancels fn's context.
	err := m.WithLock(context.Background(), "cycle", 30*time.Millisecond, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return errors.New("context was never cancelled")
		}
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, fs.heartbeats, 1)
	assert.Equal(t, 1, fs.metrics["cycle/"+MetricHeartbeatMiss])
}

func TestRecordQueueRaceLost(t *testing.T) {
	fs := newFakeLockStore(store.LockAcquired)
	m := testManager(fs)

	m.RecordQueueRaceLost(context.Background(), "job:abc")
	assert.Equal(t, 1, fs.metrics["job:abc/"+MetricQueueRaceLost])
}
