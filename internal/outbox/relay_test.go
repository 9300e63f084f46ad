package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chriswu/outreach-scheduler/internal/models"
)

type fakeOutboxStore struct {
	due       []models.OutboxEvent
	delivered []int64
	failed    []int64
	nextRetry map[int64]time.Time
	requeued  int
}

func (f *fakeOutboxStore) ClaimDueOutbox(context.Context, int) ([]models.OutboxEvent, error) {
	due := f.due
	f.due = nil
	return due, nil
}

func (f *fakeOutboxStore) MarkOutboxDelivered(_ context.Context, id int64) error {
	f.delivered = append(f.delivered, id)
	return nil
}

func (f *fakeOutboxStore) FailOutboxEvent(_ context.Context, id int64, _ string, next time.Time) error {
	f.failed = append(f.failed, id)
	if f.nextRetry == nil {
		f.nextRetry = map[int64]time.Time{}
	}
	f.nextRetry[id] = next
	return nil
}

func (f *fakeOutboxStore) RequeueStaleOutbox(context.Context, time.Duration) (int, error) {
	f.requeued++
	return 0, nil
}

type fakePublisher struct {
	published []string // topic/key
	failKeys  map[string]bool
}

func (f *fakePublisher) Publish(_ context.Context, topic, key string, _ []byte) error {
	if f.failKeys[key] {
		return errors.New("broker unavailable")
	}
	f.published = append(f.published, topic+"/"+key)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func testRelay(st *fakeOutboxStore, pub *fakePublisher) *Relay {
	return NewRelay(st, pub, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDrainOnceDeliversBatch(t *testing.T) {
	st := &fakeOutboxStore{due: []models.OutboxEvent{
		{ID: 1, Topic: "outreach.lifecycle", Key: "lead-1", Payload: []byte(`{}`)},
		{ID: 2, Topic: "outreach.risk", Key: "anomaly", Payload: []byte(`{}`)},
	}}
	pub := &fakePublisher{}

	require.NoError(t, testRelay(st, pub).DrainOnce(context.Background()))
	assert.Equal(t, []string{"outreach.lifecycle/lead-1", "outreach.risk/anomaly"}, pub.published)
	assert.Equal(t, []int64{1, 2}, st.delivered)
	assert.Empty(t, st.failed)
}

func TestDrainOnceSchedulesRetryOnFailure(t *testing.T) {
	st := &fakeOutboxStore{due: []models.OutboxEvent{
		{ID: 1, Topic: "outreach.lifecycle", Key: "lead-1", Attempts: 2},
		{ID: 2, Topic: "outreach.lifecycle", Key: "lead-2"},
	}}
	pub := &fakePublisher{failKeys: map[string]bool{"lead-1": true}}

	require.NoError(t, testRelay(st, pub).DrainOnce(context.Background()))

	// One failure must not block the rest of the batch.
	assert.Equal(t, []int64{2}, st.delivered)
	require.Equal(t, []int64{1}, st.failed)

	// Backoff for attempt 3: 30s * 4 = 2m, plus up to 25% jitter.
	delay := time.Until(st.nextRetry[1])
	assert.Greater(t, delay, 100*time.Second)
	assert.Less(t, delay, 3*time.Minute)
}

func TestDrainOnceEmptyOutbox(t *testing.T) {
	st := &fakeOutboxStore{}
	pub := &fakePublisher{}
	require.NoError(t, testRelay(st, pub).DrainOnce(context.Background()))
	assert.Empty(t, pub.published)
}
