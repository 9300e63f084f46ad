package queue

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chriswu/outreach-scheduler/internal/models"
	"github.com/chriswu/outreach-scheduler/internal/store"
)

type fakeJobStore struct {
	jobs      map[string]models.Job // idempotency key -> job
	claimable []models.Job
	marks     []string
	recovered int
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: map[string]models.Job{}}
}

func (f *fakeJobStore) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, bool, error) {
	if existing, ok := f.jobs[p.IdempotencyKey]; ok {
		return existing, false, nil
	}
	job := models.Job{
		ID:             uuid.NewString(),
		Type:           p.Type,
		Status:         models.JobQueued,
		AccountID:      p.AccountID,
		IdempotencyKey: p.IdempotencyKey,
		Priority:       p.Priority,
		MaxAttempts:    p.MaxAttempts,
		NextRunAt:      p.RunAt,
	}
	f.jobs[p.IdempotencyKey] = job
	return job, true, nil
}

func (f *fakeJobStore) ClaimNextJob(_ context.Context, _ []models.JobType, _ string) (models.Job, bool, error) {
	if len(f.claimable) == 0 {
		return models.Job{}, false, nil
	}
	job := f.claimable[0]
	f.claimable = f.claimable[1:]
	return job, true, nil
}

func (f *fakeJobStore) MarkJobSucceeded(_ context.Context, id string) error {
	f.marks = append(f.marks, "succeeded:"+id)
	return nil
}

func (f *fakeJobStore) MarkJobRetry(_ context.Context, id string, attempts int, _ time.Time, _ string) error {
	f.marks = append(f.marks, "retry:"+id)
	return nil
}

func (f *fakeJobStore) MarkJobDeadLetter(_ context.Context, id string, _ int, _ string) error {
	f.marks = append(f.marks, "dead_letter:"+id)
	return nil
}

func (f *fakeJobStore) RecoverStuckJobs(context.Context, time.Duration) (int, error) {
	return f.recovered, nil
}

func (f *fakeJobStore) JobStatusCounts(context.Context) (map[string]int64, error) {
	return map[string]int64{models.JobQueued: int64(len(f.jobs))}, nil
}

func (f *fakeJobStore) ClaimableJobCount(context.Context) (int64, error) {
	return int64(len(f.claimable)), nil
}

func testQueue(fs *fakeJobStore) *Queue {
	return New(fs, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEnqueueDeduplicates(t *testing.T) {
	fs := newFakeJobStore()
	q := testQueue(fs)
	params := EnqueueParams{
		Type:           models.JobTypeInvite,
		AccountID:      "acct-1",
		Payload:        models.InvitePayload{LeadID: "l1"},
		IdempotencyKey: "invite:l1",
		MaxAttempts:    3,
	}

	created, err := q.Enqueue(context.Background(), params)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = q.Enqueue(context.Background(), params)
	require.NoError(t, err)
	assert.False(t, created, "same idempotency key must not create a second job")
	assert.Len(t, fs.jobs, 1)
}

func TestEnqueueAppliesDelay(t *testing.T) {
	fs := newFakeJobStore()
	q := testQueue(fs)

	before := time.Now().UTC()
	_, err := q.Enqueue(context.Background(), EnqueueParams{
		Type:           models.JobTypeInvite,
		IdempotencyKey: "invite:l1",
		Delay:          10 * time.Minute,
	})
	require.NoError(t, err)

	job := fs.jobs["invite:l1"]
	assert.False(t, job.NextRunAt.Before(before.Add(10*time.Minute)))
}

func TestClaimNextEmptyQueue(t *testing.T) {
	q := testQueue(newFakeJobStore())

	_, ok, err := q.ClaimNext(context.Background(), models.AllJobTypes, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkRetryOrDeadLetter(t *testing.T) {
	fs := newFakeJobStore()
	q := testQueue(fs)
	job := models.Job{ID: "j1", Type: models.JobTypeInvite, MaxAttempts: 3}

	dead, err := q.MarkRetryOrDeadLetter(context.Background(), job, 1, time.Minute, "boom")
	require.NoError(t, err)
	assert.False(t, dead)

	dead, err = q.MarkRetryOrDeadLetter(context.Background(), job, 3, time.Minute, "boom")
	require.NoError(t, err)
	assert.True(t, dead, "exhausted attempts must dead-letter")

	assert.Equal(t, []string{"retry:j1", "dead_letter:j1"}, fs.marks)
}
