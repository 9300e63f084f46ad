package risk

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chriswu/outreach-scheduler/internal/models"
)

type fakeRiskStore struct {
	today    models.DailyStat
	history  []models.DailyStat
	statuses map[models.LeadStatus]int
	events   []string // topic/key
	pausedAt *time.Time
}

func (f *fakeRiskStore) TodayStat(context.Context) (models.DailyStat, error) {
	return f.today, nil
}

func (f *fakeRiskStore) TrailingDailyStats(context.Context, int) ([]models.DailyStat, error) {
	return f.history, nil
}

func (f *fakeRiskStore) LeadStatusCounts(context.Context) (map[models.LeadStatus]int, error) {
	return f.statuses, nil
}

func (f *fakeRiskStore) PublishEvent(_ context.Context, topic, key string, _ []byte, _ string) error {
	f.events = append(f.events, topic+"/"+key)
	return nil
}

func (f *fakeRiskStore) SetPause(_ context.Context, until time.Time, _ string) error {
	f.pausedAt = &until
	return nil
}

func newRiskService(fs *fakeRiskStore) *Service {
	return NewService(fs, testThresholds(), 3, 14, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEvaluateBuildsRatiosFromStore(t *testing.T) {
	fs := &fakeRiskStore{
		today: models.DailyStat{InvitesSent: 18, MessagesSent: 2, RunErrors: 5},
		statuses: map[models.LeadStatus]int{
			models.LeadInvited:  4,
			models.LeadAccepted: 4,
			models.LeadReplied:  2,
		},
	}

	snapshot, anomalies, err := newRiskService(fs).Evaluate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, anomalies)

	// errorRate = 5 / (20 + 5); pending = 4 / (4 + 6).
	assert.InDelta(t, 0.2, snapshot.ErrorRate, 0.001)
	assert.InDelta(t, 0.4, snapshot.PendingRatio, 0.001)
	assert.Equal(t, ActionNormal, snapshot.Action)
}

func TestEvaluateZeroActivityDay(t *testing.T) {
	fs := &fakeRiskStore{}

	snapshot, _, err := newRiskService(fs).Evaluate(context.Background())
	require.NoError(t, err)
	// No traffic yields no error signal, only the activity floor.
	assert.Zero(t, snapshot.Score)
	assert.Equal(t, ActionLowActivity, snapshot.Action)
}

func TestEvaluatePublishesActionChangeOnce(t *testing.T) {
	fs := &fakeRiskStore{today: models.DailyStat{InvitesSent: 20}}
	svc := newRiskService(fs)

	_, _, err := svc.Evaluate(context.Background())
	require.NoError(t, err)
	first := len(fs.events)
	assert.Equal(t, 1, first, "initial action counts as a change")

	_, _, err = svc.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, len(fs.events), "steady action must not re-publish")

	fs.today.ChallengesCount = 1
	_, _, err = svc.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first+1, len(fs.events))
	assert.Contains(t, fs.events[len(fs.events)-1], TopicRisk+"/action_change")
}

func TestEvaluatePublishesAnomalies(t *testing.T) {
	history := make([]models.DailyStat, 5)
	for i := range history {
		history[i] = models.DailyStat{InvitesSent: 20, RunErrors: 1}
	}
	fs := &fakeRiskStore{
		today:   models.DailyStat{InvitesSent: 20, RunErrors: 30},
		history: history,
	}

	_, anomalies, err := newRiskService(fs).Evaluate(context.Background())
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "run_errors", anomalies[0].Metric)
	assert.Contains(t, fs.events, TopicRisk+"/anomaly")
}

func TestInspectIsReadOnly(t *testing.T) {
	history := make([]models.DailyStat, 5)
	for i := range history {
		history[i] = models.DailyStat{InvitesSent: 20, RunErrors: 1}
	}
	fs := &fakeRiskStore{
		today:    models.DailyStat{InvitesSent: 20, RunErrors: 30, ChallengesCount: 1},
		history:  history,
		statuses: map[models.LeadStatus]int{models.LeadInvited: 9, models.LeadAccepted: 1},
	}
	svc := newRiskService(fs)

	snapshot, anomalies, err := svc.Inspect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionStop, snapshot.Action)
	require.NotEmpty(t, anomalies)
	assert.Empty(t, fs.events, "a read must not write to the outbox")
	assert.Nil(t, fs.pausedAt)

	// The edge detector is untouched: the next Evaluate still sees the
	// action change and publishes it.
	_, _, err = svc.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Contains(t, fs.events, TopicRisk+"/action_change")
}

func TestMaybeCooldownArmsPause(t *testing.T) {
	fs := &fakeRiskStore{}
	svc := newRiskService(fs)

	decision, err := svc.MaybeCooldown(context.Background(), Snapshot{Action: ActionWarn, Score: 55})
	require.NoError(t, err)
	assert.True(t, decision.Pause)
	require.NotNil(t, fs.pausedAt)
	assert.WithinDuration(t, time.Now().UTC().Add(2*time.Hour), *fs.pausedAt, time.Minute)
	assert.Contains(t, fs.events, TopicRisk+"/cooldown")
}

func TestMaybeCooldownNoopOutsideWarn(t *testing.T) {
	fs := &fakeRiskStore{}
	svc := newRiskService(fs)

	decision, err := svc.MaybeCooldown(context.Background(), Snapshot{Action: ActionNormal})
	require.NoError(t, err)
	assert.False(t, decision.Pause)
	assert.Nil(t, fs.pausedAt)
}
