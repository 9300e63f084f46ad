package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chriswu/outreach-scheduler/internal/models"
	"github.com/chriswu/outreach-scheduler/internal/store"
)

var allStatuses = []models.LeadStatus{
	models.LeadNew, models.LeadReadyInvite, models.LeadInvited,
	models.LeadAccepted, models.LeadConnected, models.LeadReadyMessage,
	models.LeadMessaged, models.LeadReplied, models.LeadSkipped,
	models.LeadBlocked, models.LeadDead, models.LeadReviewRequired,
	models.LeadWithdrawn,
}

func TestTransitionGraphClosure(t *testing.T) {
	valid := map[[2]models.LeadStatus]bool{}
	for from, tos := range transitions {
		for _, to := range tos {
			valid[[2]models.LeadStatus{from, to}] = true
		}
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			got := IsValidTransition(from, to)
			want := valid[[2]models.LeadStatus{from, to}]
			assert.Equal(t, want, got, "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatusesHaveNoEdges(t *testing.T) {
	for _, s := range []models.LeadStatus{models.LeadReplied, models.LeadSkipped, models.LeadBlocked, models.LeadDead} {
		assert.Empty(t, transitions[s], "%s must be terminal", s)
	}
}

func TestInvitedCannotSkipToMessaged(t *testing.T) {
	assert.False(t, IsValidTransition(models.LeadInvited, models.LeadMessaged))
	assert.False(t, IsValidTransition(models.LeadInvited, models.LeadReadyMessage))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, models.LeadReadyInvite, Normalize(models.LeadPending))
	assert.Equal(t, models.LeadInvited, Normalize(models.LeadInvited))

	// The alias participates in the graph exactly like its canonical form.
	assert.True(t, IsValidTransition(models.LeadPending, models.LeadInvited))
	assert.True(t, IsValidTransition(models.LeadNew, models.LeadPending))
}

type fakeStore struct {
	lead    models.Lead
	applied []store.LeadTransitionParams
}

func (f *fakeStore) LeadByID(_ context.Context, id string) (models.Lead, error) {
	lead := f.lead
	lead.ID = id
	return lead, nil
}

func (f *fakeStore) ApplyLeadTransition(_ context.Context, p store.LeadTransitionParams) error {
	f.applied = append(f.applied, p)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTransitionAppliesValidEdge(t *testing.T) {
	fs := &fakeStore{lead: models.Lead{Status: models.LeadReadyInvite}}
	svc := NewService(fs, testLogger())

	err := svc.Transition(context.Background(), "lead-1", models.LeadInvited, "invite_sent", nil)
	require.NoError(t, err)
	require.Len(t, fs.applied, 1)

	p := fs.applied[0]
	assert.Equal(t, models.LeadReadyInvite, p.From)
	assert.Equal(t, models.LeadInvited, p.To)
	assert.Equal(t, "invite_sent", p.Reason)
	assert.Equal(t, TopicLifecycle, p.EventTopic)
	assert.False(t, p.Reconciled)
}

func TestTransitionRejectsInvalidEdge(t *testing.T) {
	fs := &fakeStore{lead: models.Lead{Status: models.LeadInvited}}
	svc := NewService(fs, testLogger())

	err := svc.Transition(context.Background(), "lead-1", models.LeadMessaged, "nope", nil)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Empty(t, fs.applied)
}

func TestTransitionNormalizesLegacyAlias(t *testing.T) {
	fs := &fakeStore{lead: models.Lead{Status: models.LeadPending}}
	svc := NewService(fs, testLogger())

	err := svc.Transition(context.Background(), "lead-1", models.LeadInvited, "invite_sent", nil)
	require.NoError(t, err)
	require.Len(t, fs.applied, 1)
	// The conditional update must match the stored alias, not the canonical form.
	assert.Equal(t, models.LeadPending, fs.applied[0].From)
}

func TestReconcileBypassesValidation(t *testing.T) {
	fs := &fakeStore{lead: models.Lead{Status: models.LeadInvited}}
	svc := NewService(fs, testLogger())

	err := svc.Reconcile(context.Background(), "lead-1", models.LeadMessaged, "observed_on_platform", nil)
	require.NoError(t, err)
	require.Len(t, fs.applied, 1)
	assert.True(t, fs.applied[0].Reconciled)
	assert.Equal(t, models.LeadMessaged, fs.applied[0].To)
}
