package automation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chriswu/outreach-scheduler/internal/breaker"
	"github.com/chriswu/outreach-scheduler/internal/models"
)

func sidecar(t *testing.T, handler http.HandlerFunc) *HTTPActor {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPActor(srv.URL)
}

func TestHTTPActorSendInvite(t *testing.T) {
	var gotPath string
	actor := sidecar(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	err := actor.SendInvite(context.Background(), "acct-1", models.InvitePayload{LeadID: "l1"})
	require.NoError(t, err)
	assert.Equal(t, "/accounts/acct-1/invite", gotPath)
}

func TestHTTPActorMapsSelectorFailure(t *testing.T) {
	actor := sidecar(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"code":"selector_not_found","error":"invite button missing"}`))
	})

	err := actor.SendInvite(context.Background(), "acct-1", models.InvitePayload{LeadID: "l1"})
	require.ErrorIs(t, err, ErrSelectorNotFound)
	assert.Contains(t, err.Error(), "invite button missing")
}

func TestHTTPActorMapsChallenge(t *testing.T) {
	actor := sidecar(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"code":"challenge","error":"verification wall"}`))
	})

	err := actor.SendInvite(context.Background(), "acct-1", models.InvitePayload{LeadID: "l1"})
	require.ErrorIs(t, err, ErrChallengeDetected)
}

func TestHTTPActorStatusError(t *testing.T) {
	actor := sidecar(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	err := actor.RunCanary(context.Background(), "acct-1")
	var se *breaker.HTTPStatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.Status)
}

func TestHTTPActorCheckAcceptance(t *testing.T) {
	actor := sidecar(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true,"data":{"accepted":true,"connected":true}}`))
	})

	result, err := actor.CheckAcceptance(context.Background(), "acct-1", models.AcceptanceCheckPayload{LeadID: "l1"})
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.True(t, result.Connected)
	assert.False(t, result.Withdrawn)
}

func TestHTTPActorCheckLogin(t *testing.T) {
	actor := sidecar(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte(`{"ok":true,"data":{"logged_in":true}}`))
	})

	loggedIn, err := actor.CheckLogin(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.True(t, loggedIn)
}
