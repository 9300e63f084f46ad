// Package automation defines the interface boundary to the browser
// automation layer that performs on-platform actions. The control plane only
// depends on these contracts; the real implementation lives outside this
// module.
package automation

import (
	"context"
	"errors"

	"github.com/chriswu/outreach-scheduler/internal/models"
)

// Sentinel failures the worker classifies for risk accounting.
var (
	// ErrSelectorNotFound means the page no longer matches the automation's
	// expectations. Feeds the selector-failure rate.
	ErrSelectorNotFound = errors.New("selector not found")
	// ErrChallengeDetected means the platform presented a verification
	// challenge. Triggers quarantine, not a retry.
	ErrChallengeDetected = errors.New("platform challenge detected")
)

// AcceptanceResult reports what the platform shows for an invited lead.
type AcceptanceResult struct {
	Accepted  bool `json:"accepted"`
	Connected bool `json:"connected"`
	// Withdrawn is set when the platform shows the invite no longer pending
	// for a reason other than acceptance.
	Withdrawn bool `json:"withdrawn"`
}

// HygieneResult reports maintenance work performed for an account.
type HygieneResult struct {
	WithdrawnLeadIDs []string `json:"withdrawn_lead_ids"`
}

// Actor executes UI actions for one platform account.
type Actor interface {
	CheckLogin(ctx context.Context, accountID string) (bool, error)
	RunCanary(ctx context.Context, accountID string) error
	DetectChallenge(ctx context.Context, accountID string) (bool, error)

	SendInvite(ctx context.Context, accountID string, p models.InvitePayload) error
	CheckAcceptance(ctx context.Context, accountID string, p models.AcceptanceCheckPayload) (AcceptanceResult, error)
	SendMessage(ctx context.Context, accountID string, p models.MessagePayload) error
	RunHygiene(ctx context.Context, accountID string, p models.HygienePayload) (HygieneResult, error)
}
