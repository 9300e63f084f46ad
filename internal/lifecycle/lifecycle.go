// Package lifecycle enforces the lead status transition graph. Every
// mutation must be a permitted edge, paired with an immutable audit event and
// an outbox notification in the same transaction.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chriswu/outreach-scheduler/internal/models"
	"github.com/chriswu/outreach-scheduler/internal/store"
)

// TopicLifecycle carries transition notifications through the outbox.
const TopicLifecycle = "outreach.lifecycle"

// ErrInvalidTransition is a data-integrity error, distinct from business
// failures; it is never silently coerced to a valid state.
var ErrInvalidTransition = errors.New("invalid lead status transition")

// transitions is the directed edge set. REPLIED, SKIPPED, BLOCKED, and DEAD
// are terminal.
var transitions = map[models.LeadStatus][]models.LeadStatus{
	models.LeadNew:          {models.LeadReadyInvite, models.LeadBlocked, models.LeadReviewRequired, models.LeadDead},
	models.LeadReadyInvite:  {models.LeadInvited, models.LeadSkipped, models.LeadBlocked, models.LeadReviewRequired, models.LeadDead},
	models.LeadInvited:      {models.LeadAccepted, models.LeadConnected, models.LeadBlocked, models.LeadReviewRequired, models.LeadWithdrawn, models.LeadDead},
	models.LeadAccepted:     {models.LeadReadyMessage, models.LeadConnected, models.LeadBlocked, models.LeadReviewRequired, models.LeadDead},
	models.LeadConnected:    {models.LeadReadyMessage, models.LeadBlocked, models.LeadReviewRequired, models.LeadDead},
	models.LeadReadyMessage: {models.LeadMessaged, models.LeadBlocked, models.LeadReviewRequired, models.LeadDead},
	models.LeadMessaged:     {models.LeadReplied, models.LeadReviewRequired},
	models.LeadReviewRequired: {
		models.LeadReadyInvite, models.LeadReadyMessage, models.LeadInvited,
		models.LeadBlocked, models.LeadDead, models.LeadWithdrawn,
	},
	models.LeadWithdrawn: {models.LeadReadyInvite, models.LeadDead},
}

// Normalize maps the legacy PENDING alias onto READY_INVITE. Compatibility
// shim applied at every read boundary.
func Normalize(s models.LeadStatus) models.LeadStatus {
	if s == models.LeadPending {
		return models.LeadReadyInvite
	}
	return s
}

// IsValidTransition reports whether from→to is a permitted edge. Both sides
// are normalized first.
func IsValidTransition(from, to models.LeadStatus) bool {
	from = Normalize(from)
	to = Normalize(to)
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Store is the persistence surface the service needs.
type Store interface {
	LeadByID(ctx context.Context, id string) (models.Lead, error)
	ApplyLeadTransition(ctx context.Context, p store.LeadTransitionParams) error
}

// Service applies validated transitions and privileged reconciliations.
type Service struct {
	store  Store
	logger *slog.Logger
}

func NewService(st Store, logger *slog.Logger) *Service {
	return &Service{store: st, logger: logger.With(slog.String("component", "lifecycle"))}
}

// Transition validates the edge and applies the change with its audit event
// and notification. An invalid edge fails explicitly.
func (s *Service) Transition(ctx context.Context, leadID string, to models.LeadStatus, reason string, metadata map[string]any) error {
	lead, err := s.store.LeadByID(ctx, leadID)
	if err != nil {
		return err
	}
	from := Normalize(lead.Status)
	to = Normalize(to)

	if !IsValidTransition(from, to) {
		return fmt.Errorf("lead %s: %s -> %s: %w", leadID, from, to, ErrInvalidTransition)
	}

	if err := s.store.ApplyLeadTransition(ctx, store.LeadTransitionParams{
		LeadID:     leadID,
		From:       lead.Status, // conditional update matches the stored value, alias included
		To:         to,
		Reason:     reason,
		Metadata:   metadata,
		EventTopic: TopicLifecycle,
		EventKey:   leadID,
	}); err != nil {
		return err
	}

	s.logger.Info("lead transition",
		slog.String("lead_id", leadID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", reason),
	)
	return nil
}

// Reconcile is the privileged bypass used when external observation
// contradicts internal state. It skips edge validation but still records the
// audit trail, tagged as a reconciliation. Reserved for the observation
// collaborator, not generic business logic.
func (s *Service) Reconcile(ctx context.Context, leadID string, to models.LeadStatus, reason string, metadata map[string]any) error {
	lead, err := s.store.LeadByID(ctx, leadID)
	if err != nil {
		return err
	}
	to = Normalize(to)

	if err := s.store.ApplyLeadTransition(ctx, store.LeadTransitionParams{
		LeadID:     leadID,
		From:       lead.Status,
		To:         to,
		Reason:     reason,
		Metadata:   metadata,
		Reconciled: true,
		EventTopic: TopicLifecycle,
		EventKey:   leadID,
	}); err != nil {
		return err
	}

	s.logger.Warn("lead reconciled",
		slog.String("lead_id", leadID),
		slog.String("from", string(lead.Status)),
		slog.String("to", string(to)),
		slog.String("reason", reason),
	)
	return nil
}
