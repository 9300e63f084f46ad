package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/chriswu/outreach-scheduler/internal/models"
)

const leadColumns = `id, list_name, account_id, profile_url, full_name, status, invited_at, replied_at, created_at, updated_at`

func scanLead(row pgx.Row) (models.Lead, error) {
	var l models.Lead
	var invitedAt, repliedAt pgtype.Timestamptz
	if err := row.Scan(&l.ID, &l.ListName, &l.AccountID, &l.ProfileURL, &l.FullName, &l.Status,
		&invitedAt, &repliedAt, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return models.Lead{}, err
	}
	if invitedAt.Valid {
		l.InvitedAt = &invitedAt.Time
	}
	if repliedAt.Valid {
		l.RepliedAt = &repliedAt.Time
	}
	return l, nil
}

// LeadByID fetches a lead row.
func (s *Store) LeadByID(ctx context.Context, id string) (models.Lead, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id)
	l, err := scanLead(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Lead{}, fmt.Errorf("lead %s not found: %w", id, err)
		}
		return models.Lead{}, fmt.Errorf("scan lead: %w", err)
	}
	return l, nil
}

// CandidateLeads returns up to limit leads of a list in any of the given
// statuses, oldest first. Callers pass the PENDING alias alongside
// READY_INVITE where the legacy rows matter.
func (s *Store) CandidateLeads(ctx context.Context, listName string, statuses []models.LeadStatus, limit int) ([]models.Lead, error) {
	ss := make([]string, 0, len(statuses))
	for _, st := range statuses {
		ss = append(ss, string(st))
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+leadColumns+` FROM leads
		WHERE list_name = $1 AND status = ANY($2)
		ORDER BY created_at ASC LIMIT $3
	`, listName, ss, limit)
	if err != nil {
		return nil, fmt.Errorf("candidate leads: %w", err)
	}
	defer rows.Close()

	var out []models.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// AgedInvitedLeads returns invited leads whose invite is older than the given
// number of days, used by hygiene withdrawals.
func (s *Store) AgedInvitedLeads(ctx context.Context, accountID string, olderThanDays, limit int) ([]models.Lead, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+leadColumns+` FROM leads
		WHERE account_id = $1 AND status = $2 AND invited_at < NOW() - ($3 || ' days')::interval
		ORDER BY invited_at ASC LIMIT $4
	`, accountID, models.LeadInvited, olderThanDays, limit)
	if err != nil {
		return nil, fmt.Errorf("aged invited leads: %w", err)
	}
	defer rows.Close()

	var out []models.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("scan aged lead: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// LeadStatusCounts counts all leads by status across every list.
func (s *Store) LeadStatusCounts(ctx context.Context) (map[models.LeadStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM leads GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("lead status counts: %w", err)
	}
	defer rows.Close()

	out := make(map[models.LeadStatus]int)
	for rows.Next() {
		var st models.LeadStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan lead status count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// ListStatusBreakdown counts leads of a list by status.
func (s *Store) ListStatusBreakdown(ctx context.Context, listName string) (map[models.LeadStatus]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM leads WHERE list_name = $1 GROUP BY status
	`, listName)
	if err != nil {
		return nil, fmt.Errorf("list breakdown: %w", err)
	}
	defer rows.Close()

	out := make(map[models.LeadStatus]int)
	for rows.Next() {
		var st models.LeadStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan breakdown: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// LeadTransitionParams is one validated status change to apply.
type LeadTransitionParams struct {
	LeadID     string
	From       models.LeadStatus
	To         models.LeadStatus
	Reason     string
	Metadata   map[string]any
	Reconciled bool
	// EventTopic/EventKey address the outbox notification published with
	// the transition.
	EventTopic string
	EventKey   string
}

// ErrLeadStatusChanged reports that the lead moved out of the expected status
// before the transition was applied. Callers treat it as contention.
var ErrLeadStatusChanged = errors.New("lead status changed concurrently")

// ApplyLeadTransition updates the lead row, appends the audit event, and
// inserts the outbox notification in one transaction. The conditional UPDATE
// on the from-status is the optimistic concurrency check.
func (s *Store) ApplyLeadTransition(ctx context.Context, p LeadTransitionParams) error {
	metaJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal transition metadata: %w", err)
	}
	if p.Metadata == nil {
		metaJSON = []byte("{}")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()

	set := `status = $2, updated_at = NOW()`
	if p.To == models.LeadInvited {
		set += `, invited_at = NOW()`
	}
	if p.To == models.LeadReplied {
		set += `, replied_at = NOW()`
	}
	tag, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE leads SET %s WHERE id = $1 AND status = $3
	`, set), p.LeadID, p.To, p.From)
	if err != nil {
		return fmt.Errorf("update lead status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lead %s not in %s: %w", p.LeadID, p.From, ErrLeadStatusChanged)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO lead_events (lead_id, from_status, to_status, reason, metadata, reconciled, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.LeadID, p.From, p.To, p.Reason, metaJSON, p.Reconciled, now); err != nil {
		return fmt.Errorf("insert lead event: %w", err)
	}

	if p.EventTopic != "" {
		eventPayload, err := json.Marshal(map[string]any{
			"lead_id":    p.LeadID,
			"from":       p.From,
			"to":         p.To,
			"reason":     p.Reason,
			"reconciled": p.Reconciled,
			"at":         now,
		})
		if err != nil {
			return fmt.Errorf("marshal outbox payload: %w", err)
		}
		idemKey := fmt.Sprintf("%s:%s:%s->%s:%d", p.EventTopic, p.LeadID, p.From, p.To, now.UnixMilli())
		if err := insertOutboxEvent(ctx, tx, p.EventTopic, p.EventKey, eventPayload, idemKey); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LeadEvents returns the audit trail for one lead, oldest first.
func (s *Store) LeadEvents(ctx context.Context, leadID string) ([]models.LeadEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, lead_id, from_status, to_status, reason, metadata, reconciled, at
		FROM lead_events WHERE lead_id = $1 ORDER BY at ASC, id ASC
	`, leadID)
	if err != nil {
		return nil, fmt.Errorf("lead events: %w", err)
	}
	defer rows.Close()

	var out []models.LeadEvent
	for rows.Next() {
		var ev models.LeadEvent
		var metaJSON []byte
		if err := rows.Scan(&ev.ID, &ev.LeadID, &ev.From, &ev.To, &ev.Reason, &metaJSON, &ev.Reconciled, &ev.At); err != nil {
			return nil, fmt.Errorf("scan lead event: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal event metadata: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
