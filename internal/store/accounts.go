package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/chriswu/outreach-scheduler/internal/models"
)

// ActiveAccounts lists accounts eligible for scheduling.
func (s *Store) ActiveAccounts(ctx context.Context) ([]models.AccountConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT account_id, active, invite_soft_cap, invite_hard_cap, message_soft_cap, message_hard_cap,
		       weekly_invite_cap, warmup_max_days, ssi_score, hour_intensity, created_at, activated_at
		FROM account_configs WHERE active ORDER BY account_id
	`)
	if err != nil {
		return nil, fmt.Errorf("active accounts: %w", err)
	}
	defer rows.Close()

	var out []models.AccountConfig
	for rows.Next() {
		var a models.AccountConfig
		var intensity []byte
		var activatedAt pgtype.Timestamptz
		if err := rows.Scan(&a.AccountID, &a.Active, &a.InviteSoftCap, &a.InviteHardCap,
			&a.MessageSoftCap, &a.MessageHardCap, &a.WeeklyInviteCap, &a.WarmupMaxDays,
			&a.SSIScore, &intensity, &a.CreatedAt, &activatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		if activatedAt.Valid {
			a.ActivatedAt = &activatedAt.Time
		}
		if len(intensity) > 0 {
			if err := json.Unmarshal(intensity, &a.HourIntensity); err != nil {
				return nil, fmt.Errorf("unmarshal hour intensity for %s: %w", a.AccountID, err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ActiveLists returns campaign lists ordered by priority (lower first).
func (s *Store) ActiveLists(ctx context.Context) ([]models.CampaignList, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, priority, daily_cap, active FROM campaign_lists
		WHERE active ORDER BY priority ASC, name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("active lists: %w", err)
	}
	defer rows.Close()

	var out []models.CampaignList
	for rows.Next() {
		var l models.CampaignList
		if err := rows.Scan(&l.Name, &l.Priority, &l.DailyCap, &l.Active); err != nil {
			return nil, fmt.Errorf("scan list: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
