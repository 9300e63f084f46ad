package models

import "time"

// AccountConfig is the operator-tuned budget configuration for one platform
// account. Caps are daily unless noted; the SSI-derived cap mapping lives in
// operator configuration, not code.
type AccountConfig struct {
	AccountID       string     `json:"account_id"`
	Active          bool       `json:"active"`
	InviteSoftCap   int        `json:"invite_soft_cap"`
	InviteHardCap   int        `json:"invite_hard_cap"`
	MessageSoftCap  int        `json:"message_soft_cap"`
	MessageHardCap  int        `json:"message_hard_cap"`
	WeeklyInviteCap int        `json:"weekly_invite_cap"`
	WarmupMaxDays   int        `json:"warmup_max_days"`
	SSIScore        float64    `json:"ssi_score"`
	HourIntensity   []float64  `json:"hour_intensity"` // 24 weights in [0,1]; nil means flat 1.0
	CreatedAt       time.Time  `json:"created_at"`
	ActivatedAt     *time.Time `json:"activated_at,omitempty"`
}

// AgeDays reports how long the account has been active, for the warmup ramp.
func (a AccountConfig) AgeDays(now time.Time) int {
	start := a.CreatedAt
	if a.ActivatedAt != nil {
		start = *a.ActivatedAt
	}
	d := int(now.Sub(start).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// IntensityAt returns the hour-of-day weight, defaulting to 1.0 when the
// account has no configured curve.
func (a AccountConfig) IntensityAt(hour int) float64 {
	if len(a.HourIntensity) != 24 || hour < 0 || hour > 23 {
		return 1.0
	}
	w := a.HourIntensity[hour]
	if w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}

// CampaignList is one configured outreach list.
type CampaignList struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"` // lower runs first
	DailyCap int    `json:"daily_cap"` // 0 means uncapped
	Active   bool   `json:"active"`
}

// DailyStat is the per-day operational counter row feeding both the risk
// engine and the allocator. A new row per date gives the implicit rollover.
type DailyStat struct {
	Date             time.Time `json:"date"`
	InvitesSent      int       `json:"invites_sent"`
	MessagesSent     int       `json:"messages_sent"`
	RunErrors        int       `json:"run_errors"`
	SelectorFailures int       `json:"selector_failures"`
	ChallengesCount  int       `json:"challenges_count"`
}

// ListStat is the per-day, per-list variant of DailyStat.
type ListStat struct {
	Date         time.Time `json:"date"`
	ListName     string    `json:"list_name"`
	InvitesSent  int       `json:"invites_sent"`
	MessagesSent int       `json:"messages_sent"`
	RunErrors    int       `json:"run_errors"`
}

// ControlState is the single-row pause/quarantine flag set checked by every
// scheduling pass and at worker safe points.
type ControlState struct {
	PausedUntil *time.Time `json:"paused_until,omitempty"`
	PauseReason string     `json:"pause_reason,omitempty"`
	Quarantined bool       `json:"quarantined"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Paused reports whether a pause window is currently in effect.
func (c ControlState) Paused(now time.Time) bool {
	return c.PausedUntil != nil && now.Before(*c.PausedUntil)
}
