// Package risk computes the bounded risk score and discrete action that gate
// every scheduling cycle, derives cooldown tiers, and flags statistical
// anomalies against trailing history.
package risk

import "time"

// Action is the discrete admission decision for a cycle.
type Action string

const (
	ActionNormal      Action = "NORMAL"
	ActionLowActivity Action = "LOW_ACTIVITY"
	ActionWarn        Action = "WARN"
	ActionStop        Action = "STOP"
)

// Inputs are the rolling operational ratios and counts for the current day.
type Inputs struct {
	ErrorRate           float64
	SelectorFailureRate float64
	PendingRatio        float64
	ChallengeCount      int
	InviteVelocityRatio float64
	// ActionsToday is total invites+messages, used for the LOW_ACTIVITY floor.
	ActionsToday int
}

// Thresholds are the operator-tuned decision boundaries.
type Thresholds struct {
	Warn        float64
	Stop        float64
	PendingWarn float64
	PendingStop float64
	// LowActivityFloor is the daily action volume below which the engine
	// reports LOW_ACTIVITY instead of NORMAL.
	LowActivityFloor int

	CooldownHighScore   float64
	CooldownHighPending float64
	CooldownWarnPause   time.Duration
	CooldownHighPause   time.Duration
}

// Snapshot is the per-cycle risk evaluation. Derived, never persisted.
type Snapshot struct {
	Score               float64 `json:"score"`
	PendingRatio        float64 `json:"pending_ratio"`
	ErrorRate           float64 `json:"error_rate"`
	SelectorFailureRate float64 `json:"selector_failure_rate"`
	ChallengeCount      int     `json:"challenge_count"`
	InviteVelocityRatio float64 `json:"invite_velocity_ratio"`
	Action              Action  `json:"action"`
}

// EvaluateRisk scores the inputs and selects the action. The selection is a
// priority cascade: STOP is checked first, then WARN, then the activity
// floor.
func EvaluateRisk(in Inputs, th Thresholds) Snapshot {
	challengePenalty := 20 * float64(in.ChallengeCount)
	if challengePenalty > 30 {
		challengePenalty = 30
	}
	score := 40*in.ErrorRate +
		20*in.SelectorFailureRate +
		25*in.PendingRatio +
		challengePenalty +
		15*in.InviteVelocityRatio
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	var action Action
	switch {
	case score >= th.Stop || in.PendingRatio >= th.PendingStop || in.ChallengeCount > 0:
		action = ActionStop
	case score >= th.Warn || in.PendingRatio >= th.PendingWarn:
		action = ActionWarn
	case th.LowActivityFloor > 0 && in.ActionsToday < th.LowActivityFloor:
		action = ActionLowActivity
	default:
		action = ActionNormal
	}

	return Snapshot{
		Score:               score,
		PendingRatio:        in.PendingRatio,
		ErrorRate:           in.ErrorRate,
		SelectorFailureRate: in.SelectorFailureRate,
		ChallengeCount:      in.ChallengeCount,
		InviteVelocityRatio: in.InviteVelocityRatio,
		Action:              action,
	}
}

// CalculateDynamicBudget derives the remaining allowance from the soft and
// hard caps, already-consumed volume, and the current action: WARN halves the
// soft cap, STOP zeroes it, and the hard cap is an absolute ceiling.
func CalculateDynamicBudget(softCap, hardCap, consumed int, action Action) int {
	if consumed >= hardCap {
		return 0
	}
	budget := softCap
	switch action {
	case ActionWarn:
		budget = softCap / 2
	case ActionStop:
		return 0
	}
	if budget > hardCap {
		budget = hardCap
	}
	budget -= consumed
	if budget < 0 {
		budget = 0
	}
	return budget
}

// CalculateAccountWarmupMultiplier ramps linearly from 0.10 at age zero to
// 1.00 at maxDays, saturating afterwards. New accounts never run full volume
// immediately.
func CalculateAccountWarmupMultiplier(ageDays, maxDays int) float64 {
	if maxDays <= 0 || ageDays >= maxDays {
		return 1.0
	}
	if ageDays < 0 {
		ageDays = 0
	}
	return 0.10 + 0.90*float64(ageDays)/float64(maxDays)
}

// CooldownDecision says whether to arm a timed scheduling pause and at which
// tier.
type CooldownDecision struct {
	Pause    bool
	Tier     string // "warn" or "high"
	Duration time.Duration
}

// EvaluateCooldownDecision arms a cooldown only under WARN: the high tier
// when score or pending ratio cross the higher thresholds, otherwise the warn
// tier. STOP is handled by quarantine, not cooldown; NORMAL never pauses.
func EvaluateCooldownDecision(s Snapshot, th Thresholds) CooldownDecision {
	if s.Action != ActionWarn {
		return CooldownDecision{}
	}
	if s.Score >= th.CooldownHighScore || s.PendingRatio >= th.CooldownHighPending {
		return CooldownDecision{Pause: true, Tier: "high", Duration: th.CooldownHighPause}
	}
	return CooldownDecision{Pause: true, Tier: "warn", Duration: th.CooldownWarnPause}
}
