package scheduler

import (
	"math"

	"github.com/chriswu/outreach-scheduler/internal/models"
	"github.com/chriswu/outreach-scheduler/internal/risk"
)

// ScaleByIntensity applies the hour-of-day weight to a budget. A positive
// budget never silently rounds down to zero: the floor is 1.
func ScaleByIntensity(budget int, intensity float64) int {
	if budget <= 0 {
		return 0
	}
	scaled := int(math.Floor(float64(budget) * intensity))
	if scaled < 1 {
		return 1
	}
	return scaled
}

// FactorThresholds bound the per-list adaptive reductions.
type FactorThresholds struct {
	PendingWarn float64
	PendingStop float64
	BlockedWarn float64
}

// AdaptiveFactor derives the per-list multiplier from the global action and
// the list's own status distribution. Multiple reductions may co-occur; the
// minimum (most conservative) factor wins and every triggering reason is
// recorded, not just the binding one.
func AdaptiveFactor(action risk.Action, pendingRatio, blockedRatio float64, th FactorThresholds) (float64, []string) {
	factor := 1.0
	var reasons []string

	apply := func(f float64, reason string) {
		reasons = append(reasons, reason)
		if f < factor {
			factor = f
		}
	}

	switch action {
	case risk.ActionStop:
		apply(0, "risk_stop")
	case risk.ActionWarn:
		apply(0.5, "risk_warn")
	case risk.ActionLowActivity:
		apply(0.7, "low_activity")
	}

	if th.PendingStop > 0 && pendingRatio >= th.PendingStop {
		apply(0, "pending_stop")
	} else if th.PendingWarn > 0 && pendingRatio >= th.PendingWarn {
		apply(0.5, "pending_warn")
	}

	if th.BlockedWarn > 0 && blockedRatio >= th.BlockedWarn {
		apply(0.6, "blocked_warn")
	}

	return factor, reasons
}

// PendingRatioOf computes invited ÷ (invited + resolved) for one list's
// status breakdown. No history means no signal: a zero denominator yields 0.
func PendingRatioOf(breakdown map[models.LeadStatus]int) float64 {
	invited := breakdown[models.LeadInvited]
	resolved := breakdown[models.LeadAccepted] + breakdown[models.LeadConnected] +
		breakdown[models.LeadReadyMessage] + breakdown[models.LeadMessaged] +
		breakdown[models.LeadReplied] + breakdown[models.LeadWithdrawn]
	if invited+resolved == 0 {
		return 0
	}
	return float64(invited) / float64(invited+resolved)
}

// BlockedRatioOf computes the share of a list's leads that ended blocked or
// skipped.
func BlockedRatioOf(breakdown map[models.LeadStatus]int) float64 {
	var total int
	for _, n := range breakdown {
		total += n
	}
	if total == 0 {
		return 0
	}
	return float64(breakdown[models.LeadBlocked]+breakdown[models.LeadSkipped]) / float64(total)
}

// accountBudget composes the dynamic cap, warmup ramp, and hour intensity
// into one account's per-cycle allowance.
func accountBudget(softCap, hardCap, consumed int, warmup float64, intensity float64, action risk.Action) int {
	dyn := risk.CalculateDynamicBudget(softCap, hardCap, consumed, action)

	warm := int(math.Floor(float64(softCap)*warmup)) - consumed
	if warm < 0 {
		warm = 0
	}

	b := dyn
	if warm < b {
		b = warm
	}
	return ScaleByIntensity(b, intensity)
}
