package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testThresholds() Thresholds {
	return Thresholds{
		Warn:                50,
		Stop:                80,
		PendingWarn:         0.55,
		PendingStop:         0.75,
		LowActivityFloor:    5,
		CooldownHighScore:   65,
		CooldownHighPending: 0.65,
		CooldownWarnPause:   2 * time.Hour,
		CooldownHighPause:   6 * time.Hour,
	}
}

func TestEvaluateRiskScore(t *testing.T) {
	s := EvaluateRisk(Inputs{
		ErrorRate:           0.5,
		SelectorFailureRate: 0.25,
		PendingRatio:        0.4,
		InviteVelocityRatio: 1.0,
		ActionsToday:        100,
	}, testThresholds())

	// 40*0.5 + 20*0.25 + 25*0.4 + 15*1.0 = 50
	assert.InDelta(t, 50.0, s.Score, 0.001)
	assert.Equal(t, ActionWarn, s.Action)
}

func TestEvaluateRiskScoreClamped(t *testing.T) {
	s := EvaluateRisk(Inputs{
		ErrorRate:           1,
		SelectorFailureRate: 1,
		PendingRatio:        1,
		ChallengeCount:      5,
		InviteVelocityRatio: 3,
		ActionsToday:        10,
	}, testThresholds())
	assert.Equal(t, 100.0, s.Score)
	assert.Equal(t, ActionStop, s.Action)
}

func TestEvaluateRiskChallengePenaltyCapped(t *testing.T) {
	one := EvaluateRisk(Inputs{ChallengeCount: 2, ActionsToday: 100}, testThresholds())
	many := EvaluateRisk(Inputs{ChallengeCount: 10, ActionsToday: 100}, testThresholds())
	assert.Equal(t, 30.0, one.Score)
	assert.Equal(t, 30.0, many.Score)
}

func TestEvaluateRiskSingleChallengeForcesStop(t *testing.T) {
	s := EvaluateRisk(Inputs{ChallengeCount: 1, ActionsToday: 100}, testThresholds())
	assert.Equal(t, ActionStop, s.Action)
	assert.Less(t, s.Score, 80.0)
}

func TestEvaluateRiskCascade(t *testing.T) {
	th := testThresholds()

	stop := EvaluateRisk(Inputs{PendingRatio: 0.8, ActionsToday: 100}, th)
	assert.Equal(t, ActionStop, stop.Action)

	warn := EvaluateRisk(Inputs{PendingRatio: 0.6, ActionsToday: 100}, th)
	assert.Equal(t, ActionWarn, warn.Action)

	low := EvaluateRisk(Inputs{ActionsToday: 3}, th)
	assert.Equal(t, ActionLowActivity, low.Action)

	normal := EvaluateRisk(Inputs{ActionsToday: 100}, th)
	assert.Equal(t, ActionNormal, normal.Action)
}

func TestEvaluateRiskLowActivityNeverMasksWarn(t *testing.T) {
	// Quiet day with a bad pending ratio: WARN wins over the volume floor.
	s := EvaluateRisk(Inputs{PendingRatio: 0.6, ActionsToday: 2}, testThresholds())
	assert.Equal(t, ActionWarn, s.Action)
}

func TestCalculateDynamicBudget(t *testing.T) {
	assert.Equal(t, 20, CalculateDynamicBudget(25, 35, 5, ActionNormal))
	assert.Equal(t, 7, CalculateDynamicBudget(25, 35, 5, ActionWarn)) // 25/2=12, -5
	assert.Equal(t, 0, CalculateDynamicBudget(25, 35, 5, ActionStop))
	assert.Equal(t, 0, CalculateDynamicBudget(25, 35, 40, ActionNormal))
	assert.Equal(t, 0, CalculateDynamicBudget(25, 35, 30, ActionWarn))
	// Soft cap above hard cap: hard cap is the ceiling.
	assert.Equal(t, 35, CalculateDynamicBudget(50, 35, 0, ActionNormal))
	assert.Equal(t, 20, CalculateDynamicBudget(25, 20, 0, ActionNormal))
}

func TestCalculateAccountWarmupMultiplier(t *testing.T) {
	assert.InDelta(t, 0.10, CalculateAccountWarmupMultiplier(0, 30), 0.001)
	assert.InDelta(t, 0.55, CalculateAccountWarmupMultiplier(15, 30), 0.001)
	assert.Equal(t, 1.0, CalculateAccountWarmupMultiplier(30, 30))
	assert.Equal(t, 1.0, CalculateAccountWarmupMultiplier(90, 30))
	assert.Equal(t, 1.0, CalculateAccountWarmupMultiplier(5, 0))
	assert.InDelta(t, 0.10, CalculateAccountWarmupMultiplier(-3, 30), 0.001)
}

func TestEvaluateCooldownDecision(t *testing.T) {
	th := testThresholds()

	none := EvaluateCooldownDecision(Snapshot{Action: ActionNormal, Score: 90}, th)
	assert.False(t, none.Pause)

	stop := EvaluateCooldownDecision(Snapshot{Action: ActionStop, Score: 90}, th)
	assert.False(t, stop.Pause)

	warn := EvaluateCooldownDecision(Snapshot{Action: ActionWarn, Score: 55, PendingRatio: 0.5}, th)
	assert.True(t, warn.Pause)
	assert.Equal(t, "warn", warn.Tier)
	assert.Equal(t, 2*time.Hour, warn.Duration)

	highScore := EvaluateCooldownDecision(Snapshot{Action: ActionWarn, Score: 70, PendingRatio: 0.5}, th)
	assert.Equal(t, "high", highScore.Tier)
	assert.Equal(t, 6*time.Hour, highScore.Duration)

	highPending := EvaluateCooldownDecision(Snapshot{Action: ActionWarn, Score: 55, PendingRatio: 0.7}, th)
	assert.Equal(t, "high", highPending.Tier)
}
