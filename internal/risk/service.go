package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chriswu/outreach-scheduler/internal/models"
	"github.com/chriswu/outreach-scheduler/internal/telemetry"
)

// Kafka topics for risk telemetry events, delivered through the outbox.
const (
	TopicRisk = "outreach.risk"
)

// Store is the persistence surface the service needs.
type Store interface {
	TodayStat(ctx context.Context) (models.DailyStat, error)
	TrailingDailyStats(ctx context.Context, n int) ([]models.DailyStat, error)
	LeadStatusCounts(ctx context.Context) (map[models.LeadStatus]int, error)
	PublishEvent(ctx context.Context, topic, key string, payload []byte, idemKey string) error
	SetPause(ctx context.Context, until time.Time, reason string) error
}

// Service computes fresh snapshots from stored inputs, flags anomalies, and
// arms cooldowns. It remembers the previous action to emit change events.
type Service struct {
	store       Store
	thresholds  Thresholds
	sigma       float64
	historyDays int
	logger      *slog.Logger

	mu         sync.Mutex
	lastAction Action
}

func NewService(st Store, th Thresholds, sigma float64, historyDays int, logger *slog.Logger) *Service {
	return &Service{
		store:       st,
		thresholds:  th,
		sigma:       sigma,
		historyDays: historyDays,
		logger:      logger.With(slog.String("component", "risk")),
	}
}

func (s *Service) Thresholds() Thresholds { return s.thresholds }

func (s *Service) load(ctx context.Context) (models.DailyStat, []models.DailyStat, map[models.LeadStatus]int, error) {
	today, err := s.store.TodayStat(ctx)
	if err != nil {
		return models.DailyStat{}, nil, nil, fmt.Errorf("load today stat: %w", err)
	}
	history, err := s.store.TrailingDailyStats(ctx, s.historyDays)
	if err != nil {
		return models.DailyStat{}, nil, nil, fmt.Errorf("load history: %w", err)
	}
	statuses, err := s.store.LeadStatusCounts(ctx)
	if err != nil {
		return models.DailyStat{}, nil, nil, fmt.Errorf("load lead statuses: %w", err)
	}
	return today, history, statuses, nil
}

// Inspect computes the current snapshot and anomalies without publishing
// events or advancing the action-change edge detector. Read paths use it so
// a dashboard GET never writes to the outbox.
func (s *Service) Inspect(ctx context.Context) (Snapshot, []Anomaly, error) {
	today, history, statuses, err := s.load(ctx)
	if err != nil {
		return Snapshot{}, nil, err
	}
	snapshot := EvaluateRisk(buildInputs(today, history, statuses), s.thresholds)
	anomalies := DetectAnomalies(statMetrics(today), historyMetrics(history), s.sigma)
	return snapshot, anomalies, nil
}

// Evaluate computes the current snapshot and runs anomaly detection. Action
// changes and anomalies are published through the outbox.
func (s *Service) Evaluate(ctx context.Context) (Snapshot, []Anomaly, error) {
	today, history, statuses, err := s.load(ctx)
	if err != nil {
		return Snapshot{}, nil, err
	}

	snapshot := EvaluateRisk(buildInputs(today, history, statuses), s.thresholds)
	telemetry.RiskScore.Set(snapshot.Score)

	anomalies := DetectAnomalies(statMetrics(today), historyMetrics(history), s.sigma)
	for _, a := range anomalies {
		telemetry.Anomalies.WithLabelValues(a.Metric).Inc()
		s.publish(ctx, "anomaly", a, fmt.Sprintf("anomaly:%s:%s", a.Metric, today.Date.Format("2006-01-02")))
		s.logger.Warn("predictive anomaly",
			slog.String("metric", a.Metric),
			slog.Float64("value", a.Value),
			slog.Float64("threshold", a.Threshold),
		)
	}

	s.mu.Lock()
	changed := snapshot.Action != s.lastAction
	prev := s.lastAction
	s.lastAction = snapshot.Action
	s.mu.Unlock()

	if changed {
		telemetry.RiskActionChanges.WithLabelValues(string(snapshot.Action)).Inc()
		s.publish(ctx, "action_change", map[string]any{
			"from":     prev,
			"to":       snapshot.Action,
			"score":    snapshot.Score,
			"snapshot": snapshot,
		}, fmt.Sprintf("action:%s:%d", snapshot.Action, time.Now().UnixMilli()))
		s.logger.Info("risk action changed",
			slog.String("from", string(prev)),
			slog.String("to", string(snapshot.Action)),
			slog.Float64("score", snapshot.Score),
		)
	}

	return snapshot, anomalies, nil
}

// MaybeCooldown arms a timed pause per the cooldown policy and reports the
// decision taken.
func (s *Service) MaybeCooldown(ctx context.Context, snapshot Snapshot) (CooldownDecision, error) {
	decision := EvaluateCooldownDecision(snapshot, s.thresholds)
	if !decision.Pause {
		return decision, nil
	}
	until := time.Now().UTC().Add(decision.Duration)
	reason := fmt.Sprintf("cooldown_%s score=%.1f pending=%.2f", decision.Tier, snapshot.Score, snapshot.PendingRatio)
	if err := s.store.SetPause(ctx, until, reason); err != nil {
		return decision, fmt.Errorf("arm cooldown: %w", err)
	}
	telemetry.Cooldowns.WithLabelValues(decision.Tier).Inc()
	s.publish(ctx, "cooldown", map[string]any{
		"tier":  decision.Tier,
		"until": until,
		"score": snapshot.Score,
	}, fmt.Sprintf("cooldown:%s:%d", decision.Tier, until.UnixMilli()))
	s.logger.Warn("cooldown armed", slog.String("tier", decision.Tier), slog.Time("until", until))
	return decision, nil
}

func (s *Service) publish(ctx context.Context, kind string, payload any, idemKey string) {
	body, err := json.Marshal(map[string]any{"kind": kind, "data": payload, "at": time.Now().UTC()})
	if err != nil {
		s.logger.Error("marshal risk event", slog.String("error", err.Error()))
		return
	}
	if err := s.store.PublishEvent(ctx, TopicRisk, kind, body, idemKey); err != nil {
		s.logger.Error("publish risk event", slog.String("kind", kind), slog.String("error", err.Error()))
	}
}

// buildInputs derives the rolling ratios the scoring formula consumes.
func buildInputs(today models.DailyStat, history []models.DailyStat, statuses map[models.LeadStatus]int) Inputs {
	actions := today.InvitesSent + today.MessagesSent

	denom := float64(actions + today.RunErrors)
	var errorRate, selectorRate float64
	if denom > 0 {
		errorRate = float64(today.RunErrors) / denom
		selectorRate = float64(today.SelectorFailures) / denom
	}

	invited := statuses[models.LeadInvited]
	resolved := statuses[models.LeadAccepted] + statuses[models.LeadConnected] +
		statuses[models.LeadReadyMessage] + statuses[models.LeadMessaged] +
		statuses[models.LeadReplied] + statuses[models.LeadWithdrawn]
	var pendingRatio float64
	if invited+resolved > 0 {
		pendingRatio = float64(invited) / float64(invited+resolved)
	}

	// Velocity vs the trailing average: >1 means today is already past the
	// usual daily invite volume.
	var velocity float64
	if len(history) > 0 {
		var sum int
		for _, d := range history {
			sum += d.InvitesSent
		}
		avg := float64(sum) / float64(len(history))
		if avg > 0 {
			velocity = float64(today.InvitesSent) / avg
			if velocity < 1 {
				velocity = 0
			} else {
				velocity = velocity - 1
			}
		}
	}

	return Inputs{
		ErrorRate:           errorRate,
		SelectorFailureRate: selectorRate,
		PendingRatio:        pendingRatio,
		ChallengeCount:      today.ChallengesCount,
		InviteVelocityRatio: velocity,
		ActionsToday:        actions,
	}
}

func statMetrics(st models.DailyStat) map[string]float64 {
	return map[string]float64{
		"invites_sent":      float64(st.InvitesSent),
		"messages_sent":     float64(st.MessagesSent),
		"run_errors":        float64(st.RunErrors),
		"selector_failures": float64(st.SelectorFailures),
		"challenges_count":  float64(st.ChallengesCount),
	}
}

func historyMetrics(history []models.DailyStat) []map[string]float64 {
	out := make([]map[string]float64, 0, len(history))
	for _, d := range history {
		out = append(out, statMetrics(d))
	}
	return out
}
