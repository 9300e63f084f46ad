// Package scheduler is the adaptive budget allocator: each cycle it composes
// global, per-account (warmup-ramped), per-list, hour-of-day, and dynamically
// capped budgets into a final allowance, promotes eligible leads, and emits
// paced queue items. The pass runs under the runtime lock so only one
// scheduling pass executes across processes at a time.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/chriswu/outreach-scheduler/internal/config"
	"github.com/chriswu/outreach-scheduler/internal/models"
	"github.com/chriswu/outreach-scheduler/internal/queue"
	"github.com/chriswu/outreach-scheduler/internal/risk"
	"github.com/chriswu/outreach-scheduler/internal/runtimelock"
	"github.com/chriswu/outreach-scheduler/internal/telemetry"
)

// LockKeyCycle serializes scheduling passes across processes.
const LockKeyCycle = "scheduler_cycle"

// Selection names the workflow subset a cycle covers.
type Selection string

const (
	SelectionAll     Selection = "all"
	SelectionInvite  Selection = "invite"
	SelectionCheck   Selection = "check"
	SelectionMessage Selection = "message"
	SelectionWarmup  Selection = "warmup"
)

// ParseSelection validates a selection name.
func ParseSelection(s string) (Selection, error) {
	switch Selection(s) {
	case SelectionAll, SelectionInvite, SelectionCheck, SelectionMessage, SelectionWarmup:
		return Selection(s), nil
	default:
		return "", fmt.Errorf("unknown selection %q", s)
	}
}

func (s Selection) invites() bool {
	return s == SelectionAll || s == SelectionInvite || s == SelectionWarmup
}
func (s Selection) checks() bool   { return s == SelectionAll || s == SelectionCheck }
func (s Selection) messages() bool { return s == SelectionAll || s == SelectionMessage }

// Store is the persistence surface the allocator needs.
type Store interface {
	ControlState(ctx context.Context) (models.ControlState, error)
	SetQuarantine(ctx context.Context, enabled bool) error
	ActiveAccounts(ctx context.Context) ([]models.AccountConfig, error)
	ActiveLists(ctx context.Context) ([]models.CampaignList, error)
	AccountConsumption(ctx context.Context, accountID string) (invites, messages int, err error)
	WeeklyInvitesSent(ctx context.Context, weekStart time.Time) (int, error)
	TodayListStat(ctx context.Context, listName string) (models.ListStat, error)
	ListStatusBreakdown(ctx context.Context, listName string) (map[models.LeadStatus]int, error)
	CandidateLeads(ctx context.Context, listName string, statuses []models.LeadStatus, limit int) ([]models.Lead, error)
}

// JobQueue is the enqueue surface.
type JobQueue interface {
	Enqueue(ctx context.Context, p queue.EnqueueParams) (bool, error)
}

// RiskEvaluator produces the admission snapshot and arms cooldowns.
type RiskEvaluator interface {
	Evaluate(ctx context.Context) (risk.Snapshot, []risk.Anomaly, error)
	MaybeCooldown(ctx context.Context, s risk.Snapshot) (risk.CooldownDecision, error)
	Thresholds() risk.Thresholds
}

// Lifecycle promotes leads between statuses.
type Lifecycle interface {
	Transition(ctx context.Context, leadID string, to models.LeadStatus, reason string, metadata map[string]any) error
}

// Limiter is the optional per-account pacing bucket.
type Limiter interface {
	Allow(ctx context.Context, accountID string) (bool, float64, error)
}

// ListReport captures one list's allocation in a cycle.
type ListReport struct {
	Name             string   `json:"name"`
	InviteBudget     int      `json:"invite_budget"`
	MessageBudget    int      `json:"message_budget"`
	Factor           float64  `json:"factor"`
	Reasons          []string `json:"reasons,omitempty"`
	Promoted         int      `json:"promoted"`
	InvitesEnqueued  int      `json:"invites_enqueued"`
	MessagesEnqueued int      `json:"messages_enqueued"`
}

// CycleReport is the outcome of one scheduling pass.
type CycleReport struct {
	Selection           Selection     `json:"selection"`
	At                  time.Time     `json:"at"`
	DryRun              bool          `json:"dry_run"`
	Halted              string        `json:"halted,omitempty"`
	Snapshot            risk.Snapshot `json:"snapshot"`
	GlobalInviteBudget  int           `json:"global_invite_budget"`
	GlobalMessageBudget int           `json:"global_message_budget"`
	PacingSkipped       []string      `json:"pacing_skipped,omitempty"`
	Lists               []ListReport  `json:"lists"`
	ChecksEnqueued      int           `json:"checks_enqueued"`
	HygieneEnqueued     int           `json:"hygiene_enqueued"`
}

// Service runs scheduling cycles.
type Service struct {
	store     Store
	queue     JobQueue
	risk      RiskEvaluator
	lifecycle Lifecycle
	locks     *runtimelock.Manager
	limiter   Limiter
	cfg       config.Config
	logger    *slog.Logger
	now       func() time.Time
	rnd       *rand.Rand
}

func NewService(st Store, q JobQueue, rk RiskEvaluator, lc Lifecycle, locks *runtimelock.Manager, limiter Limiter, cfg config.Config, logger *slog.Logger) *Service {
	return &Service{
		store:     st,
		queue:     q,
		risk:      rk,
		lifecycle: lc,
		locks:     locks,
		limiter:   limiter,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "scheduler")),
		now:       time.Now,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RunCycle executes one scheduling pass under the cycle lock. Lock
// contention means another process is mid-pass; the caller skips this tick.
func (s *Service) RunCycle(ctx context.Context, sel Selection) (*CycleReport, error) {
	var report *CycleReport
	err := s.locks.WithLock(ctx, LockKeyCycle, s.cfg.LockTTL, func(ctx context.Context) error {
		var err error
		report, err = s.runCycle(ctx, sel, false)
		return err
	})
	return report, err
}

// PreviewCycle estimates a pass without mutating anything: no promotions, no
// enqueues, no quarantine or cooldown side effects.
func (s *Service) PreviewCycle(ctx context.Context, sel Selection) (*CycleReport, error) {
	return s.runCycle(ctx, sel, true)
}

func (s *Service) runCycle(ctx context.Context, sel Selection, dryRun bool) (*CycleReport, error) {
	now := s.now().UTC()
	report := &CycleReport{Selection: sel, At: now, DryRun: dryRun}

	control, err := s.store.ControlState(ctx)
	if err != nil {
		return nil, err
	}
	if control.Quarantined {
		report.Halted = "quarantined"
		return report, nil
	}
	if control.Paused(now) {
		report.Halted = "paused"
		return report, nil
	}

	snapshot, _, err := s.risk.Evaluate(ctx)
	if err != nil {
		return nil, err
	}
	report.Snapshot = snapshot

	if snapshot.Action == risk.ActionStop || snapshot.ChallengeCount > 0 {
		report.Halted = "risk_stop"
		if !dryRun {
			if err := s.store.SetQuarantine(ctx, true); err != nil {
				return nil, fmt.Errorf("quarantine on stop: %w", err)
			}
			telemetry.Quarantines.Inc()
			s.logger.Error("risk stop: quarantined",
				slog.Float64("score", snapshot.Score),
				slog.Int("challenges", snapshot.ChallengeCount),
			)
		}
		return report, nil
	}
	if snapshot.Action == risk.ActionWarn && !dryRun {
		// Cooldown pauses future cycles; the current one proceeds throttled.
		if _, err := s.risk.MaybeCooldown(ctx, snapshot); err != nil {
			s.logger.Error("cooldown", slog.String("error", err.Error()))
		}
	}

	accounts, err := s.store.ActiveAccounts(ctx)
	if err != nil {
		return nil, err
	}
	if sel == SelectionWarmup {
		warming := accounts[:0]
		for _, a := range accounts {
			if a.AgeDays(now) < a.WarmupMaxDays {
				warming = append(warming, a)
			}
		}
		accounts = warming
	}

	inviteBudgets, messageBudgets, err := s.accountBudgets(ctx, accounts, snapshot, now, report)
	if err != nil {
		return nil, err
	}
	for _, b := range inviteBudgets {
		report.GlobalInviteBudget += b
	}
	for _, b := range messageBudgets {
		report.GlobalMessageBudget += b
	}

	if sel.invites() {
		if err := s.capByWeeklyAllowance(ctx, accounts, now, report); err != nil {
			return nil, err
		}
	}

	lists, err := s.store.ActiveLists(ctx)
	if err != nil {
		return nil, err
	}

	pacer := NewPacer(s.cfg.PaceMinStep, s.cfg.PaceMaxStep, s.cfg.PaceBreakEvery, s.cfg.PaceBreakMin, s.cfg.PaceBreakMax, s.rnd)
	remainingInvites := report.GlobalInviteBudget
	remainingMessages := report.GlobalMessageBudget
	th := FactorThresholds{
		PendingWarn: s.risk.Thresholds().PendingWarn,
		PendingStop: s.risk.Thresholds().PendingStop,
		BlockedWarn: s.cfg.BlockedWarnRatio,
	}

	for _, list := range lists {
		lr := ListReport{Name: list.Name}

		breakdown, err := s.store.ListStatusBreakdown(ctx, list.Name)
		if err != nil {
			return nil, err
		}
		factor, reasons := AdaptiveFactor(snapshot.Action, PendingRatioOf(breakdown), BlockedRatioOf(breakdown), th)
		lr.Factor = factor
		lr.Reasons = reasons

		listStat, err := s.store.TodayListStat(ctx, list.Name)
		if err != nil {
			return nil, err
		}

		if sel.invites() {
			local := listLocalBudget(remainingInvites, list.DailyCap, listStat.InvitesSent)
			lr.InviteBudget = int(float64(local) * factor)
			n, promoted, err := s.scheduleInvites(ctx, list, lr.InviteBudget, inviteBudgets, pacer, dryRun)
			if err != nil {
				return nil, err
			}
			lr.InvitesEnqueued = n
			lr.Promoted = promoted
			remainingInvites -= n
		}

		if sel.messages() {
			local := listLocalBudget(remainingMessages, 0, 0)
			lr.MessageBudget = int(float64(local) * factor)
			n, promoted, err := s.scheduleMessages(ctx, list, lr.MessageBudget, messageBudgets, pacer, dryRun)
			if err != nil {
				return nil, err
			}
			lr.MessagesEnqueued = n
			lr.Promoted += promoted
			remainingMessages -= n
		}

		report.Lists = append(report.Lists, lr)
	}

	if sel.checks() {
		n, err := s.scheduleChecks(ctx, lists, pacer, dryRun)
		if err != nil {
			return nil, err
		}
		report.ChecksEnqueued = n
	}

	if sel == SelectionAll && s.cfg.HygieneEnabled {
		n, err := s.scheduleHygiene(ctx, accounts, dryRun)
		if err != nil {
			return nil, err
		}
		report.HygieneEnqueued = n
	}

	s.logger.Info("cycle complete",
		slog.String("selection", string(sel)),
		slog.Bool("dry_run", dryRun),
		slog.String("action", string(snapshot.Action)),
		slog.Int("invite_budget", report.GlobalInviteBudget),
		slog.Int("message_budget", report.GlobalMessageBudget),
		slog.Int("checks", report.ChecksEnqueued),
	)
	return report, nil
}

// accountBudgets composes per-account invite and message allowances for this
// cycle. Accounts saturated by the pacing bucket are skipped entirely.
func (s *Service) accountBudgets(ctx context.Context, accounts []models.AccountConfig, snapshot risk.Snapshot, now time.Time, report *CycleReport) (invites, messages map[string]int, err error) {
	hour := now.Hour()
	invites = make(map[string]int, len(accounts))
	messages = make(map[string]int, len(accounts))

	for _, acct := range accounts {
		if s.limiter != nil {
			allowed, _, err := s.limiter.Allow(ctx, acct.AccountID)
			if err != nil {
				s.logger.Error("pacing check", slog.String("account_id", acct.AccountID), slog.String("error", err.Error()))
			} else if !allowed {
				report.PacingSkipped = append(report.PacingSkipped, acct.AccountID)
				continue
			}
		}

		consumedInv, consumedMsg, err := s.store.AccountConsumption(ctx, acct.AccountID)
		if err != nil {
			return nil, nil, err
		}
		warmup := risk.CalculateAccountWarmupMultiplier(acct.AgeDays(now), acct.WarmupMaxDays)
		intensity := acct.IntensityAt(hour)

		invites[acct.AccountID] = accountBudget(acct.InviteSoftCap, acct.InviteHardCap, consumedInv, warmup, intensity, snapshot.Action)
		messages[acct.AccountID] = accountBudget(acct.MessageSoftCap, acct.MessageHardCap, consumedMsg, warmup, intensity, snapshot.Action)
	}
	return invites, messages, nil
}

// capByWeeklyAllowance clamps the global invite budget to what the week
// still permits across all accounts.
func (s *Service) capByWeeklyAllowance(ctx context.Context, accounts []models.AccountConfig, now time.Time, report *CycleReport) error {
	used, err := s.store.WeeklyInvitesSent(ctx, WeekStart(now))
	if err != nil {
		return err
	}
	var allowance int
	for _, a := range accounts {
		allowance += a.WeeklyInviteCap
	}
	remaining := allowance - used
	if remaining < 0 {
		remaining = 0
	}
	if report.GlobalInviteBudget > remaining {
		report.GlobalInviteBudget = remaining
	}
	return nil
}

// WeekStart returns the Monday 00:00 UTC of the week containing t.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7 // Monday=0
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -offset)
}

func listLocalBudget(remainingGlobal, listCap, listConsumed int) int {
	if remainingGlobal < 0 {
		return 0
	}
	if listCap <= 0 {
		return remainingGlobal
	}
	left := listCap - listConsumed
	if left < 0 {
		left = 0
	}
	if left < remainingGlobal {
		return left
	}
	return remainingGlobal
}

// scheduleInvites fills the ready pool from NEW when needed, then enqueues
// one invite job per candidate with accumulating pacing delays. Budget is
// consumed only by rows actually inserted; dedupe hits are free.
func (s *Service) scheduleInvites(ctx context.Context, list models.CampaignList, budget int, perAccount map[string]int, pacer *Pacer, dryRun bool) (enqueued, promoted int, err error) {
	if budget <= 0 {
		return 0, 0, nil
	}

	ready, err := s.store.CandidateLeads(ctx, list.Name, []models.LeadStatus{models.LeadReadyInvite, models.LeadPending}, budget)
	if err != nil {
		return 0, 0, err
	}

	if len(ready) < budget {
		fresh, err := s.store.CandidateLeads(ctx, list.Name, []models.LeadStatus{models.LeadNew}, budget-len(ready))
		if err != nil {
			return 0, 0, err
		}
		for _, lead := range fresh {
			if dryRun {
				promoted++
				ready = append(ready, lead)
				continue
			}
			if err := s.lifecycle.Transition(ctx, lead.ID, models.LeadReadyInvite, "promoted_for_invite", nil); err != nil {
				s.logger.Error("promote lead", slog.String("lead_id", lead.ID), slog.String("error", err.Error()))
				continue
			}
			promoted++
			lead.Status = models.LeadReadyInvite
			ready = append(ready, lead)
		}
	}

	for _, lead := range ready {
		if enqueued >= budget {
			break
		}
		accountID, ok := pickAccount(lead, perAccount)
		if !ok {
			continue
		}
		if dryRun {
			enqueued++
			perAccount[accountID]--
			continue
		}
		created, err := s.queue.Enqueue(ctx, queue.EnqueueParams{
			Type:      models.JobTypeInvite,
			AccountID: accountID,
			Payload: models.InvitePayload{
				LeadID:     lead.ID,
				ListName:   list.Name,
				ProfileURL: lead.ProfileURL,
			},
			IdempotencyKey: "invite:" + lead.ID,
			Priority:       50,
			MaxAttempts:    s.cfg.MaxAttempts,
			Delay:          pacer.Next(),
		})
		if err != nil {
			return enqueued, promoted, err
		}
		if created {
			enqueued++
			perAccount[accountID]--
		}
	}
	return enqueued, promoted, nil
}

// scheduleMessages promotes accepted/connected leads to READY_MESSAGE and
// enqueues message jobs.
func (s *Service) scheduleMessages(ctx context.Context, list models.CampaignList, budget int, perAccount map[string]int, pacer *Pacer, dryRun bool) (enqueued, promoted int, err error) {
	if budget <= 0 {
		return 0, 0, nil
	}

	ready, err := s.store.CandidateLeads(ctx, list.Name, []models.LeadStatus{models.LeadReadyMessage}, budget)
	if err != nil {
		return 0, 0, err
	}

	if len(ready) < budget {
		connected, err := s.store.CandidateLeads(ctx, list.Name, []models.LeadStatus{models.LeadAccepted, models.LeadConnected}, budget-len(ready))
		if err != nil {
			return 0, 0, err
		}
		for _, lead := range connected {
			if dryRun {
				promoted++
				ready = append(ready, lead)
				continue
			}
			if err := s.lifecycle.Transition(ctx, lead.ID, models.LeadReadyMessage, "promoted_for_message", nil); err != nil {
				s.logger.Error("promote lead", slog.String("lead_id", lead.ID), slog.String("error", err.Error()))
				continue
			}
			promoted++
			lead.Status = models.LeadReadyMessage
			ready = append(ready, lead)
		}
	}

	for _, lead := range ready {
		if enqueued >= budget {
			break
		}
		accountID, ok := pickAccount(lead, perAccount)
		if !ok {
			continue
		}
		if dryRun {
			enqueued++
			perAccount[accountID]--
			continue
		}
		created, err := s.queue.Enqueue(ctx, queue.EnqueueParams{
			Type:      models.JobTypeMessage,
			AccountID: accountID,
			Payload: models.MessagePayload{
				LeadID:     lead.ID,
				ListName:   list.Name,
				ProfileURL: lead.ProfileURL,
			},
			IdempotencyKey: "message:" + lead.ID,
			Priority:       60,
			MaxAttempts:    s.cfg.MaxAttempts,
			Delay:          pacer.Next(),
		})
		if err != nil {
			return enqueued, promoted, err
		}
		if created {
			enqueued++
			perAccount[accountID]--
		}
	}
	return enqueued, promoted, nil
}

// scheduleChecks enqueues acceptance checks for invited leads, once per lead
// per day, outside the invite/message budgets.
func (s *Service) scheduleChecks(ctx context.Context, lists []models.CampaignList, pacer *Pacer, dryRun bool) (int, error) {
	limit := s.cfg.MaxChecksPerCycle
	if limit <= 0 {
		return 0, nil
	}
	day := s.now().UTC().Format("2006-01-02")

	var total int
	for _, list := range lists {
		if total >= limit {
			break
		}
		invited, err := s.store.CandidateLeads(ctx, list.Name, []models.LeadStatus{models.LeadInvited}, limit-total)
		if err != nil {
			return total, err
		}
		for _, lead := range invited {
			if dryRun {
				total++
				continue
			}
			created, err := s.queue.Enqueue(ctx, queue.EnqueueParams{
				Type:      models.JobTypeAcceptanceCheck,
				AccountID: lead.AccountID,
				Payload: models.AcceptanceCheckPayload{
					LeadID:     lead.ID,
					ListName:   list.Name,
					ProfileURL: lead.ProfileURL,
				},
				IdempotencyKey: fmt.Sprintf("check:%s:%s", lead.ID, day),
				Priority:       80,
				MaxAttempts:    s.cfg.MaxAttempts,
				Delay:          pacer.Next(),
			})
			if err != nil {
				return total, err
			}
			if created {
				total++
			}
		}
	}
	return total, nil
}

// scheduleHygiene enqueues one low-priority maintenance job per account with
// a long randomized delay, independent of the main budgets.
func (s *Service) scheduleHygiene(ctx context.Context, accounts []models.AccountConfig, dryRun bool) (int, error) {
	day := s.now().UTC().Format("2006-01-02")
	var total int
	for _, acct := range accounts {
		if dryRun {
			total++
			continue
		}
		delay := time.Hour + time.Duration(s.rnd.Int63n(int64(2*time.Hour)))
		created, err := s.queue.Enqueue(ctx, queue.EnqueueParams{
			Type:      models.JobTypeHygiene,
			AccountID: acct.AccountID,
			Payload: models.HygienePayload{
				AccountID:         acct.AccountID,
				WithdrawAfterDays: s.cfg.WithdrawAfterDays,
			},
			IdempotencyKey: fmt.Sprintf("hygiene:%s:%s", acct.AccountID, day),
			Priority:       200,
			MaxAttempts:    1,
			Delay:          delay,
		})
		if err != nil {
			return total, err
		}
		if created {
			total++
		}
	}
	return total, nil
}

// pickAccount chooses the executing account for a lead: its own account if it
// still has budget, otherwise the account with the most budget left.
func pickAccount(lead models.Lead, perAccount map[string]int) (string, bool) {
	if lead.AccountID != "" {
		if perAccount[lead.AccountID] > 0 {
			return lead.AccountID, true
		}
		return "", false
	}
	var best string
	bestN := 0
	for id, n := range perAccount {
		if n > bestN || (n == bestN && n > 0 && (best == "" || id < best)) {
			best, bestN = id, n
		}
	}
	if bestN <= 0 {
		return "", false
	}
	return best, true
}
