// Package worker runs the claim-execute loop: it pulls jobs from the durable
// queue, drives the automation actor behind the circuit breaker, applies
// lifecycle outcomes, and feeds the per-day counters the risk engine reads.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chriswu/outreach-scheduler/internal/automation"
	"github.com/chriswu/outreach-scheduler/internal/breaker"
	"github.com/chriswu/outreach-scheduler/internal/config"
	"github.com/chriswu/outreach-scheduler/internal/models"
	"github.com/chriswu/outreach-scheduler/internal/runtimelock"
	"github.com/chriswu/outreach-scheduler/internal/store"
	"github.com/chriswu/outreach-scheduler/internal/telemetry"
)

const (
	pollInterval  = 5 * time.Second
	recoveryEvery = time.Minute
	integration   = "platform"
)

// Store is the persistence surface the worker needs beyond the queue.
type Store interface {
	ControlState(ctx context.Context) (models.ControlState, error)
	SetQuarantine(ctx context.Context, enabled bool) error
	HeartbeatJob(ctx context.Context, id string) (bool, error)
	LeadByID(ctx context.Context, id string) (models.Lead, error)
	IncrDailyStat(ctx context.Context, field string, n int) error
	IncrListStat(ctx context.Context, listName, field string, n int) error
	IncrAccountDailyStat(ctx context.Context, accountID, field string, n int) error
}

// JobQueue is the claim/ack surface.
type JobQueue interface {
	ClaimNext(ctx context.Context, allowedTypes []models.JobType, accountID string) (models.Job, bool, error)
	MarkSucceeded(ctx context.Context, job models.Job) error
	MarkRetryOrDeadLetter(ctx context.Context, job models.Job, attempts int, backoff time.Duration, errMsg string) (bool, error)
	RecoverStuckJobs(ctx context.Context, staleAfter time.Duration) (int, error)
}

// Lifecycle promotes leads after successful actions.
type Lifecycle interface {
	Transition(ctx context.Context, leadID string, to models.LeadStatus, reason string, metadata map[string]any) error
}

// Worker is one claim loop. Run several per process for parallelism; the
// queue's claim semantics keep them from colliding.
type Worker struct {
	id        string
	queue     JobQueue
	store     Store
	lifecycle Lifecycle
	actor     automation.Actor
	generator automation.Generator
	executor  *breaker.Executor
	locks     *runtimelock.Manager
	cfg       config.Config
	logger    *slog.Logger

	mu       sync.Mutex
	canaried map[string]bool
}

func New(id string, q JobQueue, st Store, lc Lifecycle, actor automation.Actor, gen automation.Generator, ex *breaker.Executor, locks *runtimelock.Manager, cfg config.Config, logger *slog.Logger) *Worker {
	return &Worker{
		id:        id,
		queue:     q,
		store:     st,
		lifecycle: lc,
		actor:     actor,
		generator: gen,
		executor:  ex,
		locks:     locks,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "worker"), slog.String("worker_id", id)),
		canaried:  make(map[string]bool),
	}
}

// Run claims and executes jobs until the context ends. Pause and quarantine
// are checked before every claim, so in-flight work finishes but no new work
// starts once the kill switch flips.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	recovery := time.NewTicker(recoveryEvery)
	defer recovery.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return ctx.Err()
		case <-recovery.C:
			if _, err := w.queue.RecoverStuckJobs(ctx, w.cfg.StaleJobAfter); err != nil {
				w.logger.Error("recover stuck jobs", slog.String("error", err.Error()))
			}
		case <-ticker.C:
			for {
				worked, err := w.runOne(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return err
					}
					w.logger.Error("run job", slog.String("error", err.Error()))
					break
				}
				if !worked {
					break
				}
			}
		}
	}
}

// runOne claims and processes a single job. Returns false when the queue is
// idle or the control plane is pausing work.
func (w *Worker) runOne(ctx context.Context) (bool, error) {
	control, err := w.store.ControlState(ctx)
	if err != nil {
		return false, err
	}
	if control.Quarantined || control.Paused(time.Now().UTC()) {
		return false, nil
	}

	job, ok, err := w.queue.ClaimNext(ctx, models.AllJobTypes, "")
	if err != nil || !ok {
		return false, err
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := w.heartbeat(jobCtx, cancel, job.ID)
	defer stop()

	execErr := w.execute(jobCtx, job)
	stop()

	if jobCtx.Err() != nil && ctx.Err() == nil {
		// The heartbeat missed: the recovery sweep requeued the row and
		// another worker may already own it. The job's outcome is no longer
		// this side's to report; the race is already on the metrics.
		return true, nil
	}

	if execErr == nil {
		return true, w.queue.MarkSucceeded(ctx, job)
	}
	return true, w.handleFailure(ctx, job, execErr)
}

// heartbeat keeps the job's running claim fresh. A missed heartbeat means
// the recovery sweep already requeued the row under another worker: this side
// lost the race and must abandon the work.
func (w *Worker) heartbeat(ctx context.Context, cancel context.CancelFunc, jobID string) (stop func()) {
	done := make(chan struct{})
	var once sync.Once
	interval := w.cfg.StaleJobAfter / 3
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				alive, err := w.store.HeartbeatJob(ctx, jobID)
				if err != nil {
					w.logger.Error("job heartbeat", slog.String("job_id", jobID), slog.String("error", err.Error()))
					continue
				}
				if !alive {
					w.logger.Warn("job claim lost, abandoning", slog.String("job_id", jobID))
					w.locks.RecordQueueRaceLost(context.WithoutCancel(ctx), "job:"+jobID)
					cancel()
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (w *Worker) execute(ctx context.Context, job models.Job) error {
	payload, err := models.DecodePayload(job.Type, job.Payload)
	if err != nil {
		// Undecodable payloads never get better with retries.
		return fmt.Errorf("decode payload: %w", &terminalError{err})
	}

	if err := w.preflight(ctx, job.AccountID); err != nil {
		return err
	}

	opts := breaker.Options{
		Integration: integration,
		CircuitKey:  integration + ":" + job.AccountID,
		MaxAttempts: 2,
		BaseDelay:   5 * time.Second,
		MaxDelay:    30 * time.Second,
		Classify:    classify,
	}

	switch p := payload.(type) {
	case models.InvitePayload:
		err = w.executor.ExecuteWithRetry(ctx, func(ctx context.Context) error {
			return w.actor.SendInvite(ctx, job.AccountID, p)
		}, opts)
		if err != nil {
			return err
		}
		return w.afterInvite(ctx, job, p)

	case models.AcceptanceCheckPayload:
		var result automation.AcceptanceResult
		err = w.executor.ExecuteWithRetry(ctx, func(ctx context.Context) error {
			var inner error
			result, inner = w.actor.CheckAcceptance(ctx, job.AccountID, p)
			return inner
		}, opts)
		if err != nil {
			return err
		}
		return w.afterAcceptance(ctx, p, result)

	case models.MessagePayload:
		if p.Text == "" {
			lead, lerr := w.store.LeadByID(ctx, p.LeadID)
			if lerr != nil {
				return lerr
			}
			// The fallback generator never fails.
			p.Text, _ = w.generator.Generate(ctx, lead, "message")
		}
		err = w.executor.ExecuteWithRetry(ctx, func(ctx context.Context) error {
			return w.actor.SendMessage(ctx, job.AccountID, p)
		}, opts)
		if err != nil {
			return err
		}
		return w.afterMessage(ctx, job, p)

	case models.HygienePayload:
		var result automation.HygieneResult
		err = w.executor.ExecuteWithRetry(ctx, func(ctx context.Context) error {
			var inner error
			result, inner = w.actor.RunHygiene(ctx, job.AccountID, p)
			return inner
		}, opts)
		if err != nil {
			return err
		}
		return w.afterHygiene(ctx, result)
	}
	return fmt.Errorf("unhandled payload %T", payload)
}

// preflight verifies the session before spending an action: a dead login is
// retried later, a challenge stops everything.
func (w *Worker) preflight(ctx context.Context, accountID string) error {
	loggedIn, err := w.actor.CheckLogin(ctx, accountID)
	if err != nil {
		return fmt.Errorf("login check: %w", err)
	}
	if !loggedIn {
		return errors.New("session not logged in")
	}

	challenged, err := w.actor.DetectChallenge(ctx, accountID)
	if err != nil {
		return fmt.Errorf("challenge check: %w", err)
	}
	if challenged {
		return automation.ErrChallengeDetected
	}

	w.mu.Lock()
	first := !w.canaried[accountID]
	w.canaried[accountID] = true
	w.mu.Unlock()
	if first {
		if err := w.actor.RunCanary(ctx, accountID); err != nil {
			return fmt.Errorf("canary: %w", err)
		}
	}
	return nil
}

func (w *Worker) afterInvite(ctx context.Context, job models.Job, p models.InvitePayload) error {
	if err := w.lifecycle.Transition(ctx, p.LeadID, models.LeadInvited, "invite_sent", map[string]any{"job_id": job.ID}); err != nil {
		return fmt.Errorf("mark invited: %w", err)
	}
	w.count(ctx, store.StatInvitesSent, p.ListName, job.AccountID)
	return nil
}

func (w *Worker) afterMessage(ctx context.Context, job models.Job, p models.MessagePayload) error {
	if err := w.lifecycle.Transition(ctx, p.LeadID, models.LeadMessaged, "message_sent", map[string]any{"job_id": job.ID}); err != nil {
		return fmt.Errorf("mark messaged: %w", err)
	}
	w.count(ctx, store.StatMessagesSent, p.ListName, job.AccountID)
	return nil
}

func (w *Worker) afterAcceptance(ctx context.Context, p models.AcceptanceCheckPayload, r automation.AcceptanceResult) error {
	switch {
	case r.Connected:
		return w.lifecycle.Transition(ctx, p.LeadID, models.LeadConnected, "acceptance_check", nil)
	case r.Accepted:
		return w.lifecycle.Transition(ctx, p.LeadID, models.LeadAccepted, "acceptance_check", nil)
	case r.Withdrawn:
		return w.lifecycle.Transition(ctx, p.LeadID, models.LeadWithdrawn, "invite_no_longer_pending", nil)
	}
	// Still pending: nothing to record, the next cycle checks again.
	return nil
}

func (w *Worker) afterHygiene(ctx context.Context, r automation.HygieneResult) error {
	for _, leadID := range r.WithdrawnLeadIDs {
		if err := w.lifecycle.Transition(ctx, leadID, models.LeadWithdrawn, "aged_invite_withdrawn", nil); err != nil {
			w.logger.Error("mark withdrawn", slog.String("lead_id", leadID), slog.String("error", err.Error()))
		}
	}
	return nil
}

// count bumps the sent counter at all three scopes. Counter writes are
// best-effort: the action already happened, so a failed increment is logged
// rather than turned into a retry that would repeat the action.
func (w *Worker) count(ctx context.Context, field, listName, accountID string) {
	if err := w.store.IncrDailyStat(ctx, field, 1); err != nil {
		w.logger.Error("count daily stat", slog.String("field", field), slog.String("error", err.Error()))
	}
	if err := w.store.IncrListStat(ctx, listName, field, 1); err != nil {
		w.logger.Error("count list stat", slog.String("field", field), slog.String("error", err.Error()))
	}
	if err := w.store.IncrAccountDailyStat(ctx, accountID, field, 1); err != nil {
		w.logger.Error("count account stat", slog.String("field", field), slog.String("error", err.Error()))
	}
}

// handleFailure classifies the error, updates the risk counters, and decides
// between retry, dead-letter, and quarantine.
func (w *Worker) handleFailure(ctx context.Context, job models.Job, execErr error) error {
	attempts := job.Attempts + 1

	if errors.Is(execErr, automation.ErrChallengeDetected) {
		if err := w.store.IncrDailyStat(ctx, store.StatChallengesCount, 1); err != nil {
			w.logger.Error("count challenge", slog.String("error", err.Error()))
		}
		if err := w.store.SetQuarantine(ctx, true); err != nil {
			return fmt.Errorf("quarantine on challenge: %w", err)
		}
		telemetry.Quarantines.Inc()
		w.logger.Error("challenge detected: quarantined",
			slog.String("job_id", job.ID),
			slog.String("account_id", job.AccountID),
		)
		// Never retried: the operator resolves the challenge first.
		_, err := w.queue.MarkRetryOrDeadLetter(ctx, job, job.MaxAttempts, 0, execErr.Error())
		return err
	}

	var open *breaker.CircuitOpenError
	if errors.As(execErr, &open) {
		// Fail-fast is not a new failure; requeue past the cool-down.
		_, err := w.queue.MarkRetryOrDeadLetter(ctx, job, job.Attempts, open.RetryAfter+time.Minute, execErr.Error())
		return err
	}

	if err := w.store.IncrDailyStat(ctx, store.StatRunErrors, 1); err != nil {
		w.logger.Error("count run error", slog.String("error", err.Error()))
	}
	if errors.Is(execErr, automation.ErrSelectorNotFound) {
		if err := w.store.IncrDailyStat(ctx, store.StatSelectorFailures, 1); err != nil {
			w.logger.Error("count selector failure", slog.String("error", err.Error()))
		}
	}

	var term *terminalError
	if errors.As(execErr, &term) {
		attempts = job.MaxAttempts
	}

	backoff := breaker.Backoff(w.cfg.BackoffInitial, w.cfg.BackoffMax, attempts)
	deadLettered, err := w.queue.MarkRetryOrDeadLetter(ctx, job, attempts, backoff, execErr.Error())
	if err != nil {
		return err
	}
	if !deadLettered {
		w.logger.Warn("job failed, retrying",
			slog.String("job_id", job.ID),
			slog.String("type", string(job.Type)),
			slog.Int("attempt", attempts),
			slog.Duration("backoff", backoff),
			slog.String("error", execErr.Error()),
		)
	}
	return nil
}

// terminalError marks failures that must not be retried at the queue level.
type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// classify maps automation failures onto breaker classes. Selector drift and
// challenges are terminal for the in-process retry loop; the queue-level
// backoff handles the longer horizon.
func classify(err error) breaker.Class {
	if errors.Is(err, automation.ErrSelectorNotFound) || errors.Is(err, automation.ErrChallengeDetected) {
		return breaker.ClassTerminal
	}
	return breaker.DefaultClassify(err)
}
