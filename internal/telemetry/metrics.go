package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outreach_jobs_enqueued_total", Help: "Jobs inserted into the durable queue"}, []string{"type"})
	JobsDeduped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_jobs_deduped_total", Help: "Enqueue calls absorbed by an existing idempotency key"})
	JobsClaimed      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outreach_jobs_claimed_total", Help: "Jobs claimed by workers"}, []string{"type"})
	JobsSucceeded    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outreach_jobs_succeeded_total", Help: "Jobs completed successfully"}, []string{"type"})
	JobsRetried      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outreach_jobs_retried_total", Help: "Jobs returned to the queue for retry"}, []string{"type"})
	JobsDeadLetter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outreach_jobs_dead_letter_total", Help: "Jobs moved to dead letter"}, []string{"type"})
	JobsRecovered    = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_jobs_recovered_total", Help: "Stuck running jobs swept back to queued"})
	QueueDepth       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "outreach_queue_depth", Help: "Claimable jobs"})
	OldestRunningAge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "outreach_oldest_running_seconds", Help: "Age of the oldest running job"})

	LockEvents = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outreach_lock_events_total", Help: "Runtime lock contention events"}, []string{"lock_key", "event"})

	RiskScore         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "outreach_risk_score", Help: "Most recent risk score (0-100)"})
	RiskActionChanges = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outreach_risk_action_changes_total", Help: "Risk action transitions"}, []string{"action"})
	Anomalies         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outreach_anomalies_total", Help: "Predictive anomaly flags"}, []string{"metric"})
	Cooldowns         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outreach_cooldowns_total", Help: "Cooldown pauses armed"}, []string{"tier"})
	Quarantines       = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_quarantines_total", Help: "Quarantine activations"})

	BreakerOpens = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outreach_breaker_opens_total", Help: "Circuit breaker trips"}, []string{"integration"})

	OutboxDelivered = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_outbox_delivered_total", Help: "Outbox events delivered"})
	OutboxFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_outbox_failed_total", Help: "Outbox delivery attempts that failed"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsDeduped,
			JobsClaimed,
			JobsSucceeded,
			JobsRetried,
			JobsDeadLetter,
			JobsRecovered,
			QueueDepth,
			OldestRunningAge,
			LockEvents,
			RiskScore,
			RiskActionChanges,
			Anomalies,
			Cooldowns,
			Quarantines,
			BreakerOpens,
			OutboxDelivered,
			OutboxFailed,
		)
	})
	return promhttp.Handler()
}
