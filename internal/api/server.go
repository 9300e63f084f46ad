// Package api is the operator control surface: risk and queue introspection,
// cycle previews, and the pause/quarantine switches.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chriswu/outreach-scheduler/internal/config"
	"github.com/chriswu/outreach-scheduler/internal/queue"
	"github.com/chriswu/outreach-scheduler/internal/risk"
	"github.com/chriswu/outreach-scheduler/internal/scheduler"
	"github.com/chriswu/outreach-scheduler/internal/store"
	"github.com/chriswu/outreach-scheduler/internal/telemetry"
)

// Server wires the operator HTTP handlers.
type Server struct {
	cfg       config.Config
	store     *store.Store
	queue     *queue.Queue
	risk      *risk.Service
	scheduler *scheduler.Service
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, q *queue.Queue, rk *risk.Service, sch *scheduler.Service) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		queue:     q,
		risk:      rk,
		scheduler: sch,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/risk", s.handleRisk)
	r.Get("/queue/status", s.handleQueueStatus)
	r.Get("/locks/contention", s.handleLockContention)
	r.Get("/dlq", s.handleDLQ)
	r.Get("/cycle/preview", s.handlePreview)

	r.Get("/control", s.handleControl)
	r.Post("/control/pause", s.handlePause)
	r.Post("/control/resume", s.handleResume)
	r.Post("/control/quarantine", s.handleQuarantine)

	r.Get("/leads/{id}/events", s.handleLeadEvents)
	return r
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	// Read-only: publication and cooldowns belong to the scheduler's cycle.
	snapshot, anomalies, err := s.risk.Inspect(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot":  snapshot,
		"anomalies": anomalies,
	})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.queue.StatusCounts(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	oldest, err := s.store.OldestRunningAge(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"counts":                 counts,
		"oldest_running_seconds": int(oldest.Seconds()),
	})
}

// handleLockContention exposes the persisted lock metric rollup so operators
// can see contention and takeover rates without Prometheus.
func (s *Server) handleLockContention(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.LockMetricSummary(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": summary})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.DeadLetterJobs(r.Context(), 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handlePreview runs a dry-run allocation pass: same math as a real cycle,
// zero writes.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	sel := scheduler.SelectionAll
	if v := r.URL.Query().Get("selection"); v != "" {
		parsed, err := scheduler.ParseSelection(v)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sel = parsed
	}
	report, err := s.scheduler.PreviewCycle(r.Context(), sel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	control, err := s.store.ControlState(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, control)
}

type pauseRequest struct {
	DurationMinutes int    `json:"duration_minutes"`
	Reason          string `json:"reason"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.DurationMinutes <= 0 {
		http.Error(w, "duration_minutes must be positive", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "operator pause"
	}
	until := time.Now().UTC().Add(time.Duration(req.DurationMinutes) * time.Minute)
	if err := s.store.SetPause(r.Context(), until, req.Reason); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused_until": until})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearPause(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

type quarantineRequest struct {
	Enabled bool `json:"enabled"`
}

// handleQuarantine flips the kill switch. Clearing it is how an operator
// re-enables scheduling after resolving a platform challenge.
func (s *Server) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	var req quarantineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.store.SetQuarantine(r.Context(), req.Enabled); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"quarantined": req.Enabled})
}

func (s *Server) handleLeadEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := s.store.LeadEvents(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
