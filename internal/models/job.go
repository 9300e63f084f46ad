package models

import (
	"encoding/json"
	"time"
)

// JobType enumerates the kinds of outreach work the queue carries.
type JobType string

const (
	JobTypeInvite          JobType = "invite"
	JobTypeAcceptanceCheck JobType = "acceptance_check"
	JobTypeMessage         JobType = "message"
	JobTypeHygiene         JobType = "hygiene"
)

// AllJobTypes is the claim filter used by workers that handle everything.
var AllJobTypes = []JobType{JobTypeInvite, JobTypeAcceptanceCheck, JobTypeMessage, JobTypeHygiene}

// Job queue lifecycle states persisted in Postgres.
const (
	JobQueued     = "queued"
	JobRunning    = "running"
	JobSucceeded  = "succeeded"
	JobFailed     = "failed"
	JobDeadLetter = "dead_letter"
	JobPaused     = "paused"
)

// Job is a durable work item. A job is claimable only when status is queued
// and next_run_at has passed; exactly one worker may hold it in running.
type Job struct {
	ID             string          `json:"id"`
	Type           JobType         `json:"type"`
	Status         string          `json:"status"`
	AccountID      string          `json:"account_id"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	NextRunAt      time.Time       `json:"next_run_at"`
	LockedAt       *time.Time      `json:"locked_at,omitempty"`
	HeartbeatAt    *time.Time      `json:"heartbeat_at,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
