package models

import "time"

// RuntimeLock is a named cross-process mutex row. At most one live owner per
// lock_key; once expires_at passes any requester may take the lock over.
type RuntimeLock struct {
	LockKey     string         `json:"lock_key"`
	OwnerID     string         `json:"owner_id"`
	AcquiredAt  time.Time      `json:"acquired_at"`
	HeartbeatAt time.Time      `json:"heartbeat_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// OutboxEvent is one at-least-once notification awaiting delivery. The row is
// inserted in the same transaction as the state change that produced it.
type OutboxEvent struct {
	ID             int64      `json:"id"`
	Topic          string     `json:"topic"`
	Key            string     `json:"key"`
	Payload        []byte     `json:"payload"`
	IdempotencyKey string     `json:"idempotency_key"`
	Attempts       int        `json:"attempts"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
