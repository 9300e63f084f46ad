package models

import "time"

// LeadStatus is the outreach entity lifecycle status. Every mutation must be a
// permitted edge in the lifecycle transition graph.
type LeadStatus string

const (
	LeadNew            LeadStatus = "NEW"
	LeadReadyInvite    LeadStatus = "READY_INVITE"
	LeadInvited        LeadStatus = "INVITED"
	LeadAccepted       LeadStatus = "ACCEPTED"
	LeadConnected      LeadStatus = "CONNECTED"
	LeadReadyMessage   LeadStatus = "READY_MESSAGE"
	LeadMessaged       LeadStatus = "MESSAGED"
	LeadReplied        LeadStatus = "REPLIED"
	LeadSkipped        LeadStatus = "SKIPPED"
	LeadBlocked        LeadStatus = "BLOCKED"
	LeadDead           LeadStatus = "DEAD"
	LeadReviewRequired LeadStatus = "REVIEW_REQUIRED"
	LeadWithdrawn      LeadStatus = "WITHDRAWN"

	// LeadPending is a legacy alias of READY_INVITE kept for rows imported
	// from the old exporter. Normalized at every read boundary.
	LeadPending LeadStatus = "PENDING"
)

// Lead is one outreach target row.
type Lead struct {
	ID         string     `json:"id"`
	ListName   string     `json:"list_name"`
	AccountID  string     `json:"account_id"`
	ProfileURL string     `json:"profile_url"`
	FullName   string     `json:"full_name"`
	Status     LeadStatus `json:"status"`
	InvitedAt  *time.Time `json:"invited_at,omitempty"`
	RepliedAt  *time.Time `json:"replied_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// LeadEvent is the immutable audit record paired with every status change.
type LeadEvent struct {
	ID         int64          `json:"id"`
	LeadID     string         `json:"lead_id"`
	From       LeadStatus     `json:"from"`
	To         LeadStatus     `json:"to"`
	Reason     string         `json:"reason"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Reconciled bool           `json:"reconciled"`
	At         time.Time      `json:"at"`
}
