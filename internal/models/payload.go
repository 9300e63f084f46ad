package models

import (
	"encoding/json"
	"fmt"
)

// Typed job payloads. The queue stores payloads as opaque JSON; workers decode
// them exactly once at claim time via DecodePayload.

type InvitePayload struct {
	LeadID     string `json:"lead_id"`
	ListName   string `json:"list_name"`
	ProfileURL string `json:"profile_url"`
	Note       string `json:"note,omitempty"`
}

type AcceptanceCheckPayload struct {
	LeadID     string `json:"lead_id"`
	ListName   string `json:"list_name"`
	ProfileURL string `json:"profile_url"`
}

type MessagePayload struct {
	LeadID     string `json:"lead_id"`
	ListName   string `json:"list_name"`
	ProfileURL string `json:"profile_url"`
	Text       string `json:"text,omitempty"`
}

type HygienePayload struct {
	AccountID         string `json:"account_id"`
	WithdrawAfterDays int    `json:"withdraw_after_days"`
}

// DecodePayload unmarshals raw into the concrete payload type for t.
func DecodePayload(t JobType, raw json.RawMessage) (any, error) {
	switch t {
	case JobTypeInvite:
		var p InvitePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode invite payload: %w", err)
		}
		return p, nil
	case JobTypeAcceptanceCheck:
		var p AcceptanceCheckPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode acceptance_check payload: %w", err)
		}
		return p, nil
	case JobTypeMessage:
		var p MessagePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode message payload: %w", err)
		}
		return p, nil
	case JobTypeHygiene:
		var p HygienePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode hygiene payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown job type %q", t)
	}
}
