package calls

import (
	"encoding/json"
	"strings"
	"time"
)

// Call is one attempted or completed phone interaction placed through a voice provider.
//
// (Provider, ProviderCallID) is unique once ProviderCallID is assigned.
// A call is terminal once Status is COMPLETED or FAILED.
type Call struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`

	Provider       string `json:"provider"`
	ProviderCallID string `json:"provider_call_id,omitempty"`
	// CarrierCallSid is the Twilio CallSid when the audio rides our carrier leg.
	CarrierCallSid string `json:"carrier_call_sid,omitempty"`

	From string `json:"from"`
	To   string `json:"to"`

	Status Status `json:"status"`

	StartedAt   time.Time  `json:"started_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`

	DurationSeconds int    `json:"duration_seconds"`
	Summary         string `json:"summary,omitempty"`
	TranscriptURL   string `json:"transcript_url,omitempty"`
	Rating          *int   `json:"rating,omitempty"`

	LastEventAt *time.Time `json:"last_event_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Session groups the calls placed for one visitor's business profile.
type Session struct {
	ID           string          `json:"id"`
	Status       SessionStatus   `json:"status"`
	BusinessName string          `json:"business_name"`
	Profile      json.RawMessage `json:"business_profile"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionCompleted SessionStatus = "COMPLETED"
)

// Status is the canonical call status shared by every voice provider.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusInitiated  Status = "INITIATED"
	StatusRinging    Status = "RINGING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusUnknown    Status = "UNKNOWN"
)

// ParseStatus accepts any casing and maps unrecognized values to UNKNOWN.
func ParseStatus(s string) Status {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusQueued, StatusInitiated, StatusRinging, StatusInProgress, StatusCompleted, StatusFailed:
		return st
	default:
		return StatusUnknown
	}
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusInitiated:
		return 1
	case StatusRinging:
		return 2
	case StatusInProgress:
		return 3
	case StatusCompleted, StatusFailed:
		return 4
	default:
		return -1
	}
}

// Transition reports the status a call in cur should hold after an event
// reporting next, and whether the event is applied at all.
//
// Status only moves forward. Terminal states are never left, but a repeat of
// the same terminal status is applied so display fields can be refreshed.
// UNKNOWN never changes the status.
func Transition(cur, next Status) (Status, bool) {
	if next == StatusUnknown || next.rank() < 0 {
		return cur, false
	}
	if cur.IsTerminal() {
		return cur, next == cur
	}
	if next.IsTerminal() {
		return next, true
	}
	if next.rank() < cur.rank() {
		return cur, false
	}
	return next, true
}
