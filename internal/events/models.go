package events

import (
	"fmt"
	"time"

	"voice-platform/internal/calls"
)

// ProviderEvent is the canonical shape every voice provider webhook is normalized into.
type ProviderEvent struct {
	Provider       string `json:"provider"`
	ProviderCallID string `json:"providerCallId"`
	// SessionID is filled from the stored call; providers never know it.
	SessionID string       `json:"sessionId,omitempty"`
	Event     string       `json:"event"`
	Status    calls.Status `json:"status"`
	Timestamp time.Time    `json:"timestamp"`

	Summary       string         `json:"summary,omitempty"`
	TranscriptURL string         `json:"transcriptUrl,omitempty"`
	Transcript    string         `json:"transcript,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// DedupeKey identifies one webhook delivery: provider:providerCallId:event:timestamp.
// The timestamp component is unix milliseconds.
func (e ProviderEvent) DedupeKey() string {
	return fmt.Sprintf("%s:%s:%s:%d", e.Provider, e.ProviderCallID, e.Event, e.Timestamp.UnixMilli())
}

// Record is one row of the event ledger.
type Record struct {
	ID        string `json:"id"`
	DedupeKey string `json:"dedupe_key"`
	ProviderEvent
	ReceivedAt time.Time `json:"received_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
