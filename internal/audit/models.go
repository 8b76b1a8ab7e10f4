package audit

import "time"

// Event is an immutable, append-only record of an operator action.
//
// Invariants:
// - Events are never updated or deleted.
// - operator_id and action are required.
// - ip capture is best-effort; do not block critical flows on audit failures.
type Event struct {
	ID     string `json:"id" db:"id"`
	Action Action `json:"action" db:"action"`

	// OperatorID is the token subject that caused the event.
	OperatorID string `json:"operator_id" db:"operator_id"`
	Role       string `json:"role,omitempty" db:"role"`

	// IPAddress is the client IP as resolved by the router.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// Target identifiers (optional, depending on the action).
	SessionID string `json:"session_id,omitempty" db:"session_id"`
	CallID    string `json:"call_id,omitempty" db:"call_id"`
	Provider  string `json:"provider,omitempty" db:"provider"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Action string

const (
	ActionSessionCreated  Action = "session_created"
	ActionCallStarted     Action = "call_started"
	ActionCallStartFailed Action = "call_start_failed"
)
