package telephony

import (
	"context"

	"voice-platform/internal/calls"
	"voice-platform/internal/mediastream"
)

// The carrier boundary only translates Twilio requests into calls to these
// collaborators. No business logic lives in this package.
//
// Rules:
// - Carrier-facing handlers always answer 2xx; failures are logged.
// - No Twilio SDK types leak out of this package.

// CallTracker is the slice of calls.Service the carrier handlers drive.
type CallTracker interface {
	FindByCarrierSid(ctx context.Context, callSid string) (calls.Call, error)
	GetSession(ctx context.Context, id string) (calls.Session, error)
	ApplyCarrierUpdate(ctx context.Context, callSid string, u calls.Update) error
	BeginInbound(ctx context.Context, callSid, provider, from, to string) (calls.Call, error)
}

// StreamBridge is the media stream bridge.
type StreamBridge interface {
	Start(ctx context.Context, p mediastream.StartParams) error
	Media(ctx context.Context, callSid, streamSid, payload string)
	Stop(ctx context.Context, callSid, streamSid string) error
	GetQueuedAudio(callSid, streamSid string) ([]string, error)
	QueueAudio(callSid, streamSid string, frame []byte) error
}

// Admission bounds how many calls are bridged at once.
type Admission interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// AdmissionKey is the shared counter for bridged calls.
const AdmissionKey = "voice:bridged_calls"

// StreamParams are custom parameters attached to the <Stream> and echoed back
// on its start event.
type StreamParams struct {
	SessionID string
	CallID    string
	AgentID   string
	To        string
}

func (p StreamParams) values() map[string]string {
	out := map[string]string{}
	if p.SessionID != "" {
		out["session_id"] = p.SessionID
	}
	if p.CallID != "" {
		out["call_id"] = p.CallID
	}
	if p.AgentID != "" {
		out["agent_id"] = p.AgentID
	}
	if p.To != "" {
		out["to"] = p.To
	}
	return out
}
