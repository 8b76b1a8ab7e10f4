package voiceprovider

import (
	"context"
	"fmt"
	"strings"

	"voice-platform/internal/apperr"
	"voice-platform/internal/calls"
	"voice-platform/internal/events"
	"voice-platform/pkg/logger"
	"voice-platform/pkg/utils"
)

const NameAwaz = "awaz"

// Dialer places the carrier leg that Awaz audio is bridged onto.
type Dialer interface {
	PlaceOutboundCall(ctx context.Context, to, from string) (string, error)
}

// AgentAssigner pins the agent the media bridge will request for a carrier call.
type AgentAssigner interface {
	Assign(ctx context.Context, callSid, agentID string) error
}

type AwazConfig struct {
	APIKey        string
	WebhookSecret string
	AgentID       string
	FromNumber    string
}

// Awaz has no call-placement API; we dial through the carrier and the
// audio is streamed to Awaz over the socket manager. The provider call id is
// therefore the carrier CallSid.
type Awaz struct {
	cfg    AwazConfig
	opts   Options
	dialer Dialer
	agents AgentAssigner
}

func NewAwaz(cfg AwazConfig, opts Options, dialer Dialer, agents AgentAssigner) *Awaz {
	return &Awaz{cfg: cfg, opts: opts, dialer: dialer, agents: agents}
}

func (a *Awaz) Name() string { return NameAwaz }

func (a *Awaz) SignatureHeaders() []string {
	return []string{"x-awaz-signature", "x-signature"}
}

func (a *Awaz) WebhookSecret() string { return a.cfg.WebhookSecret }

func (a *Awaz) StartCall(ctx context.Context, req StartCallRequest) (StartCallResult, error) {
	if err := ValidateStart(req); err != nil {
		return StartCallResult{}, err
	}
	if a.opts.Synthetic {
		return StartCallResult{ProviderCallID: syntheticCallID(NameAwaz, req.SessionID, req.PhoneE164)}, nil
	}
	if a.dialer == nil {
		return StartCallResult{}, fmt.Errorf("awaz: %w: no carrier dialer", apperr.ErrConfiguration)
	}

	sid, err := a.dialer.PlaceOutboundCall(ctx, req.PhoneE164, utils.FirstNonEmpty(req.From, a.cfg.FromNumber))
	if err != nil {
		return StartCallResult{}, fmt.Errorf("awaz: place carrier call: %w", err)
	}
	if agent := utils.FirstNonEmpty(req.AgentID, a.cfg.AgentID); agent != "" && a.agents != nil {
		// The carrier is already dialing; the bridge falls back to the
		// directory default agent.
		if err := a.agents.Assign(ctx, sid, agent); err != nil {
			logger.From(ctx).Warn("awaz agent assignment failed, using default agent",
				"call_sid", sid, "agent_id", agent, "err", err)
		}
	}
	return StartCallResult{ProviderCallID: sid, CarrierCallSid: sid}, nil
}

func (a *Awaz) VerifyWebhook(signature string, rawBody []byte, secret string) bool {
	if a.opts.AcceptUnsigned {
		return true
	}
	return verifyHMAC(signature, rawBody, secret)
}

type awazWebhook struct {
	Event         string         `json:"event"`
	CallID        string         `json:"call_id"`
	Status        string         `json:"status"`
	Timestamp     flexTime       `json:"timestamp"`
	Summary       string         `json:"summary"`
	TranscriptURL string         `json:"transcript_url"`
	Transcript    string         `json:"transcript"`
	EndReason     string         `json:"end_reason"`
	Metadata      map[string]any `json:"metadata"`
}

func (a *Awaz) ParseEvent(raw []byte) (events.ProviderEvent, error) {
	var w awazWebhook
	if err := decodeJSON(raw, &w); err != nil {
		return events.ProviderEvent{}, err
	}
	ev := events.ProviderEvent{
		Provider:       NameAwaz,
		ProviderCallID: w.CallID,
		Event:          w.Event,
		Status:         awazStatus(w.Event, w.Status, w.EndReason),
		Timestamp:      w.Timestamp.Time,
		Summary:        w.Summary,
		TranscriptURL:  w.TranscriptURL,
		Transcript:     w.Transcript,
		Metadata:       w.Metadata,
	}
	if w.EndReason != "" {
		if ev.Metadata == nil {
			ev.Metadata = map[string]any{}
		}
		ev.Metadata["end_reason"] = w.EndReason
	}
	return ev, nil
}

func awazStatus(event, status, endReason string) calls.Status {
	if s := calls.ParseStatus(strings.ReplaceAll(status, "-", "_")); s != calls.StatusUnknown {
		if s == calls.StatusCompleted && failureReason(endReason) {
			return calls.StatusFailed
		}
		return s
	}
	switch strings.ToLower(event) {
	case "call.initiated":
		return calls.StatusInitiated
	case "call.ringing":
		return calls.StatusRinging
	case "call.started", "call.answered":
		return calls.StatusInProgress
	case "call.ended", "call.completed":
		if failureReason(endReason) {
			return calls.StatusFailed
		}
		return calls.StatusCompleted
	case "call.failed":
		return calls.StatusFailed
	}
	return calls.StatusUnknown
}

var _ Provider = (*Awaz)(nil)
