package voiceprovider

import (
	"context"
	"net/http"
	"strings"

	"voice-platform/internal/calls"
	"voice-platform/internal/events"
	"voice-platform/pkg/utils"
)

const NameRetell = "retell"

type RetellConfig struct {
	APIKey        string
	WebhookSecret string
	BaseURL       string
	AgentID       string
	FromNumber    string
}

type Retell struct {
	cfg  RetellConfig
	opts Options
	rest restClient
}

func NewRetell(cfg RetellConfig, opts Options, hc *http.Client) *Retell {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.retellai.com"
	}
	return &Retell{cfg: cfg, opts: opts, rest: newRESTClient(strings.TrimRight(cfg.BaseURL, "/"), cfg.APIKey, hc)}
}

func (r *Retell) Name() string { return NameRetell }

func (r *Retell) SignatureHeaders() []string {
	return []string{"x-retell-signature", "x-signature"}
}

func (r *Retell) WebhookSecret() string { return r.cfg.WebhookSecret }

type retellCreateCall struct {
	FromNumber       string            `json:"from_number"`
	ToNumber         string            `json:"to_number"`
	OverrideAgentID  string            `json:"override_agent_id,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	DynamicVariables map[string]string `json:"retell_llm_dynamic_variables,omitempty"`
}

func (r *Retell) StartCall(ctx context.Context, req StartCallRequest) (StartCallResult, error) {
	if err := ValidateStart(req); err != nil {
		return StartCallResult{}, err
	}
	if r.opts.Synthetic {
		return StartCallResult{ProviderCallID: syntheticCallID(NameRetell, req.SessionID, req.PhoneE164)}, nil
	}

	agent := utils.FirstNonEmpty(req.AgentID, r.cfg.AgentID)
	body := retellCreateCall{
		FromNumber:      utils.FirstNonEmpty(req.From, r.cfg.FromNumber),
		ToNumber:        req.PhoneE164,
		OverrideAgentID: agent,
		Metadata:        map[string]string{"session_id": req.SessionID},
	}
	if len(req.Profile) > 0 {
		body.DynamicVariables = map[string]string{"business_profile": string(req.Profile)}
	}

	var out struct {
		CallID string `json:"call_id"`
	}
	if err := r.rest.postJSON(ctx, "retell: create call", "/v2/create-phone-call", body, &out); err != nil {
		return StartCallResult{}, err
	}
	if out.CallID == "" {
		return StartCallResult{}, validationErr("call_id", "missing in retell response")
	}
	return StartCallResult{ProviderCallID: out.CallID}, nil
}

func (r *Retell) VerifyWebhook(signature string, rawBody []byte, secret string) bool {
	if r.opts.AcceptUnsigned {
		return true
	}
	return verifyHMAC(signature, rawBody, secret)
}

type retellWebhook struct {
	Event string `json:"event"`
	Call  struct {
		CallID              string         `json:"call_id"`
		CallStatus          string         `json:"call_status"`
		DisconnectionReason string         `json:"disconnection_reason"`
		StartTimestamp      flexTime       `json:"start_timestamp"`
		EndTimestamp        flexTime       `json:"end_timestamp"`
		Transcript          string         `json:"transcript"`
		RecordingURL        string         `json:"recording_url"`
		PublicLogURL        string         `json:"public_log_url"`
		Metadata            map[string]any `json:"metadata"`
		CallAnalysis        struct {
			CallSummary string `json:"call_summary"`
		} `json:"call_analysis"`
	} `json:"call"`
}

func (r *Retell) ParseEvent(raw []byte) (events.ProviderEvent, error) {
	var w retellWebhook
	if err := decodeJSON(raw, &w); err != nil {
		return events.ProviderEvent{}, err
	}

	status := retellStatus(w.Event, w.Call.CallStatus, w.Call.DisconnectionReason)
	ev := events.ProviderEvent{
		Provider:       NameRetell,
		ProviderCallID: w.Call.CallID,
		Event:          w.Event,
		Status:         status,
		Timestamp:      firstTime(w.Call.EndTimestamp, w.Call.StartTimestamp),
		Summary:        w.Call.CallAnalysis.CallSummary,
		TranscriptURL:  utils.FirstNonEmpty(w.Call.RecordingURL, w.Call.PublicLogURL),
		Transcript:     w.Call.Transcript,
	}
	if w.Event == "call_started" && !w.Call.StartTimestamp.IsZero() {
		ev.Timestamp = w.Call.StartTimestamp.Time
	}
	if w.Call.DisconnectionReason != "" || len(w.Call.Metadata) > 0 {
		ev.Metadata = map[string]any{}
		for k, v := range w.Call.Metadata {
			ev.Metadata[k] = v
		}
		if w.Call.DisconnectionReason != "" {
			ev.Metadata["disconnection_reason"] = w.Call.DisconnectionReason
		}
	}
	return ev, nil
}

func retellStatus(event, callStatus, reason string) calls.Status {
	switch event {
	case "call_started":
		return calls.StatusInProgress
	case "call_ended", "call_analyzed":
		if failureReason(reason) || callStatus == "error" {
			return calls.StatusFailed
		}
		return calls.StatusCompleted
	}
	switch callStatus {
	case "registered":
		return calls.StatusInitiated
	case "ongoing":
		return calls.StatusInProgress
	case "ended":
		if failureReason(reason) {
			return calls.StatusFailed
		}
		return calls.StatusCompleted
	case "error":
		return calls.StatusFailed
	}
	return calls.StatusUnknown
}

var _ Provider = (*Retell)(nil)
