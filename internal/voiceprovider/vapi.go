package voiceprovider

import (
	"context"
	"net/http"
	"strings"

	"voice-platform/internal/calls"
	"voice-platform/internal/events"
	"voice-platform/pkg/utils"
)

const NameVapi = "vapi"

type VapiConfig struct {
	APIKey        string
	WebhookSecret string
	BaseURL       string
	AssistantID   string
	PhoneNumberID string
}

type Vapi struct {
	cfg  VapiConfig
	opts Options
	rest restClient
}

func NewVapi(cfg VapiConfig, opts Options, hc *http.Client) *Vapi {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.vapi.ai"
	}
	return &Vapi{cfg: cfg, opts: opts, rest: newRESTClient(strings.TrimRight(cfg.BaseURL, "/"), cfg.APIKey, hc)}
}

func (v *Vapi) Name() string { return NameVapi }

func (v *Vapi) SignatureHeaders() []string {
	return []string{"x-vapi-signature", "x-vapi-secret", "x-signature"}
}

func (v *Vapi) WebhookSecret() string { return v.cfg.WebhookSecret }

type vapiCreateCall struct {
	AssistantID        string            `json:"assistantId,omitempty"`
	PhoneNumberID      string            `json:"phoneNumberId,omitempty"`
	Customer           vapiCustomer      `json:"customer"`
	AssistantOverrides *vapiOverrides    `json:"assistantOverrides,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

type vapiCustomer struct {
	Number string `json:"number"`
}

type vapiOverrides struct {
	VariableValues map[string]string `json:"variableValues,omitempty"`
}

func (v *Vapi) StartCall(ctx context.Context, req StartCallRequest) (StartCallResult, error) {
	if err := ValidateStart(req); err != nil {
		return StartCallResult{}, err
	}
	if v.opts.Synthetic {
		return StartCallResult{ProviderCallID: syntheticCallID(NameVapi, req.SessionID, req.PhoneE164)}, nil
	}

	body := vapiCreateCall{
		AssistantID:   utils.FirstNonEmpty(req.AgentID, v.cfg.AssistantID),
		PhoneNumberID: v.cfg.PhoneNumberID,
		Customer:      vapiCustomer{Number: req.PhoneE164},
		Metadata:      map[string]string{"sessionId": req.SessionID},
	}
	if len(req.Profile) > 0 {
		body.AssistantOverrides = &vapiOverrides{VariableValues: map[string]string{"businessProfile": string(req.Profile)}}
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := v.rest.postJSON(ctx, "vapi: create call", "/call", body, &out); err != nil {
		return StartCallResult{}, err
	}
	if out.ID == "" {
		return StartCallResult{}, validationErr("id", "missing in vapi response")
	}
	return StartCallResult{ProviderCallID: out.ID}, nil
}

// VerifyWebhook accepts either an HMAC of the body or, for servers configured
// with Vapi's shared-secret header, the secret itself.
func (v *Vapi) VerifyWebhook(signature string, rawBody []byte, secret string) bool {
	if v.opts.AcceptUnsigned {
		return true
	}
	if verifyHMAC(signature, rawBody, secret) {
		return true
	}
	return secret != "" && constantTimeEqual(signature, secret)
}

type vapiWebhook struct {
	Message struct {
		Type         string   `json:"type"`
		Status       string   `json:"status"`
		EndedReason  string   `json:"endedReason"`
		Timestamp    flexTime `json:"timestamp"`
		Summary      string   `json:"summary"`
		Transcript   string   `json:"transcript"`
		RecordingURL string   `json:"recordingUrl"`
		Artifact     struct {
			Transcript   string `json:"transcript"`
			RecordingURL string `json:"recordingUrl"`
		} `json:"artifact"`
		Analysis struct {
			Summary string `json:"summary"`
		} `json:"analysis"`
		Call struct {
			ID        string         `json:"id"`
			Metadata  map[string]any `json:"metadata"`
			CreatedAt flexTime       `json:"createdAt"`
		} `json:"call"`
	} `json:"message"`
}

func (v *Vapi) ParseEvent(raw []byte) (events.ProviderEvent, error) {
	var w vapiWebhook
	if err := decodeJSON(raw, &w); err != nil {
		return events.ProviderEvent{}, err
	}
	m := w.Message

	ev := events.ProviderEvent{
		Provider:       NameVapi,
		ProviderCallID: m.Call.ID,
		Event:          m.Type,
		Status:         vapiStatus(m.Type, m.Status, m.EndedReason),
		Timestamp:      firstTime(m.Timestamp, m.Call.CreatedAt),
		Summary:        utils.FirstNonEmpty(m.Summary, m.Analysis.Summary),
		TranscriptURL:  utils.FirstNonEmpty(m.RecordingURL, m.Artifact.RecordingURL),
		Transcript:     utils.FirstNonEmpty(m.Transcript, m.Artifact.Transcript),
	}
	if m.EndedReason != "" || len(m.Call.Metadata) > 0 {
		ev.Metadata = map[string]any{}
		for k, val := range m.Call.Metadata {
			ev.Metadata[k] = val
		}
		if m.EndedReason != "" {
			ev.Metadata["ended_reason"] = m.EndedReason
		}
	}
	return ev, nil
}

func vapiStatus(msgType, status, endedReason string) calls.Status {
	if msgType == "end-of-call-report" {
		if failureReason(endedReason) {
			return calls.StatusFailed
		}
		return calls.StatusCompleted
	}
	switch status {
	case "queued":
		return calls.StatusQueued
	case "ringing":
		return calls.StatusRinging
	case "in-progress", "forwarding":
		return calls.StatusInProgress
	case "ended":
		if failureReason(endedReason) {
			return calls.StatusFailed
		}
		return calls.StatusCompleted
	}
	return calls.StatusUnknown
}

var _ Provider = (*Vapi)(nil)
