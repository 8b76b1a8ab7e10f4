package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"voice-platform/internal/apperr"
	"voice-platform/internal/calls"

	twilio "github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// statusCallbackEvents are the progress events Twilio posts to the status route.
var statusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

type callCreator interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
}

// TwilioDialer places outbound calls whose audio is bridged back through
// our voice and stream webhooks.
type TwilioDialer struct {
	calls      callCreator
	publicURL  string
	fromNumber string
}

func NewTwilioDialer(accountSID, authToken, publicURL, fromNumber string) *TwilioDialer {
	rc := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return newTwilioDialer(rc.Api, publicURL, fromNumber)
}

func newTwilioDialer(cc callCreator, publicURL, fromNumber string) *TwilioDialer {
	return &TwilioDialer{
		calls:      cc,
		publicURL:  strings.TrimRight(publicURL, "/"),
		fromNumber: fromNumber,
	}
}

// PlaceOutboundCall dials to and returns the Twilio CallSid.
func (d *TwilioDialer) PlaceOutboundCall(ctx context.Context, to, from string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if from == "" {
		from = d.fromNumber
	}
	if to == "" || from == "" {
		return "", apperr.Validation("to", "to and from numbers are required")
	}
	if d.publicURL == "" {
		return "", fmt.Errorf("telephony: public url not set: %w", apperr.ErrConfiguration)
	}

	params := &openapi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(d.publicURL + "/webhooks/twilio/voice")
	params.SetStatusCallback(d.publicURL + "/webhooks/twilio/status")
	params.SetStatusCallbackEvent(statusCallbackEvents)
	params.SetStatusCallbackMethod(http.MethodPost)

	resp, err := d.calls.CreateCall(params)
	if err != nil {
		return "", classifyTwilioErr(err)
	}
	if resp == nil || resp.Sid == nil || *resp.Sid == "" {
		return "", errors.New("telephony: twilio returned no call sid")
	}
	return *resp.Sid, nil
}

func classifyTwilioErr(err error) error {
	var restErr *client.TwilioRestError
	if errors.As(err, &restErr) {
		switch {
		case restErr.Status >= 500:
			return apperr.Transient("twilio create call", err)
		case restErr.Status == http.StatusUnauthorized || restErr.Status == http.StatusForbidden:
			return fmt.Errorf("telephony: twilio credentials rejected: %w: %w", apperr.ErrConfiguration, err)
		}
		return fmt.Errorf("telephony: twilio create call: %w", err)
	}
	// No REST error means the request never completed.
	return apperr.Transient("twilio create call", err)
}

// MapCallStatus maps a Twilio CallStatus to the canonical call status.
func MapCallStatus(s string) calls.Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued":
		return calls.StatusQueued
	case "initiated":
		return calls.StatusInitiated
	case "ringing":
		return calls.StatusRinging
	case "in-progress", "answered":
		return calls.StatusInProgress
	case "completed":
		return calls.StatusCompleted
	case "busy", "failed", "no-answer", "canceled":
		return calls.StatusFailed
	default:
		return calls.StatusUnknown
	}
}
