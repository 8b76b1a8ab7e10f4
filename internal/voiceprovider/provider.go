package voiceprovider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"voice-platform/internal/events"
)

// Provider is the capability set every voice backend implements.
//
// Rules:
// - StartCall places at most one external call per invocation.
// - VerifyWebhook compares in constant time.
// - ParseEvent tolerates missing optional fields and maps provider statuses
//   onto calls.Status.
type Provider interface {
	Name() string
	StartCall(ctx context.Context, req StartCallRequest) (StartCallResult, error)
	VerifyWebhook(signature string, rawBody []byte, secret string) bool
	ParseEvent(raw []byte) (events.ProviderEvent, error)

	// SignatureHeaders lists the header names to check, in order.
	SignatureHeaders() []string
	WebhookSecret() string
}

type StartCallRequest struct {
	SessionID string
	PhoneE164 string
	// From is the caller id to present, when the provider lets us choose.
	From    string
	Profile json.RawMessage
	AgentID string
}

type StartCallResult struct {
	ProviderCallID string
	// CarrierCallSid is set when the provider's audio rides our carrier leg.
	CarrierCallSid string
}

// Options are shared by all providers.
type Options struct {
	// Synthetic makes StartCall return a deterministic id without calling the backend.
	Synthetic bool
	// AcceptUnsigned makes VerifyWebhook accept every request.
	AcceptUnsigned bool
}

// OptionsForEnv returns the options for an APP_ENV value.
func OptionsForEnv(production bool) Options {
	return Options{Synthetic: !production, AcceptUnsigned: !production}
}

// syntheticCallID is stable for a (session, phone) pair so retries in tests converge.
func syntheticCallID(provider, sessionID, phone string) string {
	sum := sha256.Sum256([]byte(sessionID + "|" + phone))
	return fmt.Sprintf("%s_test_%s", provider, hex.EncodeToString(sum[:])[:16])
}

// verifyHMAC checks a hex HMAC-SHA256 of body. An optional "sha256=" prefix is accepted.
func verifyHMAC(signature string, body []byte, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	sig := strings.TrimSpace(signature)
	sig = strings.TrimPrefix(sig, "sha256=")
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Sign returns the hex HMAC-SHA256 signature VerifyWebhook expects.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidateStart checks the fields every provider needs before dialing.
func ValidateStart(req StartCallRequest) error {
	if req.SessionID == "" {
		return validationErr("session_id", "required")
	}
	if !isE164(req.PhoneE164) {
		return validationErr("phone", "must be E.164")
	}
	return nil
}

func isE164(s string) bool {
	if len(s) < 8 || len(s) > 16 || s[0] != '+' {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
