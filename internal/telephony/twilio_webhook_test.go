package telephony

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func formRequest(path, body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func TestParseTwilioVoice(t *testing.T) {
	r := formRequest("/webhooks/twilio/voice", "CallSid=CA123&From=%2B15551234567&To=%2B15557654321&Direction=outbound-api&CallStatus=in-progress")

	form, err := ParseTwilioVoice(r)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if form.CallSid != "CA123" {
		t.Fatalf("expected CallSid")
	}
	if form.From != "+15551234567" || form.To != "+15557654321" {
		t.Fatalf("unexpected from/to: %q %q", form.From, form.To)
	}
	if !form.Outbound() {
		t.Fatalf("expected outbound")
	}
}

func TestParseTwilioStream(t *testing.T) {
	r := formRequest("/webhooks/twilio/stream",
		"CallSid=CA1&StreamSid=MZ1&Event=START&SequenceNumber=4&Parameter.session_id=s1&agent_id=a1&to=%2B15550001111")

	form, err := ParseTwilioStream(r)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if form.Event != "start" || form.SequenceNumber != 4 {
		t.Fatalf("unexpected event/seq: %q %d", form.Event, form.SequenceNumber)
	}
	if form.Params.SessionID != "s1" || form.Params.AgentID != "a1" || form.Params.To != "+15550001111" {
		t.Fatalf("unexpected params: %+v", form.Params)
	}
}

func TestParseTwilioStatus(t *testing.T) {
	r := formRequest("/webhooks/twilio/status", "CallSid=CA1&CallStatus=Completed&CallDuration=42")

	form, err := ParseTwilioStatus(r)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if form.CallStatus != "completed" || form.CallDuration != 42 {
		t.Fatalf("unexpected status form: %+v", form)
	}
}
