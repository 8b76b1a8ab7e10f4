package telephony

import (
	"strings"
	"testing"
)

func TestConnectStreamTwiML(t *testing.T) {
	xml, err := ConnectStreamTwiML("Hi there", "wss://voice.example.com/stream", StreamParams{
		SessionID: "s1",
		CallID:    "c1",
		AgentID:   "agent-7",
		To:        "+15557654321",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for _, want := range []string{"<Say", "Hi there", "<Connect", "<Stream", `url="wss://voice.example.com/stream"`, `track="both_tracks"`, `value="agent-7"`} {
		if !strings.Contains(xml, want) {
			t.Fatalf("expected %q in xml: %s", want, xml)
		}
	}

	// Parameters are emitted in name order.
	prev := -1
	for _, name := range []string{`"agent_id"`, `"call_id"`, `"session_id"`, `"to"`} {
		i := strings.Index(xml, name)
		if i < 0 || i < prev {
			t.Fatalf("parameter %s missing or out of order: %s", name, xml)
		}
		prev = i
	}
	if strings.Index(xml, "<Say") > strings.Index(xml, "<Connect") {
		t.Fatalf("expected greeting before connect: %s", xml)
	}
}

func TestConnectStreamTwiMLOmitsEmpty(t *testing.T) {
	xml, err := ConnectStreamTwiML("", "wss://voice.example.com/stream", StreamParams{To: "+1555"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if strings.Contains(xml, "<Say") {
		t.Fatalf("expected no greeting: %s", xml)
	}
	if strings.Contains(xml, "session_id") || !strings.Contains(xml, `"to"`) {
		t.Fatalf("unexpected parameters: %s", xml)
	}
}

func TestConnectStreamTwiMLRequiresURL(t *testing.T) {
	if _, err := ConnectStreamTwiML("hi", " ", StreamParams{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestGatherAndHangupTwiML(t *testing.T) {
	xml, err := GatherTwiML("How can we help?", "https://x.example.com/webhooks/twilio/gather")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for _, want := range []string{"<Gather", `input="speech"`, "How can we help?", "<Hangup"} {
		if !strings.Contains(xml, want) {
			t.Fatalf("expected %q in xml: %s", want, xml)
		}
	}

	xml, err = HangupTwiML("")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(xml, "<Hangup") || strings.Contains(xml, "<Say") {
		t.Fatalf("unexpected hangup xml: %s", xml)
	}
}
