package telephony

import (
	"net/http"
	"strconv"
	"strings"
)

// TwilioVoiceForm captures the subset of voice webhook fields we care about.
// Twilio sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/twiml
type TwilioVoiceForm struct {
	CallSid    string
	AccountSid string
	From       string
	To         string
	Direction  string
	CallStatus string
}

func ParseTwilioVoice(r *http.Request) (TwilioVoiceForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioVoiceForm{}, err
	}
	return TwilioVoiceForm{
		CallSid:    r.PostFormValue("CallSid"),
		AccountSid: r.PostFormValue("AccountSid"),
		From:       normalizePhone(r.PostFormValue("From")),
		To:         normalizePhone(r.PostFormValue("To")),
		Direction:  r.PostFormValue("Direction"),
		CallStatus: r.PostFormValue("CallStatus"),
	}, nil
}

// Outbound reports whether we placed the call (Twilio reports the dialed
// party in To for outbound-api calls).
func (f TwilioVoiceForm) Outbound() bool {
	return strings.HasPrefix(f.Direction, "outbound")
}

// TwilioStreamForm is one media-stream webhook delivery.
type TwilioStreamForm struct {
	CallSid        string
	StreamSid      string
	Event          string
	MediaPayload   string
	SequenceNumber int
	Track          string

	// Custom <Parameter> values echoed on start.
	Params StreamParams
}

func ParseTwilioStream(r *http.Request) (TwilioStreamForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioStreamForm{}, err
	}
	seq, _ := strconv.Atoi(r.PostFormValue("SequenceNumber"))
	return TwilioStreamForm{
		CallSid:        r.PostFormValue("CallSid"),
		StreamSid:      r.PostFormValue("StreamSid"),
		Event:          strings.ToLower(strings.TrimSpace(r.PostFormValue("Event"))),
		MediaPayload:   r.PostFormValue("MediaPayload"),
		SequenceNumber: seq,
		Track:          r.PostFormValue("Track"),
		Params: StreamParams{
			SessionID: customParam(r, "session_id"),
			CallID:    customParam(r, "call_id"),
			AgentID:   customParam(r, "agent_id"),
			To:        normalizePhone(customParam(r, "to")),
		},
	}, nil
}

// customParam accepts both the bare name and Twilio's "Parameter.<name>" form.
func customParam(r *http.Request, name string) string {
	if v := r.PostFormValue(name); v != "" {
		return v
	}
	return r.PostFormValue("Parameter." + name)
}

// TwilioStatusForm is a status callback delivery.
type TwilioStatusForm struct {
	CallSid      string
	CallStatus   string
	CallDuration int
	Timestamp    string
}

func ParseTwilioStatus(r *http.Request) (TwilioStatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioStatusForm{}, err
	}
	dur, _ := strconv.Atoi(r.PostFormValue("CallDuration"))
	return TwilioStatusForm{
		CallSid:      r.PostFormValue("CallSid"),
		CallStatus:   strings.ToLower(r.PostFormValue("CallStatus")),
		CallDuration: dur,
		Timestamp:    r.PostFormValue("Timestamp"),
	}, nil
}

func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	// Twilio sometimes sends "anonymous" or empty; keep as-is.
	return s
}

// formParams flattens a parsed form for signature validation.
func formParams(r *http.Request) map[string]string {
	out := map[string]string{}
	for k, v := range r.PostForm {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
