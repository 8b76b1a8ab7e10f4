package telephony

import (
	"errors"
	"sort"
	"strings"

	"github.com/twilio/twilio-go/twiml"
)

// ConnectStreamTwiML greets the caller and bridges both audio tracks of the
// call to streamURL. params are attached as <Parameter> elements.
func ConnectStreamTwiML(greeting, streamURL string, params StreamParams) (string, error) {
	if strings.TrimSpace(streamURL) == "" {
		return "", errors.New("telephony: stream url required")
	}

	values := params.values()
	names := make([]string, 0, len(values))
	for n := range values {
		names = append(names, n)
	}
	sort.Strings(names)

	inner := make([]twiml.Element, 0, len(names))
	for _, n := range names {
		inner = append(inner, &twiml.VoiceParameter{Name: n, Value: values[n]})
	}

	var verbs []twiml.Element
	if greeting != "" {
		verbs = append(verbs, &twiml.VoiceSay{Message: greeting})
	}
	verbs = append(verbs, &twiml.VoiceConnect{
		InnerElements: []twiml.Element{
			&twiml.VoiceStream{
				Url:           streamURL,
				Name:          "voice-bridge",
				Track:         "both_tracks",
				InnerElements: inner,
			},
		},
	})
	return twiml.Voice(verbs)
}

// GatherTwiML asks the caller to speak and posts the result to action.
func GatherTwiML(prompt, action string) (string, error) {
	return twiml.Voice([]twiml.Element{
		&twiml.VoiceGather{
			Input:         "speech",
			Action:        action,
			Method:        "POST",
			SpeechTimeout: "auto",
			InnerElements: []twiml.Element{&twiml.VoiceSay{Message: prompt}},
		},
		&twiml.VoiceSay{Message: "Sorry, I didn't catch that. Goodbye."},
		&twiml.VoiceHangup{},
	})
}

// HangupTwiML says message, if any, and hangs up.
func HangupTwiML(message string) (string, error) {
	var verbs []twiml.Element
	if message != "" {
		verbs = append(verbs, &twiml.VoiceSay{Message: message})
	}
	verbs = append(verbs, &twiml.VoiceHangup{})
	return twiml.Voice(verbs)
}
