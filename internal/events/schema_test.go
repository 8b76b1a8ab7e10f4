package events

import (
	"testing"
	"time"

	"voice-platform/internal/apperr"
	"voice-platform/internal/calls"

	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	valid := ProviderEvent{
		Provider:       "vapi",
		ProviderCallID: "c-1",
		Event:          "status-update",
		Status:         calls.StatusRinging,
		Timestamp:      time.Now(),
		Metadata:       map[string]any{"attempt": 1},
	}
	require.NoError(t, Validate(valid))

	cases := []struct {
		name   string
		mutate func(*ProviderEvent)
		want   string
	}{
		{"missing call id", func(e *ProviderEvent) { e.ProviderCallID = "" }, "providerCallId"},
		{"missing timestamp", func(e *ProviderEvent) { e.Timestamp = time.Time{} }, "timestamp"},
		{"unknown provider", func(e *ProviderEvent) { e.Provider = "bland" }, "/provider"},
		{"bad status", func(e *ProviderEvent) { e.Status = "ENDED" }, "/status"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := valid
			tc.mutate(&ev)
			err := Validate(ev)
			var ve *apperr.ValidationError
			require.ErrorAs(t, err, &ve)
			require.Contains(t, ve.Error(), tc.want)
		})
	}
}
