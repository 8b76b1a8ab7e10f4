package voiceprovider

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"voice-platform/internal/apperr"
)

func validationErr(field, reason string) error {
	return apperr.Validation(field, reason)
}

// decodeJSON decodes raw with numbers preserved so timestamps keep precision.
func decodeJSON(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return validationErr("/", "body is not valid JSON")
	}
	return nil
}

// flexTime accepts unix seconds, unix milliseconds or an RFC 3339 string.
type flexTime struct {
	time.Time
}

func (f *flexTime) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		if n, err := strconv.ParseInt(unq, 10, 64); err == nil {
			f.Time = fromEpoch(n)
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, unq)
		if err != nil {
			return err
		}
		f.Time = t.UTC()
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	f.Time = fromEpoch(int64(n))
	return nil
}

// fromEpoch treats values past year 2286 in seconds as milliseconds.
func fromEpoch(n int64) time.Time {
	if n > 1e11 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func firstTime(ts ...flexTime) time.Time {
	for _, t := range ts {
		if !t.IsZero() {
			return t.Time
		}
	}
	return time.Time{}
}

// failureReason reports whether an end-of-call reason means the call never
// connected or broke, as opposed to a normal hangup.
func failureReason(reason string) bool {
	r := strings.ToLower(reason)
	if r == "" {
		return false
	}
	for _, marker := range []string{"error", "fail", "busy", "no_answer", "no-answer", "did-not-answer", "invalid", "unreachable", "voicemail_reached_not_allowed"} {
		if strings.Contains(r, marker) {
			return true
		}
	}
	return false
}
