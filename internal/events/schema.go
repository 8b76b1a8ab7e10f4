package events

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"voice-platform/internal/apperr"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const providerEventSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["provider", "providerCallId", "event", "status", "timestamp"],
  "properties": {
    "provider": {"type": "string", "enum": ["retell", "vapi", "awaz"]},
    "providerCallId": {"type": "string", "minLength": 1, "maxLength": 256},
    "sessionId": {"type": "string"},
    "event": {"type": "string", "minLength": 1, "maxLength": 128},
    "status": {"type": "string", "enum": ["INITIATED", "RINGING", "IN_PROGRESS", "COMPLETED", "FAILED", "QUEUED", "UNKNOWN"]},
    "timestamp": {"type": "string", "minLength": 1},
    "summary": {"type": "string"},
    "transcriptUrl": {"type": "string"},
    "transcript": {"type": "string"},
    "metadata": {"type": "object"}
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("provider_event.json", providerEventSchema)
	})
	return schema, schemaErr
}

// Validate checks a normalized event against the canonical schema.
// Failures are *apperr.ValidationError carrying the JSON pointer of the field.
func Validate(e ProviderEvent) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(e.document())
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if err := s.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			for len(ve.Causes) > 0 {
				ve = ve.Causes[0]
			}
			field := ve.InstanceLocation
			if field == "" {
				field = "/"
			}
			return apperr.Validation(field, ve.Message)
		}
		return apperr.Validation("", err.Error())
	}
	return nil
}

// document renders the event as the generic JSON value the schema sees.
// Zero values of required fields are omitted so "required" catches them.
func (e ProviderEvent) document() map[string]any {
	doc := map[string]any{}
	put := func(k, v string) {
		if v != "" {
			doc[k] = v
		}
	}
	put("provider", e.Provider)
	put("providerCallId", e.ProviderCallID)
	put("sessionId", e.SessionID)
	put("event", e.Event)
	put("status", string(e.Status))
	if !e.Timestamp.IsZero() {
		doc["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	put("summary", e.Summary)
	put("transcriptUrl", e.TranscriptURL)
	put("transcript", e.Transcript)
	if e.Metadata != nil {
		doc["metadata"] = e.Metadata
	}
	return doc
}
