package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy shared by the webhook, bridge and provider layers.
// Wrap these with fmt.Errorf("...: %w", ErrX) and classify with errors.Is.
var (
	ErrAuthentication    = errors.New("authentication failure")
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failure")
	ErrTransientProvider = errors.New("transient provider failure")
	ErrConfiguration     = errors.New("configuration error")
)

// ValidationError carries the offending field path. It never includes payload values.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failure: %s", e.Reason)
	}
	return fmt.Sprintf("validation failure: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Transient marks err as a voice backend connectivity failure.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransientProvider, err)
}

// HTTPStatus maps an error onto the response code used by non-carrier endpoints.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrTransientProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is safe to return to a caller.
func PublicMessage(err error) string {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return ve.Error()
	case errors.Is(err, ErrAuthentication):
		return "invalid signature"
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrTransientProvider):
		return "voice provider unavailable"
	case errors.Is(err, ErrConfiguration):
		return "service misconfigured"
	default:
		return "internal error"
	}
}

// Truncate shortens a payload for diagnostics.
func Truncate(b []byte, max int) string {
	if max <= 0 || len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "...(truncated)"
}
