package audit

import (
	"context"
	"errors"
	"time"

	"voice-platform/internal/apperr"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It is append-only; there are no Update/Delete methods.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records operator actions against the API.
//
// Audit is internal-only and best-effort: callers log a failed Append and
// carry on.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.Join(errors.New("audit: repository not configured"), apperr.ErrConfiguration)
	}
	if e.OperatorID == "" || e.Action == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Actor identifies who performed an action.
type Actor struct {
	OperatorID string
	Role       string
	IP         string
}

// LogSessionCreated records a new business session.
func (s *Service) LogSessionCreated(ctx context.Context, a Actor, sessionID, businessName string) error {
	return s.Append(ctx, Event{
		Action:     ActionSessionCreated,
		OperatorID: a.OperatorID,
		Role:       a.Role,
		IPAddress:  a.IP,
		SessionID:  sessionID,
		Message:    businessName,
	})
}

// LogCallStart records an outbound call attempt. A non-empty failure marks
// the attempt as failed.
func (s *Service) LogCallStart(ctx context.Context, a Actor, sessionID, callID, provider, failure string) error {
	e := Event{
		Action:     ActionCallStarted,
		OperatorID: a.OperatorID,
		Role:       a.Role,
		IPAddress:  a.IP,
		SessionID:  sessionID,
		CallID:     callID,
		Provider:   provider,
	}
	if failure != "" {
		e.Action = ActionCallStartFailed
		e.Message = failure
	}
	return s.Append(ctx, e)
}
