package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"voice-platform/internal/apperr"
	"voice-platform/pkg/logger"

	"github.com/google/uuid"
)

// Service owns session/call creation and the call state machine.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// Update is one observed change to a call, from a provider webhook,
// a carrier callback, or the media bridge.
type Update struct {
	Status        Status
	OccurredAt    time.Time
	Summary       string
	TranscriptURL string
	// DurationSeconds overrides the computed duration when > 0.
	DurationSeconds int
}

func (s *Service) CreateSession(ctx context.Context, businessName string, profile json.RawMessage) (Session, error) {
	if len(profile) > 0 && !json.Valid(profile) {
		return Session{}, apperr.Validation("business_profile", "must be valid JSON")
	}
	now := s.clock().UTC()
	sess := Session{
		ID:           uuid.NewString(),
		Status:       SessionActive,
		BusinessName: strings.TrimSpace(businessName),
		Profile:      profile,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("calls: create session: %w", err)
	}
	return sess, nil
}

func (s *Service) GetSession(ctx context.Context, id string) (Session, error) {
	return s.repo.GetSession(ctx, id)
}

func (s *Service) GetCall(ctx context.Context, id string) (Call, error) {
	return s.repo.GetCall(ctx, id)
}

func (s *Service) FindByProviderCallID(ctx context.Context, provider, providerCallID string) (Call, error) {
	return s.repo.FindByProviderCallID(ctx, provider, providerCallID)
}

func (s *Service) FindByCarrierSid(ctx context.Context, callSid string) (Call, error) {
	return s.repo.FindByCarrierSid(ctx, callSid)
}

// Begin records a new INITIATED call for an existing session.
func (s *Service) Begin(ctx context.Context, sessionID, provider, from, to string) (Call, error) {
	if sessionID == "" {
		return Call{}, apperr.Validation("session_id", "required")
	}
	if provider == "" {
		return Call{}, apperr.Validation("provider", "required")
	}
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return Call{}, err
	}
	now := s.clock().UTC()
	c := Call{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Provider:  provider,
		From:      from,
		To:        to,
		Status:    StatusInitiated,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateCall(ctx, c); err != nil {
		return Call{}, fmt.Errorf("calls: create call: %w", err)
	}
	return c, nil
}

// BeginInbound records a call the carrier delivered without a prior StartCall:
// a session for the dialed line and an INITIATED call keyed by callSid for
// both the provider and the carrier. A retried webhook for the same sid gets
// the existing call back.
func (s *Service) BeginInbound(ctx context.Context, callSid, provider, from, to string) (Call, error) {
	if callSid == "" {
		return Call{}, apperr.Validation("CallSid", "required")
	}
	if provider == "" {
		return Call{}, apperr.Validation("provider", "required")
	}
	existing, err := s.repo.FindByCarrierSid(ctx, callSid)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return Call{}, err
	}

	sess, err := s.CreateSession(ctx, to, nil)
	if err != nil {
		return Call{}, err
	}
	now := s.clock().UTC()
	c := Call{
		ID:             uuid.NewString(),
		SessionID:      sess.ID,
		Provider:       provider,
		ProviderCallID: callSid,
		CarrierCallSid: callSid,
		From:           from,
		To:             to,
		Status:         StatusInitiated,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.CreateCall(ctx, c); err != nil {
		// A concurrent retry may have won the (provider, provider_call_id) index.
		if existing, ferr := s.repo.FindByCarrierSid(ctx, callSid); ferr == nil {
			return existing, nil
		}
		return Call{}, fmt.Errorf("calls: create inbound call: %w", err)
	}
	logger.From(ctx).Info("inbound call recorded", "call_id", c.ID, "session_id", sess.ID, "provider", provider)
	return c, nil
}

// AttachProviderCall stores the ids the provider and carrier assigned after StartCall.
func (s *Service) AttachProviderCall(ctx context.Context, callID, providerCallID, carrierSid string) (Call, error) {
	now := s.clock().UTC()
	c, _, err := s.repo.MutateCall(ctx, callID, func(c Call) (Call, bool) {
		c.ProviderCallID = providerCallID
		if carrierSid != "" {
			c.CarrierCallSid = carrierSid
		}
		c.UpdatedAt = now
		return c, true
	})
	if err != nil {
		return Call{}, fmt.Errorf("calls: attach provider call: %w", err)
	}
	return c, nil
}

// MarkFailed moves a call straight to FAILED, e.g. when StartCall errors.
func (s *Service) MarkFailed(ctx context.Context, callID, reason string) (Call, error) {
	out, _, err := s.apply(ctx, callID, Update{Status: StatusFailed, Summary: reason})
	return out, err
}

// Apply runs the state machine for one update and persists the result.
// It returns the stored call and whether the update changed anything.
// Stale or regressive updates are acknowledged without mutation.
//
// Only c.ID is used: the transition is computed against the stored row under
// lock, so a snapshot read before a concurrent update cannot regress the call.
func (s *Service) Apply(ctx context.Context, c Call, u Update) (Call, bool, error) {
	return s.apply(ctx, c.ID, u)
}

func (s *Service) apply(ctx context.Context, callID string, u Update) (Call, bool, error) {
	now := s.clock().UTC()
	out, changed, err := s.repo.MutateCall(ctx, callID, func(c Call) (Call, bool) {
		return advance(c, u, now)
	})
	if err != nil {
		return Call{}, false, fmt.Errorf("calls: apply %s: %w", u.Status, err)
	}
	if !changed {
		logger.From(ctx).Info("call update ignored",
			"call_id", out.ID,
			"current_status", out.Status,
			"incoming_status", u.Status,
		)
	}
	return out, changed, nil
}

// advance computes the call after u. It reports false when the state machine
// rejects the update.
func advance(c Call, u Update, now time.Time) (Call, bool) {
	next, ok := Transition(c.Status, u.Status)
	if !ok {
		return c, false
	}

	at := u.OccurredAt.UTC()
	if u.OccurredAt.IsZero() {
		at = now
	}

	c.Status = next
	c.LastEventAt = &at
	c.UpdatedAt = now
	if next == StatusInProgress && c.ConnectedAt == nil {
		connected := at
		c.ConnectedAt = &connected
	}

	if next.IsTerminal() {
		if c.EndedAt == nil {
			ended := at
			c.EndedAt = &ended
		}
		if u.Summary != "" {
			c.Summary = u.Summary
		}
		if u.TranscriptURL != "" {
			c.TranscriptURL = u.TranscriptURL
		}
		switch {
		case u.DurationSeconds > 0:
			c.DurationSeconds = u.DurationSeconds
		case c.ConnectedAt != nil && c.EndedAt.After(*c.ConnectedAt):
			c.DurationSeconds = int(c.EndedAt.Sub(*c.ConnectedAt).Seconds())
		}
	}
	return c, true
}

// CountByStatus feeds the calls-by-status gauge.
func (s *Service) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	return s.repo.CountByStatus(ctx)
}

// CompleteByCarrierSid marks the call bridged on callSid COMPLETED.
// Used when the carrier media stream stops.
func (s *Service) CompleteByCarrierSid(ctx context.Context, callSid string) error {
	return s.ApplyCarrierUpdate(ctx, callSid, Update{Status: StatusCompleted})
}

// ApplyCarrierUpdate applies a carrier-reported change to the call bridged on callSid.
func (s *Service) ApplyCarrierUpdate(ctx context.Context, callSid string, u Update) error {
	c, err := s.repo.FindByCarrierSid(ctx, callSid)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return fmt.Errorf("calls: carrier sid %s: %w", callSid, err)
		}
		return err
	}
	_, _, err = s.apply(ctx, c.ID, u)
	return err
}
