package events

import (
	"context"
	"fmt"
	"time"

	"voice-platform/internal/calls"
	"voice-platform/pkg/logger"

	"github.com/google/uuid"
)

// CallStore is the slice of calls.Service the ledger drives.
type CallStore interface {
	FindByProviderCallID(ctx context.Context, provider, providerCallID string) (calls.Call, error)
	Apply(ctx context.Context, c calls.Call, u calls.Update) (calls.Call, bool, error)
}

// Ledger records normalized provider events exactly once per dedupe key and
// drives the owning call's state machine.
type Ledger struct {
	repo  Repository
	calls CallStore
	clock func() time.Time
}

func NewLedger(repo Repository, calls CallStore) *Ledger {
	return &Ledger{repo: repo, calls: calls, clock: time.Now}
}

// Outcome describes what Record did with an event.
type Outcome struct {
	DedupeKey string
	Call      calls.Call
	// Applied is false when the call state machine ignored the event
	// (regression, terminal call, UNKNOWN status). The event is still stored.
	Applied bool
}

// Record validates ev, resolves its call, upserts it into the ledger and
// applies it to the call. Unknown calls are rejected with apperr.ErrNotFound
// and nothing is written.
//
// The ledger write happens before the call update; a failure in between is
// repaired by redelivery since both steps are idempotent.
func (l *Ledger) Record(ctx context.Context, ev ProviderEvent) (Outcome, error) {
	if err := Validate(ev); err != nil {
		return Outcome{}, err
	}

	call, err := l.calls.FindByProviderCallID(ctx, ev.Provider, ev.ProviderCallID)
	if err != nil {
		return Outcome{}, err
	}
	ev.SessionID = call.SessionID

	now := l.clock().UTC()
	key := ev.DedupeKey()
	rec := Record{
		ID:            uuid.NewString(),
		DedupeKey:     key,
		ProviderEvent: ev,
		ReceivedAt:    now,
		UpdatedAt:     now,
	}
	if err := l.repo.Upsert(ctx, rec); err != nil {
		return Outcome{}, fmt.Errorf("events: upsert %s: %w", key, err)
	}

	updated, applied, err := l.calls.Apply(ctx, call, calls.Update{
		Status:        ev.Status,
		OccurredAt:    ev.Timestamp,
		Summary:       ev.Summary,
		TranscriptURL: ev.TranscriptURL,
	})
	if err != nil {
		return Outcome{}, err
	}

	logger.From(ctx).Info("provider event recorded",
		"provider", ev.Provider,
		"provider_call_id", ev.ProviderCallID,
		"event", ev.Event,
		"status", ev.Status,
		"dedupe_key", key,
		"applied", applied,
	)
	return Outcome{DedupeKey: key, Call: updated, Applied: applied}, nil
}

// History returns the stored events of one provider call in timestamp order.
func (l *Ledger) History(ctx context.Context, provider, providerCallID string) ([]Record, error) {
	return l.repo.ListByCall(ctx, provider, providerCallID)
}
