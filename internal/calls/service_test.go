package calls

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"voice-platform/internal/apperr"
)

func newTestService(t *testing.T, now time.Time) (*Service, *MemoryRepo, Call) {
	t.Helper()
	repo := NewMemoryRepo()
	svc := NewService(repo)
	svc.clock = func() time.Time { return now }

	sess, err := svc.CreateSession(context.Background(), "Acme Dental", json.RawMessage(`{"name":"Acme Dental"}`))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	c, err := svc.Begin(context.Background(), sess.ID, "retell", "+15550000001", "+15550000002")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	return svc, repo, c
}

func TestBegin_RequiresExistingSession(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	_, err := svc.Begin(context.Background(), "missing", "retell", "", "+1555")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateSession_RejectsInvalidProfile(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	_, err := svc.CreateSession(context.Background(), "x", json.RawMessage(`{bad`))
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestApply_HappyPathCompletesSession(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc, repo, c := newTestService(t, now)
	ctx := context.Background()

	c, _, err := svc.Apply(ctx, c, Update{Status: StatusRinging, OccurredAt: now})
	if err != nil {
		t.Fatalf("ringing: %v", err)
	}
	c, _, err = svc.Apply(ctx, c, Update{Status: StatusInProgress, OccurredAt: now.Add(2 * time.Second)})
	if err != nil {
		t.Fatalf("in progress: %v", err)
	}
	c, applied, err := svc.Apply(ctx, c, Update{
		Status:        StatusCompleted,
		OccurredAt:    now.Add(62 * time.Second),
		Summary:       "booked a cleaning",
		TranscriptURL: "https://example.com/t/1",
	})
	if err != nil || !applied {
		t.Fatalf("complete: applied=%v err=%v", applied, err)
	}

	stored, _ := repo.GetCall(ctx, c.ID)
	if stored.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", stored.Status)
	}
	if stored.EndedAt == nil || !stored.EndedAt.Equal(now.Add(62*time.Second)) {
		t.Fatalf("expected ended_at stamped, got %v", stored.EndedAt)
	}
	if stored.DurationSeconds != 60 {
		t.Fatalf("expected 60s duration, got %d", stored.DurationSeconds)
	}
	if stored.Summary != "booked a cleaning" || stored.TranscriptURL != "https://example.com/t/1" {
		t.Fatalf("expected display fields, got %+v", stored)
	}
	sess, _ := repo.GetSession(ctx, c.SessionID)
	if sess.Status != SessionCompleted {
		t.Fatalf("expected session COMPLETED, got %s", sess.Status)
	}
}

func TestApply_StaleEventDoesNotRegress(t *testing.T) {
	now := time.Now().UTC()
	svc, repo, c := newTestService(t, now)
	ctx := context.Background()

	c, _, _ = svc.Apply(ctx, c, Update{Status: StatusInProgress})
	_, applied, err := svc.Apply(ctx, c, Update{Status: StatusRinging})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied {
		t.Fatalf("expected regression to be ignored")
	}
	stored, _ := repo.GetCall(ctx, c.ID)
	if stored.Status != StatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", stored.Status)
	}
}

func TestApply_DuplicateTerminalRefreshesDisplayFields(t *testing.T) {
	now := time.Now().UTC()
	svc, repo, c := newTestService(t, now)
	ctx := context.Background()

	c, _, _ = svc.Apply(ctx, c, Update{Status: StatusCompleted, Summary: "first"})
	_, applied, err := svc.Apply(ctx, c, Update{Status: StatusCompleted, Summary: "second"})
	if err != nil || !applied {
		t.Fatalf("expected duplicate terminal applied, applied=%v err=%v", applied, err)
	}
	stored, _ := repo.GetCall(ctx, c.ID)
	if stored.Summary != "second" {
		t.Fatalf("expected last write to win, got %q", stored.Summary)
	}
}

func TestCompleteByCarrierSid(t *testing.T) {
	now := time.Now().UTC()
	svc, repo, c := newTestService(t, now)
	ctx := context.Background()

	if _, err := svc.AttachProviderCall(ctx, c.ID, "CA123", "CA123"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := svc.CompleteByCarrierSid(ctx, "CA123"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	stored, _ := repo.GetCall(ctx, c.ID)
	if stored.Status != StatusCompleted || stored.EndedAt == nil {
		t.Fatalf("expected completed with ended_at, got %+v", stored)
	}

	if err := svc.CompleteByCarrierSid(ctx, "CA-unknown"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMarkFailed(t *testing.T) {
	svc, repo, c := newTestService(t, time.Now().UTC())
	if _, err := svc.MarkFailed(context.Background(), c.ID, "provider rejected call"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	stored, _ := repo.GetCall(context.Background(), c.ID)
	if stored.Status != StatusFailed || stored.Summary != "provider rejected call" {
		t.Fatalf("unexpected call %+v", stored)
	}
}

func TestApply_StaleSnapshotCannotReopenCompletedCall(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc, repo, c := newTestService(t, now)
	ctx := context.Background()

	ringing, _, err := svc.Apply(ctx, c, Update{Status: StatusRinging})
	if err != nil {
		t.Fatalf("ringing: %v", err)
	}
	if _, _, err := svc.Apply(ctx, ringing, Update{Status: StatusCompleted, OccurredAt: now.Add(time.Minute)}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// A slower delivery still holding the RINGING copy lands afterwards.
	out, applied, err := svc.Apply(ctx, ringing, Update{Status: StatusInProgress})
	if err != nil {
		t.Fatalf("late apply: %v", err)
	}
	if applied {
		t.Fatalf("expected late IN_PROGRESS to be ignored")
	}
	if out.Status != StatusCompleted {
		t.Fatalf("expected returned call COMPLETED, got %s", out.Status)
	}

	stored, _ := repo.GetCall(ctx, c.ID)
	if stored.Status != StatusCompleted || stored.EndedAt == nil {
		t.Fatalf("expected COMPLETED with ended_at, got %+v", stored)
	}
	sess, _ := repo.GetSession(ctx, c.SessionID)
	if sess.Status != SessionCompleted {
		t.Fatalf("expected session COMPLETED, got %s", sess.Status)
	}
}

func TestApply_RedeliveredTerminalKeepsFirstEndedAt(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc, repo, c := newTestService(t, now)
	ctx := context.Background()

	first := now.Add(30 * time.Second)
	if _, _, err := svc.Apply(ctx, c, Update{Status: StatusCompleted, OccurredAt: first}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, _, err := svc.Apply(ctx, c, Update{Status: StatusCompleted, OccurredAt: now.Add(5 * time.Minute)}); err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	stored, _ := repo.GetCall(ctx, c.ID)
	if stored.EndedAt == nil || !stored.EndedAt.Equal(first) {
		t.Fatalf("expected ended_at %v, got %v", first, stored.EndedAt)
	}
}
