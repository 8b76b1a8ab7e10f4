package audit

import (
	"context"
	"testing"
)

func TestService_AppendRequiresOperatorAndAction(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Action: ActionCallStarted}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{OperatorID: "ops-1"}); err == nil {
		t.Fatalf("expected error")
	}
	if len(repo.Events()) != 0 {
		t.Fatalf("invalid events must not be stored")
	}
}

func TestService_LogCallStart(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	a := Actor{OperatorID: "ops-1", Role: "operator", IP: "1.2.3.4"}

	if err := svc.LogCallStart(context.Background(), a, "sess-1", "call-1", "retell", ""); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := svc.LogCallStart(context.Background(), a, "sess-1", "call-2", "retell", "provider down"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].Action != ActionCallStarted || evs[0].IPAddress != "1.2.3.4" {
		t.Fatalf("unexpected first event: %+v", evs[0])
	}
	if evs[1].Action != ActionCallStartFailed || evs[1].Message != "provider down" {
		t.Fatalf("unexpected second event: %+v", evs[1])
	}
	if evs[0].ID == "" || evs[0].CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp filled")
	}
}

func TestService_NoRepository(t *testing.T) {
	if err := NewService(nil).LogSessionCreated(context.Background(), Actor{OperatorID: "ops-1"}, "s", "Acme"); err == nil {
		t.Fatalf("expected error")
	}
}
