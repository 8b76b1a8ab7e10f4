package audit

import (
	"context"
	"testing"
	"time"

	"voice-platform/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSQLRepo_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO audit_events`).
		WithArgs("ev-1", "call_started", "ops-1", "operator", "", "sess-1", "call-1", "vapi", "", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewSQLRepo(store.Wrap(db, store.DialectPostgres))
	err = repo.Append(context.Background(), Event{
		ID:         "ev-1",
		Action:     ActionCallStarted,
		OperatorID: "ops-1",
		Role:       "operator",
		SessionID:  "sess-1",
		CallID:     "call-1",
		Provider:   "vapi",
		CreatedAt:  now,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
