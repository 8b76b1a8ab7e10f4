package calls

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"voice-platform/internal/apperr"
	"voice-platform/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
)

var mockCallColumns = []string{
	"id", "session_id", "provider", "provider_call_id", "carrier_call_sid", "from_number", "to_number", "status",
	"started_at", "connected_at", "ended_at", "duration_seconds", "summary", "transcript_url", "rating", "last_event_at", "updated_at",
}

func mockCallRow(id, sessionID string, status Status, at time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(mockCallColumns).AddRow(
		id, sessionID, "retell", "P1", nil, "", "", string(status),
		at, nil, nil, 0, "", "", nil, nil, at,
	)
}

func newMockRepo(t *testing.T) (*SQLRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLRepo(store.Wrap(db, store.DialectPostgres)), mock
}

func TestSQLRepo_FindByProviderCallID_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT .* FROM calls WHERE provider = \$1 AND provider_call_id = \$2`).
		WithArgs("retell", "X").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByProviderCallID(context.Background(), "retell", "X")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLRepo_MutateCall_LocksRowAndCompletesSession(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM calls WHERE id = \$1 FOR UPDATE`).
		WithArgs("call-1").
		WillReturnRows(mockCallRow("call-1", "sess-1", StatusInProgress, now))
	mock.ExpectExec(`UPDATE calls .* WHERE id = \$12 AND status = \$13`).
		WithArgs(
			sqlmock.AnyArg(), sqlmock.AnyArg(), "COMPLETED", sqlmock.AnyArg(), sqlmock.AnyArg(),
			0, "", "", sqlmock.AnyArg(), sqlmock.AnyArg(), now, "call-1", "IN_PROGRESS",
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sessions SET status = \$1`).
		WithArgs("COMPLETED", now, "sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	out, changed, err := repo.MutateCall(context.Background(), "call-1", func(c Call) (Call, bool) {
		c.Status = StatusCompleted
		c.EndedAt = &now
		c.UpdatedAt = now
		return c, true
	})
	if err != nil || !changed {
		t.Fatalf("mutate: changed=%v err=%v", changed, err)
	}
	if out.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", out.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLRepo_MutateCall_RejectedUpdateWritesNothing(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM calls WHERE id = \$1 FOR UPDATE`).
		WithArgs("call-1").
		WillReturnRows(mockCallRow("call-1", "sess-1", StatusCompleted, now))
	mock.ExpectCommit()

	out, changed, err := repo.MutateCall(context.Background(), "call-1", func(c Call) (Call, bool) {
		return c, false
	})
	if err != nil || changed {
		t.Fatalf("expected untouched row, changed=%v err=%v", changed, err)
	}
	if out.Status != StatusCompleted {
		t.Fatalf("expected stored status back, got %s", out.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLRepo_MutateCall_MissingRowRollsBack(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM calls WHERE id = \$1 FOR UPDATE`).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, _, err := repo.MutateCall(context.Background(), "nope", func(c Call) (Call, bool) { return c, true })
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLRepo_MutateCall_StatusMovedRollsBack(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM calls WHERE id = \$1 FOR UPDATE`).
		WithArgs("call-1").
		WillReturnRows(mockCallRow("call-1", "sess-1", StatusRinging, now))
	mock.ExpectExec(`UPDATE calls`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, _, err := repo.MutateCall(context.Background(), "call-1", func(c Call) (Call, bool) {
		c.Status = StatusInProgress
		return c, true
	})
	if !errors.Is(err, ErrCallChanged) {
		t.Fatalf("expected ErrCallChanged, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func openSQLiteRepo(t *testing.T) *SQLRepo {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, "sqlite", "file:"+filepath.Join(t.TempDir(), "calls.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewSQLRepo(db)
}

func TestSQLRepo_SQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := openSQLiteRepo(t)
	svc := NewService(repo)

	sess, err := svc.CreateSession(ctx, "Acme", nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	c, err := svc.Begin(ctx, sess.ID, "awaz", "+15550000001", "+15550000002")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := svc.AttachProviderCall(ctx, c.ID, "CA1", "CA1"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	found, err := repo.FindByProviderCallID(ctx, "awaz", "CA1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.ID != c.ID || found.Status != StatusInitiated || found.EndedAt != nil {
		t.Fatalf("unexpected call %+v", found)
	}

	if err := svc.CompleteByCarrierSid(ctx, "CA1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	done, err := repo.GetCall(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if done.Status != StatusCompleted || done.EndedAt == nil {
		t.Fatalf("expected completed with ended_at, got %+v", done)
	}

	gotSess, err := repo.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if gotSess.Status != SessionCompleted {
		t.Fatalf("expected session COMPLETED, got %s", gotSess.Status)
	}
	if string(gotSess.Profile) != "{}" {
		t.Fatalf("expected empty profile object, got %s", gotSess.Profile)
	}

	counts, err := repo.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if len(counts) != 1 || counts[StatusCompleted] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

// Interleaved completion and progress deliveries must leave the call
// terminal no matter which commits first.
func TestSQLRepo_ConcurrentUpdatesNeverLeaveTerminal(t *testing.T) {
	ctx := context.Background()
	repo := openSQLiteRepo(t)
	svc := NewService(repo)

	sess, err := svc.CreateSession(ctx, "Acme", nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	c, err := svc.Begin(ctx, sess.ID, "retell", "", "+15550000002")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	ringing, _, err := svc.Apply(ctx, c, Update{Status: StatusRinging})
	if err != nil {
		t.Fatalf("ringing: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		status := StatusInProgress
		if i%4 == 0 {
			status = StatusCompleted
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Every goroutine works from the same RINGING snapshot.
			if _, _, err := svc.Apply(ctx, ringing, Update{Status: status}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("apply: %v", err)
	}

	stored, err := repo.GetCall(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusCompleted || stored.EndedAt == nil {
		t.Fatalf("expected COMPLETED with ended_at, got %s ended_at=%v", stored.Status, stored.EndedAt)
	}
}
