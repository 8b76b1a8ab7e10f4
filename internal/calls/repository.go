package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"voice-platform/internal/apperr"
	"voice-platform/internal/store"
)

var ErrNotFound = fmt.Errorf("calls: %w", apperr.ErrNotFound)

// ErrCallChanged means the row no longer held the status the update was
// computed from.
var ErrCallChanged = errors.New("calls: call changed concurrently")

// Repository is the persistence contract for sessions and calls.
type Repository interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)

	CreateCall(ctx context.Context, c Call) error
	GetCall(ctx context.Context, id string) (Call, error)
	FindByProviderCallID(ctx context.Context, provider, providerCallID string) (Call, error)
	FindByCarrierSid(ctx context.Context, callSid string) (Call, error)

	// MutateCall reads the call under lock, runs fn and persists its result
	// atomically. fn returning false leaves the row untouched. A result in
	// COMPLETED marks the session COMPLETED in the same transaction.
	MutateCall(ctx context.Context, id string, fn MutateFunc) (Call, bool, error)

	CountByStatus(ctx context.Context) (map[Status]int64, error)
}

// MutateFunc computes the next state of a call read under lock.
type MutateFunc func(c Call) (Call, bool)

// SQLRepo stores sessions and calls in postgres or sqlite.
type SQLRepo struct {
	db *store.DB
}

func NewSQLRepo(db *store.DB) *SQLRepo { return &SQLRepo{db: db} }

const callColumns = `id, session_id, provider, provider_call_id, carrier_call_sid, from_number, to_number, status,
started_at, connected_at, ended_at, duration_seconds, summary, transcript_url, rating, last_event_at, updated_at`

func (r *SQLRepo) CreateSession(ctx context.Context, s Session) error {
	const q = `
INSERT INTO sessions (id, status, business_name, business_profile, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
`
	profile := string(s.Profile)
	if profile == "" {
		profile = "{}"
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(q), s.ID, string(s.Status), s.BusinessName, profile, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r *SQLRepo) GetSession(ctx context.Context, id string) (Session, error) {
	const q = `
SELECT id, status, business_name, business_profile, created_at, updated_at
FROM sessions
WHERE id = $1
`
	var (
		s       Session
		status  string
		profile string
	)
	if err := r.db.QueryRowContext(ctx, r.db.Rebind(q), id).Scan(
		&s.ID,
		&status,
		&s.BusinessName,
		&profile,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	s.Status = SessionStatus(status)
	s.Profile = []byte(profile)
	return s, nil
}

func (r *SQLRepo) CreateCall(ctx context.Context, c Call) error {
	q := `INSERT INTO calls (` + callColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	_, err := r.db.ExecContext(ctx, r.db.Rebind(q),
		c.ID,
		c.SessionID,
		c.Provider,
		nullString(c.ProviderCallID),
		nullString(c.CarrierCallSid),
		c.From,
		c.To,
		string(c.Status),
		c.StartedAt,
		nullTime(c.ConnectedAt),
		nullTime(c.EndedAt),
		c.DurationSeconds,
		c.Summary,
		c.TranscriptURL,
		nullInt(c.Rating),
		nullTime(c.LastEventAt),
		c.UpdatedAt,
	)
	return err
}

func (r *SQLRepo) GetCall(ctx context.Context, id string) (Call, error) {
	return r.findOne(ctx, `SELECT `+callColumns+` FROM calls WHERE id = $1`, id)
}

func (r *SQLRepo) FindByProviderCallID(ctx context.Context, provider, providerCallID string) (Call, error) {
	return r.findOne(ctx, `SELECT `+callColumns+` FROM calls WHERE provider = $1 AND provider_call_id = $2`, provider, providerCallID)
}

func (r *SQLRepo) FindByCarrierSid(ctx context.Context, callSid string) (Call, error) {
	return r.findOne(ctx, `SELECT `+callColumns+` FROM calls WHERE carrier_call_sid = $1 ORDER BY started_at DESC LIMIT 1`, callSid)
}

// MutateCall locks the row with SELECT ... FOR UPDATE on postgres. sqlite runs
// on a single connection, so its transactions are already serialized. The
// UPDATE is also conditioned on the status that was read.
func (r *SQLRepo) MutateCall(ctx context.Context, id string, fn MutateFunc) (Call, bool, error) {
	var (
		out     Call
		changed bool
	)
	err := r.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		cur, err := r.lockCall(ctx, tx, id)
		if err != nil {
			return err
		}
		next, ok := fn(cur)
		if !ok {
			out = cur
			return nil
		}
		if err := r.updateCallTx(ctx, tx, next, cur.Status); err != nil {
			return err
		}
		if next.Status == StatusCompleted {
			const q = `UPDATE sessions SET status = $1, updated_at = $2 WHERE id = $3`
			if _, err := tx.ExecContext(ctx, r.db.Rebind(q), string(SessionCompleted), next.UpdatedAt, next.SessionID); err != nil {
				return err
			}
		}
		out, changed = next, true
		return nil
	})
	if err != nil {
		return Call{}, false, err
	}
	return out, changed, nil
}

func (r *SQLRepo) lockCall(ctx context.Context, tx *sql.Tx, id string) (Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE id = $1`
	if r.db.Dialect == store.DialectPostgres {
		q += ` FOR UPDATE`
	}
	return r.queryCall(ctx, tx, q, id)
}

func (r *SQLRepo) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM calls GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[Status]int64{}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}

// updateCallTx writes c only while the row still holds prev.
func (r *SQLRepo) updateCallTx(ctx context.Context, tx *sql.Tx, c Call, prev Status) error {
	const q = `
UPDATE calls
SET provider_call_id = $1, carrier_call_sid = $2, status = $3, connected_at = $4, ended_at = $5,
    duration_seconds = $6, summary = $7, transcript_url = $8, rating = $9, last_event_at = $10, updated_at = $11
WHERE id = $12 AND status = $13
`
	res, err := tx.ExecContext(ctx, r.db.Rebind(q),
		nullString(c.ProviderCallID),
		nullString(c.CarrierCallSid),
		string(c.Status),
		nullTime(c.ConnectedAt),
		nullTime(c.EndedAt),
		c.DurationSeconds,
		c.Summary,
		c.TranscriptURL,
		nullInt(c.Rating),
		nullTime(c.LastEventAt),
		c.UpdatedAt,
		c.ID,
		string(prev),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCallChanged
	}
	return nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *SQLRepo) findOne(ctx context.Context, q string, args ...any) (Call, error) {
	return r.queryCall(ctx, r.db, q, args...)
}

func (r *SQLRepo) queryCall(ctx context.Context, qr rowQuerier, q string, args ...any) (Call, error) {
	var (
		c                                 Call
		providerCallID, carrierSid        sql.NullString
		status                            string
		connectedAt, endedAt, lastEventAt sql.NullTime
		rating                            sql.NullInt64
	)
	if err := qr.QueryRowContext(ctx, r.db.Rebind(q), args...).Scan(
		&c.ID,
		&c.SessionID,
		&c.Provider,
		&providerCallID,
		&carrierSid,
		&c.From,
		&c.To,
		&status,
		&c.StartedAt,
		&connectedAt,
		&endedAt,
		&c.DurationSeconds,
		&c.Summary,
		&c.TranscriptURL,
		&rating,
		&lastEventAt,
		&c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	c.ProviderCallID = providerCallID.String
	c.CarrierCallSid = carrierSid.String
	c.Status = Status(status)
	c.ConnectedAt = timePtr(connectedAt)
	c.EndedAt = timePtr(endedAt)
	c.LastEventAt = timePtr(lastEventAt)
	if rating.Valid {
		v := int(rating.Int64)
		c.Rating = &v
	}
	return c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
