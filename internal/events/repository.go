package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"voice-platform/internal/apperr"
	"voice-platform/internal/calls"
	"voice-platform/internal/store"
)

var ErrNotFound = fmt.Errorf("events: %w", apperr.ErrNotFound)

// Repository persists ledger rows. Upsert is keyed by DedupeKey; on conflict only
// status, summary, transcript fields and the event timestamp are overwritten.
type Repository interface {
	Upsert(ctx context.Context, r Record) error
	GetByDedupeKey(ctx context.Context, key string) (Record, error)
	ListByCall(ctx context.Context, provider, providerCallID string) ([]Record, error)
}

type SQLRepo struct {
	db *store.DB
}

func NewSQLRepo(db *store.DB) *SQLRepo { return &SQLRepo{db: db} }

const recordColumns = `id, dedupe_key, provider, provider_call_id, session_id, event, status, occurred_at,
summary, transcript_url, transcript, metadata, received_at, updated_at`

func (r *SQLRepo) Upsert(ctx context.Context, rec Record) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("events: marshal metadata: %w", err)
	}
	if rec.Metadata == nil {
		meta = []byte("{}")
	}
	q := `
INSERT INTO provider_events (` + recordColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (dedupe_key) DO UPDATE SET
    status = excluded.status,
    summary = excluded.summary,
    transcript_url = excluded.transcript_url,
    transcript = excluded.transcript,
    occurred_at = excluded.occurred_at,
    updated_at = excluded.updated_at
`
	_, err = r.db.ExecContext(ctx, r.db.Rebind(q),
		rec.ID,
		rec.DedupeKey,
		rec.Provider,
		rec.ProviderCallID,
		rec.SessionID,
		rec.Event,
		string(rec.Status),
		rec.Timestamp.UTC(),
		rec.Summary,
		rec.TranscriptURL,
		rec.Transcript,
		string(meta),
		rec.ReceivedAt,
		rec.UpdatedAt,
	)
	return err
}

func (r *SQLRepo) GetByDedupeKey(ctx context.Context, key string) (Record, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`SELECT `+recordColumns+` FROM provider_events WHERE dedupe_key = $1`), key)
	if err != nil {
		return Record{}, err
	}
	defer rows.Close()
	out, err := scanRecords(rows)
	if err != nil {
		return Record{}, err
	}
	if len(out) == 0 {
		return Record{}, ErrNotFound
	}
	return out[0], nil
}

func (r *SQLRepo) ListByCall(ctx context.Context, provider, providerCallID string) ([]Record, error) {
	q := `SELECT ` + recordColumns + ` FROM provider_events WHERE provider = $1 AND provider_call_id = $2 ORDER BY occurred_at ASC`
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(q), provider, providerCallID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var (
			rec    Record
			status string
			meta   string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.DedupeKey,
			&rec.Provider,
			&rec.ProviderCallID,
			&rec.SessionID,
			&rec.Event,
			&status,
			&rec.Timestamp,
			&rec.Summary,
			&rec.TranscriptURL,
			&rec.Transcript,
			&meta,
			&rec.ReceivedAt,
			&rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		rec.Status = calls.Status(status)
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("events: decode metadata for %s: %w", rec.DedupeKey, err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// MemoryRepo is an in-memory Repository useful for tests.
type MemoryRepo struct {
	mu   sync.Mutex
	rows map[string]Record
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{rows: map[string]Record{}} }

func (m *MemoryRepo) Upsert(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rows[rec.DedupeKey]; ok {
		cur.Status = rec.Status
		cur.Summary = rec.Summary
		cur.TranscriptURL = rec.TranscriptURL
		cur.Transcript = rec.Transcript
		cur.Timestamp = rec.Timestamp
		cur.UpdatedAt = rec.UpdatedAt
		m.rows[rec.DedupeKey] = cur
		return nil
	}
	m.rows[rec.DedupeKey] = rec
	return nil
}

func (m *MemoryRepo) GetByDedupeKey(ctx context.Context, key string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryRepo) ListByCall(ctx context.Context, provider, providerCallID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.rows {
		if rec.Provider == provider && rec.ProviderCallID == providerCallID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Len reports the number of stored rows.
func (m *MemoryRepo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
