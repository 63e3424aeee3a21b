package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Kind classifies a presence event.
type Kind string

const (
	KindAdmitted      Kind = "admitted"
	KindEntryRejected Kind = "entry_rejected"
	KindDisconnected  Kind = "disconnected"
	KindRejectFailed  Kind = "reject_failed"
)

// Entry is one presence event.
type Entry struct {
	ID        int64     `json:"id"`
	WorkerID  string    `json:"workerId"`
	SessionID string    `json:"sessionId"`
	Kind      Kind      `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Recorder appends presence events.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Nop drops every entry.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }

// Journal stores presence events in SQLite.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a Journal on an already migrated database.
func New(db *sql.DB) *Journal {
	return &Journal{db: db, now: time.Now}
}

// Open opens the database at path and returns a Journal over it.
func Open(path string) (*Journal, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// Record inserts e.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = j.now()
	}
	query := `
		INSERT INTO presence_events (worker_id, session_id, kind, detail, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := j.db.ExecContext(ctx, query, e.WorkerID, e.SessionID, e.Kind, e.Detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record presence event: %w", err)
	}
	return nil
}

// List returns the most recent entries, newest first. A non-positive limit defaults to 100.
func (j *Journal) List(ctx context.Context, limit int) ([]Entry, error) {
	return j.query(ctx, `
		SELECT id, worker_id, session_id, kind, detail, created_at
		FROM presence_events
		ORDER BY id DESC
		LIMIT ?
	`, normalizeLimit(limit))
}

// ListByWorker returns the most recent entries of one worker, newest first.
func (j *Journal) ListByWorker(ctx context.Context, workerID string, limit int) ([]Entry, error) {
	return j.query(ctx, `
		SELECT id, worker_id, session_id, kind, detail, created_at
		FROM presence_events
		WHERE worker_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, workerID, normalizeLimit(limit))
}

func (j *Journal) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list presence events: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkerID, &e.SessionID, &e.Kind, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan presence event: %w", err)
		}
		if detail.Valid {
			e.Detail = detail.String
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating presence events: %w", err)
	}
	return entries, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
