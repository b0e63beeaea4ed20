package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/kindred/internal/clock"
)

// Execution statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Execution is one ledger row: a single send attempt.
type Execution struct {
	ID          string    `json:"id"` // UUIDv7
	Date        string    `json:"date"`
	Kind        Kind      `json:"kind"`
	Slot        string    `json:"slot"` // HH:MM
	Status      string    `json:"status"`
	ContentLen  int       `json:"content_len"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Ledger is an append-only record of send attempts on a shared
// database handle. It is an audit trail only; plans are never rebuilt
// from it.
type Ledger struct {
	db  *sql.DB
	loc *time.Location
}

// NewLedger creates the executions table if needed. Dates are derived
// in loc; nil means the process-local zone.
func NewLedger(db *sql.DB, loc *time.Location) (*Ledger, error) {
	if loc == nil {
		loc = time.Local
	}
	l := &Ledger{db: db, loc: loc}
	if err := l.migrate(); err != nil {
		return nil, fmt.Errorf("migrate executions schema: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	_, err := l.db.Exec(`
	CREATE TABLE IF NOT EXISTS executions (
		id           TEXT PRIMARY KEY,
		date         TEXT NOT NULL,
		kind         TEXT NOT NULL,
		slot         TEXT NOT NULL,
		status       TEXT NOT NULL,
		content_len  INTEGER NOT NULL,
		error        TEXT,
		started_at   TEXT NOT NULL,
		completed_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_executions_date ON executions(date);
	CREATE INDEX IF NOT EXISTS idx_executions_started_at ON executions(started_at);
	`)
	return err
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		return uuid.New().String()
	}
	return id.String()
}

// Record appends a send attempt.
func (l *Ledger) Record(ctx context.Context, res SendResult) error {
	status, errText := StatusCompleted, ""
	if !res.OK() {
		status, errText = StatusFailed, res.Err.Error()
	}
	completed := res.Finished
	if completed.IsZero() {
		completed = res.At
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO executions (id, date, kind, slot, status, content_len, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, NewID(), clock.At(res.At, l.loc).Date, string(res.Kind), clock.FormatMinute(res.Slot),
		status, len(res.Content), nullString(errText),
		res.At.UTC().Format(time.RFC3339Nano), completed.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// Recent returns up to limit executions, newest first. A non-positive
// limit means 20.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, date, kind, slot, status, content_len, error, started_at, completed_at
		FROM executions ORDER BY started_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	execs := []Execution{}
	for rows.Next() {
		var e Execution
		var kind, startedAt, completedAt string
		var errText sql.NullString
		if err := rows.Scan(&e.ID, &e.Date, &kind, &e.Slot, &e.Status, &e.ContentLen, &errText, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.Kind = Kind(kind)
		e.Error = errText.String
		e.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		e.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// CountForDate returns the number of completed sends on a calendar day
// (YYYY-MM-DD).
func (l *Ledger) CountForDate(ctx context.Context, date string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE date = ? AND status = ?`,
		date, StatusCompleted).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
