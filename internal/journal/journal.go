// Package journal records every processed message in the SQLite dispatch log.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	maxStderrBytes = 64 * 1024

	// DefaultLimit bounds Recent when the caller passes no limit.
	DefaultLimit = 50
	maxLimit     = 1000

	// timestampLayout is fixed-width so stored timestamps sort as text.
	timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

type Status string

const (
	StatusDispatched    Status = "dispatched"
	StatusFailed        Status = "failed"
	StatusExtractFailed Status = "extract_failed"
)

// Entry is one dispatch_log row.
type Entry struct {
	ID          string
	Connection  string
	Topic       string
	ClientID    string
	MessageID   uint16
	Status      Status
	Values      string
	ExitCode    *int
	LastError   string
	Stderr      string
	Duration    time.Duration
	ReceivedAt  time.Time
	CompletedAt time.Time
}

// Recorder is what sessions need from the journal.
type Recorder interface {
	Record(ctx context.Context, e Entry) (string, error)
}

type Journal struct {
	db *sql.DB
}

func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Record inserts e and returns its id. ID and CompletedAt are filled in when empty.
func (j *Journal) Record(ctx context.Context, e Entry) (string, error) {
	if e.Connection == "" {
		return "", fmt.Errorf("connection is empty")
	}
	switch e.Status {
	case StatusDispatched, StatusFailed, StatusExtractFailed:
	default:
		return "", fmt.Errorf("invalid status: %q", e.Status)
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CompletedAt.IsZero() {
		e.CompletedAt = time.Now()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = e.CompletedAt
	}
	stderr := e.Stderr
	if len(stderr) > maxStderrBytes {
		stderr = stderr[:maxStderrBytes]
	}

	_, err := j.db.ExecContext(ctx, `
INSERT INTO dispatch_log(
  id, connection, topic, client_id, message_id, status, "values", exit_code, last_error, stderr, duration_ms, received_at, completed_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, e.ID, e.Connection, e.Topic, e.ClientID, int(e.MessageID), string(e.Status), nullString(e.Values), e.ExitCode,
		nullString(e.LastError), nullString(stderr), e.Duration.Milliseconds(),
		e.ReceivedAt.UTC().Format(timestampLayout), e.CompletedAt.UTC().Format(timestampLayout))
	if err != nil {
		return "", fmt.Errorf("insert dispatch_log: %w", err)
	}
	return e.ID, nil
}

const selectColumns = `SELECT id, connection, topic, client_id, message_id, status, "values", exit_code, last_error, stderr, duration_ms, received_at, completed_at
FROM dispatch_log`

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = errors.New("dispatch not found")

// Recent returns the newest entries for connection, newest first. An empty
// connection covers every connection.
func (j *Journal) Recent(ctx context.Context, connection string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	rows, err := j.db.QueryContext(ctx, selectColumns+`
WHERE ? = '' OR connection = ?
ORDER BY completed_at DESC, rowid DESC
LIMIT ?;
`, connection, connection, limit)
	if err != nil {
		return nil, fmt.Errorf("query dispatch_log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatch_log: %w", err)
	}
	return out, nil
}

// Get returns one entry by id, or ErrNotFound.
func (j *Journal) Get(ctx context.Context, id string) (Entry, error) {
	row := j.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?;`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e                       Entry
		messageID               int
		status                  string
		values, lastErr, stderr sql.NullString
		exitCode                sql.NullInt64
		durationMS              int64
		receivedAt, completedAt string
	)
	if err := s.Scan(&e.ID, &e.Connection, &e.Topic, &e.ClientID, &messageID, &status, &values,
		&exitCode, &lastErr, &stderr, &durationMS, &receivedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("scan dispatch_log: %w", err)
	}
	e.MessageID = uint16(messageID)
	e.Status = Status(status)
	e.Values = values.String
	e.LastError = lastErr.String
	e.Stderr = stderr.String
	e.Duration = time.Duration(durationMS) * time.Millisecond
	if exitCode.Valid {
		code := int(exitCode.Int64)
		e.ExitCode = &code
	}
	if t, err := time.Parse(time.RFC3339Nano, receivedAt); err == nil {
		e.ReceivedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, completedAt); err == nil {
		e.CompletedAt = t
	}
	return e, nil
}

// Prune deletes entries completed before now-retention and returns how many went.
func (j *Journal) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention).UTC().Format(timestampLayout)
	res, err := j.db.ExecContext(ctx, `DELETE FROM dispatch_log WHERE completed_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune dispatch_log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
