// Package journal keeps a local SQLite history of sync status transitions so
// the outcome of unattended syncs can be inspected later.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/tonimelisma/dirsync/internal/status"
)

// DefaultKeep is how many events Attach retains.
const DefaultKeep = 1000

// trimEvery is how many recorded events pass between trims in Attach.
const trimEvery = 100

// Entry is one recorded status transition.
type Entry struct {
	ID        int64       `json:"id"`
	Kind      status.Kind `json:"status"`
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
}

// Journal is an append-mostly event log backed by SQLite.
type Journal struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens (creating if needed) the journal at path and migrates its schema.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("journal: creating directory for %s: %w", path, err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: opening %s: %w", path, err)
	}

	// Sole writer.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()

		return nil, err
	}

	logger.Debug("status journal opened", slog.String("path", path))

	return &Journal{db: db, path: path, logger: logger}, nil
}

// Close releases the database.
func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("journal: closing %s: %w", j.path, err)
	}

	return nil
}

// Record appends st.
func (j *Journal) Record(ctx context.Context, st status.Status) error {
	ts := st.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO status_events (kind, message, occurred_at) VALUES (?, ?, ?)`,
		string(st.Kind), st.Message, ts.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("journal: recording status: %w", err)
	}

	return nil
}

// Recent returns up to limit entries, newest first. A non-positive limit
// returns every entry.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, kind, message, occurred_at FROM status_events
		 ORDER BY occurred_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: querying recent statuses: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}

	for rows.Next() {
		var (
			e    Entry
			kind string
			ms   int64
		)

		if err := rows.Scan(&e.ID, &kind, &e.Message, &ms); err != nil {
			return nil, fmt.Errorf("journal: scanning status row: %w", err)
		}

		e.Kind = status.Kind(kind)
		e.Timestamp = time.UnixMilli(ms).UTC()
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterating statuses: %w", err)
	}

	return entries, nil
}

// Trim deletes all but the newest keep entries and returns how many rows
// were removed.
func (j *Journal) Trim(ctx context.Context, keep int) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM status_events WHERE id NOT IN (
			SELECT id FROM status_events ORDER BY occurred_at DESC, id DESC LIMIT ?
		)`, max(keep, 0))
	if err != nil {
		return 0, fmt.Errorf("journal: trimming statuses: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("journal: trimming statuses: %w", err)
	}

	if n > 0 {
		j.logger.Debug("status journal trimmed", slog.Int64("removed", n), slog.Int("kept", keep))
	}

	return n, nil
}

// Attach records every status b publishes from now on, trimming the
// journal to keep entries as it goes. The returned stop func unsubscribes,
// writes whatever is still buffered and waits; it is safe to call more than
// once. Write failures are logged only.
func (j *Journal) Attach(b *status.Broadcaster, keep int) (stop func()) {
	ch, cancel := b.Subscribe(32)
	done := make(chan struct{})

	if keep <= 0 {
		keep = DefaultKeep
	}

	go func() {
		defer close(done)

		recorded := 0

		// Ranging drains the buffer after cancel closes the channel, so
		// the final transition of a shutdown is not lost.
		for st := range ch {
			if err := j.Record(context.Background(), st); err != nil {
				j.logger.Warn("failed to journal status", slog.String("error", err.Error()))

				continue
			}

			recorded++
			if recorded%trimEvery == 0 {
				if _, err := j.Trim(context.Background(), keep); err != nil {
					j.logger.Warn("failed to trim status journal", slog.String("error", err.Error()))
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
