package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"pingme/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// Journal appends request lifecycle events to the daemon's SQLite database.
// It is safe for concurrent use.
type Journal struct {
	db *sql.DB
}

// Open creates (if needed) and opens the journal at path with WAL and a
// 5-second busy timeout, then applies the schema.
func Open(ctx context.Context, path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection keeps inserts serialized.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, protocol.JournalDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// Record appends one event. payload may be nil, a string (stored verbatim),
// or any JSON-marshalable value.
func (j *Journal) Record(ctx context.Context, eventType, requestID, kind string, payload any) error {
	var text string
	switch p := payload.(type) {
	case nil:
	case string:
		text = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		text = string(b)
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (type, request_id, kind, payload) VALUES (?, ?, ?, ?)`,
		eventType, requestID, kind, text,
	)
	if err != nil {
		return fmt.Errorf("insert %s event: %w", eventType, err)
	}
	return nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}
