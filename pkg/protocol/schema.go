package protocol

// JournalDDL defines the SQLite schema of the daemon's lifecycle journal.
// Execute against a SQLite database with: db.Exec(JournalDDL)
const JournalDDL = `
-- Request lifecycle events: created, delivered, answered, timed_out, ...
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    request_id TEXT NOT NULL,
    kind TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE INDEX IF NOT EXISTS events_request_id ON events(request_id);
`
