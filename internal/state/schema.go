// internal/state/schema.go
package state

// schema is applied on every Open. Every statement is idempotent so
// concurrent producers opening a fresh file do not race each other.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                  TEXT PRIMARY KEY,
	external_session_id TEXT NOT NULL UNIQUE,
	project_path        TEXT NOT NULL DEFAULT '',
	branch              TEXT NOT NULL DEFAULT '',
	commit_sha          TEXT NOT NULL DEFAULT '',
	start_time          TEXT NOT NULL,
	end_time            TEXT,
	event_count         INTEGER,
	duration_ms         INTEGER,
	orphan              INTEGER NOT NULL DEFAULT 0,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL REFERENCES sessions(id),
	event_type  TEXT NOT NULL,
	timestamp   TEXT NOT NULL,
	tool_name   TEXT,
	duration_ms INTEGER,
	data        TEXT NOT NULL DEFAULT '{}',
	sequence    INTEGER NOT NULL UNIQUE,
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_session_id ON events(session_id);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
CREATE INDEX IF NOT EXISTS idx_events_event_type ON events(event_type);
CREATE INDEX IF NOT EXISTS idx_sessions_start_time ON sessions(start_time);
`
