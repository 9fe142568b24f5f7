// Package store is a typed façade over the proxy's embedded SQL database.
//
// Grounded on other_examples/AoaoMH-CLIProxyAPI-Aoao__store.go (a pure-Go
// SQLite usage store from the retrieval pack, built on database/sql plus
// modernc.org/sqlite) rather than the teacher's go.etcd.io/bbolt KV store,
// because spec.md 6 requires "one embedded SQL database file" with named
// tables. bbolt is not dropped from the module; it is repurposed by
// internal/balancer for the session checkpoint store (see DESIGN.md).
//
// Reads run directly against the pooled *sql.DB (snapshot-at-call, per
// spec.md 5). The *Tx mutation helpers are applied from inside the async
// writer's transaction (internal/writer), never from the request path.
// Two mutations bypass the writer: InsertAccount (provisioning) and the
// admin API's account deletion, which runs DeleteAccountTx in its own
// transaction.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id                     TEXT PRIMARY KEY,
	name                   TEXT NOT NULL UNIQUE,
	provider               TEXT NOT NULL,
	tier                   INTEGER NOT NULL,
	auth_type              TEXT NOT NULL,
	refresh_token          TEXT NOT NULL DEFAULT '',
	access_token           TEXT NOT NULL DEFAULT '',
	expires_at             INTEGER NOT NULL DEFAULT 0,
	api_key                TEXT NOT NULL DEFAULT '',
	base_url               TEXT NOT NULL DEFAULT '',
	paused                 INTEGER NOT NULL DEFAULT 0,
	rate_limit_status      TEXT NOT NULL DEFAULT '',
	rate_limit_reset_at    INTEGER NOT NULL DEFAULT 0,
	rate_limit_remaining   INTEGER,
	rate_limit_override_limit  INTEGER,
	rate_limit_override_window INTEGER,
	session_start          INTEGER NOT NULL DEFAULT 0,
	session_request_count  INTEGER NOT NULL DEFAULT 0,
	request_count          INTEGER NOT NULL DEFAULT 0,
	total_requests         INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS requests (
	request_id    TEXT PRIMARY KEY,
	account_id    TEXT NOT NULL DEFAULT '',
	path          TEXT NOT NULL,
	method        TEXT NOT NULL,
	status        INTEGER NOT NULL,
	timestamp     INTEGER NOT NULL,
	duration_ms   INTEGER NOT NULL,
	input_tokens  INTEGER,
	output_tokens INTEGER,
	cost_estimate REAL,
	agent         TEXT NOT NULL DEFAULT '',
	truncated     INTEGER NOT NULL DEFAULT 0,
	attempts_json TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests(timestamp);

-- Schema-only, out of core per spec.md 1: request body snapshots.
CREATE TABLE IF NOT EXISTS request_payloads (
	request_id TEXT PRIMARY KEY REFERENCES requests(request_id),
	body       BLOB
);

-- Schema-only, out of core per spec.md 1: per-agent routing preferences.
CREATE TABLE IF NOT EXISTS agent_preferences (
	agent        TEXT PRIMARY KEY,
	preferred_id TEXT
);
`

// Store wraps the database connection pool.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and applies
// the schema. WAL mode and a 5s busy timeout are enabled. The pool is
// limited to one connection, so all access is serialized: a read from the
// request path waits while the async writer's transaction holds it.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one connection serializes readers and writers alike
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the pool so the async writer can begin transactions directly.
func (s *Store) DB() *sql.DB { return s.db }

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
