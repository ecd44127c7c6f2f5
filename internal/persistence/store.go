// Package persistence is Cortex's durable store: a single SQLite database
// (WAL mode, one writer connection) holding the envelope bus, the unified
// session transcript, channel state, the pending-op inbox, the hippocampus
// hot/cold fact tables, and checkpoints.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "cortex-v1-2026-bus-session-inbox-hippocampus-schedules"
)

// Store owns the Cortex durable database. Callers interact through its
// methods; the *sql.DB handle itself is never exposed.
type Store struct {
	db                 *sql.DB
	hippocampusEnabled bool
}

// DefaultDBPath returns the conventional location for the Cortex database
// under the given state directory.
func DefaultDBPath(stateDir string) string {
	if stateDir == "" {
		stateDir = "."
	}
	return filepath.Join(stateDir, "cortex.db")
}

// Open creates/migrates the database at path and returns a ready Store.
// hippocampusEnabled gates creation of the hot/cold fact tables: when false,
// those tables MUST NOT exist (spec invariant).
func Open(path string, hippocampusEnabled bool) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("persistence: empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, hippocampusEnabled: hippocampusEnabled}
	ctx := context.Background()
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

// retryOnBusy retries f on SQLITE_BUSY/SQLITE_LOCKED with bounded
// exponential backoff and jitter, on top of the driver's own busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existingChecksum, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE envelopes (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			sender_id TEXT NOT NULL DEFAULT '',
			sender_name TEXT NOT NULL DEFAULT '',
			sender_relationship TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL CHECK(priority IN ('urgent','normal','background')),
			metadata JSON NOT NULL DEFAULT '{}',
			reply_channel TEXT NOT NULL DEFAULT '',
			reply_upstream_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL CHECK(state IN ('pending','processing','completed','failed')) DEFAULT 'pending',
			enqueued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			picked_at DATETIME,
			completed_at DATETIME,
			fail_reason TEXT
		);`,
		`CREATE INDEX idx_envelopes_claim ON envelopes(state, priority, enqueued_at);`,

		`CREATE TABLE session_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			envelope_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL CHECK(role IN ('user','assistant')),
			channel_id TEXT NOT NULL,
			sender_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			metadata JSON NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			gardened_at DATETIME
		);`,
		`CREATE INDEX idx_session_messages_channel_time ON session_messages(channel_id, created_at);`,
		`CREATE INDEX idx_session_messages_time ON session_messages(created_at);`,
		`CREATE INDEX idx_session_messages_gardened ON session_messages(gardened_at);`,

		`CREATE TABLE channel_states (
			channel_id TEXT PRIMARY KEY,
			last_message_at DATETIME,
			unread_count INTEGER NOT NULL DEFAULT 0,
			summary TEXT NOT NULL DEFAULT '',
			attention_layer TEXT NOT NULL CHECK(attention_layer IN ('foreground','background','archived')) DEFAULT 'foreground'
		);`,

		`CREATE TABLE pending_ops (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			description TEXT NOT NULL,
			dispatched_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expected_return_channel TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('pending','completed','failed','gardened','archived')) DEFAULT 'pending',
			completed_at DATETIME,
			result TEXT NOT NULL DEFAULT '',
			gardened_at DATETIME,
			acknowledged_at DATETIME,
			reply_channel TEXT NOT NULL DEFAULT '',
			result_priority TEXT NOT NULL DEFAULT 'normal'
		);`,
		`CREATE INDEX idx_pending_ops_status ON pending_ops(status);`,

		`CREATE TABLE checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			taken_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			channel_states JSON NOT NULL,
			pending_ops JSON NOT NULL
		);`,

		`CREATE TABLE schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			channel TEXT NOT NULL DEFAULT 'cron',
			content TEXT NOT NULL,
			priority TEXT NOT NULL CHECK(priority IN ('urgent','normal','background')) DEFAULT 'background',
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run_at DATETIME,
			next_run_at DATETIME
		);`,
		`CREATE INDEX idx_schedules_due ON schedules(enabled, next_run_at);`,
	}

	if s.hippocampusEnabled {
		statements = append(statements,
			`CREATE TABLE hot_facts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				text TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				last_accessed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				hit_count INTEGER NOT NULL DEFAULT 0
			);`,
			`CREATE INDEX idx_hot_facts_rank ON hot_facts(hit_count DESC, last_accessed_at DESC);`,
			`CREATE TABLE cold_facts (
				rowid INTEGER PRIMARY KEY AUTOINCREMENT,
				text TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				archived_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				embedding BLOB NOT NULL
			);`,
		)
	}

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	return tx.Commit()
}

// HippocampusEnabled reports whether the hot/cold fact tables exist on this store.
func (s *Store) HippocampusEnabled() bool {
	return s.hippocampusEnabled
}
