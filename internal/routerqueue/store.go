// Package routerqueue is the Router's durable job queue: a separate SQLite
// store from the Cortex bus (spec.md §5 "one durable store per subsystem"),
// with its own claim/lease/retry machinery for jobs spawned by Cortex and
// executed by an isolated executor.
package routerqueue

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "routerqueue-v1-2026-jobs-archive"
)

// Store owns the Router's job queue database.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the conventional router.db location under stateDir.
func DefaultDBPath(stateDir string) string {
	return stateDir + "/router.db"
}

// Open creates or migrates the router queue database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("routerqueue: path must not be empty")
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open router queue db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
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

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA synchronous = FULL;`,
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("configure pragma %q: %w", pragma, err)
		}
	}
	return nil
}

// retryOnBusy retries f with exponential backoff and jitter on SQLITE_BUSY /
// SQLITE_LOCKED, matching the Cortex bus store's retry policy.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const (
		base = 50 * time.Millisecond
		max  = 500 * time.Millisecond
	)
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		backoff := base << attempt
		if backoff > max {
			backoff = max
		}
		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) initSchema(ctx context.Context) error {
	var currentVersion int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM schema_migrations;
	`).Scan(&currentVersion)
	if err != nil {
		if !strings.Contains(err.Error(), "no such table") {
			return fmt.Errorf("read schema version: %w", err)
		}
		currentVersion = 0
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN (
				'in_queue','evaluating','pending','in_execution','completed','failed','canceled'
			)),
			weight INTEGER,
			tier TEXT,
			issuer TEXT NOT NULL,
			payload TEXT NOT NULL,
			result TEXT,
			error TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at TIMESTAMP,
			finished_at TIMESTAMP,
			delivered_at TIMESTAMP,
			retry_count INTEGER NOT NULL DEFAULT 0,
			worker_id TEXT,
			last_checkpoint_at TIMESTAMP,
			checkpoint_data TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_issuer ON jobs(issuer);`,
		`CREATE TABLE IF NOT EXISTS job_archive (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			weight INTEGER,
			tier TEXT,
			issuer TEXT NOT NULL,
			payload TEXT NOT NULL,
			result TEXT,
			error TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			finished_at TIMESTAMP,
			delivered_at TIMESTAMP,
			retry_count INTEGER NOT NULL DEFAULT 0,
			archived_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_job_archive_issuer ON job_archive(issuer);`,
		`CREATE INDEX IF NOT EXISTS idx_job_archive_type ON job_archive(type);`,
		`CREATE INDEX IF NOT EXISTS idx_job_archive_status ON job_archive(status);`,
		`CREATE INDEX IF NOT EXISTS idx_job_archive_created_at ON job_archive(created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}
