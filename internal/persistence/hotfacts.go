package persistence

import (
	"context"
	"fmt"
	"time"
)

// ErrHippocampusDisabled is returned by hot/cold fact operations when the
// store was opened with hippocampusEnabled=false (their tables don't exist).
var ErrHippocampusDisabled = fmt.Errorf("persistence: hippocampus disabled")

// HotFact is a small, atomic natural-language statement (spec.md §3).
type HotFact struct {
	ID             int64
	Text           string
	CreatedAt      time.Time
	LastAccessedAt time.Time
	HitCount       int
}

func (s *Store) requireHippocampus() error {
	if !s.hippocampusEnabled {
		return ErrHippocampusDisabled
	}
	return nil
}

// InsertHotFact adds a new hot fact.
func (s *Store) InsertHotFact(ctx context.Context, text string) (int64, error) {
	if err := s.requireHippocampus(); err != nil {
		return 0, err
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT INTO hot_facts (text, created_at, last_accessed_at, hit_count)
			VALUES (?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, 0);
		`, text)
		if execErr != nil {
			return execErr
		}
		id, execErr = res.LastInsertId()
		return execErr
	})
	return id, err
}

// GetTopHotFacts returns the top N hot facts ordered by (hit_count desc,
// last_accessed desc). Callers (the context assembler) dedupe by text.
func (s *Store) GetTopHotFacts(ctx context.Context, limit int) ([]HotFact, error) {
	if err := s.requireHippocampus(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, created_at, last_accessed_at, hit_count
		FROM hot_facts
		ORDER BY hit_count DESC, last_accessed_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top hot facts: %w", err)
	}
	defer rows.Close()

	var out []HotFact
	for rows.Next() {
		var f HotFact
		if err := rows.Scan(&f.ID, &f.Text, &f.CreatedAt, &f.LastAccessedAt, &f.HitCount); err != nil {
			return nil, fmt.Errorf("scan hot fact: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// TouchHotFact increments hit-count and refreshes last-accessed for a fact,
// the feedback loop that keeps useful facts hot (§4.5).
func (s *Store) TouchHotFact(ctx context.Context, id int64) error {
	if err := s.requireHippocampus(); err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE hot_facts SET hit_count = hit_count + 1, last_accessed_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, id)
		return err
	})
}

// FindHotFactByText looks for an exact-match hot fact (used by memory_query's
// hot-first search).
func (s *Store) FindHotFactByText(ctx context.Context, text string) (*HotFact, error) {
	if err := s.requireHippocampus(); err != nil {
		return nil, err
	}
	var f HotFact
	err := s.db.QueryRowContext(ctx, `
		SELECT id, text, created_at, last_accessed_at, hit_count
		FROM hot_facts WHERE text = ? LIMIT 1;
	`, text).Scan(&f.ID, &f.Text, &f.CreatedAt, &f.LastAccessedAt, &f.HitCount)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetStaleHotFacts returns eviction candidates: last_accessed_at older than
// olderDays and hit_count at or below maxHits (§3 "Hot fact" eviction rule).
func (s *Store) GetStaleHotFacts(ctx context.Context, olderDays int, maxHits int) ([]HotFact, error) {
	if err := s.requireHippocampus(); err != nil {
		return nil, err
	}
	cutoff := time.Now().AddDate(0, 0, -olderDays)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, created_at, last_accessed_at, hit_count
		FROM hot_facts WHERE last_accessed_at < ? AND hit_count <= ?;
	`, cutoff, maxHits)
	if err != nil {
		return nil, fmt.Errorf("query stale hot facts: %w", err)
	}
	defer rows.Close()

	var out []HotFact
	for rows.Next() {
		var f HotFact
		if err := rows.Scan(&f.ID, &f.Text, &f.CreatedAt, &f.LastAccessedAt, &f.HitCount); err != nil {
			return nil, fmt.Errorf("scan stale hot fact: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteHotFact removes a hot fact (used after promotion from cold, or eviction).
func (s *Store) DeleteHotFact(ctx context.Context, id int64) error {
	if err := s.requireHippocampus(); err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM hot_facts WHERE id = ?;`, id)
		return err
	})
}
