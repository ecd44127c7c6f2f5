package routerqueue

import (
	"context"
	"fmt"
)

// Deliver stamps delivered_at on a terminal job and moves it from the live
// jobs table to job_archive in a single transaction (spec.md §4.11 "Router
// Notifier"). Returns the archived job so the caller (the notifier) can
// invoke onDelivered with the full record.
func (s *Store) Deliver(ctx context.Context, id string) (*Job, error) {
	var delivered *Job
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin deliver tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT id, type, status, weight, tier, issuer, payload, result, error,
				created_at, updated_at, started_at, finished_at, delivered_at,
				retry_count, worker_id, last_checkpoint_at, checkpoint_data
			FROM jobs WHERE id = ? AND status IN (?, ?);
		`, id, string(StatusCompleted), string(StatusFailed))
		job, scanErr := scanJob(row)
		if scanErr != nil {
			return fmt.Errorf("select job for delivery: %w", scanErr)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET delivered_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, id); err != nil {
			return fmt.Errorf("stamp delivered_at: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_archive (
				id, type, status, weight, tier, issuer, payload, result, error,
				created_at, updated_at, started_at, finished_at, delivered_at, retry_count
			)
			SELECT id, type, status, weight, tier, issuer, payload, result, error,
				created_at, updated_at, started_at, finished_at, delivered_at, retry_count
			FROM jobs WHERE id = ?;
		`, id); err != nil {
			return fmt.Errorf("archive job: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?;`, id); err != nil {
			return fmt.Errorf("delete live job after archive: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit deliver tx: %w", err)
		}
		now := job.UpdatedAt
		job.DeliveredAt = &now
		delivered = job
		return nil
	})
	return delivered, err
}

// UndeliveredTerminal returns terminal jobs (completed/failed) whose
// delivered_at is still NULL — crash recovery re-delivers these (spec.md §4
// "Terminal Router jobs whose delivered-at is NULL are re-delivered").
func (s *Store) UndeliveredTerminal(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, status, weight, tier, issuer, payload, result, error,
			created_at, updated_at, started_at, finished_at, delivered_at,
			retry_count, worker_id, last_checkpoint_at, checkpoint_data
		FROM jobs WHERE status IN (?, ?) AND delivered_at IS NULL;
	`, string(StatusCompleted), string(StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("query undelivered terminal jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}
