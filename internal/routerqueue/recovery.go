package routerqueue

import (
	"context"
	"fmt"
)

const (
	// DefaultMaxRetries is the retry cap before a hung/crashed job fails
	// permanently (spec.md §4 "gateway crash: max retries exceeded").
	DefaultMaxRetries = 2
	// DefaultHungThreshold is how stale last_checkpoint_at (or started_at)
	// must be before the watchdog treats an in_execution job as hung
	// (spec.md §4.10).
	DefaultHungThreshold = "90s"
)

// RecoveryReport summarizes what startup/watchdog recovery repaired.
type RecoveryReport struct {
	RevertedToQueue   int
	RevertedToPending int
	FailedMaxRetries  int
}

// Recover runs once at Router startup (spec.md §4 crash recovery): rows in
// evaluating revert to in_queue (the evaluator call never committed a
// result); rows in in_execution either retry (incrementing retry_count) or,
// at the retry cap, fail permanently.
func (s *Store) Recover(ctx context.Context, maxRetries int) (RecoveryReport, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	var report RecoveryReport

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE status = ?;
	`, string(StatusInQueue), string(StatusEvaluating))
	if err != nil {
		return report, fmt.Errorf("revert evaluating jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return report, fmt.Errorf("revert evaluating rows affected: %w", err)
	}
	report.RevertedToQueue = int(n)

	rows, err := s.db.QueryContext(ctx, `SELECT id, retry_count FROM jobs WHERE status = ?;`, string(StatusInExecution))
	if err != nil {
		return report, fmt.Errorf("query in_execution jobs: %w", err)
	}
	type stuckJob struct {
		id    string
		retry int
	}
	var stuck []stuckJob
	for rows.Next() {
		var j stuckJob
		if err := rows.Scan(&j.id, &j.retry); err != nil {
			rows.Close()
			return report, fmt.Errorf("scan stuck job: %w", err)
		}
		stuck = append(stuck, j)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return report, fmt.Errorf("iterate stuck jobs: %w", err)
	}
	rows.Close()

	for _, j := range stuck {
		if j.retry < maxRetries {
			if err := s.requeueForRetry(ctx, j.id, j.retry); err != nil {
				return report, err
			}
			report.RevertedToPending++
		} else {
			if err := s.Fail(ctx, j.id, "gateway crash: max retries exceeded"); err != nil {
				return report, fmt.Errorf("fail job past retry cap: %w", err)
			}
			report.FailedMaxRetries++
		}
	}
	return report, nil
}

// requeueForRetry reverts an in_execution job to pending with retry_count+1,
// used by both crash recovery and the watchdog's hung-job handling.
func (s *Store) requeueForRetry(ctx context.Context, id string, currentRetry int) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, retry_count = ?, worker_id = NULL,
				last_checkpoint_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, string(StatusPending), currentRetry+1, id)
		return err
	})
}

// RequeueOrFail is the watchdog's decision for a hung in_execution job: retry
// up to maxRetries, else fail permanently (spec.md §4.10 "Watchdog").
func (s *Store) RequeueOrFail(ctx context.Context, id string, maxRetries int) error {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.RetryCount < maxRetries {
		return s.requeueForRetry(ctx, id, job.RetryCount)
	}
	return s.Fail(ctx, id, "gateway crash: max retries exceeded")
}

// HungJobs returns in_execution jobs whose last_checkpoint_at (or started_at
// if no checkpoint yet) is older than the hung threshold.
func (s *Store) HungJobs(ctx context.Context, hungThresholdSeconds int) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, status, weight, tier, issuer, payload, result, error,
			created_at, updated_at, started_at, finished_at, delivered_at,
			retry_count, worker_id, last_checkpoint_at, checkpoint_data
		FROM jobs
		WHERE status = ?
			AND COALESCE(last_checkpoint_at, started_at) <= datetime('now', ?);
	`, string(StatusInExecution), fmt.Sprintf("-%d seconds", hungThresholdSeconds))
	if err != nil {
		return nil, fmt.Errorf("query hung jobs: %w", err)
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
