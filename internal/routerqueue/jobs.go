package routerqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusInQueue     Status = "in_queue"
	StatusEvaluating  Status = "evaluating"
	StatusPending     Status = "pending"
	StatusInExecution Status = "in_execution"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCanceled    Status = "canceled"
)

// Job is a Router-managed unit of work (spec.md §3 "Router job").
type Job struct {
	ID             string
	Type           string
	Status         Status
	Weight         int
	Tier           string
	Issuer         string
	Payload        string
	Result         string
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	DeliveredAt    *time.Time
	RetryCount     int
	WorkerID       string
	LastCheckpoint *time.Time
	CheckpointData string
}

var ErrNotFound = errors.New("routerqueue: job not found")

// Enqueue inserts a new job in_queue.
func (s *Store) Enqueue(ctx context.Context, id, jobType, issuer, payload string) error {
	if id == "" || issuer == "" {
		return fmt.Errorf("routerqueue: enqueue requires id and issuer")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO jobs (id, type, status, issuer, payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, jobType, string(StatusInQueue), issuer, payload)
		return err
	})
}

// Dequeue atomically claims the oldest in_queue job, moving it to evaluating
// (spec.md §4.10: "the atomic dequeue() operation"). Returns (nil, nil) when
// the queue is empty.
func (s *Store) Dequeue(ctx context.Context) (*Job, error) {
	var result *Job
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin dequeue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT id, type, status, weight, tier, issuer, payload, result, error,
				created_at, updated_at, started_at, finished_at, delivered_at,
				retry_count, worker_id, last_checkpoint_at, checkpoint_data
			FROM jobs WHERE status = ? ORDER BY created_at ASC LIMIT 1;
		`, string(StatusInQueue))
		job, scanErr := scanJob(row)
		if scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				result = nil
				return nil
			}
			return fmt.Errorf("select dequeueable job: %w", scanErr)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, string(StatusEvaluating), job.ID, string(StatusInQueue))
		if err != nil {
			return fmt.Errorf("claim job for evaluation: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("dequeue rows affected: %w", err)
		}
		if affected != 1 {
			result = nil
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit dequeue tx: %w", err)
		}
		job.Status = StatusEvaluating
		result = job
		return nil
	})
	return result, err
}

// SetEvaluation stores the evaluator's weight/tier and moves the job to
// pending, ready for dispatch (spec.md §4.10 "Dispatch").
func (s *Store) SetEvaluation(ctx context.Context, id string, weight int, tier string) error {
	if weight < 1 {
		weight = 1
	}
	if weight > 10 {
		weight = 10
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, weight = ?, tier = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, string(StatusPending), weight, tier, id, string(StatusEvaluating))
		if err != nil {
			return fmt.Errorf("set evaluation: %w", err)
		}
		return requireOneRow(res)
	})
}

// StartExecution transitions pending -> in_execution, stamping started_at
// and the initial checkpoint (spec.md §4.10 "Worker").
func (s *Store) StartExecution(ctx context.Context, id, workerID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, worker_id = ?, started_at = CURRENT_TIMESTAMP,
				last_checkpoint_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, string(StatusInExecution), workerID, id, string(StatusPending))
		if err != nil {
			return fmt.Errorf("start execution: %w", err)
		}
		return requireOneRow(res)
	})
}

// Heartbeat refreshes last_checkpoint_at for an in-flight job, and optionally
// stores checkpoint data. Returns false if the job is no longer in_execution
// (e.g. the watchdog already reclaimed it).
func (s *Store) Heartbeat(ctx context.Context, id string, checkpointData string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET last_checkpoint_at = CURRENT_TIMESTAMP, checkpoint_data = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, checkpointData, id, string(StatusInExecution))
	if err != nil {
		return false, fmt.Errorf("heartbeat job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return n == 1, nil
}

// Complete marks a job completed with its result.
func (s *Store) Complete(ctx context.Context, id, result string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, result = ?, finished_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, string(StatusCompleted), result, id, string(StatusInExecution))
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		return requireOneRow(res)
	})
}

// Fail marks a job failed with an error message, from any non-terminal state
// (watchdog-driven failures can originate from in_execution directly).
func (s *Store) Fail(ctx context.Context, id, reason string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, error = ?, finished_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status NOT IN (?, ?, ?);
		`, string(StatusFailed), reason, id, string(StatusCompleted), string(StatusFailed), string(StatusCanceled))
		if err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
		return requireOneRow(res)
	})
}

// Cancel marks a non-terminal job canceled.
func (s *Store) Cancel(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, finished_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status NOT IN (?, ?, ?);
		`, string(StatusCanceled), id, string(StatusCompleted), string(StatusFailed), string(StatusCanceled))
		if err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		return requireOneRow(res)
	})
}

// GetJob loads a job by id, from the live table only.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, status, weight, tier, issuer, payload, result, error,
			created_at, updated_at, started_at, finished_at, delivered_at,
			retry_count, worker_id, last_checkpoint_at, checkpoint_data
		FROM jobs WHERE id = ?;
	`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// ListByIssuer returns live jobs owned by issuer, newest first.
func (s *Store) ListByIssuer(ctx context.Context, issuer string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, status, weight, tier, issuer, payload, result, error,
			created_at, updated_at, started_at, finished_at, delivered_at,
			retry_count, worker_id, last_checkpoint_at, checkpoint_data
		FROM jobs WHERE issuer = ? ORDER BY created_at DESC;
	`, issuer)
	if err != nil {
		return nil, fmt.Errorf("list jobs by issuer: %w", err)
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

type rowLike interface {
	Scan(dest ...any) error
}

func scanJob(row rowLike) (*Job, error) {
	var j Job
	var status string
	var weight sql.NullInt64
	var tier, result, errMsg, workerID, checkpointData sql.NullString
	var startedAt, finishedAt, deliveredAt, lastCheckpoint sql.NullTime
	if err := row.Scan(&j.ID, &j.Type, &status, &weight, &tier, &j.Issuer, &j.Payload,
		&result, &errMsg, &j.CreatedAt, &j.UpdatedAt, &startedAt, &finishedAt, &deliveredAt,
		&j.RetryCount, &workerID, &lastCheckpoint, &checkpointData); err != nil {
		return nil, err
	}
	j.Status = Status(status)
	j.Weight = int(weight.Int64)
	j.Tier = tier.String
	j.Result = result.String
	j.Error = errMsg.String
	j.WorkerID = workerID.String
	j.CheckpointData = checkpointData.String
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		j.FinishedAt = &t
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		j.DeliveredAt = &t
	}
	if lastCheckpoint.Valid {
		t := lastCheckpoint.Time
		j.LastCheckpoint = &t
	}
	return &j, nil
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return ErrNotFound
	}
	return nil
}
