package persistence

import (
	"context"
	"fmt"
	"time"
)

type PendingOpStatus string

const (
	OpStatusPending   PendingOpStatus = "pending"
	OpStatusCompleted PendingOpStatus = "completed"
	OpStatusFailed    PendingOpStatus = "failed"
	OpStatusGardened  PendingOpStatus = "gardened"
	OpStatusArchived  PendingOpStatus = "archived"
)

// PendingOp is one outstanding external action dispatched by the agent
// (spec.md §3 "Pending operation (the inbox)"). The id is agent-generated so
// the dispatcher — not the store — owns identity.
type PendingOp struct {
	ID                    string
	Type                  string
	Description           string
	DispatchedAt          time.Time
	ExpectedReturnChannel string
	Status                PendingOpStatus
	CompletedAt           *time.Time
	Result                string
	GardenedAt            *time.Time
	AcknowledgedAt        *time.Time
	ReplyChannel          string
	ResultPriority        Priority
}

// AddPendingOp records a newly dispatched op. Must be called BEFORE the
// external action fires, so a crash mid-dispatch leaves a recoverable entry.
func (s *Store) AddPendingOp(ctx context.Context, op PendingOp) error {
	if op.ID == "" {
		return fmt.Errorf("persistence: pending op requires a non-empty id")
	}
	if op.Status == "" {
		op.Status = OpStatusPending
	}
	if op.ResultPriority == "" {
		op.ResultPriority = PriorityNormal
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pending_ops (
				id, type, description, dispatched_at, expected_return_channel,
				status, reply_channel, result_priority
			) VALUES (?, ?, ?, CURRENT_TIMESTAMP, ?, ?, ?, ?);
		`, op.ID, op.Type, op.Description, op.ExpectedReturnChannel, string(op.Status), op.ReplyChannel, string(op.ResultPriority))
		return err
	})
}

// CompletePendingOp transitions an op to completed with a result.
func (s *Store) CompletePendingOp(ctx context.Context, id, result string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE pending_ops SET status = 'completed', result = ?, completed_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, result, id)
		return err
	})
}

// FailPendingOp transitions an op to failed with a reason.
func (s *Store) FailPendingOp(ctx context.Context, id, reason string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE pending_ops SET status = 'failed', result = ?, completed_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, reason, id)
		return err
	})
}

// MarkGardened marks a completed op as harvested for facts.
func (s *Store) MarkGardened(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE pending_ops SET status = 'gardened', gardened_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, id)
		return err
	})
}

// ArchiveOlderThan moves completed/failed/gardened+acknowledged ops older
// than the given age to archived, so GetInbox's scan stays bounded.
func (s *Store) ArchiveOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age)
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_ops SET status = 'archived'
		WHERE status IN ('completed','failed','gardened')
			AND acknowledged_at IS NOT NULL
			AND acknowledged_at < ?;
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive pending ops: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("archive rows affected: %w", err)
	}
	return int(n), nil
}

// GetInbox returns ops visible in the System Floor: status=pending, or
// completed/failed with acknowledged_at still NULL (spec.md §3 invariant).
func (s *Store) GetInbox(ctx context.Context) ([]PendingOp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, description, dispatched_at, expected_return_channel,
			status, completed_at, result, gardened_at, acknowledged_at,
			reply_channel, result_priority
		FROM pending_ops
		WHERE status = 'pending'
			OR (status IN ('completed','failed') AND acknowledged_at IS NULL)
		ORDER BY dispatched_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query inbox: %w", err)
	}
	defer rows.Close()

	var out []PendingOp
	for rows.Next() {
		op, err := scanPendingOp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPendingOp(r rowScanner) (PendingOp, error) {
	var op PendingOp
	var status, priority string
	if err := r.Scan(&op.ID, &op.Type, &op.Description, &op.DispatchedAt, &op.ExpectedReturnChannel,
		&status, &op.CompletedAt, &op.Result, &op.GardenedAt, &op.AcknowledgedAt,
		&op.ReplyChannel, &priority); err != nil {
		return PendingOp{}, fmt.Errorf("scan pending op: %w", err)
	}
	op.Status = PendingOpStatus(status)
	op.ResultPriority = Priority(priority)
	return op, nil
}

// AcknowledgeInbox marks every completed/failed op currently visible in the
// inbox as acknowledged. Idempotent: calling it again with no intervening
// completions/failures is a no-op.
func (s *Store) AcknowledgeInbox(ctx context.Context) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE pending_ops SET acknowledged_at = CURRENT_TIMESTAMP
			WHERE status IN ('completed','failed') AND acknowledged_at IS NULL;
		`)
		return err
	})
}

// GardenCandidates returns completed ops not yet gardened, for the Gardener's
// Op Harvester.
func (s *Store) GardenCandidates(ctx context.Context) ([]PendingOp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, description, dispatched_at, expected_return_channel,
			status, completed_at, result, gardened_at, acknowledged_at,
			reply_channel, result_priority
		FROM pending_ops WHERE status = 'completed';
	`)
	if err != nil {
		return nil, fmt.Errorf("query garden candidates: %w", err)
	}
	defer rows.Close()

	var out []PendingOp
	for rows.Next() {
		op, err := scanPendingOp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}
