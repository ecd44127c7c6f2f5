package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Checkpoint is an append-only snapshot of channel states and pending ops,
// used to hydrate state on restart (spec.md §3 "Checkpoint (Cortex)").
type Checkpoint struct {
	ID            int64
	TakenAt       time.Time
	ChannelStates []ChannelState
	PendingOps    []PendingOp
}

// SaveCheckpoint snapshots the current channel states and pending-op inbox.
func (s *Store) SaveCheckpoint(ctx context.Context) (int64, error) {
	channels, err := s.ActiveChannels(ctx)
	if err != nil {
		return 0, fmt.Errorf("snapshot channels: %w", err)
	}
	ops, err := s.GetInbox(ctx)
	if err != nil {
		return 0, fmt.Errorf("snapshot pending ops: %w", err)
	}

	chJSON, err := json.Marshal(channels)
	if err != nil {
		return 0, fmt.Errorf("marshal channel snapshot: %w", err)
	}
	opsJSON, err := json.Marshal(ops)
	if err != nil {
		return 0, fmt.Errorf("marshal pending-op snapshot: %w", err)
	}

	var id int64
	err = retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT INTO checkpoints (taken_at, channel_states, pending_ops)
			VALUES (CURRENT_TIMESTAMP, ?, ?);
		`, string(chJSON), string(opsJSON))
		if execErr != nil {
			return execErr
		}
		id, execErr = res.LastInsertId()
		return execErr
	})
	return id, err
}

// LatestCheckpoint loads the most recently taken checkpoint, if any.
func (s *Store) LatestCheckpoint(ctx context.Context) (*Checkpoint, error) {
	var cp Checkpoint
	var chRaw, opsRaw string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, taken_at, channel_states, pending_ops
		FROM checkpoints ORDER BY id DESC LIMIT 1;
	`).Scan(&cp.ID, &cp.TakenAt, &chRaw, &opsRaw)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(chRaw), &cp.ChannelStates); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint channels: %w", err)
	}
	if err := json.Unmarshal([]byte(opsRaw), &cp.PendingOps); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint pending ops: %w", err)
	}
	return &cp, nil
}
