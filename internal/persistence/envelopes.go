package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Priority string

const (
	PriorityUrgent     Priority = "urgent"
	PriorityNormal     Priority = "normal"
	PriorityBackground Priority = "background"
)

// priorityRank orders urgent > normal > background for the claim query.
func priorityRank(p Priority) int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityNormal:
		return 1
	default:
		return 2
	}
}

type EnvelopeState string

const (
	EnvelopeStatePending    EnvelopeState = "pending"
	EnvelopeStateProcessing EnvelopeState = "processing"
	EnvelopeStateCompleted  EnvelopeState = "completed"
	EnvelopeStateFailed     EnvelopeState = "failed"
)

// ReplyContext overrides the default outbound routing (§4.5, §4.6) and, for
// internal-channel envelopes, the foreground channel used to assemble context.
type ReplyContext struct {
	Channel        string `json:"channel"`
	UpstreamMsgID  string `json:"upstream_message_id,omitempty"`
}

type Sender struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Relationship string `json:"relationship"`
}

// Envelope is the atomic unit of input to Cortex (spec.md §3).
type Envelope struct {
	ID       string
	Channel  string
	Sender   Sender
	Content  string
	Priority Priority
	Reply    *ReplyContext
	Metadata map[string]any

	State       EnvelopeState
	EnqueuedAt  time.Time
	PickedAt    *time.Time
	CompletedAt *time.Time
	FailReason  string
}

// IsInternal reports whether the envelope arrived on an internal producer
// channel (router/subagent/cron), per spec.md §6.
func (e *Envelope) IsInternal() bool {
	switch e.Channel {
	case "router", "subagent", "cron":
		return true
	default:
		return false
	}
}

var ErrStoreUnavailable = errors.New("persistence: store unavailable")

// Enqueue atomically inserts an envelope in state=pending.
func (s *Store) Enqueue(ctx context.Context, e Envelope) (string, error) {
	if e.ID == "" {
		return "", fmt.Errorf("persistence: enqueue requires a non-empty id")
	}
	if e.Channel == "" {
		return "", fmt.Errorf("persistence: enqueue requires a non-empty channel id")
	}
	if e.Priority == "" {
		e.Priority = PriorityNormal
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal envelope metadata: %w", err)
	}
	var replyChannel, replyUpstream string
	if e.Reply != nil {
		replyChannel = e.Reply.Channel
		replyUpstream = e.Reply.UpstreamMsgID
	}

	err = retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO envelopes (
				id, channel_id, sender_id, sender_name, sender_relationship,
				content, priority, metadata, reply_channel, reply_upstream_id,
				state, enqueued_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', CURRENT_TIMESTAMP);
		`, e.ID, e.Channel, e.Sender.ID, e.Sender.Name, e.Sender.Relationship,
			e.Content, string(e.Priority), string(meta), replyChannel, replyUpstream)
		return execErr
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return e.ID, nil
}

// ClaimNext picks the oldest pending envelope of the highest priority and
// atomically transitions it to processing. Returns (nil, nil) when empty.
func (s *Store) ClaimNext(ctx context.Context) (*Envelope, error) {
	var result *Envelope
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT id, channel_id, sender_id, sender_name, sender_relationship,
				content, priority, metadata, reply_channel, reply_upstream_id,
				enqueued_at
			FROM envelopes
			WHERE state = 'pending'
			ORDER BY CASE priority WHEN 'urgent' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END ASC, enqueued_at ASC
			LIMIT 1;
		`)
		e, scanErr := scanEnvelopeRow(row)
		if scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				result = nil
				return nil
			}
			return fmt.Errorf("select claimable envelope: %w", scanErr)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE envelopes SET state = 'processing', picked_at = CURRENT_TIMESTAMP
			WHERE id = ? AND state = 'pending';
		`, e.ID)
		if err != nil {
			return fmt.Errorf("claim envelope: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if affected != 1 {
			// Lost the race to another claimer; caller retries on next poll.
			result = nil
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		e.State = EnvelopeStateProcessing
		result = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func scanEnvelopeRow(row *sql.Row) (*Envelope, error) {
	var e Envelope
	var metaRaw, priority, replyChannel, replyUpstream string
	if err := row.Scan(&e.ID, &e.Channel, &e.Sender.ID, &e.Sender.Name, &e.Sender.Relationship,
		&e.Content, &priority, &metaRaw, &replyChannel, &replyUpstream, &e.EnqueuedAt); err != nil {
		return nil, err
	}
	e.Priority = Priority(priority)
	if replyChannel != "" || replyUpstream != "" {
		e.Reply = &ReplyContext{Channel: replyChannel, UpstreamMsgID: replyUpstream}
	}
	if metaRaw != "" {
		_ = json.Unmarshal([]byte(metaRaw), &e.Metadata)
	}
	return &e, nil
}

// Complete marks an envelope as terminally completed.
func (s *Store) Complete(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE envelopes SET state = 'completed', completed_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, id)
		return err
	})
}

// Fail marks an envelope as terminally failed with a reason.
func (s *Store) Fail(ctx context.Context, id, reason string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE envelopes SET state = 'failed', completed_at = CURRENT_TIMESTAMP, fail_reason = ?
			WHERE id = ?;
		`, reason, id)
		return err
	})
}

// CountPending returns the number of envelopes awaiting pickup.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM envelopes WHERE state = 'pending';`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending envelopes: %w", err)
	}
	return n, nil
}

// ResetStalled resets rows stuck in processing back to pending (§4.2 recovery).
// Returns the number of rows reset.
func (s *Store) ResetStalled(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE envelopes SET state = 'pending', picked_at = NULL
		WHERE state = 'processing';
	`)
	if err != nil {
		return 0, fmt.Errorf("reset stalled envelopes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset stalled rows affected: %w", err)
	}
	return int(n), nil
}
