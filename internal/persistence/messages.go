package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const silenceMarker = "[silence]"

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// SessionMessage is one row of the unified chronological transcript
// (spec.md §3 "Session message"). There is exactly one session per agent.
type SessionMessage struct {
	ID         int64
	EnvelopeID string
	Role       MessageRole
	Channel    string
	SenderID   string
	Content    string
	Metadata   map[string]any
	CreatedAt  time.Time
	GardenedAt *time.Time
}

// AppendUserMessage records an incoming envelope as a user turn.
func (s *Store) AppendUserMessage(ctx context.Context, e Envelope) error {
	return s.appendMessage(ctx, e.ID, RoleUser, e.Channel, e.Sender.ID, e.Content, e.Metadata)
}

// AppendAssistantMessage records the assistant's reply for the given
// channel. Empty content is stored as the literal silence marker.
func (s *Store) AppendAssistantMessage(ctx context.Context, inReplyTo, channel, content string) error {
	if content == "" {
		content = silenceMarker
	}
	return s.appendMessage(ctx, inReplyTo, RoleAssistant, channel, "", content, nil)
}

func (s *Store) appendMessage(ctx context.Context, envelopeID string, role MessageRole, channel, senderID, content string, metadata map[string]any) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal message metadata: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO session_messages (envelope_id, role, channel_id, sender_id, content, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, envelopeID, string(role), channel, senderID, content, string(meta))
		return execErr
	})
}

// History returns the transcript for a channel (or all channels when empty),
// oldest-first, bounded by limit (0 = no bound).
func (s *Store) History(ctx context.Context, channel string, limit int) ([]SessionMessage, error) {
	query := `SELECT id, envelope_id, role, channel_id, sender_id, content, metadata, created_at, gardened_at FROM session_messages`
	args := []any{}
	if channel != "" {
		query += ` WHERE channel_id = ?`
		args = append(args, channel)
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []SessionMessage
	for rows.Next() {
		m, err := scanSessionMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history rows: %w", err)
	}
	return out, nil
}

func scanSessionMessage(r interface{ Scan(dest ...any) error }) (SessionMessage, error) {
	var m SessionMessage
	var role, metaRaw string
	var gardenedAt sql.NullTime
	if err := r.Scan(&m.ID, &m.EnvelopeID, &role, &m.Channel, &m.SenderID, &m.Content, &metaRaw, &m.CreatedAt, &gardenedAt); err != nil {
		return SessionMessage{}, err
	}
	m.Role = MessageRole(role)
	if metaRaw != "" {
		_ = json.Unmarshal([]byte(metaRaw), &m.Metadata)
	}
	if gardenedAt.Valid {
		t := gardenedAt.Time
		m.GardenedAt = &t
	}
	return m, nil
}

// UngardenedMessages returns session messages the Fact Extractor has not yet
// processed (spec.md §4.9 "For every user/assistant turn not yet processed").
func (s *Store) UngardenedMessages(ctx context.Context, limit int) ([]SessionMessage, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, envelope_id, role, channel_id, sender_id, content, metadata, created_at, gardened_at
		FROM session_messages WHERE gardened_at IS NULL ORDER BY id ASC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query ungardened messages: %w", err)
	}
	defer rows.Close()

	var out []SessionMessage
	for rows.Next() {
		m, err := scanSessionMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ungardened message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkMessageGardened records that the Fact Extractor has processed a turn.
func (s *Store) MarkMessageGardened(ctx context.Context, id int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE session_messages SET gardened_at = CURRENT_TIMESTAMP WHERE id = ?;`, id)
		return err
	})
}

type AttentionLayer string

const (
	LayerForeground AttentionLayer = "foreground"
	LayerBackground AttentionLayer = "background"
	LayerArchived   AttentionLayer = "archived"
)

// ChannelState is the per-channel rollup (spec.md §3 "Channel state").
type ChannelState struct {
	Channel        string
	LastMessageAt  *time.Time
	UnreadCount    int
	Summary        string
	AttentionLayer AttentionLayer
}

// UpsertChannelState updates (or creates) a channel's rollup row, bumping
// unread count and moving the layer to foreground on new activity.
func (s *Store) UpsertChannelState(ctx context.Context, channel string, layer AttentionLayer) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO channel_states (channel_id, last_message_at, unread_count, attention_layer)
			VALUES (?, CURRENT_TIMESTAMP, 1, ?)
			ON CONFLICT(channel_id) DO UPDATE SET
				last_message_at = CURRENT_TIMESTAMP,
				unread_count = unread_count + 1,
				attention_layer = excluded.attention_layer;
		`, channel, string(layer))
		return err
	})
}

// SetChannelSummary records a compacted summary and moves the channel to the
// given layer (used by the Gardener's Channel Compactor).
func (s *Store) SetChannelSummary(ctx context.Context, channel, summary string, layer AttentionLayer) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO channel_states (channel_id, summary, attention_layer)
			VALUES (?, ?, ?)
			ON CONFLICT(channel_id) DO UPDATE SET summary = excluded.summary, attention_layer = excluded.attention_layer;
		`, channel, summary, string(layer))
		return err
	})
}

// ClearUnread resets the unread counter for a channel.
func (s *Store) ClearUnread(ctx context.Context, channel string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE channel_states SET unread_count = 0 WHERE channel_id = ?;`, channel)
		return err
	})
}

// ActiveChannels returns every channel with a state row, most recently
// active first.
func (s *Store) ActiveChannels(ctx context.Context) ([]ChannelState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, last_message_at, unread_count, summary, attention_layer
		FROM channel_states
		ORDER BY last_message_at DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query active channels: %w", err)
	}
	defer rows.Close()

	var out []ChannelState
	for rows.Next() {
		var cs ChannelState
		var layer string
		var lastMsg *time.Time
		if err := rows.Scan(&cs.Channel, &lastMsg, &cs.UnreadCount, &cs.Summary, &layer); err != nil {
			return nil, fmt.Errorf("scan channel state: %w", err)
		}
		cs.LastMessageAt = lastMsg
		cs.AttentionLayer = AttentionLayer(layer)
		out = append(out, cs)
	}
	return out, rows.Err()
}

// ChannelsByLayer returns channels currently in the given attention layer.
func (s *Store) ChannelsByLayer(ctx context.Context, layer AttentionLayer) ([]ChannelState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, last_message_at, unread_count, summary, attention_layer
		FROM channel_states WHERE attention_layer = ?;
	`, string(layer))
	if err != nil {
		return nil, fmt.Errorf("query channels by layer: %w", err)
	}
	defer rows.Close()

	var out []ChannelState
	for rows.Next() {
		var cs ChannelState
		var l string
		var lastMsg *time.Time
		if err := rows.Scan(&cs.Channel, &lastMsg, &cs.UnreadCount, &cs.Summary, &l); err != nil {
			return nil, fmt.Errorf("scan channel state: %w", err)
		}
		cs.LastMessageAt = lastMsg
		cs.AttentionLayer = AttentionLayer(l)
		out = append(out, cs)
	}
	return out, rows.Err()
}
