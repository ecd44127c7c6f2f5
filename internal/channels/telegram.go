package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/basket/cortexd/internal/persistence"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
)

// TelegramChannel is the Telegram integration: it implements Channel on the
// inbound side (long-poll the Bot API, enqueue envelopes directly) and
// Adapter on the outbound side (send text to a chat). Unlike the teacher's
// version, there is no ChatTaskRouter indirection — an inbound message
// becomes an envelope on the bus, full stop; Cortex decides what happens
// next (spec.md §4.4 "inbound direction is not an adapter concern").
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	store      *persistence.Store
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
}

// NewTelegramChannel creates a Telegram channel/adapter pair sharing one bot connection.
func NewTelegramChannel(token string, allowedIDs []int64, store *persistence.Store, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		store:      store,
		logger:     logger,
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

// Start begins long-polling Telegram and enqueuing envelopes for every
// allowed sender's message. It blocks until ctx is canceled.
func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram channel started", "user", t.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout (stall
// detection — the library blocks rather than closing the channel on a dead
// connection).
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			t.enqueue(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

// enqueue turns an inbound Telegram message into an envelope on the durable
// bus. The chat id travels as the reply context's upstream message id so the
// eventual outbound send (via Send, below) knows which chat to answer.
func (t *TelegramChannel) enqueue(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	env := persistence.Envelope{
		ID:       uuid.NewString(),
		Channel:  t.Name(),
		Content:  content,
		Priority: persistence.PriorityNormal,
		Sender: persistence.Sender{
			ID:   strconv.FormatInt(msg.From.ID, 10),
			Name: msg.From.UserName,
		},
		Reply: &persistence.ReplyContext{
			Channel:       t.Name(),
			UpstreamMsgID: chatID,
		},
	}

	if _, err := t.store.Enqueue(ctx, env); err != nil {
		t.logger.Error("telegram: failed to enqueue envelope", "error", err)
	}
}

// Send implements Adapter: it delivers text to the chat named by
// target.ReplyTo (the chat id stamped at enqueue time).
func (t *TelegramChannel) Send(_ context.Context, target OutputTarget) error {
	if t.bot == nil {
		return fmt.Errorf("telegram: adapter not started")
	}
	chatID, err := strconv.ParseInt(target.ReplyTo, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", target.ReplyTo, err)
	}
	msg := tgbotapi.NewMessage(chatID, target.Content)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram: send failed: %w", err)
	}
	return nil
}

// IsAvailable reports whether the bot connection has been established.
func (t *TelegramChannel) IsAvailable() bool {
	return t.bot != nil
}
