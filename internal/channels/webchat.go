package channels

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/basket/cortexd/internal/persistence"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// wsClient is one connected browser session.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

// inboundFrame is the wire shape for a message arriving over the socket.
type inboundFrame struct {
	Content  string `json:"content"`
	SenderID string `json:"sender_id,omitempty"`
}

// outboundFrame is the wire shape for a message pushed to the browser.
type outboundFrame struct {
	Content string `json:"content"`
}

// WebchatChannel is a minimal browser chat integration: one HTTP endpoint
// upgrades to a websocket per session, inbound frames become envelopes on
// the bus, and Send pushes the reply back down the same socket the session
// arrived on (spec.md §4.4 "inbound direction is not an adapter concern").
type WebchatChannel struct {
	addr         string
	allowOrigins []string
	store        *persistence.Store
	logger       *slog.Logger

	mu      sync.RWMutex
	clients map[string]*wsClient // sessionID -> client
}

// NewWebchatChannel builds a webchat channel/adapter listening on addr.
func NewWebchatChannel(addr string, allowOrigins []string, store *persistence.Store, logger *slog.Logger) *WebchatChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebchatChannel{
		addr:         addr,
		allowOrigins: allowOrigins,
		store:        store,
		logger:       logger,
		clients:      make(map[string]*wsClient),
	}
}

func (w *WebchatChannel) Name() string { return "webchat" }

// Start serves the websocket endpoint until ctx is canceled.
func (w *WebchatChannel) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/webchat", w.handleWS)
	srv := &http.Server{Addr: w.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		_ = srv.Close()
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("webchat: serve failed: %w", err)
		}
		return nil
	}
}

func (w *WebchatChannel) handleWS(rw http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(rw, r, &websocket.AcceptOptions{OriginPatterns: w.allowOrigins})
	if err != nil {
		return
	}
	sessionID := uuid.NewString()
	c := &wsClient{conn: conn}

	w.mu.Lock()
	w.clients[sessionID] = c
	w.mu.Unlock()
	w.logger.Info("webchat: client connected", "session_id", sessionID)

	defer func() {
		w.mu.Lock()
		delete(w.clients, sessionID)
		w.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	for {
		var frame inboundFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			w.logger.Info("webchat: client disconnected", "session_id", sessionID, "error", err)
			return
		}
		w.enqueue(ctx, sessionID, frame)
	}
}

func (w *WebchatChannel) enqueue(ctx context.Context, sessionID string, frame inboundFrame) {
	if frame.Content == "" {
		return
	}
	env := persistence.Envelope{
		ID:       uuid.NewString(),
		Channel:  w.Name(),
		Content:  frame.Content,
		Priority: persistence.PriorityNormal,
		Sender:   persistence.Sender{ID: frame.SenderID},
		Reply: &persistence.ReplyContext{
			Channel:       w.Name(),
			UpstreamMsgID: sessionID,
		},
	}
	if _, err := w.store.Enqueue(ctx, env); err != nil {
		w.logger.Error("webchat: failed to enqueue envelope", "error", err)
	}
}

// Send implements Adapter: it delivers text to the session named by
// target.ReplyTo (the session id stamped at enqueue time).
func (w *WebchatChannel) Send(ctx context.Context, target OutputTarget) error {
	w.mu.RLock()
	c, ok := w.clients[target.ReplyTo]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("webchat: no connected session %q", target.ReplyTo)
	}
	return c.write(ctx, outboundFrame{Content: target.Content})
}

// IsAvailable reports whether at least one browser session is connected.
func (w *WebchatChannel) IsAvailable() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.clients) > 0
}
