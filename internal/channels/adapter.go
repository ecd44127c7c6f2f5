package channels

import (
	"context"
	"log/slog"
	"sync"
)

// OutputTarget is one outbound payload bound for a single adapter
// (spec.md §4.4, §4.7).
type OutputTarget struct {
	Channel string
	Content string
	ReplyTo string
}

// Adapter is a messaging platform integration. Inbound direction is not an
// adapter concern — channels push envelopes straight to the bus themselves;
// an Adapter only knows how to send outbound (spec.md §4.4).
type Adapter interface {
	Name() string
	Send(ctx context.Context, target OutputTarget) error
	IsAvailable() bool
}

// Registry maps channel id to adapter (spec.md §4.4 "Channel Adapter
// Registry"). A channel id with no registered adapter is not an error —
// outbound messages on it are dropped with a warning (shadow mode, tests).
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	log      *slog.Logger
}

// NewRegistry builds an empty adapter registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{adapters: make(map[string]Adapter), log: log}
}

// Register adds or replaces the adapter for its own Name().
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Lookup returns the adapter registered for channel, if any.
func (r *Registry) Lookup(channel string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[channel]
	return a, ok
}

// Dispatch fans targets out to their adapters. Unknown or unavailable
// adapters are logged and dropped; the caller's turn is never failed by a
// missing adapter (spec.md §4.4, §4.7 "Unknown adapters").
func (r *Registry) Dispatch(ctx context.Context, targets []OutputTarget) {
	for _, t := range targets {
		adapter, ok := r.Lookup(t.Channel)
		if !ok {
			r.log.Warn("channels: dropping output for unregistered channel", "channel", t.Channel)
			continue
		}
		if !adapter.IsAvailable() {
			r.log.Warn("channels: dropping output for unavailable channel", "channel", t.Channel)
			continue
		}
		if err := adapter.Send(ctx, t); err != nil {
			r.log.Warn("channels: adapter send failed", "channel", t.Channel, "error", err)
		}
	}
}
