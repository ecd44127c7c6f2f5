package channels

import (
	"context"
)

// Channel is the inbound half of a messaging platform integration: it
// listens for incoming messages and pushes them straight to the bus as
// envelopes (spec.md §4.4 "Inbound direction is not an adapter concern").
// A platform that only sends (e.g. a pure webhook relay) need not implement
// this; Adapter alone covers it.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It should block until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}
