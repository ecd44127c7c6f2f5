package gardener

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/cortexd/internal/persistence"
)

// RunChannelCompactor summarizes and backgrounds every foreground channel
// idle longer than CompactIdleThreshold (spec.md §4.9 "Channel Compactor").
func (g *Gardener) RunChannelCompactor(ctx context.Context) Result {
	var result Result
	if g.summarize == nil {
		return result
	}

	channels, err := g.store.ChannelsByLayer(ctx, persistence.LayerForeground)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("list foreground channels: %w", err))
		return result
	}

	cutoff := time.Now().Add(-g.cfg.CompactIdleThreshold)
	for _, c := range channels {
		if c.LastMessageAt == nil || c.LastMessageAt.After(cutoff) {
			continue
		}
		history, err := g.store.History(ctx, c.Channel, 0)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("load history for channel %s: %w", c.Channel, err))
			continue
		}
		summary, err := g.summarize(ctx, history)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("summarize channel %s: %w", c.Channel, err))
			continue
		}
		if err := g.store.SetChannelSummary(ctx, c.Channel, summary, persistence.LayerBackground); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("store summary for channel %s: %w", c.Channel, err))
			continue
		}
		result.Processed++
	}
	return result
}
