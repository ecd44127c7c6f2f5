package gardener

import (
	"context"
	"fmt"
)

// RunFactExtractor processes every user/assistant turn not yet gardened,
// extracting facts via the external extract callback and inserting each
// into hot memory (spec.md §4.9 "Fact Extractor").
func (g *Gardener) RunFactExtractor(ctx context.Context) Result {
	var result Result
	if g.memory == nil || g.extract == nil {
		return result
	}

	messages, err := g.store.UngardenedMessages(ctx, 0)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("list ungardened messages: %w", err))
		return result
	}

	for _, msg := range messages {
		facts, err := g.extract(ctx, msg.Content)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("extract facts from message %d: %w", msg.ID, err))
			continue
		}
		for _, fact := range facts {
			if _, err := g.memory.Remember(ctx, fact); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("remember fact from message %d: %w", msg.ID, err))
				continue
			}
		}
		if err := g.store.MarkMessageGardened(ctx, msg.ID); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("mark message %d gardened: %w", msg.ID, err))
			continue
		}
		result.Processed++
	}
	return result
}
