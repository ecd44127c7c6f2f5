package gardener

import (
	"context"
	"fmt"
)

// RunOpHarvester extracts facts from every completed-but-not-gardened
// pending op's result text, using the same extract callback as the Fact
// Extractor, then marks the op gardened. A per-op LLM failure leaves that op
// at `completed` so the next run retries it (spec.md §4.9 "Op Harvester").
func (g *Gardener) RunOpHarvester(ctx context.Context) Result {
	var result Result
	if g.memory == nil || g.extract == nil {
		return result
	}

	candidates, err := g.store.GardenCandidates(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("list garden candidates: %w", err))
		return result
	}

	for _, op := range candidates {
		facts, err := g.extract(ctx, op.Result)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("extract facts from op %s: %w", op.ID, err))
			continue
		}
		for _, fact := range facts {
			if _, err := g.memory.Remember(ctx, fact); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("remember fact from op %s: %w", op.ID, err))
				continue
			}
		}
		if err := g.store.MarkGardened(ctx, op.ID); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("mark op %s gardened: %w", op.ID, err))
			continue
		}
		result.Processed++
	}
	return result
}
