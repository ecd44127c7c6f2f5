package hippocampus

import (
	"context"
	"fmt"
	"time"
)

// EvictionResult reports what one Vector Evictor pass did (spec.md §4.9
// "each worker exposes {processed, errors} for tests").
type EvictionResult struct {
	Processed int
	Errors    []error
}

// EvictStale finds hot facts older than olderDays with hit_count at or below
// maxHits, embeds and archives each to cold, then deletes it from hot.
// Idempotent per fact: a fact already evicted can't be re-selected, since
// GetStaleHotFacts only sees rows still present in hot_facts.
func (m *Memory) EvictStale(ctx context.Context, olderDays, maxHits int) EvictionResult {
	var result EvictionResult
	stale, err := m.store.GetStaleHotFacts(ctx, olderDays, maxHits)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("list stale hot facts: %w", err))
		return result
	}
	if m.embed == nil {
		result.Errors = append(result.Errors, fmt.Errorf("no embed function configured"))
		return result
	}

	for _, fact := range stale {
		vec, err := m.embed(ctx, fact.Text)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("embed fact %d: %w", fact.ID, err))
			continue
		}
		if _, err := m.store.InsertColdFact(ctx, fact.Text, time.Now(), vec); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("archive fact %d: %w", fact.ID, err))
			continue
		}
		if err := m.store.DeleteHotFact(ctx, fact.ID); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("delete evicted fact %d: %w", fact.ID, err))
			continue
		}
		result.Processed++
	}
	return result
}
