package gardener

import "context"

// RunVectorEvictor archives stale hot facts to cold storage (spec.md §4.9
// "Vector Evictor"). Thin wrapper: the eviction logic itself lives in
// internal/hippocampus since it needs the embed callback and the cold-fact
// table, both owned by that package.
func (g *Gardener) RunVectorEvictor(ctx context.Context) Result {
	if g.memory == nil {
		return Result{}
	}
	r := g.memory.EvictStale(ctx, g.cfg.StaleFactOlderDays, g.cfg.StaleFactMaxHits)
	return Result{Processed: r.Processed, Errors: r.Errors}
}
