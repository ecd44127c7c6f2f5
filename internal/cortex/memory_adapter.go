package cortex

import (
	"context"

	"github.com/basket/cortexd/internal/hippocampus"
)

// HippocampusAdapter satisfies MemoryQuerier by delegating to a real
// hippocampus.Memory, converting its result type so internal/cortex never
// has to import hippocampus's KNN-specific types directly.
type HippocampusAdapter struct {
	Memory *hippocampus.Memory
}

func (a HippocampusAdapter) Query(ctx context.Context, query string, limit int) ([]QueryResult, error) {
	results, err := a.Memory.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]QueryResult, len(results))
	for i, r := range results {
		out[i] = QueryResult{Text: r.Text, Distance: r.Distance}
	}
	return out, nil
}
