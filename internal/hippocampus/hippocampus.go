// Package hippocampus implements the hot/cold memory engine described in
// spec.md §4.8: a flat hot-fact row-store backed by internal/persistence,
// plus a cold archive searched by brute-force cosine-distance KNN (no
// vector-search library is wired anywhere in the example corpus this module
// was built from; see DESIGN.md for why a pure-Go ANN fallback is the
// grounded choice here).
package hippocampus

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/basket/cortexd/internal/persistence"
)

// EmbedFunc computes a fixed-dimension embedding for a text, e.g. by calling
// an external embedding-model client. Supplied by the composition root; the
// embedding model itself is explicitly out of scope (spec.md §1).
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Memory is the hippocampus facade over a persistence.Store.
type Memory struct {
	store *persistence.Store
	embed EmbedFunc
}

// New builds a Memory over an already-open store. store must have been
// opened with hippocampusEnabled=true.
func New(store *persistence.Store, embed EmbedFunc) *Memory {
	return &Memory{store: store, embed: embed}
}

// Remember inserts a new hot fact, e.g. from the Fact Extractor or Op
// Harvester gardener workers.
func (m *Memory) Remember(ctx context.Context, text string) (int64, error) {
	return m.store.InsertHotFact(ctx, text)
}

// KnownFacts returns the top-N hot facts for System Floor rendering
// (spec.md §4.5), deduplicated by text — dedup lives here, not in
// persistence, since "top N ranked" and "unique text for rendering" are
// different concerns (see DESIGN.md).
func (m *Memory) KnownFacts(ctx context.Context, limit int) ([]persistence.HotFact, error) {
	facts, err := m.store.GetTopHotFacts(ctx, limit)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(facts))
	out := make([]persistence.HotFact, 0, len(facts))
	for _, f := range facts {
		if seen[f.Text] {
			continue
		}
		seen[f.Text] = true
		out = append(out, f)
	}
	return out, nil
}

// QueryResult is one hit from Query, either a hot fact or a promoted cold
// fact now living in hot (spec.md §4.6 "memory_query" tool contract).
type QueryResult struct {
	Text     string
	Distance float64 // 0 for exact hot-fact matches
}

// Query implements memory_query: exact-match against hot facts first; on a
// miss, embed the query and brute-force KNN the cold archive, promoting any
// hit back to hot before returning it (spec.md §4.6).
func (m *Memory) Query(ctx context.Context, query string, limit int) ([]QueryResult, error) {
	if limit <= 0 {
		limit = 5
	}

	if hot, err := m.store.FindHotFactByText(ctx, query); err == nil && hot != nil {
		if err := m.store.TouchHotFact(ctx, hot.ID); err != nil {
			return nil, fmt.Errorf("touch hot fact: %w", err)
		}
		return []QueryResult{{Text: hot.Text, Distance: 0}}, nil
	}

	if m.embed == nil {
		return nil, nil
	}
	vec, err := m.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	cold, err := m.store.AllColdFacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load cold facts: %w", err)
	}
	hits := knn(vec, cold, limit)

	results := make([]QueryResult, 0, len(hits))
	for _, hit := range hits {
		id, err := m.promote(ctx, hit.fact)
		if err != nil {
			return nil, fmt.Errorf("promote cold fact %d: %w", hit.fact.RowID, err)
		}
		if err := m.store.TouchHotFact(ctx, id); err != nil {
			return nil, fmt.Errorf("touch promoted fact: %w", err)
		}
		results = append(results, QueryResult{Text: hit.fact.Text, Distance: hit.distance})
	}
	return results, nil
}

// promote moves a cold fact back to hot, matching the order spec.md §4.6
// describes ("insert into hot, delete from cold").
func (m *Memory) promote(ctx context.Context, cf persistence.ColdFact) (int64, error) {
	id, err := m.store.InsertHotFact(ctx, cf.Text)
	if err != nil {
		return 0, fmt.Errorf("insert promoted hot fact: %w", err)
	}
	if err := m.store.DeleteColdFact(ctx, cf.RowID); err != nil {
		return 0, fmt.Errorf("delete cold fact after promotion: %w", err)
	}
	return id, nil
}

type scoredFact struct {
	fact     persistence.ColdFact
	distance float64
}

// knn brute-force searches cold facts by cosine distance, ascending,
// returning at most k results (spec.md §4.8: "KNN search returns {text,
// distance} rows ordered by distance ascending, limit k").
func knn(query []float32, candidates []persistence.ColdFact, k int) []scoredFact {
	scored := make([]scoredFact, 0, len(candidates))
	for _, cf := range candidates {
		scored = append(scored, scoredFact{fact: cf, distance: cosineDistance(query, cf.Embedding)})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].distance < scored[j].distance })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

// cosineDistance is 1 - cosine similarity; 0 for identical direction, 2 for
// opposite. Mismatched or zero-length vectors return the maximum distance
// rather than panicking, so a malformed embedding never crashes a query.
func cosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 2
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 2
	}
	cosine := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return 1 - cosine
}
