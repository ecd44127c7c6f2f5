package hippocampus

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/cortexd/internal/persistence"
)

func openTestMemory(t *testing.T, embed EmbedFunc) (*Memory, *persistence.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cortex.db")
	store, err := persistence.Open(path, true)
	if err != nil {
		t.Fatalf("persistence.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, embed), store
}

func fakeEmbed(byWord map[string][]float32) EmbedFunc {
	return func(_ context.Context, text string) ([]float32, error) {
		if v, ok := byWord[text]; ok {
			return v, nil
		}
		return []float32{0, 0, 0}, nil
	}
}

func TestQuery_ExactHotMatchTouchesFact(t *testing.T) {
	m, store := openTestMemory(t, nil)
	ctx := context.Background()

	if _, err := m.Remember(ctx, "the garage code is 4471"); err != nil {
		t.Fatalf("Remember: %v", err)
	}

	results, err := m.Query(ctx, "the garage code is 4471", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].Text != "the garage code is 4471" || results[0].Distance != 0 {
		t.Fatalf("unexpected query result: %+v", results)
	}

	fact, err := store.FindHotFactByText(ctx, "the garage code is 4471")
	if err != nil {
		t.Fatalf("FindHotFactByText: %v", err)
	}
	if fact.HitCount != 1 {
		t.Fatalf("expected hit_count 1 after query, got %d", fact.HitCount)
	}
}

func TestKnownFacts_DedupesByText(t *testing.T) {
	m, _ := openTestMemory(t, nil)
	ctx := context.Background()

	if _, err := m.Remember(ctx, "duplicate fact"); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if _, err := m.Remember(ctx, "duplicate fact"); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if _, err := m.Remember(ctx, "unique fact"); err != nil {
		t.Fatalf("Remember: %v", err)
	}

	facts, err := m.KnownFacts(ctx, 10)
	if err != nil {
		t.Fatalf("KnownFacts: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("expected 2 deduped facts, got %d: %+v", len(facts), facts)
	}
}

func TestHippocampusRoundTrip_EvictThenQueryPromotes(t *testing.T) {
	embedTable := map[string][]float32{
		"Server IP is 10.0.0.1": {1, 0, 0},
	}
	m, store := openTestMemory(t, fakeEmbed(embedTable))
	ctx := context.Background()

	if _, err := m.Remember(ctx, "Server IP is 10.0.0.1"); err != nil {
		t.Fatalf("Remember: %v", err)
	}

	// olderDays=-1 pushes the staleness cutoff a day into the future, which
	// makes an unbackdated, just-created fact eviction-eligible without
	// reaching into the store's private schedule columns.
	result := m.EvictStale(ctx, -1, 3)
	if len(result.Errors) != 0 {
		t.Fatalf("EvictStale errors: %v", result.Errors)
	}
	if result.Processed != 1 {
		t.Fatalf("expected 1 fact processed, got %d", result.Processed)
	}

	known, err := m.KnownFacts(ctx, 10)
	if err != nil {
		t.Fatalf("KnownFacts: %v", err)
	}
	if len(known) != 0 {
		t.Fatalf("expected hot to be empty after eviction, got %+v", known)
	}

	cold, err := store.AllColdFacts(ctx)
	if err != nil {
		t.Fatalf("AllColdFacts: %v", err)
	}
	if len(cold) != 1 {
		t.Fatalf("expected 1 cold fact, got %d", len(cold))
	}

	results, err := m.Query(ctx, "Server IP is 10.0.0.1", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].Text != "Server IP is 10.0.0.1" {
		t.Fatalf("unexpected query result: %+v", results)
	}

	known, err = m.KnownFacts(ctx, 10)
	if err != nil {
		t.Fatalf("KnownFacts after promotion: %v", err)
	}
	if len(known) != 1 {
		t.Fatalf("expected 1 promoted hot fact, got %+v", known)
	}

	cold, err = store.AllColdFacts(ctx)
	if err != nil {
		t.Fatalf("AllColdFacts after promotion: %v", err)
	}
	if len(cold) != 0 {
		t.Fatalf("expected cold to be empty after promotion, got %+v", cold)
	}
}

func TestKNN_OrdersByDistanceAscending(t *testing.T) {
	candidates := []persistence.ColdFact{
		{RowID: 1, Text: "far", Embedding: []float32{-1, 0, 0}},
		{RowID: 2, Text: "near", Embedding: []float32{0.9, 0.1, 0}},
		{RowID: 3, Text: "exact", Embedding: []float32{1, 0, 0}},
	}
	hits := knn([]float32{1, 0, 0}, candidates, 3)
	if len(hits) != 3 || hits[0].fact.Text != "exact" || hits[2].fact.Text != "far" {
		t.Fatalf("unexpected knn order: %+v", hits)
	}
}

func TestKNN_LimitsToK(t *testing.T) {
	candidates := []persistence.ColdFact{
		{RowID: 1, Text: "a", Embedding: []float32{1, 0}},
		{RowID: 2, Text: "b", Embedding: []float32{0, 1}},
		{RowID: 3, Text: "c", Embedding: []float32{-1, 0}},
	}
	hits := knn([]float32{1, 0}, candidates, 1)
	if len(hits) != 1 || hits[0].fact.Text != "a" {
		t.Fatalf("expected top-1 hit 'a', got %+v", hits)
	}
}

func TestCosineDistance_MismatchedLengthIsMaxDistance(t *testing.T) {
	if d := cosineDistance([]float32{1, 2}, []float32{1, 2, 3}); d != 2 {
		t.Fatalf("expected max distance 2 for mismatched lengths, got %v", d)
	}
	if d := cosineDistance(nil, []float32{1}); d != 2 {
		t.Fatalf("expected max distance 2 for empty vector, got %v", d)
	}
}
