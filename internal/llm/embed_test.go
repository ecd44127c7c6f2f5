package llm

import (
	"context"
	"testing"
)

func TestFallbackEmbed_Deterministic(t *testing.T) {
	a, err := FallbackEmbed(context.Background(), "good morning")
	if err != nil {
		t.Fatalf("FallbackEmbed: %v", err)
	}
	b, err := FallbackEmbed(context.Background(), "good morning")
	if err != nil {
		t.Fatalf("FallbackEmbed: %v", err)
	}
	if len(a) != embeddingDims {
		t.Fatalf("expected %d dims, got %d", embeddingDims, len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("expected deterministic output, differed at index %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestFallbackEmbed_DistinctInputsDiffer(t *testing.T) {
	a, _ := FallbackEmbed(context.Background(), "good morning")
	b, _ := FallbackEmbed(context.Background(), "good night")
	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("expected distinct inputs to produce distinct vectors")
	}
}
