package persistence

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestEncodeDecodeEmbedding_RoundTrip(t *testing.T) {
	orig := []float32{0.1, -0.2, 3.14159, 0, -1, 1e10, -1e-10}
	encoded := encodeEmbedding(orig)
	if len(encoded) != len(orig)*4 {
		t.Fatalf("expected %d bytes, got %d", len(orig)*4, len(encoded))
	}
	decoded := decodeEmbedding(encoded)
	if len(decoded) != len(orig) {
		t.Fatalf("expected %d floats, got %d", len(orig), len(decoded))
	}
	for i := range orig {
		if math.Abs(float64(decoded[i]-orig[i])) > 1e-6 {
			t.Errorf("index %d: expected %v, got %v", i, orig[i], decoded[i])
		}
	}
}

func TestColdFacts_InsertAndList(t *testing.T) {
	s := openTestStore(t, true)
	ctx := context.Background()

	emb := []float32{1, 2, 3}
	id, err := s.InsertColdFact(ctx, "archived fact", time.Now(), emb)
	if err != nil {
		t.Fatalf("InsertColdFact: %v", err)
	}

	all, err := s.AllColdFacts(ctx)
	if err != nil {
		t.Fatalf("AllColdFacts: %v", err)
	}
	if len(all) != 1 || all[0].RowID != id || all[0].Text != "archived fact" {
		t.Fatalf("unexpected cold facts: %+v", all)
	}
	if len(all[0].Embedding) != 3 || all[0].Embedding[0] != 1 || all[0].Embedding[2] != 3 {
		t.Fatalf("unexpected embedding round-trip: %+v", all[0].Embedding)
	}

	if err := s.DeleteColdFact(ctx, id); err != nil {
		t.Fatalf("DeleteColdFact: %v", err)
	}
	all, err = s.AllColdFacts(ctx)
	if err != nil {
		t.Fatalf("AllColdFacts after delete: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected no cold facts after delete, got %+v", all)
	}
}

func TestColdFacts_DisabledReturnsError(t *testing.T) {
	s := openTestStore(t, false)
	ctx := context.Background()

	if _, err := s.InsertColdFact(ctx, "x", time.Now(), []float32{1}); err != ErrHippocampusDisabled {
		t.Fatalf("expected ErrHippocampusDisabled, got %v", err)
	}
}
