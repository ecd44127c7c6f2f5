package gardener

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/cortexd/internal/hippocampus"
	"github.com/basket/cortexd/internal/persistence"
)

func openTestGardener(t *testing.T, extract ExtractFunc, summarize SummarizeFunc) (*Gardener, *persistence.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cortex.db")
	store, err := persistence.Open(path, true)
	if err != nil {
		t.Fatalf("persistence.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	mem := hippocampus.New(store, func(_ context.Context, text string) ([]float32, error) {
		return []float32{float32(len(text))}, nil
	})
	g := New(store, mem, extract, summarize, Config{}, nil)
	return g, store
}

func TestRunFactExtractor_ProcessesAndMarksGardened(t *testing.T) {
	extract := func(_ context.Context, prompt string) ([]string, error) {
		return []string{"fact about: " + prompt}, nil
	}
	g, store := openTestGardener(t, extract, nil)
	ctx := context.Background()

	if err := store.AppendUserMessage(ctx, persistence.Envelope{ID: "e1", Channel: "webchat", Content: "hello there"}); err != nil {
		t.Fatalf("AppendUserMessage: %v", err)
	}

	result := g.RunFactExtractor(ctx)
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if result.Processed != 1 {
		t.Fatalf("expected 1 processed, got %d", result.Processed)
	}

	remaining, err := store.UngardenedMessages(ctx, 0)
	if err != nil {
		t.Fatalf("UngardenedMessages: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no ungardened messages left, got %d", len(remaining))
	}

	facts, err := store.GetTopHotFacts(ctx, 10)
	if err != nil {
		t.Fatalf("GetTopHotFacts: %v", err)
	}
	if len(facts) != 1 || !strings.Contains(facts[0].Text, "hello there") {
		t.Fatalf("expected extracted fact referencing message content, got %+v", facts)
	}
}

func TestRunOpHarvester_MarksOpGardenedAfterExtraction(t *testing.T) {
	extract := func(_ context.Context, prompt string) ([]string, error) {
		return []string{"learned: " + prompt}, nil
	}
	g, store := openTestGardener(t, extract, nil)
	ctx := context.Background()

	if err := store.AddPendingOp(ctx, persistence.PendingOp{ID: "op1", Type: "web_search", Description: "x"}); err != nil {
		t.Fatalf("AddPendingOp: %v", err)
	}
	if err := store.CompletePendingOp(ctx, "op1", "it will rain tomorrow"); err != nil {
		t.Fatalf("CompletePendingOp: %v", err)
	}

	result := g.RunOpHarvester(ctx)
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if result.Processed != 1 {
		t.Fatalf("expected 1 processed, got %d", result.Processed)
	}

	candidates, err := store.GardenCandidates(ctx)
	if err != nil {
		t.Fatalf("GardenCandidates: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("expected op to no longer be a garden candidate, got %+v", candidates)
	}
}

func TestRunOpHarvester_LeavesOpCompletedOnExtractFailure(t *testing.T) {
	extract := func(_ context.Context, _ string) ([]string, error) {
		return nil, assertErr
	}
	g, store := openTestGardener(t, extract, nil)
	ctx := context.Background()

	if err := store.AddPendingOp(ctx, persistence.PendingOp{ID: "op1", Type: "web_search", Description: "x"}); err != nil {
		t.Fatalf("AddPendingOp: %v", err)
	}
	if err := store.CompletePendingOp(ctx, "op1", "result"); err != nil {
		t.Fatalf("CompletePendingOp: %v", err)
	}

	result := g.RunOpHarvester(ctx)
	if len(result.Errors) != 1 {
		t.Fatalf("expected 1 error, got %v", result.Errors)
	}

	candidates, err := store.GardenCandidates(ctx)
	if err != nil {
		t.Fatalf("GardenCandidates: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected op still a garden candidate for retry, got %+v", candidates)
	}
}

func TestRunChannelCompactor_BackgroundsIdleForegroundChannels(t *testing.T) {
	summarize := func(_ context.Context, history []persistence.SessionMessage) (string, error) {
		return "discussed dinner plans", nil
	}
	g, store := openTestGardener(t, nil, summarize)
	g.cfg.CompactIdleThreshold = time.Millisecond
	ctx := context.Background()

	if err := store.AppendUserMessage(ctx, persistence.Envelope{ID: "e1", Channel: "telegram", Content: "hi"}); err != nil {
		t.Fatalf("AppendUserMessage: %v", err)
	}
	if err := store.UpsertChannelState(ctx, "telegram", persistence.LayerForeground); err != nil {
		t.Fatalf("UpsertChannelState: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	result := g.RunChannelCompactor(ctx)
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if result.Processed != 1 {
		t.Fatalf("expected 1 channel compacted, got %d", result.Processed)
	}

	byLayer, err := store.ChannelsByLayer(ctx, persistence.LayerBackground)
	if err != nil {
		t.Fatalf("ChannelsByLayer: %v", err)
	}
	if len(byLayer) != 1 || byLayer[0].Summary != "discussed dinner plans" {
		t.Fatalf("expected telegram backgrounded with summary, got %+v", byLayer)
	}
}

func TestRunVectorEvictor_DelegatesToHippocampus(t *testing.T) {
	g, store := openTestGardener(t, nil, nil)
	ctx := context.Background()

	if _, err := store.InsertHotFact(ctx, "fact one"); err != nil {
		t.Fatalf("InsertHotFact: %v", err)
	}
	g.cfg.StaleFactOlderDays = -1
	g.cfg.StaleFactMaxHits = 5

	result := g.RunVectorEvictor(ctx)
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if result.Processed != 1 {
		t.Fatalf("expected 1 fact evicted, got %d", result.Processed)
	}

	cold, err := store.AllColdFacts(ctx)
	if err != nil {
		t.Fatalf("AllColdFacts: %v", err)
	}
	if len(cold) != 1 {
		t.Fatalf("expected 1 cold fact, got %d", len(cold))
	}
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

var assertErr = sentinelErr("extraction failed")
