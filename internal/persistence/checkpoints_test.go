package persistence

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestCheckpoint_SaveAndLoadRoundTrip(t *testing.T) {
	s := openTestStore(t, false)
	ctx := context.Background()

	if err := s.UpsertChannelState(ctx, "telegram", LayerForeground); err != nil {
		t.Fatalf("UpsertChannelState: %v", err)
	}
	opID := uuid.NewString()
	if err := s.AddPendingOp(ctx, PendingOp{ID: opID, Type: "web_search", Description: "weather"}); err != nil {
		t.Fatalf("AddPendingOp: %v", err)
	}

	id, err := s.SaveCheckpoint(ctx)
	if err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected non-zero checkpoint id")
	}

	cp, err := s.LatestCheckpoint(ctx)
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if cp.ID != id {
		t.Fatalf("expected latest checkpoint id %d, got %d", id, cp.ID)
	}
	if len(cp.ChannelStates) != 1 || cp.ChannelStates[0].Channel != "telegram" {
		t.Fatalf("unexpected channel snapshot: %+v", cp.ChannelStates)
	}
	if len(cp.PendingOps) != 1 || cp.PendingOps[0].ID != opID {
		t.Fatalf("unexpected pending-op snapshot: %+v", cp.PendingOps)
	}
}

func TestLatestCheckpoint_ReturnsMostRecent(t *testing.T) {
	s := openTestStore(t, false)
	ctx := context.Background()

	first, err := s.SaveCheckpoint(ctx)
	if err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if err := s.UpsertChannelState(ctx, "webchat", LayerForeground); err != nil {
		t.Fatalf("UpsertChannelState: %v", err)
	}
	second, err := s.SaveCheckpoint(ctx)
	if err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if second <= first {
		t.Fatalf("expected second checkpoint id > first, got %d <= %d", second, first)
	}

	cp, err := s.LatestCheckpoint(ctx)
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if cp.ID != second {
		t.Fatalf("expected latest checkpoint to be %d, got %d", second, cp.ID)
	}
}
