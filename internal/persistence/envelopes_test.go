package persistence

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestClaimNext_PriorityOrdering(t *testing.T) {
	s := openTestStore(t, false)
	ctx := context.Background()

	ids := map[Priority]string{}
	for _, p := range []Priority{PriorityBackground, PriorityNormal, PriorityUrgent} {
		id := uuid.NewString()
		ids[p] = id
		if _, err := s.Enqueue(ctx, Envelope{ID: id, Channel: "webchat", Priority: p}); err != nil {
			t.Fatalf("Enqueue(%s): %v", p, err)
		}
	}

	wantOrder := []Priority{PriorityUrgent, PriorityNormal, PriorityBackground}
	for _, want := range wantOrder {
		e, err := s.ClaimNext(ctx)
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if e == nil {
			t.Fatalf("expected an envelope for priority %s, got none", want)
		}
		if e.ID != ids[want] {
			t.Fatalf("expected priority %s claimed next, got id %s", want, e.ID)
		}
	}

	if e, err := s.ClaimNext(ctx); err != nil || e != nil {
		t.Fatalf("expected empty queue, got (%v, %v)", e, err)
	}
}

func TestClaimNext_AtMostOneProcessing(t *testing.T) {
	s := openTestStore(t, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Enqueue(ctx, Envelope{ID: uuid.NewString(), Channel: "webchat", Priority: PriorityNormal}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	claimed, err := s.ClaimNext(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext: %v, %v", claimed, err)
	}

	var processing int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM envelopes WHERE state = 'processing';`).Scan(&processing); err != nil {
		t.Fatalf("count processing: %v", err)
	}
	if processing != 1 {
		t.Fatalf("expected exactly 1 processing row, got %d", processing)
	}
}

func TestCompleteAndFail(t *testing.T) {
	s := openTestStore(t, false)
	ctx := context.Background()
	id := uuid.NewString()
	if _, err := s.Enqueue(ctx, Envelope{ID: id, Channel: "webchat", Priority: PriorityNormal}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := s.Complete(ctx, id); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	id2 := uuid.NewString()
	if _, err := s.Enqueue(ctx, Envelope{ID: id2, Channel: "webchat", Priority: PriorityNormal}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := s.Fail(ctx, id2, "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	var state, reason string
	if err := s.db.QueryRowContext(ctx, `SELECT state, fail_reason FROM envelopes WHERE id = ?;`, id2).Scan(&state, &reason); err != nil {
		t.Fatalf("select failed envelope: %v", err)
	}
	if state != "failed" || reason != "boom" {
		t.Fatalf("expected failed/boom, got %s/%s", state, reason)
	}
}

func TestResetStalled_CrashRecovery(t *testing.T) {
	s := openTestStore(t, false)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.Enqueue(ctx, Envelope{ID: uuid.NewString(), Channel: "webchat", Priority: PriorityNormal}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	first, err := s.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := s.Complete(ctx, first.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	second, err := s.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := s.Complete(ctx, second.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	// Leave a third claimed row "stuck" to simulate a crash mid-turn.
	if _, err := s.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	n, err := s.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n.StalledEnvelopesReset != 1 {
		t.Fatalf("expected 1 stalled envelope reset, got %d", n.StalledEnvelopesReset)
	}

	pending, err := s.CountPending(ctx)
	if err != nil {
		t.Fatalf("CountPending: %v", err)
	}
	if pending != 3 {
		t.Fatalf("expected 3 pending after recovery (1 reset + 2 never claimed), got %d", pending)
	}
}
