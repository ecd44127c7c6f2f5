package router

import (
	"context"
	"testing"
	"time"
)

func TestWatchdog_RequeuesHungJobUnderRetryCap(t *testing.T) {
	store := newTestRouterStore(t)
	ctx := context.Background()

	if err := store.Enqueue(ctx, "job1", "t", "issuer", "payload"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := store.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("Dequeue: %v, %v", job, err)
	}
	if err := store.SetEvaluation(ctx, job.ID, 5, "sonnet"); err != nil {
		t.Fatalf("SetEvaluation: %v", err)
	}
	if err := store.StartExecution(ctx, job.ID, "worker1"); err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	w := NewWatchdog(store, 5*time.Millisecond, 0, 2, nil)
	w.sweep(ctx)

	got, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != "pending" {
		t.Fatalf("status = %s, want pending (requeued)", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", got.RetryCount)
	}
}

func TestWatchdog_FailsAfterRetryCapExhausted(t *testing.T) {
	store := newTestRouterStore(t)
	ctx := context.Background()

	if err := store.Enqueue(ctx, "job1", "t", "issuer", "payload"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := store.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("Dequeue: %v, %v", job, err)
	}
	if err := store.SetEvaluation(ctx, job.ID, 5, "sonnet"); err != nil {
		t.Fatalf("SetEvaluation: %v", err)
	}

	w := NewWatchdog(store, 5*time.Millisecond, 0, 0, nil)
	for i := 0; i < 3; i++ {
		if err := store.StartExecution(ctx, job.ID, "worker1"); err != nil {
			// already in_execution after a requeue cycle returns it to pending first
			_ = err
		}
		w.sweep(ctx)
		got, err := store.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if got.Status == "failed" {
			if got.Error != "gateway crash: max retries exceeded" {
				t.Fatalf("error = %q", got.Error)
			}
			return
		}
	}
	t.Fatal("expected job to fail after exhausting retries")
}
