package routerqueue

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestJobLifecycle_QueueToCompleted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := uuid.NewString()

	if err := s.Enqueue(ctx, id, "summarize", "telegram:alice", `{"task":"summarize thread"}`); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := s.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if job == nil || job.ID != id || job.Status != StatusEvaluating {
		t.Fatalf("expected evaluating job %s, got %+v", id, job)
	}

	if err := s.SetEvaluation(ctx, id, 12, "opus"); err != nil {
		t.Fatalf("SetEvaluation: %v", err)
	}
	job, err = s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Weight != 10 {
		t.Fatalf("expected weight clamped to 10, got %d", job.Weight)
	}
	if job.Status != StatusPending {
		t.Fatalf("expected pending, got %s", job.Status)
	}

	if err := s.StartExecution(ctx, id, "worker-1"); err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	ok, err := s.Heartbeat(ctx, id, `{"progress":"half"}`)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !ok {
		t.Fatalf("expected heartbeat to succeed for in_execution job")
	}

	if err := s.Complete(ctx, id, "done"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	job, err = s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != StatusCompleted || job.Result != "done" {
		t.Fatalf("expected completed/done, got %+v", job)
	}

	ok, err = s.Heartbeat(ctx, id, "")
	if err != nil {
		t.Fatalf("Heartbeat after completion: %v", err)
	}
	if ok {
		t.Fatalf("expected heartbeat to no-op after job terminal")
	}
}

func TestDequeue_ClaimsOldestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := uuid.NewString()
	second := uuid.NewString()
	if err := s.Enqueue(ctx, first, "t", "issuer", "{}"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Enqueue(ctx, second, "t", "issuer", "{}"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := s.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if job.ID != first {
		t.Fatalf("expected FIFO order, got %s want %s", job.ID, first)
	}
}

func TestFail_FromInExecution(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := uuid.NewString()

	if err := s.Enqueue(ctx, id, "t", "issuer", "{}"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := s.SetEvaluation(ctx, id, 5, "sonnet"); err != nil {
		t.Fatalf("SetEvaluation: %v", err)
	}
	if err := s.StartExecution(ctx, id, "worker-1"); err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if err := s.Fail(ctx, id, "executor exploded"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != StatusFailed || job.Error != "executor exploded" {
		t.Fatalf("unexpected job state: %+v", job)
	}
}

func TestListByIssuer(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Enqueue(ctx, uuid.NewString(), "t", "alice", "{}"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Enqueue(ctx, uuid.NewString(), "t", "bob", "{}"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Enqueue(ctx, uuid.NewString(), "t", "alice", "{}"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	jobs, err := s.ListByIssuer(ctx, "alice")
	if err != nil {
		t.Fatalf("ListByIssuer: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs for alice, got %d", len(jobs))
	}
}
