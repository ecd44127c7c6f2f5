package router

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/cortexd/internal/bus"
	"github.com/basket/cortexd/internal/routerqueue"
)

func newTestRouterStore(t *testing.T) *routerqueue.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "router.db")
	store, err := routerqueue.Open(path)
	if err != nil {
		t.Fatalf("routerqueue.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDispatcher_EvaluatesAndExecutesJobToCompletion(t *testing.T) {
	store := newTestRouterStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.Enqueue(ctx, "job1", "research", "webchat", "find the weather in Bucharest"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	stage1 := func(_ context.Context, _ string) (int, string, error) { return 5, "sonnet tier", nil }
	evaluator := NewEvaluator(stage1, nil, EvaluatorConfig{})

	eb := bus.New()
	delivered := make(chan routerqueue.Job, 1)
	notifier := NewNotifier(store, eb, func(_ string, job routerqueue.Job) {
		delivered <- job
	}, nil)

	executed := make(chan string, 1)
	var gotModel string
	executor := func(_ context.Context, prompt, model string) (string, error) {
		gotModel = model
		executed <- prompt
		return "22C and sunny", nil
	}

	cfg := Config{
		Tiers:           []TierConfig{{Name: "sonnet", MinWeight: 1, MaxWeight: 10, Model: "sonnet-model"}},
		PromptTemplates: map[string]string{"sonnet": "{task}"},
		PollInterval:    10 * time.Millisecond,
	}
	dispatcher := NewDispatcher(store, evaluator, executor, notifier, cfg, nil)

	go notifier.Run(ctx)
	go dispatcher.Run(ctx)

	select {
	case prompt := <-executed:
		if prompt != "find the weather in Bucharest" {
			t.Fatalf("prompt = %q", prompt)
		}
		if gotModel != "sonnet-model" {
			t.Fatalf("model = %q, want the tier's concrete model id (sonnet-model), not the tier name", gotModel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for executor to run")
	}

	select {
	case job := <-delivered:
		if job.Status != routerqueue.StatusCompleted {
			t.Fatalf("job status = %s, want completed", job.Status)
		}
		if job.Result != "22C and sunny" {
			t.Fatalf("job result = %q", job.Result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	dispatcher.Stop()
	cancel()
	notifier.Stop()
}

func TestDispatcher_ExecutorFailurePublishesJobFailed(t *testing.T) {
	store := newTestRouterStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.Enqueue(ctx, "job1", "research", "webchat", "do something"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	stage1 := func(_ context.Context, _ string) (int, string, error) { return 5, "", nil }
	evaluator := NewEvaluator(stage1, nil, EvaluatorConfig{})

	eb := bus.New()
	delivered := make(chan routerqueue.Job, 1)
	notifier := NewNotifier(store, eb, func(_ string, job routerqueue.Job) { delivered <- job }, nil)

	executor := func(_ context.Context, _, _ string) (string, error) {
		return "", errBoom
	}
	cfg := Config{
		Tiers:           []TierConfig{{Name: "sonnet", MinWeight: 1, MaxWeight: 10}},
		PromptTemplates: map[string]string{"sonnet": "{task}"},
		PollInterval:    10 * time.Millisecond,
	}
	dispatcher := NewDispatcher(store, evaluator, executor, notifier, cfg, nil)

	go notifier.Run(ctx)
	go dispatcher.Run(ctx)

	select {
	case job := <-delivered:
		if job.Status != routerqueue.StatusFailed {
			t.Fatalf("job status = %s, want failed", job.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failed delivery")
	}

	dispatcher.Stop()
	cancel()
	notifier.Stop()
}

type boomErr string

func (e boomErr) Error() string { return string(e) }

var errBoom = boomErr("executor exploded")
