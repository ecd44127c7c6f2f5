package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/cortexd/internal/routerqueue"
)

// PromptTemplate renders a tier-specific prompt from the dispatch
// substitutions (spec.md §4.10 "Dispatch").
type PromptTemplate struct {
	Task        string
	Context     string
	Issuer      string
	Constraints string
}

// Render performs the {task, context, issuer, constraints} substitution
// against a template string using `{field}` placeholders.
func (p PromptTemplate) Render(template string) string {
	replacer := strings.NewReplacer(
		"{task}", p.Task,
		"{context}", p.Context,
		"{issuer}", p.Issuer,
		"{constraints}", p.Constraints,
	)
	return replacer.Replace(template)
}

// Config bounds the Router subsystem (spec.md §6 "Configuration (Router)").
type Config struct {
	Tiers             []TierConfig
	PromptTemplates   map[string]string // tier name -> template
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	HungThreshold     time.Duration
	WatchdogInterval  time.Duration
	MaxRetries        int
}

func defaultConfig(c Config) Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HungThreshold <= 0 {
		c.HungThreshold = 90 * time.Second
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = routerqueue.DefaultMaxRetries
	}
	return c
}

// Dispatcher claims in_queue jobs, evaluates them, and hands completed
// evaluations off to a Worker for execution. It is the Router's analog of
// the Cortex loop's claim step — a dedicated goroutine, serial with itself.
type Dispatcher struct {
	store     *routerqueue.Store
	evaluator *Evaluator
	executor  ExecutorFunc
	notifier  *Notifier
	cfg       Config
	log       *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(store *routerqueue.Store, evaluator *Evaluator, executor ExecutorFunc, notifier *Notifier, cfg Config, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		store:     store,
		evaluator: evaluator,
		executor:  executor,
		notifier:  notifier,
		cfg:       defaultConfig(cfg),
		log:       log,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	return d
}

// Run polls the queue until Stop is called, evaluating and dispatching one
// job at a time. Each dispatched job's execution runs in its own goroutine
// (spec.md §5: "one worker goroutine per in-flight job").
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}

		job, err := d.store.Dequeue(ctx)
		if err != nil {
			d.log.Error("router: dequeue failed", "error", err)
			d.sleep(ctx)
			continue
		}
		if job == nil {
			d.sleep(ctx)
			continue
		}

		d.evaluateAndDispatch(ctx, job)
	}
}

func (d *Dispatcher) sleep(ctx context.Context) {
	timer := time.NewTimer(d.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-d.stopCh:
	case <-timer.C:
	}
}

// Stop halts the dispatcher loop. It does not wait for in-flight workers;
// callers coordinate that drain separately (spec.md §5 "stop() on Router").
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	<-d.doneCh
}

func (d *Dispatcher) evaluateAndDispatch(ctx context.Context, job *routerqueue.Job) {
	eval := d.evaluator.Evaluate(ctx, job.Payload)
	tier := d.tierFor(eval.Weight)
	if err := d.store.SetEvaluation(ctx, job.ID, eval.Weight, tier.Name); err != nil {
		d.log.Error("router: failed to record evaluation", "job_id", job.ID, "error", err)
		_ = d.store.Fail(ctx, job.ID, fmt.Sprintf("evaluation persist failed: %v", err))
		return
	}

	updated, err := d.store.GetJob(ctx, job.ID)
	if err != nil {
		d.log.Error("router: failed to reload job after evaluation", "job_id", job.ID, "error", err)
		return
	}

	worker := NewWorker(d.store, d.executor, d.notifier, d.cfg.HeartbeatInterval, d.renderPrompt(*updated, tier), tier.Model, d.log)
	go worker.Execute(ctx, *updated)
}

func (d *Dispatcher) tierFor(weight int) TierConfig {
	return ResolveTier(d.cfg.Tiers, weight)
}

func (d *Dispatcher) renderPrompt(job routerqueue.Job, tier TierConfig) string {
	template := d.cfg.PromptTemplates[tier.Name]
	if template == "" {
		template = "{task}"
	}
	prompt := PromptTemplate{Task: job.Payload, Issuer: job.Issuer}
	return prompt.Render(template)
}
