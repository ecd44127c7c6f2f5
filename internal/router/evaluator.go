package router

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// ScoreFunc scores a task's required model capability, returning a weight
// in [1,10] and a short human-readable reasoning string (spec.md §4.10
// "Evaluation").
type ScoreFunc func(ctx context.Context, task string) (weight int, reasoning string, err error)

// EvaluatorConfig bounds the two-stage evaluation contract.
type EvaluatorConfig struct {
	LowTrustThreshold int
	FallbackWeight    int
	Stage1Timeout     time.Duration

	// BreakerThreshold is the number of consecutive stage-2 failures before
	// the evaluator stops trying it and falls straight to stage-1's score.
	// BreakerCooldown is how long it stays tripped before the next task
	// gets to retry stage-2.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func defaultEvaluatorConfig(c EvaluatorConfig) EvaluatorConfig {
	if c.LowTrustThreshold <= 0 {
		c.LowTrustThreshold = 3
	}
	if c.FallbackWeight <= 0 {
		c.FallbackWeight = 5
	}
	if c.Stage1Timeout <= 0 {
		c.Stage1Timeout = 10 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 5 * time.Minute
	}
	return c
}

// stage2Breaker is a circuit breaker over the stage-2 (strong-model) score
// path, grounded on the teacher's FailoverBrain.CircuitBreaker: trip after
// BreakerThreshold consecutive failures, reset after BreakerCooldown. There
// is one instance per Evaluator rather than per-provider since an Evaluator
// only ever escalates to a single stage-2 ScoreFunc.
type stage2Breaker struct {
	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	tripped     bool
}

func (b *stage2Breaker) isTripped(cooldown time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.tripped {
		return false
	}
	if time.Since(b.lastFailure) >= cooldown {
		b.tripped = false
		b.failures = 0
		slog.Info("router: stage-2 circuit breaker reset after cooldown")
		return false
	}
	return true
}

func (b *stage2Breaker) recordFailure(threshold int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = time.Now()
	if b.failures >= threshold {
		b.tripped = true
		slog.Warn("router: stage-2 circuit breaker tripped", "failures", b.failures)
	}
}

func (b *stage2Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.tripped = false
}

// Evaluation is the result handed to the dispatcher to stamp on a job row.
type Evaluation struct {
	Weight    int
	Reasoning string
}

// Evaluator scores a task with a cheap stage-1 model, escalating to a
// stronger stage-2 model when the stage-1 score clears LowTrustThreshold
// (spec.md §4.10 "Evaluation"). This mirrors the teacher's FailoverBrain
// ordered-candidate-with-fallback shape, but the ordering here is an
// escalation ladder (cheap→strong) rather than a same-tier failover list.
type Evaluator struct {
	stage1  ScoreFunc
	stage2  ScoreFunc
	cfg     EvaluatorConfig
	breaker stage2Breaker
}

// NewEvaluator builds a two-stage Evaluator. stage2 may be nil, in which case
// stage-1's result is always final.
func NewEvaluator(stage1, stage2 ScoreFunc, cfg EvaluatorConfig) *Evaluator {
	return &Evaluator{stage1: stage1, stage2: stage2, cfg: defaultEvaluatorConfig(cfg)}
}

// Evaluate runs the two-stage contract. On total failure of both stages it
// returns the configured fallback weight rather than an error, since a job
// must always be dispatchable.
func (e *Evaluator) Evaluate(ctx context.Context, task string) Evaluation {
	stage1Ctx, cancel := context.WithTimeout(ctx, e.cfg.Stage1Timeout)
	defer cancel()

	weight, reasoning, err := e.runStage(stage1Ctx, e.stage1, task)
	if err != nil {
		return Evaluation{Weight: clampWeight(e.cfg.FallbackWeight), Reasoning: "stage-1 failed: " + err.Error()}
	}

	if weight <= e.cfg.LowTrustThreshold || e.stage2 == nil {
		return Evaluation{Weight: clampWeight(weight), Reasoning: reasoning}
	}

	if e.breaker.isTripped(e.cfg.BreakerCooldown) {
		return Evaluation{Weight: clampWeight(weight), Reasoning: reasoning + " (stage-2 circuit open)"}
	}

	stage2Ctx, cancel2 := context.WithTimeout(ctx, 3*e.cfg.Stage1Timeout)
	defer cancel2()
	weight2, reasoning2, err := e.runStage(stage2Ctx, e.stage2, task)
	if err != nil {
		// Stronger model failed; the stage-1 score still wins over a blind fallback.
		e.breaker.recordFailure(e.cfg.BreakerThreshold)
		return Evaluation{Weight: clampWeight(weight), Reasoning: reasoning}
	}
	e.breaker.recordSuccess()
	return Evaluation{Weight: clampWeight(weight2), Reasoning: reasoning2}
}

func (e *Evaluator) runStage(ctx context.Context, score ScoreFunc, task string) (int, string, error) {
	if score == nil {
		return 0, "", fmt.Errorf("router: evaluator stage not configured")
	}
	return score(ctx, task)
}

// clampWeight enforces weight = max(1, min(10, round(x))) (spec.md §4.10).
func clampWeight(x int) int {
	f := math.Round(float64(x))
	if f < 1 {
		return 1
	}
	if f > 10 {
		return 10
	}
	return int(f)
}

// TierConfig maps a weight range to a config-named tier and concrete model
// identifier (spec.md §4.10 "Tier mapping").
type TierConfig struct {
	Name      string
	MinWeight int
	MaxWeight int
	Model     string
}

// ResolveTier returns the tier containing weight, or the last configured
// tier if none matches (keeps dispatch always possible with a sane config).
func ResolveTier(tiers []TierConfig, weight int) TierConfig {
	for _, t := range tiers {
		if weight >= t.MinWeight && weight <= t.MaxWeight {
			return t
		}
	}
	if len(tiers) > 0 {
		return tiers[len(tiers)-1]
	}
	return TierConfig{Name: "default", MinWeight: 1, MaxWeight: 10}
}
