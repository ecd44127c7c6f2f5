// Package cortex implements the Cortex loop: a single-threaded cooperative
// scheduler that claims one envelope at a time from the durable bus, builds
// an AssembledContext, calls out to an external LLM function, interprets the
// Response Protocol, dispatches outbound text and tool calls, and commits —
// modeled explicitly as a state machine rather than free-running goroutines
// so a crash mid-turn always leaves a recoverable row behind.
package cortex

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/cortexd/internal/assembler"
	"github.com/basket/cortexd/internal/channels"
	"github.com/basket/cortexd/internal/persistence"
)

// State names the phase of the single in-flight turn. Unlike the teacher's
// LoopRunner (which tracks steps/tokens/budget across a multi-step agent
// loop), a Cortex turn is exactly one claim-assemble-call-dispatch cycle, so
// the state machine is five phases wide and never loops within a turn.
type State string

const (
	StateIdle        State = "idle"
	StateClaimed     State = "claimed"
	StateInLLM       State = "in_llm"
	StateDispatching State = "dispatching"
	StateFinalizing  State = "finalizing"
)

// ToolCall is one entry from the LLM caller's response (spec.md §6 "Tool
// call schema").
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Response is what the external LLM function returns for a turn.
type Response struct {
	Text      string
	ToolCalls []ToolCall
}

// CallLLMFunc is the sole suspension point inside a turn (spec.md §4.6 step 5).
type CallLLMFunc func(ctx context.Context, assembled assembler.AssembledContext, env persistence.Envelope) (Response, error)

// SpawnParams is handed to the external spawn callback for sessions_spawn.
type SpawnParams struct {
	TaskID       string
	Task         string
	Priority     persistence.Priority
	ReplyChannel string
}

// SpawnFunc dispatches a subagent task. A nil return means the spawn failed
// and the pending op it already recorded is marked failed immediately.
type SpawnFunc func(ctx context.Context, params SpawnParams) (*string, error)

// EmbedFunc computes an embedding vector for memory_query's cold-storage fallback.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// OnErrorFunc is invoked whenever a turn fails; absent means no-op.
type OnErrorFunc func(envelopeID string, err error)

// OnSpawnFunc is invoked after a sessions_spawn tool call resolves (success or failure).
type OnSpawnFunc func(taskID string, err error)

// OnMessageCompleteFunc fires once per turn, success or failure, carrying
// whether the turn produced no outbound send (spec.md §4.6 step 10).
type OnMessageCompleteFunc func(envelopeID string, reply *persistence.ReplyContext, silent bool)

// Config bounds the Cortex loop (spec.md §6 "Configuration (Cortex)").
type Config struct {
	AgentID      string
	PollInterval time.Duration
}

func defaultConfig(c Config) Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.AgentID == "" {
		c.AgentID = "default"
	}
	return c
}

// Loop is the Cortex scheduler: single cooperative worker, at most one turn
// in flight at a time.
type Loop struct {
	store     *persistence.Store
	assembler *assembler.Assembler
	registry  *channels.Registry
	callLLM   CallLLMFunc
	spawn     SpawnFunc
	memory    MemoryQuerier

	onError           OnErrorFunc
	onSpawn           OnSpawnFunc
	onMessageComplete OnMessageCompleteFunc

	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	state State

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// MemoryQuerier is the subset of hippocampus.Memory the memory_query tool needs.
type MemoryQuerier interface {
	Query(ctx context.Context, query string, limit int) ([]QueryResult, error)
}

// QueryResult mirrors hippocampus.QueryResult without importing it directly,
// keeping cortex's tool layer decoupled from hippocampus's KNN internals.
type QueryResult struct {
	Text     string
	Distance float64
}

// New builds a Cortex loop. memory may be nil (memory_query tool calls then
// fail gracefully); spawn may be nil (sessions_spawn calls then fail immediately).
func New(store *persistence.Store, asm *assembler.Assembler, registry *channels.Registry, callLLM CallLLMFunc, spawn SpawnFunc, memory MemoryQuerier, onError OnErrorFunc, onSpawn OnSpawnFunc, onMessageComplete OnMessageCompleteFunc, cfg Config, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		store:             store,
		assembler:         asm,
		registry:          registry,
		callLLM:           callLLM,
		spawn:             spawn,
		memory:            memory,
		onError:           onError,
		onSpawn:           onSpawn,
		onMessageComplete: onMessageComplete,
		cfg:               defaultConfig(cfg),
		log:               log,
		state:             StateIdle,
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
	}
}

// State returns the loop's current phase (test/observability hook).
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Run polls the bus until Stop is called, running at most one turn at a time.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		default:
		}

		env, err := l.store.ClaimNext(ctx)
		if err != nil {
			l.log.Error("cortex: claim failed", "error", err)
			l.sleep(ctx)
			continue
		}
		if env == nil {
			l.sleep(ctx)
			continue
		}

		l.runTurn(ctx, env)
	}
}

func (l *Loop) sleep(ctx context.Context) {
	timer := time.NewTimer(l.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-l.stopCh:
	case <-timer.C:
	}
}

// Stop halts the polling loop and waits for any in-flight turn to finish. No
// forced cancellation of the LLM call is performed (spec.md §5 "Cancellation").
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.doneCh
}

// runTurn executes the full per-turn procedure of spec.md §4.6, catching any
// step error so a single-turn fault never terminates the loop.
func (l *Loop) runTurn(ctx context.Context, env *persistence.Envelope) {
	l.setState(StateClaimed)
	defer l.setState(StateIdle)

	if err := l.store.AppendUserMessage(ctx, *env); err != nil {
		l.fail(ctx, env, fmt.Errorf("append user message: %w", err))
		return
	}
	if err := l.store.UpsertChannelState(ctx, env.Channel, persistence.LayerForeground); err != nil {
		l.fail(ctx, env, fmt.Errorf("update channel state: %w", err))
		return
	}

	foregroundChannel := l.assembler.ForegroundChannel(*env)
	assembled, err := l.assembler.Assemble(ctx, *env)
	if err != nil {
		l.fail(ctx, env, fmt.Errorf("assemble context: %w", err))
		return
	}

	l.setState(StateInLLM)
	resp, err := l.callLLM(ctx, assembled, *env)
	if err != nil {
		l.fail(ctx, env, fmt.Errorf("llm call: %w", err))
		return
	}

	l.setState(StateDispatching)
	silent, assistantText := l.dispatch(ctx, env, foregroundChannel, resp)

	l.setState(StateFinalizing)
	if err := l.store.AppendAssistantMessage(ctx, env.ID, foregroundChannel, assistantText); err != nil {
		l.fail(ctx, env, fmt.Errorf("append assistant message: %w", err))
		return
	}
	if err := l.store.AcknowledgeInbox(ctx); err != nil {
		l.fail(ctx, env, fmt.Errorf("acknowledge inbox: %w", err))
		return
	}
	if err := l.store.Complete(ctx, env.ID); err != nil {
		l.fail(ctx, env, fmt.Errorf("complete envelope: %w", err))
		return
	}

	// Append-only snapshot of channel states and pending ops at the end of
	// every turn (spec.md §3 "Checkpoint (Cortex)"), so a restart has a
	// known-good point to report without re-deriving it from the live
	// tables. A checkpoint write failure is logged, not turn-fatal — the
	// turn itself already committed.
	if _, err := l.store.SaveCheckpoint(ctx); err != nil {
		l.log.Warn("cortex: checkpoint save failed", "envelope_id", env.ID, "error", err)
	}

	if l.onMessageComplete != nil {
		l.onMessageComplete(env.ID, env.Reply, silent)
	}
}

func (l *Loop) fail(ctx context.Context, env *persistence.Envelope, err error) {
	if failErr := l.store.Fail(ctx, env.ID, err.Error()); failErr != nil {
		l.log.Error("cortex: failed to record envelope failure", "envelope_id", env.ID, "error", failErr)
	}
	if l.onError != nil {
		l.onError(env.ID, err)
	}
	l.log.Warn("cortex: turn failed", "envelope_id", env.ID, "error", err)
}
