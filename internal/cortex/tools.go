package cortex

import (
	"context"

	"github.com/basket/cortexd/internal/persistence"
	"github.com/google/uuid"
)

const (
	toolSessionsSpawn = "sessions_spawn"
	toolMemoryQuery   = "memory_query"
)

// spawnDispatchedMarker is appended to the session record when a
// sessions_spawn tool call fires, matching the literal substring spec.md's
// worked example asserts on.
const spawnDispatchedMarker = "[DISPATCHED THROUGH sessions_spawn]"

// runToolCalls executes each tool call in order. Pending ops are recorded
// BEFORE the tool fires so a crash mid-step leaves a recoverable inbox entry
// (spec.md §4.6 step 6a).
func (l *Loop) runToolCalls(ctx context.Context, env *persistence.Envelope, calls []ToolCall) (spawned bool) {
	for _, call := range calls {
		if err := validateToolArgs(call.Name, call.Arguments); err != nil {
			l.log.Warn("cortex: tool call failed argument validation", "name", call.Name, "error", err)
			continue
		}
		switch call.Name {
		case toolSessionsSpawn:
			l.runSessionsSpawn(ctx, env, call)
			spawned = true
		case toolMemoryQuery:
			// memory_query resolves synchronously within the turn; it has no
			// pending-op lifecycle of its own. A future turn sees promoted
			// facts through the assembler's known-facts layer instead.
			l.runMemoryQuery(ctx, call)
		default:
			l.log.Warn("cortex: unrecognized tool call", "name", call.Name)
		}
	}
	return spawned
}

func (l *Loop) runSessionsSpawn(ctx context.Context, env *persistence.Envelope, call ToolCall) {
	task, _ := call.Arguments["task"].(string)
	priority := persistence.PriorityNormal
	if p, ok := call.Arguments["priority"].(string); ok && p != "" {
		priority = persistence.Priority(p)
	}

	replyChannel := env.Channel
	if env.Reply != nil && env.Reply.Channel != "" {
		replyChannel = env.Reply.Channel
	}

	opID := uuid.NewString()
	op := persistence.PendingOp{
		ID:                    opID,
		Type:                  toolSessionsSpawn,
		Description:           task,
		ExpectedReturnChannel: "router",
		ReplyChannel:          replyChannel,
		ResultPriority:        priority,
	}
	if err := l.store.AddPendingOp(ctx, op); err != nil {
		l.log.Error("cortex: failed to record pending op before spawn", "op_id", opID, "error", err)
		return
	}

	if l.spawn == nil {
		l.failSpawn(ctx, opID, nil)
		return
	}
	taskID, err := l.spawn(ctx, SpawnParams{TaskID: opID, Task: task, Priority: priority, ReplyChannel: replyChannel})
	if err != nil || taskID == nil {
		l.failSpawn(ctx, opID, err)
		return
	}
	if l.onSpawn != nil {
		l.onSpawn(opID, nil)
	}
}

func (l *Loop) failSpawn(ctx context.Context, opID string, err error) {
	reason := "spawn callback returned no task id"
	if err != nil {
		reason = err.Error()
	}
	if failErr := l.store.FailPendingOp(ctx, opID, reason); failErr != nil {
		l.log.Error("cortex: failed to mark spawn op failed", "op_id", opID, "error", failErr)
	}
	if l.onSpawn != nil {
		l.onSpawn(opID, err)
	}
}

func (l *Loop) runMemoryQuery(ctx context.Context, call ToolCall) {
	if l.memory == nil {
		l.log.Warn("cortex: memory_query called with hippocampus disabled")
		return
	}
	query, _ := call.Arguments["query"].(string)
	limit := 5
	if n, ok := call.Arguments["limit"].(float64); ok && n > 0 {
		limit = int(n)
	}
	if _, err := l.memory.Query(ctx, query, limit); err != nil {
		l.log.Warn("cortex: memory_query failed", "error", err)
	}
}
