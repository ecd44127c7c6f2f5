package assembler

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/cortexd/internal/hippocampus"
	"github.com/basket/cortexd/internal/persistence"
)

func openTestAssembler(t *testing.T, hippocampusEnabled bool, cfg Config) (*Assembler, *persistence.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cortex.db")
	store, err := persistence.Open(path, hippocampusEnabled)
	if err != nil {
		t.Fatalf("persistence.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	var mem *hippocampus.Memory
	if hippocampusEnabled {
		mem = hippocampus.New(store, nil)
	}
	return New(store, mem, Identity{Name: "Cortex", Soul: "Be concise."}, cfg), store
}

func TestForegroundChannel_TieBreak(t *testing.T) {
	internal := persistence.Envelope{
		Channel: "router",
		Reply:   &persistence.ReplyContext{Channel: "telegram:alice"},
	}
	if got := ForegroundChannel(internal); got != "telegram:alice" {
		t.Fatalf("expected reply-context channel, got %s", got)
	}

	userChannel := persistence.Envelope{Channel: "webchat"}
	if got := ForegroundChannel(userChannel); got != "webchat" {
		t.Fatalf("expected envelope channel, got %s", got)
	}

	internalNoReply := persistence.Envelope{Channel: "cron"}
	if got := ForegroundChannel(internalNoReply); got != "cron" {
		t.Fatalf("expected envelope channel when no reply-context set, got %s", got)
	}
}

func TestAssemble_InboxBeforeKnownFacts(t *testing.T) {
	a, store := openTestAssembler(t, true, Config{})
	ctx := context.Background()

	if err := store.AddPendingOp(ctx, persistence.PendingOp{ID: "op1", Type: "web_search", Description: "weather"}); err != nil {
		t.Fatalf("AddPendingOp: %v", err)
	}
	if _, err := store.InsertHotFact(ctx, "the garage code is 4471"); err != nil {
		t.Fatalf("InsertHotFact: %v", err)
	}

	assembled, err := a.Assemble(ctx, persistence.Envelope{ID: "e1", Channel: "webchat"})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	inboxIdx := strings.Index(assembled.SystemFloor, "Pending operations")
	factsIdx := strings.Index(assembled.SystemFloor, "Known facts")
	if inboxIdx == -1 || factsIdx == -1 {
		t.Fatalf("expected both inbox and known facts sections, got:\n%s", assembled.SystemFloor)
	}
	if inboxIdx > factsIdx {
		t.Fatalf("expected inbox to render before known facts, got:\n%s", assembled.SystemFloor)
	}
}

func TestAssemble_TouchesSurfacedFacts(t *testing.T) {
	a, store := openTestAssembler(t, true, Config{})
	ctx := context.Background()

	id, err := store.InsertHotFact(ctx, "the wifi password is hunter2")
	if err != nil {
		t.Fatalf("InsertHotFact: %v", err)
	}

	if _, err := a.Assemble(ctx, persistence.Envelope{ID: "e1", Channel: "webchat"}); err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	fact, err := store.FindHotFactByText(ctx, "the wifi password is hunter2")
	if err != nil {
		t.Fatalf("FindHotFactByText: %v", err)
	}
	if fact.ID != id || fact.HitCount < 1 {
		t.Fatalf("expected surfaced fact to be touched, got %+v", fact)
	}
}

func TestAssemble_ForegroundDropsOldestFirst(t *testing.T) {
	a, store := openTestAssembler(t, false, Config{MaxContextTokens: 200, MinForegroundTokens: 1})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		content := strings.Repeat("word ", 50)
		if err := store.AppendUserMessage(ctx, persistence.Envelope{ID: "e", Channel: "webchat", Content: content}); err != nil {
			t.Fatalf("AppendUserMessage: %v", err)
		}
	}
	// One small, easily identifiable most-recent message.
	if err := store.AppendUserMessage(ctx, persistence.Envelope{ID: "e-last", Channel: "webchat", Content: "the final message"}); err != nil {
		t.Fatalf("AppendUserMessage: %v", err)
	}

	assembled, err := a.Assemble(ctx, persistence.Envelope{ID: "trigger", Channel: "webchat"})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(assembled.ForegroundLines) == 0 {
		t.Fatalf("expected at least one foreground line to survive the budget")
	}
	last := assembled.ForegroundLines[len(assembled.ForegroundLines)-1]
	if last.Content != "the final message" {
		t.Fatalf("expected the newest message to survive truncation, got last=%q", last.Content)
	}
}

func TestAssemble_BackgroundExcludesForegroundChannel(t *testing.T) {
	a, store := openTestAssembler(t, false, Config{})
	ctx := context.Background()

	if err := store.UpsertChannelState(ctx, "webchat", persistence.LayerForeground); err != nil {
		t.Fatalf("UpsertChannelState: %v", err)
	}
	if err := store.UpsertChannelState(ctx, "telegram:bob", persistence.LayerBackground); err != nil {
		t.Fatalf("UpsertChannelState: %v", err)
	}

	assembled, err := a.Assemble(ctx, persistence.Envelope{ID: "e1", Channel: "webchat"})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if strings.Contains(assembled.Background, "webchat") {
		t.Fatalf("expected foreground channel excluded from background summary, got:\n%s", assembled.Background)
	}
	if !strings.Contains(assembled.Background, "telegram:bob") {
		t.Fatalf("expected telegram:bob included in background summary, got:\n%s", assembled.Background)
	}
}
