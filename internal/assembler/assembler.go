// Package assembler builds the AssembledContext consumed by the LLM caller
// each Cortex turn: System Floor, Background, and Foreground layers
// (spec.md §4.5).
package assembler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/basket/cortexd/internal/hippocampus"
	"github.com/basket/cortexd/internal/persistence"
	"github.com/basket/cortexd/internal/tokenutil"
)

// Identity describes the agent persona rendered into the System Floor.
type Identity struct {
	Name string
	Soul string
}

// AssembledContext is the per-turn prompt package handed to the LLM caller.
type AssembledContext struct {
	SystemFloor     string
	Background      string
	ForegroundLines []persistence.SessionMessage
	ForegroundText  string
}

// Config bounds the assembler's token/byte budgets (spec.md §6 "Config").
type Config struct {
	MaxContextTokens    int
	KnownFactsByteCap   int
	MinForegroundTokens int
}

func defaultConfig(c Config) Config {
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = 8192
	}
	if c.KnownFactsByteCap <= 0 {
		c.KnownFactsByteCap = 2048
	}
	if c.MinForegroundTokens <= 0 {
		c.MinForegroundTokens = 1024
	}
	return c
}

// Assembler builds AssembledContext from the durable store and hippocampus.
type Assembler struct {
	store    *persistence.Store
	memory   *hippocampus.Memory // nil when hippocampus is disabled
	identity Identity
	cfg      Config
}

func New(store *persistence.Store, memory *hippocampus.Memory, identity Identity, cfg Config) *Assembler {
	return &Assembler{store: store, memory: memory, identity: identity, cfg: defaultConfig(cfg)}
}

// ForegroundChannel resolves the tie-break in spec.md §4.5: an internal
// envelope carrying a reply-context channel assembles history for that
// channel, not the envelope's own (internal) channel.
func ForegroundChannel(e persistence.Envelope) string {
	if e.IsInternal() && e.Reply != nil && e.Reply.Channel != "" {
		return e.Reply.Channel
	}
	return e.Channel
}

// Assemble builds the three-layer context for the given triggering envelope.
func (a *Assembler) Assemble(ctx context.Context, envelope persistence.Envelope) (AssembledContext, error) {
	foregroundChannel := ForegroundChannel(envelope)

	floor, floorTokens, err := a.buildSystemFloor(ctx)
	if err != nil {
		return AssembledContext{}, fmt.Errorf("build system floor: %w", err)
	}

	background, backgroundTokens, err := a.buildBackground(ctx, foregroundChannel)
	if err != nil {
		return AssembledContext{}, fmt.Errorf("build background: %w", err)
	}

	budget := a.cfg.MaxContextTokens - floorTokens - backgroundTokens
	if budget < a.cfg.MinForegroundTokens {
		budget = a.cfg.MinForegroundTokens
	}

	lines, text, err := a.buildForeground(ctx, foregroundChannel, budget)
	if err != nil {
		return AssembledContext{}, fmt.Errorf("build foreground: %w", err)
	}

	return AssembledContext{
		SystemFloor:     floor,
		Background:      background,
		ForegroundLines: lines,
		ForegroundText:  text,
	}, nil
}

// buildSystemFloor renders identity, wall-clock time, the inbox, and known
// facts, in that order (spec.md §4.5: "inbox first, then known facts").
func (a *Assembler) buildSystemFloor(ctx context.Context) (string, int, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.\n", a.identity.Name)
	if a.identity.Soul != "" {
		b.WriteString(a.identity.Soul)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Current time: %s\n\n", time.Now().UTC().Format(time.RFC3339))

	inbox, err := a.store.GetInbox(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("load inbox: %w", err)
	}
	b.WriteString(renderInbox(inbox))

	backgroundChannels, err := a.store.ChannelsByLayer(ctx, persistence.LayerBackground)
	if err != nil {
		return "", 0, fmt.Errorf("load background channel summaries: %w", err)
	}
	b.WriteString(renderChannelSummaries(backgroundChannels))

	if a.memory != nil {
		facts, err := a.memory.KnownFacts(ctx, knownFactsLimit)
		if err != nil {
			return "", 0, fmt.Errorf("load known facts: %w", err)
		}
		rendered, touched := renderKnownFacts(facts, a.cfg.KnownFactsByteCap)
		b.WriteString(rendered)
		for _, id := range touched {
			if err := a.store.TouchHotFact(ctx, id); err != nil {
				return "", 0, fmt.Errorf("touch surfaced fact %d: %w", id, err)
			}
		}
	}

	floor := b.String()
	return floor, tokenutil.EstimateTokens(floor), nil
}

const knownFactsLimit = 50

func renderInbox(ops []persistence.PendingOp) string {
	if len(ops) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Pending operations:\n")
	for _, op := range ops {
		tag := "PENDING"
		switch op.Status {
		case persistence.OpStatusCompleted:
			tag = "NEW RESULT"
		case persistence.OpStatusFailed:
			tag = "FAILED"
		}
		fmt.Fprintf(&b, "- [%s] %s: %s\n", tag, op.Type, op.Description)
	}
	b.WriteString("\n")
	return b.String()
}

func renderChannelSummaries(channels []persistence.ChannelState) string {
	if len(channels) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Other active channels:\n")
	for _, c := range channels {
		if c.Summary == "" {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", c.Channel, c.Summary)
	}
	b.WriteString("\n")
	return b.String()
}

// renderKnownFacts dedupes by text (already done by hippocampus.KnownFacts,
// but re-asserted here since this is the layer spec.md §4.5 names the
// invariant on), caps by byte budget, and returns which fact IDs were
// actually surfaced so the caller can touch them.
func renderKnownFacts(facts []persistence.HotFact, byteCap int) (string, []int64) {
	if len(facts) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("Known facts:\n")
	used := b.Len()
	var touched []int64
	seen := make(map[string]bool, len(facts))
	for _, f := range facts {
		if seen[f.Text] {
			continue
		}
		line := fmt.Sprintf("- %s\n", f.Text)
		if used+len(line) > byteCap {
			break
		}
		b.WriteString(line)
		used += len(line)
		seen[f.Text] = true
		touched = append(touched, f.ID)
	}
	b.WriteString("\n")
	return b.String(), touched
}

// buildBackground renders one-line summaries of non-foreground channels that
// have had activity (spec.md §4.5).
func (a *Assembler) buildBackground(ctx context.Context, foregroundChannel string) (string, int, error) {
	channels, err := a.store.ActiveChannels(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("load active channels: %w", err)
	}
	var b strings.Builder
	for _, c := range channels {
		if c.Channel == foregroundChannel || c.LastMessageAt == nil {
			continue
		}
		summary := c.Summary
		if summary == "" {
			summary = fmt.Sprintf("%d unread message(s)", c.UnreadCount)
		}
		fmt.Fprintf(&b, "- %s: %s\n", c.Channel, summary)
	}
	text := b.String()
	return text, tokenutil.EstimateTokens(text), nil
}

// buildForeground loads the triggering channel's transcript, newest-first
// within the token budget, then reverses to chronological order. Older
// turns are dropped first when the budget is exceeded.
func (a *Assembler) buildForeground(ctx context.Context, channel string, tokenBudget int) ([]persistence.SessionMessage, string, error) {
	history, err := a.store.History(ctx, channel, 0)
	if err != nil {
		return nil, "", fmt.Errorf("load channel history: %w", err)
	}

	var kept []persistence.SessionMessage
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		cost := tokenutil.EstimateTokens(msg.Content)
		if used+cost > tokenBudget && len(kept) > 0 {
			break
		}
		kept = append(kept, msg)
		used += cost
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].ID < kept[j].ID })

	var b strings.Builder
	for _, m := range kept {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return kept, b.String(), nil
}
