package cortex

import "testing"

func TestValidateToolArgs_SessionsSpawnRequiresTask(t *testing.T) {
	if err := validateToolArgs(toolSessionsSpawn, map[string]any{}); err == nil {
		t.Fatal("expected error for missing task")
	}
	if err := validateToolArgs(toolSessionsSpawn, map[string]any{"task": "research something"}); err != nil {
		t.Fatalf("expected valid args, got %v", err)
	}
}

func TestValidateToolArgs_SessionsSpawnRejectsUnknownPriority(t *testing.T) {
	err := validateToolArgs(toolSessionsSpawn, map[string]any{"task": "x", "priority": "whenever"})
	if err == nil {
		t.Fatal("expected error for unknown priority enum value")
	}
}

func TestValidateToolArgs_MemoryQueryRequiresQuery(t *testing.T) {
	if err := validateToolArgs(toolMemoryQuery, map[string]any{"limit": 5}); err == nil {
		t.Fatal("expected error for missing query")
	}
	if err := validateToolArgs(toolMemoryQuery, map[string]any{"query": "past plans"}); err != nil {
		t.Fatalf("expected valid args, got %v", err)
	}
}

func TestValidateToolArgs_UnknownToolPassesThrough(t *testing.T) {
	if err := validateToolArgs("not_a_real_tool", map[string]any{"anything": true}); err != nil {
		t.Fatalf("expected no error for unschema'd tool, got %v", err)
	}
}
