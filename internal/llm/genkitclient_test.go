package llm

import "testing"

func TestParseResponse_NoToolCallsPassesTextThrough(t *testing.T) {
	resp := parseResponse("hello there")
	if resp.Text != "hello there" {
		t.Fatalf("expected unchanged text, got %q", resp.Text)
	}
	if len(resp.ToolCalls) != 0 {
		t.Fatalf("expected no tool calls, got %d", len(resp.ToolCalls))
	}
}

func TestParseResponse_ExtractsToolCallAndStripsLine(t *testing.T) {
	raw := "Looking into it.\n[[tool:sessions_spawn]]{\"task\":\"research prices\",\"priority\":\"normal\"}\n"
	resp := parseResponse(raw)
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.Name != "sessions_spawn" {
		t.Fatalf("expected sessions_spawn, got %q", call.Name)
	}
	if call.Arguments["task"] != "research prices" {
		t.Fatalf("expected task argument, got %v", call.Arguments)
	}
	if resp.Text != "Looking into it." {
		t.Fatalf("expected tool line stripped, got %q", resp.Text)
	}
}

func TestParseResponse_EmptyTextBecomesNoReply(t *testing.T) {
	resp := parseResponse("   ")
	if resp.Text != noReplyToken {
		t.Fatalf("expected %q, got %q", noReplyToken, resp.Text)
	}
}

func TestParseResponse_MalformedToolJSONIsDropped(t *testing.T) {
	raw := "[[tool:memory_query]]{not valid json}"
	resp := parseResponse(raw)
	if len(resp.ToolCalls) != 0 {
		t.Fatalf("expected malformed tool call to be dropped, got %d", len(resp.ToolCalls))
	}
}
