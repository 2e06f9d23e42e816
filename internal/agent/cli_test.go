package agent_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/arenahq/crucible/internal/agent"
)

// fakeCLI writes a shell script that emits the given lines on stdout,
// ignoring all arguments, and returns its path.
func fakeCLI(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude")
	script := "#!/bin/sh\ncat <<'EOF'\n" + lines + "EOF\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

const streamFixture = `{"type":"system","subtype":"init","session_id":"sess-42","model":"claude-sonnet-4-20250514"}
{"type":"assistant","session_id":"sess-42","message":{"role":"assistant","content":[{"type":"text","text":"working on it"},{"type":"tool_use","name":"Bash","input":{"command":"ls"}}]}}
{"type":"user","session_id":"sess-42","message":{"role":"user","content":[{"type":"tool_result","content":"main.go"}]}}
{"type":"result","session_id":"sess-42","is_error":false,"result":"all done","num_turns":3,"total_cost_usd":1.5,"usage":{"input_tokens":100,"output_tokens":50}}
`

func TestCLIInvokerParsesStream(t *testing.T) {
	inv := &agent.CLIInvoker{Command: fakeCLI(t, streamFixture)}

	var events []agent.Event
	result, err := inv.Invoke(context.Background(), agent.Request{Prompt: "do the thing"}, func(ev agent.Event) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Output != "all done" || result.Turns != 3 || result.CostUSD != 1.5 {
		t.Errorf("result fields: %+v", result)
	}
	if result.InputTokens != 100 || result.OutputTokens != 50 {
		t.Errorf("usage: %+v", result)
	}
	if result.ResumeToken != "sess-42" {
		t.Errorf("resume token: got %q, want sess-42", result.ResumeToken)
	}

	wantTypes := []agent.EventType{
		agent.EventInit,
		agent.EventAssistant,
		agent.EventToolUse,
		agent.EventToolResult,
		agent.EventResult,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d: %+v", len(wantTypes), len(events), events)
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("event %d: got %s, want %s", i, events[i].Type, want)
		}
	}
	if events[2].ToolName != "Bash" {
		t.Errorf("tool_use name: got %q", events[2].ToolName)
	}
}

func TestCLIInvokerSynthesizesTerminalOnTruncatedStream(t *testing.T) {
	// Stream dies after init: a terminal failure must still be observed.
	inv := &agent.CLIInvoker{Command: fakeCLI(t, `{"type":"system","subtype":"init","session_id":"s"}`+"\n")}

	var last agent.Event
	result, err := inv.Invoke(context.Background(), agent.Request{Prompt: "p"}, func(ev agent.Event) {
		last = ev
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.Success {
		t.Fatal("expected synthesized failure")
	}
	if result.Error == "" {
		t.Error("expected error message on synthesized result")
	}
	if last.Type != agent.EventResult || last.Result == nil || last.Result.Success {
		t.Errorf("last event should be a failed terminal, got %+v", last)
	}
}

func TestCLIInvokerReportsAgentError(t *testing.T) {
	line := `{"type":"result","session_id":"s","is_error":true,"result":"budget exhausted","num_turns":9}` + "\n"
	inv := &agent.CLIInvoker{Command: fakeCLI(t, line)}

	result, err := inv.Invoke(context.Background(), agent.Request{Prompt: "p"}, func(agent.Event) {})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure result")
	}
	if result.Error != "budget exhausted" {
		t.Errorf("error: got %q", result.Error)
	}
}

func TestCLIInvokerSkipsMalformedLines(t *testing.T) {
	lines := "not json at all\n" +
		`{"type":"result","is_error":false,"result":"fine"}` + "\n"
	inv := &agent.CLIInvoker{Command: fakeCLI(t, lines)}

	result, err := inv.Invoke(context.Background(), agent.Request{Prompt: "p"}, func(agent.Event) {})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !result.Success || result.Output != "fine" {
		t.Errorf("result: %+v", result)
	}
}

func TestStripJSONFences(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"{\"a\":1}", "{\"a\":1}"},
		{"```json\n{\"a\":1}\n```", "{\"a\":1}"},
		{"```\n{\"a\":1}\n```", "{\"a\":1}"},
		{"  {\"a\":1}  ", "{\"a\":1}"},
	}
	for _, tt := range tests {
		if got := agent.StripJSONFences(tt.in); got != tt.want {
			t.Errorf("StripJSONFences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
