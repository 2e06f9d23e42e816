// Package agent wraps calls to an external agent runtime into a typed event
// stream plus a terminal result. The engine never talks to a model API or CLI
// directly; everything goes through an Invoker.
package agent

import "encoding/json"

// EventType tags a progress event from a running agent call.
type EventType string

const (
	EventInit       EventType = "init"
	EventAssistant  EventType = "assistant"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventResult     EventType = "result"
)

// Event is an immutable progress record. Events from a single call arrive in
// emission order; the coordinator tags them with the worker id before fan-out.
type Event struct {
	Type      EventType       `json:"type"`
	WorkerID  string          `json:"worker_id,omitempty"`
	Text      string          `json:"text,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Result    *Result         `json:"result,omitempty"`
}

// Result is the terminal outcome of one agent call.
type Result struct {
	Success      bool    `json:"success"`
	Output       string  `json:"output,omitempty"`
	Error        string  `json:"error,omitempty"`
	CostUSD      float64 `json:"cost_usd"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Turns        int     `json:"turns"`

	// ResumeToken is the opaque remote-process token that lets a later call
	// continue this conversation. Empty for one-shot invocations.
	ResumeToken string `json:"resume_token,omitempty"`
}
