package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// envelope is the top-level NDJSON message emitted by the CLI in
// stream-json mode. Different message types use different subsets of fields.
type envelope struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Model     string          `json:"model,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`

	// result fields
	IsError      *bool     `json:"is_error,omitempty"`
	Result       string    `json:"result,omitempty"`
	NumTurns     int       `json:"num_turns,omitempty"`
	TotalCostUSD float64   `json:"total_cost_usd,omitempty"`
	Usage        *envUsage `json:"usage,omitempty"`
}

type envUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type envMessage struct {
	Role    string            `json:"role"`
	Content []envContentBlock `json:"content"`
}

type envContentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// CLIInvoker runs the claude CLI as a subprocess and decodes its NDJSON
// event stream. Used for worker and evaluator runs, which need filesystem
// tool access inside the worker's worktree, and for interactive session
// turns via the resume token.
type CLIInvoker struct {
	// Command overrides the binary to execute. Defaults to "claude".
	Command string

	// IdleTimeout kills a call that has produced no output for this long.
	// Zero disables the watchdog.
	IdleTimeout time.Duration
}

func (c *CLIInvoker) command() string {
	if c.Command != "" {
		return c.Command
	}
	return "claude"
}

func (c *CLIInvoker) Invoke(ctx context.Context, req Request, emit func(Event)) (*Result, error) {
	name, args := c.buildCommand(req)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	if req.ContainerID == "" {
		cmd.Dir = req.WorkingDir
	}
	cmd.Env = os.Environ()
	if req.Credential != "" {
		cmd.Env = append(cmd.Env, "ANTHROPIC_API_KEY="+req.Credential)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", c.command(), err)
	}

	// Idle watchdog: every decoded line pushes the deadline out again.
	var watchdog *time.Timer
	if c.IdleTimeout > 0 {
		watchdog = time.AfterFunc(c.IdleTimeout, cancel)
		defer watchdog.Stop()
	}

	result, parseErr := c.consume(stdout, emit, watchdog)

	waitErr := cmd.Wait()

	if result == nil {
		msg := "agent stream ended without a result"
		switch {
		case ctx.Err() != nil:
			msg = fmt.Sprintf("agent call canceled: %v", ctx.Err())
		case runCtx.Err() != nil:
			msg = fmt.Sprintf("agent produced no output for %s", c.IdleTimeout)
		case waitErr != nil:
			msg = fmt.Sprintf("agent exited: %v", waitErr)
		case parseErr != nil:
			msg = fmt.Sprintf("agent stream unreadable: %v", parseErr)
		}
		result = failedResult(msg)
		emit(Event{Type: EventResult, Result: result})
	}
	return result, nil
}

// buildCommand assembles the subprocess invocation. With a ContainerID set
// the CLI runs inside the trial's environment through docker exec:
// WorkingDir becomes the container-side --workdir and the credential is
// forwarded by name from the process environment, never placed in argv.
func (c *CLIInvoker) buildCommand(req Request) (string, []string) {
	args := []string{"-p", req.Prompt, "--output-format", "stream-json", "--verbose"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	if len(req.Tools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.Tools, ","))
	}
	if req.ResumeToken != "" {
		args = append(args, "--resume", req.ResumeToken)
	}
	if req.ContainerID == "" {
		return c.command(), args
	}

	dockerArgs := []string{"exec", "-i"}
	if req.WorkingDir != "" {
		dockerArgs = append(dockerArgs, "--workdir", req.WorkingDir)
	}
	if req.Credential != "" {
		dockerArgs = append(dockerArgs, "--env", "ANTHROPIC_API_KEY")
	}
	dockerArgs = append(dockerArgs, req.ContainerID, c.command())
	return "docker", append(dockerArgs, args...)
}

// consume decodes envelopes until the stream closes or a terminal result
// arrives. Malformed lines are skipped, matching how the CLI interleaves
// diagnostics with protocol output.
func (c *CLIInvoker) consume(r io.Reader, emit func(Event), watchdog *time.Timer) (*Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var result *Result
	for scanner.Scan() {
		if watchdog != nil {
			watchdog.Reset(c.IdleTimeout)
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue
		}
		switch env.Type {
		case "system":
			if env.Subtype == "init" {
				emit(Event{Type: EventInit, SessionID: env.SessionID, Payload: append([]byte(nil), line...)})
			}
		case "assistant":
			c.emitAssistant(env, emit)
		case "user":
			c.emitToolResults(env, emit)
		case "result":
			result = resultFromEnvelope(&env)
			emit(Event{Type: EventResult, SessionID: env.SessionID, Result: result})
			return result, nil
		}
	}
	return result, scanner.Err()
}

func (c *CLIInvoker) emitAssistant(env envelope, emit func(Event)) {
	var msg envMessage
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		return
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			emit(Event{Type: EventAssistant, Text: block.Text, SessionID: env.SessionID})
		case "tool_use":
			emit(Event{Type: EventToolUse, ToolName: block.Name, Payload: block.Input, SessionID: env.SessionID})
		}
	}
}

func (c *CLIInvoker) emitToolResults(env envelope, emit func(Event)) {
	var msg envMessage
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		return
	}
	for _, block := range msg.Content {
		if block.Type == "tool_result" {
			emit(Event{Type: EventToolResult, Payload: block.Content, SessionID: env.SessionID})
		}
	}
}

func resultFromEnvelope(env *envelope) *Result {
	r := &Result{
		Success:     env.IsError == nil || !*env.IsError,
		Output:      env.Result,
		Turns:       env.NumTurns,
		CostUSD:     env.TotalCostUSD,
		ResumeToken: env.SessionID,
	}
	if env.Usage != nil {
		r.InputTokens = env.Usage.InputTokens
		r.OutputTokens = env.Usage.OutputTokens
	}
	if !r.Success {
		r.Error = env.Result
		if r.Error == "" {
			r.Error = "agent reported failure"
		}
	}
	return r
}
