package agent

import "context"

// Request describes a single agent invocation.
type Request struct {
	Prompt       string
	SystemPrompt string
	Model        string
	MaxTurns     int
	Tools        []string
	WorkingDir   string
	Credential   string
	Temperature  float64

	// ContainerID runs the call inside that docker container instead of on
	// the host. WorkingDir is then a container-side path.
	ContainerID string

	// ResumeToken continues an existing remote conversation when set.
	ResumeToken string
}

// Invoker runs one agent call. Implementations must guarantee that a terminal
// result event is emitted and a non-nil Result returned whenever the returned
// error is nil, synthesizing a failed Result if the underlying stream ends
// without one. A non-nil error is reserved for cancellation and setup faults
// where no call took place.
type Invoker interface {
	Invoke(ctx context.Context, req Request, emit func(Event)) (*Result, error)
}

// failedResult builds the synthesized terminal for a stream that died early.
func failedResult(msg string) *Result {
	return &Result{Success: false, Error: msg}
}
