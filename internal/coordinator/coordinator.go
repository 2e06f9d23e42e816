// Package coordinator launches N independent agent calls concurrently and
// collects every terminal state. One worker failing never cancels or blocks
// its siblings; the join always waits for all.
package coordinator

import (
	"context"
	"sync"

	"github.com/arenahq/crucible/internal/agent"
	"github.com/arenahq/crucible/internal/hub"
)

// Spec is one worker's agent call.
type Spec struct {
	WorkerID string
	Slug     string
	Request  agent.Request
}

// Result pairs a worker with its terminal outcome. Outcome is never nil: an
// invocation fault is recorded as a failed result.
type Result struct {
	WorkerID string
	Slug     string
	Outcome  *agent.Result
}

// Coordinator fans worker specs out over the invoker.
type Coordinator struct {
	Invoker  agent.Invoker
	Hub      *hub.Hub
	Parallel int
}

// RunAll executes every spec and returns exactly len(specs) results, in spec
// order. Progress events are forwarded to the hub tagged with the worker id;
// order is preserved within one worker's stream only.
func (c *Coordinator) RunAll(ctx context.Context, trialID string, specs []Spec) []Result {
	maxWorkers := c.Parallel
	if maxWorkers < 1 {
		maxWorkers = len(specs)
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	results := make([]Result, len(specs))
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for i, spec := range specs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, spec Spec) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = Result{
				WorkerID: spec.WorkerID,
				Slug:     spec.Slug,
				Outcome:  c.runOne(ctx, trialID, spec),
			}
		}(i, spec)
	}
	wg.Wait()
	return results
}

func (c *Coordinator) runOne(ctx context.Context, trialID string, spec Spec) *agent.Result {
	emit := func(ev agent.Event) {
		if c.Hub == nil {
			return
		}
		c.Hub.Publish(trialID, hub.Event{
			Type:     hub.TypeAgent,
			WorkerID: spec.WorkerID,
			Text:     eventText(ev),
		})
	}
	result, err := c.Invoker.Invoke(ctx, spec.Request, emit)
	if err != nil {
		result = &agent.Result{Success: false, Error: err.Error()}
	}
	return result
}

// TotalCost sums cost across all results, failed partial costs included.
func TotalCost(results []Result) float64 {
	var total float64
	for _, r := range results {
		total += r.Outcome.CostUSD
	}
	return total
}

func eventText(ev agent.Event) string {
	switch ev.Type {
	case agent.EventAssistant:
		return ev.Text
	case agent.EventToolUse:
		return "tool: " + ev.ToolName
	case agent.EventResult:
		if ev.Result != nil && !ev.Result.Success {
			return "failed: " + ev.Result.Error
		}
		return "done"
	default:
		return string(ev.Type)
	}
}
