package agent

import (
	"context"
	"sync"
	"time"
)

// FakeCall scripts one invocation of the Fake invoker.
type FakeCall struct {
	Events []Event
	Result Result
	Delay  time.Duration
	Err    error
}

// Fake is a scripted Invoker for tests. The Script callback decides the
// outcome of each call from its request; recorded requests are available
// via Requests.
type Fake struct {
	Script func(req Request) FakeCall

	mu       sync.Mutex
	requests []Request
}

func (f *Fake) Invoke(ctx context.Context, req Request, emit func(Event)) (*Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	call := FakeCall{Result: Result{Success: true, Output: "ok"}}
	if f.Script != nil {
		call = f.Script(req)
	}
	if call.Err != nil {
		return nil, call.Err
	}
	for _, ev := range call.Events {
		emit(ev)
	}
	if call.Delay > 0 {
		select {
		case <-time.After(call.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	result := call.Result
	emit(Event{Type: EventResult, Result: &result})
	return &result, nil
}

// Requests returns a copy of every request seen so far.
func (f *Fake) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}
