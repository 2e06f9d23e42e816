// Package hub fans trial progress events out to live subscribers. Stages
// publish structured events; the hub owns the subscriber lists. Events are
// not queued for absent subscribers; a synthesized snapshot compensates
// for late joiners.
package hub

import "sync"

// Event is one immutable progress record pushed to subscribers.
type Event struct {
	Type     string `json:"type"`
	TrialID  string `json:"trial_id"`
	Stage    string `json:"stage,omitempty"`
	WorkerID string `json:"worker_id,omitempty"`
	Text     string `json:"text,omitempty"`
	Err      string `json:"error,omitempty"`
}

// Event types.
const (
	TypeSnapshot = "snapshot"
	TypeStage    = "stage"
	TypeAgent    = "agent"
	TypeError    = "error"
	TypeDone     = "done"
)

// SnapshotFunc synthesizes the current-state event a late subscriber sees
// first.
type SnapshotFunc func(trialID string) Event

// subscriber buffer; a stream that falls this far behind is closed rather
// than silently skipped, so a delivered stream never has gaps.
const streamBuffer = 256

// Hub is the broadcast layer. One Hub serves all trials.
type Hub struct {
	snapshot SnapshotFunc

	mu     sync.Mutex
	topics map[string][]*Stream
}

func New(snapshot SnapshotFunc) *Hub {
	return &Hub{snapshot: snapshot, topics: make(map[string][]*Stream)}
}

// Stream is one subscriber's live event sequence. C is closed when the
// trial's subscriptions are terminated or the subscriber cancels.
type Stream struct {
	C <-chan Event

	hub     *Hub
	trialID string
	ch      chan Event
	closed  bool
}

// Subscribe returns a live stream for the trial, beginning with a snapshot
// of its present state followed by all subsequently published events in
// emission order.
func (h *Hub) Subscribe(trialID string) *Stream {
	s := &Stream{hub: h, trialID: trialID, ch: make(chan Event, streamBuffer)}
	s.C = s.ch

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.snapshot != nil {
		s.ch <- h.snapshot(trialID)
	}
	h.topics[trialID] = append(h.topics[trialID], s)
	return s
}

// Publish fans the event out to every current subscriber of the trial.
// Publishing with no subscribers is a no-op.
func (h *Hub) Publish(trialID string, ev Event) {
	ev.TrialID = trialID

	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.topics[trialID]
	var alive []*Stream
	for _, s := range subs {
		select {
		case s.ch <- ev:
			alive = append(alive, s)
		default:
			// Subscriber stopped draining; cut it loose.
			s.closed = true
			close(s.ch)
		}
	}
	if len(subs) > 0 {
		h.topics[trialID] = alive
	}
}

// Close terminates all live subscriptions for a trial.
func (h *Hub) Close(trialID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.topics[trialID] {
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
	}
	delete(h.topics, trialID)
}

// Cancel removes this stream from the hub and closes its channel.
func (s *Stream) Cancel() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.topics[s.trialID]
	for i, sub := range subs {
		if sub == s {
			h.topics[s.trialID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
