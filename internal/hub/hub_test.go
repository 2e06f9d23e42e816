package hub_test

import (
	"testing"

	"github.com/arenahq/crucible/internal/hub"
)

func snapshot(trialID string) hub.Event {
	return hub.Event{Type: hub.TypeSnapshot, TrialID: trialID, Stage: "PENDING"}
}

func drain(s *hub.Stream, n int) []hub.Event {
	var events []hub.Event
	for i := 0; i < n; i++ {
		events = append(events, <-s.C)
	}
	return events
}

func TestSubscriberGetsSnapshotFirst(t *testing.T) {
	h := hub.New(snapshot)
	s := h.Subscribe("t1")
	defer s.Cancel()

	ev := <-s.C
	if ev.Type != hub.TypeSnapshot {
		t.Errorf("first event: got %s, want snapshot", ev.Type)
	}
	if ev.TrialID != "t1" {
		t.Errorf("trial id: got %q", ev.TrialID)
	}
}

func TestTwoSubscribersReceiveIdenticalSequences(t *testing.T) {
	h := hub.New(snapshot)
	a := h.Subscribe("t1")
	b := h.Subscribe("t1")
	defer a.Cancel()
	defer b.Cancel()

	published := []hub.Event{
		{Type: hub.TypeStage, Stage: "PLANNING"},
		{Type: hub.TypeAgent, WorkerID: "w1", Text: "thinking"},
		{Type: hub.TypeStage, Stage: "RUNNING"},
	}
	for _, ev := range published {
		h.Publish("t1", ev)
	}

	seqA := drain(a, len(published)+1)
	seqB := drain(b, len(published)+1)

	// Each begins with its own snapshot, then identical ordered events.
	for i := 1; i < len(seqA); i++ {
		if seqA[i] != seqB[i] {
			t.Errorf("event %d differs: %+v vs %+v", i, seqA[i], seqB[i])
		}
		if seqA[i].Type != published[i-1].Type || seqA[i].Stage != published[i-1].Stage {
			t.Errorf("event %d: got %+v, want %+v", i, seqA[i], published[i-1])
		}
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	h := hub.New(snapshot)
	h.Publish("t1", hub.Event{Type: hub.TypeStage, Stage: "PLANNING"})

	// A later subscriber sees only the snapshot, not the missed event.
	s := h.Subscribe("t1")
	defer s.Cancel()
	ev := <-s.C
	if ev.Type != hub.TypeSnapshot {
		t.Errorf("late joiner first event: got %s, want snapshot", ev.Type)
	}
	select {
	case extra := <-s.C:
		t.Errorf("unexpected queued event: %+v", extra)
	default:
	}
}

func TestEventsForOtherTrialsNotDelivered(t *testing.T) {
	h := hub.New(snapshot)
	s := h.Subscribe("t1")
	defer s.Cancel()
	<-s.C // snapshot

	h.Publish("t2", hub.Event{Type: hub.TypeStage, Stage: "RUNNING"})
	select {
	case ev := <-s.C:
		t.Errorf("received event for wrong trial: %+v", ev)
	default:
	}
}

func TestCloseTerminatesAllStreams(t *testing.T) {
	h := hub.New(snapshot)
	a := h.Subscribe("t1")
	b := h.Subscribe("t1")
	<-a.C
	<-b.C

	h.Close("t1")

	if _, ok := <-a.C; ok {
		t.Error("stream a should be closed")
	}
	if _, ok := <-b.C; ok {
		t.Error("stream b should be closed")
	}
}

func TestCancelRemovesSingleStream(t *testing.T) {
	h := hub.New(snapshot)
	a := h.Subscribe("t1")
	b := h.Subscribe("t1")
	<-a.C
	<-b.C

	a.Cancel()
	h.Publish("t1", hub.Event{Type: hub.TypeStage, Stage: "RUNNING"})

	if ev := <-b.C; ev.Stage != "RUNNING" {
		t.Errorf("surviving stream: got %+v", ev)
	}
	if _, ok := <-a.C; ok {
		t.Error("canceled stream should be closed")
	}
}
