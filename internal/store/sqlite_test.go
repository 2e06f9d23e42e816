package store_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/arenahq/crucible/internal/errdefs"
	"github.com/arenahq/crucible/internal/store"
)

func openDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTrial(id string) *store.Trial {
	return &store.Trial{
		ID:        id,
		UserID:    "user-1",
		Challenge: "build a thing",
		Stage:     store.StagePending,
		CreatedAt: time.Now().UTC(),
	}
}

func TestTrialCRUD(t *testing.T) {
	db := openDB(t)
	if err := db.CreateTrial(newTrial("t1")); err != nil {
		t.Fatalf("CreateTrial: %v", err)
	}

	got, err := db.GetTrial("t1")
	if err != nil {
		t.Fatalf("GetTrial: %v", err)
	}
	if got.Stage != store.StagePending {
		t.Errorf("stage: got %q, want PENDING", got.Stage)
	}

	if err := db.SetTrialStage("t1", store.StagePlanning); err != nil {
		t.Fatalf("SetTrialStage: %v", err)
	}
	if err := db.SetTrialPlan("t1", `{"workers":[]}`); err != nil {
		t.Fatalf("SetTrialPlan: %v", err)
	}
	got, _ = db.GetTrial("t1")
	if got.Stage != store.StagePlanning || got.Plan == "" {
		t.Errorf("after update: stage=%q plan=%q", got.Stage, got.Plan)
	}

	if err := db.CompleteTrial("t1", time.Now()); err != nil {
		t.Fatalf("CompleteTrial: %v", err)
	}
	got, _ = db.GetTrial("t1")
	if got.Stage != store.StageCompleted || got.CompletedAt == nil {
		t.Errorf("after complete: stage=%q completed_at=%v", got.Stage, got.CompletedAt)
	}
}

func TestCompareAndSetStage(t *testing.T) {
	db := openDB(t)
	db.CreateTrial(newTrial("t1"))

	ok, err := db.CompareAndSetStage("t1", store.StagePending, store.StagePlanning)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	// The same claim again loses: the stage already moved.
	ok, err = db.CompareAndSetStage("t1", store.StagePending, store.StagePlanning)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Error("second claim should lose")
	}
	got, _ := db.GetTrial("t1")
	if got.Stage != store.StagePlanning {
		t.Errorf("stage after losing claim: %q", got.Stage)
	}

	// Claiming out of FAILED clears the recorded failure.
	db.FailTrial("t1", "planner: no capacity")
	ok, err = db.CompareAndSetStage("t1", store.StageFailed, store.StageRunning)
	if err != nil || !ok {
		t.Fatalf("claim out of FAILED: ok=%v err=%v", ok, err)
	}
	got, _ = db.GetTrial("t1")
	if got.Stage != store.StageRunning || got.Error != "" {
		t.Errorf("after reclaim: stage=%q error=%q", got.Stage, got.Error)
	}
}

func TestSetWorkerBranch(t *testing.T) {
	db := openDB(t)
	db.CreateTrial(newTrial("t1"))
	db.CreateWorker(&store.Worker{
		ID: "w1", TrialID: "t1", Slug: "alpha", Model: "m",
		Status: store.StatusCreated, CreatedAt: time.Now().UTC(),
	})

	if err := db.SetWorkerBranch("w1", "trial-t1/alpha"); err != nil {
		t.Fatalf("SetWorkerBranch: %v", err)
	}
	workers, _ := db.ListWorkers("t1")
	if workers[0].Branch != "trial-t1/alpha" {
		t.Errorf("branch: got %q", workers[0].Branch)
	}
	if err := db.SetWorkerBranch("missing", "b"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("missing worker: expected ErrNotFound, got %v", err)
	}
}

func TestGetTrialNotFound(t *testing.T) {
	db := openDB(t)
	_, err := db.GetTrial("missing")
	if !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteTrialOnlyPending(t *testing.T) {
	db := openDB(t)
	db.CreateTrial(newTrial("t1"))
	db.CreateTrial(newTrial("t2"))
	db.SetTrialStage("t2", store.StageRunning)

	if err := db.DeleteTrial("t1"); err != nil {
		t.Errorf("deleting pending trial: %v", err)
	}
	if err := db.DeleteTrial("t2"); !errors.Is(err, errdefs.ErrInvalidState) {
		t.Errorf("deleting running trial: expected ErrInvalidState, got %v", err)
	}
}

func TestWorkerLifecycle(t *testing.T) {
	db := openDB(t)
	db.CreateTrial(newTrial("t1"))

	w := &store.Worker{
		ID:        "w1",
		TrialID:   "t1",
		Slug:      "careful",
		Model:     "claude-sonnet-4-20250514",
		Branch:    "trial-t1/careful",
		Status:    store.StatusCreated,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.CreateWorker(w); err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}

	if err := db.SetWorkerStatus("w1", store.StatusRunning); err != nil {
		t.Fatalf("SetWorkerStatus: %v", err)
	}
	if err := db.FinishWorker("w1", store.StatusCompleted, "done", "", 1.25, 100, 200, time.Now()); err != nil {
		t.Fatalf("FinishWorker: %v", err)
	}

	workers, err := db.ListWorkers("t1")
	if err != nil {
		t.Fatalf("ListWorkers: %v", err)
	}
	if len(workers) != 1 {
		t.Fatalf("expected 1 worker, got %d", len(workers))
	}
	got := workers[0]
	if got.Status != store.StatusCompleted || got.CostUSD != 1.25 || got.Output != "done" {
		t.Errorf("worker after finish: %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}
}

func TestResetNonTerminalWorkers(t *testing.T) {
	db := openDB(t)
	db.CreateTrial(newTrial("t1"))
	now := time.Now().UTC()
	for i, status := range []string{store.StatusRunning, store.StatusCompleted, store.StatusFailed} {
		db.CreateWorker(&store.Worker{
			ID:        string(rune('a' + i)),
			TrialID:   "t1",
			Slug:      string(rune('a' + i)),
			Model:     "m",
			Status:    status,
			CreatedAt: now,
		})
	}

	if err := db.ResetNonTerminalWorkers("t1"); err != nil {
		t.Fatalf("ResetNonTerminalWorkers: %v", err)
	}
	workers, _ := db.ListWorkers("t1")
	counts := map[string]int{}
	for _, w := range workers {
		counts[w.Status]++
	}
	if counts[store.StatusCreated] != 1 || counts[store.StatusCompleted] != 1 || counts[store.StatusFailed] != 1 {
		t.Errorf("unexpected statuses after reset: %v", counts)
	}
}

func TestVerdictRoundTrip(t *testing.T) {
	db := openDB(t)
	db.CreateTrial(newTrial("t1"))

	v := &store.Verdict{
		TrialID:        "t1",
		WinnerWorkerID: "w2",
		Scores:         map[string]float64{"w1": 6.5, "w2": 8.0},
		Reasoning:      "w2's solution passed every check",
		Summary:        "w2 wins",
		TotalCostUSD:   6.0,
		CreatedAt:      time.Now().UTC(),
	}
	if err := db.CreateVerdict(v); err != nil {
		t.Fatalf("CreateVerdict: %v", err)
	}

	got, err := db.GetVerdict("t1")
	if err != nil {
		t.Fatalf("GetVerdict: %v", err)
	}
	if got.WinnerWorkerID != "w2" || got.Scores["w2"] != 8.0 {
		t.Errorf("verdict round trip: %+v", got)
	}

	if _, err := db.GetVerdict("t2"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("missing verdict: expected ErrNotFound, got %v", err)
	}
}
