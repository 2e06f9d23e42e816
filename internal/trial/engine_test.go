package trial_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/arenahq/crucible/internal/agent"
	"github.com/arenahq/crucible/internal/errdefs"
	"github.com/arenahq/crucible/internal/hub"
	"github.com/arenahq/crucible/internal/store"
	"github.com/arenahq/crucible/internal/trial"
	"github.com/arenahq/crucible/internal/workspace"
)

const planJSON = `{"workers":[
	{"slug":"alpha","persona":"persona alpha","temperature":0.2},
	{"slug":"beta","persona":"persona beta"},
	{"slug":"gamma","persona":"persona gamma"}]}`

const evalPlanJSON = `{"evaluators":[{"slug":"judge-one"}]}`

const verdictJSON = `{"winner":"alpha","scores":{"alpha":9,"beta":6,"gamma":4,"stranger":1},
	"reasoning":"alpha solved it cleanly","summary":"alpha wins"}`

// scriptedPlanner answers all four planner-side roles, dispatching on the
// system prompt.
func scriptedPlanner() *agent.Fake {
	return &agent.Fake{Script: func(req agent.Request) agent.FakeCall {
		switch {
		case strings.Contains(req.SystemPrompt, "design worker lineups"):
			return agent.FakeCall{Result: agent.Result{Success: true, Output: planJSON, CostUSD: 0.1}}
		case strings.Contains(req.SystemPrompt, "design evaluator panels"):
			return agent.FakeCall{Result: agent.Result{Success: true, Output: evalPlanJSON, CostUSD: 0.1}}
		case strings.Contains(req.SystemPrompt, "one evaluator"):
			return agent.FakeCall{Result: agent.Result{
				Success: true,
				Output:  `{"scores":{"alpha":9,"beta":6,"gamma":4},"notes":"alpha is cleanest"}`,
				CostUSD: 0.5,
			}}
		default: // verdict synthesis
			return agent.FakeCall{Result: agent.Result{Success: true, Output: verdictJSON, CostUSD: 0.2}}
		}
	}}
}

// scriptedRunner keys worker behavior off the persona system prompt.
func scriptedRunner(costs map[string]float64, fail map[string]string) *agent.Fake {
	return &agent.Fake{Script: func(req agent.Request) agent.FakeCall {
		slug := strings.TrimPrefix(req.SystemPrompt, "persona ")
		if msg, ok := fail[slug]; ok {
			return agent.FakeCall{Result: agent.Result{Success: false, Error: msg, CostUSD: costs[slug]}}
		}
		return agent.FakeCall{Result: agent.Result{Success: true, Output: "solution by " + slug, CostUSD: costs[slug]}}
	}}
}

func newTestEngine(t *testing.T, planner, runner agent.Invoker, opts trial.Options) (*trial.Engine, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "crucible.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if opts.PlannerModel == "" {
		opts.PlannerModel = "planner-model"
	}
	if opts.WorkerModel == "" {
		opts.WorkerModel = "worker-model"
	}
	h := hub.New(nil)
	ws := workspace.NewManager(t.TempDir(), "origin")
	return trial.New(db, h, ws, nil, nil, planner, runner, opts), db
}

func workerBySlug(t *testing.T, db *store.DB, trialID, slug string) *store.Worker {
	t.Helper()
	workers, err := db.ListWorkers(trialID)
	if err != nil {
		t.Fatalf("listing workers: %v", err)
	}
	for _, w := range workers {
		if w.Slug == slug {
			return w
		}
	}
	t.Fatalf("no worker %q in trial %s", slug, trialID)
	return nil
}

func TestStartRunsFullPipeline(t *testing.T) {
	runner := scriptedRunner(map[string]float64{"alpha": 1, "beta": 2, "gamma": 3}, nil)
	eng, db := newTestEngine(t, scriptedPlanner(), runner, trial.Options{Workers: 3, Parallel: 2})

	tr, err := eng.Create("u1", "reverse a linked list", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := eng.Start(context.Background(), tr.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got, err := db.GetTrial(tr.ID)
	if err != nil {
		t.Fatalf("GetTrial: %v", err)
	}
	if got.Stage != store.StageCompleted {
		t.Fatalf("stage: got %s, want COMPLETED (error %q)", got.Stage, got.Error)
	}
	if got.CompletedAt == nil {
		t.Error("completed trial has no completion time")
	}
	if got.Plan == "" || got.EvalPlan == "" {
		t.Error("plan and eval plan should be persisted")
	}

	workers, err := db.ListWorkers(tr.ID)
	if err != nil {
		t.Fatalf("ListWorkers: %v", err)
	}
	if len(workers) != 3 {
		t.Fatalf("workers: got %d, want 3", len(workers))
	}
	for _, w := range workers {
		if w.Status != store.StatusCompleted {
			t.Errorf("worker %s: status %s, want COMPLETED", w.Slug, w.Status)
		}
		if w.Output != "solution by "+w.Slug {
			t.Errorf("worker %s: output %q", w.Slug, w.Output)
		}
		if w.Model != "worker-model" {
			t.Errorf("worker %s: default model not applied, got %q", w.Slug, w.Model)
		}
	}
	// Repo-less trials execute in per-worker scratch dirs.
	for _, req := range runner.Requests() {
		if !strings.Contains(req.WorkingDir, "scratch") {
			t.Errorf("worker ran outside scratch dir: %q", req.WorkingDir)
		}
	}

	v, err := db.GetVerdict(tr.ID)
	if err != nil {
		t.Fatalf("GetVerdict: %v", err)
	}
	alpha := workerBySlug(t, db, tr.ID, "alpha")
	if v.WinnerWorkerID != alpha.ID {
		t.Errorf("winner: got %q, want alpha's id %q", v.WinnerWorkerID, alpha.ID)
	}
	// Scores are re-keyed by worker id; the unknown "stranger" slug is dropped.
	if len(v.Scores) != 3 {
		t.Errorf("scores: got %d entries, want 3", len(v.Scores))
	}
	if v.Scores[alpha.ID] != 9 {
		t.Errorf("alpha score: got %f, want 9", v.Scores[alpha.ID])
	}
	// 1+2+3 worker cost plus 0.5 evaluator cost.
	if v.TotalCostUSD < 6.49 || v.TotalCostUSD > 6.51 {
		t.Errorf("total cost: got %f, want 6.5", v.TotalCostUSD)
	}
	if v.BudgetExceeded {
		t.Error("no budget configured, flag should be false")
	}
}

func TestStartRejectsNonPending(t *testing.T) {
	eng, _ := newTestEngine(t, scriptedPlanner(), scriptedRunner(nil, nil), trial.Options{})
	tr, _ := eng.Create("u1", "challenge", "")
	if err := eng.Start(context.Background(), tr.ID); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	err := eng.Start(context.Background(), tr.ID)
	if !errors.Is(err, errdefs.ErrInvalidState) {
		t.Errorf("second Start: got %v, want ErrInvalidState", err)
	}
}

func TestWorkerFailureIsRecordedNotFatal(t *testing.T) {
	runner := scriptedRunner(
		map[string]float64{"alpha": 1, "beta": 2, "gamma": 3},
		map[string]string{"beta": "ran out of turns"},
	)
	eng, db := newTestEngine(t, scriptedPlanner(), runner, trial.Options{})

	tr, _ := eng.Create("u1", "challenge", "")
	if err := eng.Start(context.Background(), tr.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got, _ := db.GetTrial(tr.ID)
	if got.Stage != store.StageCompleted {
		t.Fatalf("one failed worker must not fail the trial: stage %s", got.Stage)
	}
	beta := workerBySlug(t, db, tr.ID, "beta")
	if beta.Status != store.StatusFailed || beta.Error != "ran out of turns" {
		t.Errorf("beta: status %s error %q", beta.Status, beta.Error)
	}
	// The failed worker's partial cost still counts.
	v, _ := db.GetVerdict(tr.ID)
	if v.TotalCostUSD < 6.49 || v.TotalCostUSD > 6.51 {
		t.Errorf("total cost: got %f, want 6.5 including failed partial", v.TotalCostUSD)
	}
}

func TestPlannerFailureFailsTrial(t *testing.T) {
	planner := &agent.Fake{Script: func(req agent.Request) agent.FakeCall {
		return agent.FakeCall{Result: agent.Result{Success: false, Error: "no capacity"}}
	}}
	eng, db := newTestEngine(t, planner, scriptedRunner(nil, nil), trial.Options{})

	tr, _ := eng.Create("u1", "challenge", "")
	err := eng.Start(context.Background(), tr.ID)
	if !errors.Is(err, errdefs.ErrAgentFailure) {
		t.Fatalf("expected ErrAgentFailure, got %v", err)
	}
	got, _ := db.GetTrial(tr.ID)
	if got.Stage != store.StageFailed {
		t.Errorf("stage: got %s, want FAILED", got.Stage)
	}
	if got.Error == "" {
		t.Error("failed trial should record the error")
	}
}

func TestBudgetExceededFlag(t *testing.T) {
	runner := scriptedRunner(map[string]float64{"alpha": 1, "beta": 2, "gamma": 3}, nil)
	eng, db := newTestEngine(t, scriptedPlanner(), runner, trial.Options{BudgetUSD: 1.0})

	tr, _ := eng.Create("u1", "challenge", "")
	if err := eng.Start(context.Background(), tr.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	v, err := db.GetVerdict(tr.ID)
	if err != nil {
		t.Fatalf("GetVerdict: %v", err)
	}
	if !v.BudgetExceeded {
		t.Error("6.5 spent against a 1.0 budget should set the flag")
	}
}

// crashedTrial fabricates the persisted state of a trial whose process died
// mid-run: plan written, stage RUNNING, worker rows in the given statuses.
func crashedTrial(t *testing.T, eng *trial.Engine, db *store.DB, statuses map[string]string) *store.Trial {
	t.Helper()
	tr, err := eng.Create("u1", "challenge", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := db.SetTrialPlan(tr.ID, planJSON); err != nil {
		t.Fatalf("SetTrialPlan: %v", err)
	}
	if err := db.SetTrialStage(tr.ID, store.StageRunning); err != nil {
		t.Fatalf("SetTrialStage: %v", err)
	}
	for slug, status := range statuses {
		w := &store.Worker{
			ID:        "w-" + slug,
			TrialID:   tr.ID,
			Slug:      slug,
			Persona:   "persona " + slug,
			Model:     "worker-model",
			Status:    status,
			CreatedAt: time.Now().UTC(),
		}
		if status == store.StatusCompleted {
			w.Output = "solution by " + slug
			w.CostUSD = 1
		}
		if err := db.CreateWorker(w); err != nil {
			t.Fatalf("CreateWorker: %v", err)
		}
	}
	return tr
}

func TestResumeRedispatchesOnlyUnfinishedWorkers(t *testing.T) {
	runner := scriptedRunner(map[string]float64{"alpha": 1, "beta": 2, "gamma": 3}, nil)
	eng, db := newTestEngine(t, scriptedPlanner(), runner, trial.Options{})

	tr := crashedTrial(t, eng, db, map[string]string{
		"alpha": store.StatusCompleted, // finished before the crash
		"beta":  store.StatusRunning,   // process died under it
		"gamma": store.StatusCreated,   // never dispatched
	})
	if err := eng.Resume(context.Background(), tr.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	got, _ := db.GetTrial(tr.ID)
	if got.Stage != store.StageCompleted {
		t.Fatalf("stage: got %s, want COMPLETED (error %q)", got.Stage, got.Error)
	}

	reqs := runner.Requests()
	if len(reqs) != 2 {
		t.Fatalf("re-dispatched %d workers, want 2 (beta, gamma)", len(reqs))
	}
	for _, req := range reqs {
		if strings.HasSuffix(req.SystemPrompt, "alpha") {
			t.Error("finished worker alpha must not be re-run")
		}
	}
	alpha := workerBySlug(t, db, tr.ID, "alpha")
	if alpha.Output != "solution by alpha" {
		t.Errorf("alpha's pre-crash output lost: %q", alpha.Output)
	}
}

func TestResumeWithAllWorkersTerminalSkipsToJudging(t *testing.T) {
	runner := scriptedRunner(nil, nil)
	eng, db := newTestEngine(t, scriptedPlanner(), runner, trial.Options{})

	tr := crashedTrial(t, eng, db, map[string]string{
		"alpha": store.StatusCompleted,
		"beta":  store.StatusCompleted,
		"gamma": store.StatusFailed,
	})
	if err := eng.Resume(context.Background(), tr.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if reqs := runner.Requests(); len(reqs) != 0 {
		t.Errorf("judging resume re-ran %d workers", len(reqs))
	}
	if _, err := db.GetVerdict(tr.ID); err != nil {
		t.Errorf("no verdict after resumed judging: %v", err)
	}
	got, _ := db.GetTrial(tr.ID)
	if got.Stage != store.StageCompleted {
		t.Errorf("stage: got %s, want COMPLETED", got.Stage)
	}
}

func TestResumeFailedTrialRecovers(t *testing.T) {
	runner := scriptedRunner(map[string]float64{"alpha": 1, "beta": 2, "gamma": 3}, nil)
	eng, db := newTestEngine(t, scriptedPlanner(), runner, trial.Options{})

	tr := crashedTrial(t, eng, db, map[string]string{
		"alpha": store.StatusCompleted,
		"beta":  store.StatusRunning,
		"gamma": store.StatusCreated,
	})
	if err := db.FailTrial(tr.ID, "planning: no capacity"); err != nil {
		t.Fatalf("FailTrial: %v", err)
	}

	if err := eng.Resume(context.Background(), tr.ID); err != nil {
		t.Fatalf("Resume of failed trial: %v", err)
	}

	got, _ := db.GetTrial(tr.ID)
	if got.Stage != store.StageCompleted {
		t.Fatalf("stage: got %s, want COMPLETED (error %q)", got.Stage, got.Error)
	}
	if got.Error != "" {
		t.Errorf("recorded failure not cleared on re-entry: %q", got.Error)
	}
	// The failure struck mid-run, so re-entry lands in RUNNING and only the
	// unfinished workers are re-dispatched.
	if reqs := runner.Requests(); len(reqs) != 2 {
		t.Errorf("re-dispatched %d workers, want 2 (beta, gamma)", len(reqs))
	}
}

func TestResumeRejectsPendingAndCompletedTrials(t *testing.T) {
	eng, db := newTestEngine(t, scriptedPlanner(), scriptedRunner(nil, nil), trial.Options{})

	pending, _ := eng.Create("u1", "challenge", "")
	if err := eng.Resume(context.Background(), pending.ID); !errors.Is(err, errdefs.ErrInvalidState) {
		t.Errorf("pending resume: got %v, want ErrInvalidState", err)
	}

	done, _ := eng.Create("u1", "challenge", "")
	if err := eng.Start(context.Background(), done.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := eng.Resume(context.Background(), done.ID); !errors.Is(err, errdefs.ErrInvalidState) {
		t.Errorf("completed resume: got %v, want ErrInvalidState", err)
	}

	if got, _ := db.GetTrial(done.ID); got.Stage != store.StageCompleted {
		t.Errorf("rejected resume mutated stage to %s", got.Stage)
	}
}

func TestCreateRejectsEmptyChallenge(t *testing.T) {
	eng, _ := newTestEngine(t, scriptedPlanner(), scriptedRunner(nil, nil), trial.Options{})
	if _, err := eng.Create("u1", "   ", ""); !errors.Is(err, errdefs.ErrInvalidState) {
		t.Errorf("got %v, want ErrInvalidState", err)
	}
}

func TestDeleteOnlyPending(t *testing.T) {
	eng, db := newTestEngine(t, scriptedPlanner(), scriptedRunner(nil, nil), trial.Options{})

	tr, _ := eng.Create("u1", "challenge", "")
	if err := eng.Delete(tr.ID); err != nil {
		t.Fatalf("Delete pending: %v", err)
	}
	if _, err := db.GetTrial(tr.ID); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("deleted trial still present: %v", err)
	}

	started, _ := eng.Create("u1", "challenge", "")
	if err := eng.Start(context.Background(), started.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := eng.Delete(started.ID); !errors.Is(err, errdefs.ErrInvalidState) {
		t.Errorf("non-pending delete: got %v, want ErrInvalidState", err)
	}
}
