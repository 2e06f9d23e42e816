// Package trial is the orchestration core: the stage machine that takes a
// trial from PENDING through planning, parallel worker execution and judging
// to a completed verdict, plus crash recovery via resume.
package trial

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arenahq/crucible/internal/agent"
	"github.com/arenahq/crucible/internal/coordinator"
	"github.com/arenahq/crucible/internal/errdefs"
	"github.com/arenahq/crucible/internal/hub"
	"github.com/arenahq/crucible/internal/identity"
	"github.com/arenahq/crucible/internal/sandbox"
	"github.com/arenahq/crucible/internal/store"
	"github.com/arenahq/crucible/internal/workspace"
)

// Options are the engine-level agent defaults.
type Options struct {
	Workers        int
	Parallel       int
	PlannerModel   string
	WorkerModel    string
	EvaluatorModel string
	MaxTurns       int
	Tools          []string
	BudgetUSD      float64
}

// Engine drives trials through their stages. One Engine serves all trials;
// it holds no per-trial state of its own, everything lives in the store.
type Engine struct {
	store      *store.DB
	hub        *hub.Hub
	workspaces *workspace.Manager
	sandboxes  *sandbox.Manager
	identity   identity.Provider
	planner    agent.Invoker
	runner     agent.Invoker
	opts       Options
	now        func() time.Time
}

// New builds an engine. sandboxes and id may be nil (sandboxing disabled,
// no credential provider).
func New(db *store.DB, h *hub.Hub, ws *workspace.Manager, sandboxes *sandbox.Manager, id identity.Provider, planner, runner agent.Invoker, opts Options) *Engine {
	if opts.Workers < 1 {
		opts.Workers = 3
	}
	if opts.EvaluatorModel == "" {
		opts.EvaluatorModel = opts.PlannerModel
	}
	return &Engine{
		store:      db,
		hub:        h,
		workspaces: ws,
		sandboxes:  sandboxes,
		identity:   id,
		planner:    planner,
		runner:     runner,
		opts:       opts,
		now:        time.Now,
	}
}

// Create registers a new pending trial. Nothing runs until Start.
func (e *Engine) Create(userID, challenge, repoURL string) (*store.Trial, error) {
	if strings.TrimSpace(challenge) == "" {
		return nil, fmt.Errorf("challenge must not be empty: %w", errdefs.ErrInvalidState)
	}
	t := &store.Trial{
		ID:        uuid.NewString(),
		UserID:    userID,
		Challenge: challenge,
		RepoURL:   repoURL,
		Stage:     store.StagePending,
		CreatedAt: e.now().UTC(),
	}
	if err := e.store.CreateTrial(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Delete discards a pending trial and terminates its subscriptions.
func (e *Engine) Delete(id string) error {
	if err := e.store.DeleteTrial(id); err != nil {
		return err
	}
	e.hub.Close(id)
	return nil
}

// Start runs the full pipeline for a pending trial. The PENDING → PLANNING
// transition is claimed atomically, so a second concurrent Start loses the
// claim and gets ErrInvalidState instead of a duplicate pipeline.
func (e *Engine) Start(ctx context.Context, id string) error {
	if _, err := e.store.GetTrial(id); err != nil {
		return err
	}
	ok, err := e.store.CompareAndSetStage(id, store.StagePending, store.StagePlanning)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("trial %s is not pending: %w", id, errdefs.ErrInvalidState)
	}
	return e.run(ctx, id, store.StagePlanning)
}

// Resume picks an interrupted or failed trial back up at the stage its
// persisted state implies. A FAILED trial re-enters the pipeline with its
// recorded error cleared; completed trials and trials that never started
// cannot be resumed.
func (e *Engine) Resume(ctx context.Context, id string) error {
	t, err := e.store.GetTrial(id)
	if err != nil {
		return err
	}
	switch t.Stage {
	case store.StagePending:
		return fmt.Errorf("trial %s never started, use start: %w", id, errdefs.ErrInvalidState)
	case store.StageCompleted:
		return fmt.Errorf("trial %s already completed: %w", id, errdefs.ErrInvalidState)
	}

	workers, err := e.store.ListWorkers(id)
	if err != nil {
		return err
	}
	point := ResumePoint(t, workers)

	ok, err := e.store.CompareAndSetStage(id, t.Stage, point)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("trial %s moved while resuming: %w", id, errdefs.ErrConflict)
	}
	if point == store.StageRunning {
		// A worker stuck in RUNNING lost its process in the crash; send it
		// back to CREATED so the running stage re-dispatches it.
		if err := e.store.ResetNonTerminalWorkers(id); err != nil {
			return err
		}
	}
	return e.run(ctx, id, point)
}

// Snapshot synthesizes the current-state event a late hub subscriber sees
// first.
func (e *Engine) Snapshot(trialID string) hub.Event {
	t, err := e.store.GetTrial(trialID)
	if err != nil {
		return hub.Event{Type: hub.TypeSnapshot, TrialID: trialID, Err: "unknown trial"}
	}
	return hub.Event{Type: hub.TypeSnapshot, TrialID: trialID, Stage: t.Stage, Err: t.Error}
}

func (e *Engine) run(ctx context.Context, id, from string) error {
	stages := []struct {
		name string
		fn   func(context.Context, string) error
	}{
		{store.StagePlanning, e.planStage},
		{store.StageRunning, e.runStage},
		{store.StageJudging, e.judgeStage},
	}
	active := false
	for _, s := range stages {
		if s.name == from {
			active = true
		}
		if !active {
			continue
		}
		if err := s.fn(ctx, id); err != nil {
			e.fail(id, err)
			return err
		}
	}
	return nil
}

// fail moves the trial to FAILED with the error recorded, and tells
// subscribers before their streams close.
func (e *Engine) fail(id string, cause error) {
	if err := e.store.FailTrial(id, cause.Error()); err != nil {
		log.Printf("warning: trial %s: recording failure: %v", id, err)
	}
	e.hub.Publish(id, hub.Event{Type: hub.TypeError, Stage: store.StageFailed, Err: cause.Error()})
	e.hub.Close(id)
}

// --- planning ---

func (e *Engine) planStage(ctx context.Context, id string) error {
	e.hub.Publish(id, hub.Event{Type: hub.TypeStage, Stage: store.StagePlanning})
	t, err := e.store.GetTrial(id)
	if err != nil {
		return err
	}

	if t.Plan == "" {
		res, err := e.invokePlanner(ctx, id, agent.Request{
			Prompt:       planPrompt(t.Challenge, e.opts.Workers),
			SystemPrompt: plannerSystem,
			Model:        e.opts.PlannerModel,
		})
		if err != nil {
			return fmt.Errorf("planning: %w", err)
		}
		if _, err := parsePlan(res.Output); err != nil {
			return fmt.Errorf("planning: %v: %w", err, errdefs.ErrAgentFailure)
		}
		t.Plan = agent.StripJSONFences(res.Output)
		if err := e.store.SetTrialPlan(id, t.Plan); err != nil {
			return err
		}
	}

	workers, err := e.store.ListWorkers(id)
	if err != nil {
		return err
	}
	if len(workers) > 0 {
		return nil
	}

	plan, err := parsePlan(t.Plan)
	if err != nil {
		return fmt.Errorf("planning: persisted plan: %v: %w", err, errdefs.ErrAgentFailure)
	}
	seen := map[string]bool{}
	for i, spec := range plan.Workers {
		slug := sanitizeSlug(spec.Slug)
		if slug == "" {
			slug = fmt.Sprintf("worker-%d", i+1)
		}
		base := slug
		for n := 2; seen[slug]; n++ {
			slug = fmt.Sprintf("%s-%d", base, n)
		}
		seen[slug] = true

		model := spec.Model
		if model == "" {
			model = e.opts.WorkerModel
		}
		tools := strings.Join(spec.Tools, ",")
		if tools == "" {
			tools = strings.Join(e.opts.Tools, ",")
		}
		w := &store.Worker{
			ID:          uuid.NewString(),
			TrialID:     id,
			Slug:        slug,
			Persona:     spec.Persona,
			Model:       model,
			Temperature: spec.Temperature,
			Tools:       tools,
			Status:      store.StatusCreated,
			CreatedAt:   e.now().UTC(),
		}
		if err := e.store.CreateWorker(w); err != nil {
			return err
		}
	}
	return nil
}

// --- running ---

func (e *Engine) runStage(ctx context.Context, id string) error {
	if err := e.store.SetTrialStage(id, store.StageRunning); err != nil {
		return err
	}
	e.hub.Publish(id, hub.Event{Type: hub.TypeStage, Stage: store.StageRunning})

	t, err := e.store.GetTrial(id)
	if err != nil {
		return err
	}
	workers, err := e.store.ListWorkers(id)
	if err != nil {
		return err
	}

	cred, err := e.credential(ctx, t)
	if err != nil {
		return err
	}

	var ws *workspace.Workspace
	workRoot := filepath.Join(e.workspaces.BaseDir, "trials", id)
	if t.RepoURL != "" {
		ws, err = e.workspaces.Provision(id, t.RepoURL)
		if err != nil {
			return fmt.Errorf("workspace for trial %s: %v: %w", id, err, errdefs.ErrProvisioning)
		}
		workRoot = ws.Root
	}
	var env *sandbox.Environment
	if e.sandboxes != nil {
		// The bind mount source must exist before the container does.
		if err := os.MkdirAll(workRoot, 0o755); err != nil {
			return fmt.Errorf("work root for trial %s: %v: %w", id, err, errdefs.ErrProvisioning)
		}
		env, err = e.sandboxes.Provision(ctx, id, workRoot)
		if err != nil {
			return err
		}
	}

	var specs []coordinator.Spec
	dirs := map[string]string{}
	for _, w := range workers {
		if w.Status != store.StatusCreated {
			continue
		}
		var dir string
		if ws != nil {
			wtDir, branch, err := ws.CreateWorktree(w.Slug)
			if err != nil {
				return fmt.Errorf("worktree for %s: %v: %w", w.Slug, err, errdefs.ErrProvisioning)
			}
			if w.Branch != branch {
				if err := e.store.SetWorkerBranch(w.ID, branch); err != nil {
					return err
				}
			}
			dir = wtDir
		} else {
			dir, err = e.workspaces.ScratchDir(id, w.Slug)
			if err != nil {
				return fmt.Errorf("scratch dir for %s: %v: %w", w.Slug, err, errdefs.ErrProvisioning)
			}
		}
		if err := e.store.SetWorkerStatus(w.ID, store.StatusRunning); err != nil {
			return err
		}
		dirs[w.ID] = dir
		req := agent.Request{
			Prompt:       t.Challenge,
			SystemPrompt: w.Persona,
			Model:        w.Model,
			MaxTurns:     e.opts.MaxTurns,
			Tools:        splitTools(w.Tools),
			WorkingDir:   dir,
			Credential:   cred,
			Temperature:  w.Temperature,
		}
		if env != nil {
			// The agent executes inside the trial's environment, where the
			// work root is bind-mounted.
			req.ContainerID = env.ContainerID
			req.WorkingDir = env.ContainerPath(dir)
		}
		specs = append(specs, coordinator.Spec{WorkerID: w.ID, Slug: w.Slug, Request: req})
	}
	if len(specs) == 0 {
		return nil
	}

	co := &coordinator.Coordinator{Invoker: e.runner, Hub: e.hub, Parallel: e.opts.Parallel}
	results := co.RunAll(ctx, id, specs)

	for _, r := range results {
		status := store.StatusFailed
		errMsg := r.Outcome.Error
		if r.Outcome.Success {
			status = store.StatusCompleted
			if ws != nil {
				if _, err := ws.Commit(dirs[r.WorkerID], r.Slug+": solution attempt"); err != nil {
					// Scoped to this worker; siblings keep their results.
					log.Printf("warning: trial %s worker %s: commit: %v", id, r.Slug, err)
					status = store.StatusFailed
					errMsg = fmt.Sprintf("committing solution: %v", err)
				}
			}
		}
		if err := e.store.FinishWorker(r.WorkerID, status, r.Outcome.Output, errMsg,
			r.Outcome.CostUSD, r.Outcome.InputTokens, r.Outcome.OutputTokens, e.now().UTC()); err != nil {
			return err
		}
	}
	return nil
}

// --- judging ---

func (e *Engine) judgeStage(ctx context.Context, id string) error {
	if err := e.store.SetTrialStage(id, store.StageJudging); err != nil {
		return err
	}
	e.hub.Publish(id, hub.Event{Type: hub.TypeStage, Stage: store.StageJudging})

	t, err := e.store.GetTrial(id)
	if err != nil {
		return err
	}
	workers, err := e.store.ListWorkers(id)
	if err != nil {
		return err
	}

	// A verdict is written exactly once. If one survived a crash, only the
	// finalization steps remain.
	if _, err := e.store.GetVerdict(id); err == nil {
		return e.finalize(ctx, t)
	} else if !errors.Is(err, errdefs.ErrNotFound) {
		return err
	}

	if t.EvalPlan == "" {
		res, err := e.invokePlanner(ctx, id, agent.Request{
			Prompt:       evalPlanPrompt(t.Challenge, len(workers)),
			SystemPrompt: evalPlannerSystem,
			Model:        e.opts.PlannerModel,
		})
		if err != nil {
			return fmt.Errorf("judging: %w", err)
		}
		if _, err := parseEvalPlan(res.Output); err != nil {
			return fmt.Errorf("judging: %v: %w", err, errdefs.ErrAgentFailure)
		}
		t.EvalPlan = agent.StripJSONFences(res.Output)
		if err := e.store.SetTrialEvalPlan(id, t.EvalPlan); err != nil {
			return err
		}
	}

	evals, err := e.ensureEvaluators(id, t.EvalPlan)
	if err != nil {
		return err
	}
	if err := e.runEvaluators(ctx, t, workers, evals); err != nil {
		return err
	}
	evals, err = e.store.ListEvaluators(id)
	if err != nil {
		return err
	}

	if err := e.synthesize(ctx, t, workers, evals); err != nil {
		return err
	}
	return e.finalize(ctx, t)
}

// ensureEvaluators returns the trial's evaluator rows, creating them from the
// evaluation plan on first entry. Rows left non-terminal by a crash are
// discarded wholesale and recreated; evaluators are cheap to re-run.
func (e *Engine) ensureEvaluators(id, rawPlan string) ([]*store.Evaluator, error) {
	evals, err := e.store.ListEvaluators(id)
	if err != nil {
		return nil, err
	}
	stale := false
	for _, ev := range evals {
		if ev.Status != store.StatusCompleted && ev.Status != store.StatusFailed {
			stale = true
			break
		}
	}
	if len(evals) > 0 && !stale {
		return evals, nil
	}
	if stale {
		if err := e.store.DeleteEvaluators(id); err != nil {
			return nil, err
		}
	}

	plan, err := parseEvalPlan(rawPlan)
	if err != nil {
		return nil, fmt.Errorf("judging: persisted evaluation plan: %v: %w", err, errdefs.ErrAgentFailure)
	}
	var created []*store.Evaluator
	seen := map[string]bool{}
	for i, spec := range plan.Evaluators {
		slug := sanitizeSlug(spec.Slug)
		if slug == "" || seen[slug] {
			slug = fmt.Sprintf("evaluator-%d", i+1)
		}
		seen[slug] = true
		model := spec.Model
		if model == "" {
			model = e.opts.EvaluatorModel
		}
		ev := &store.Evaluator{
			ID:        uuid.NewString(),
			TrialID:   id,
			Slug:      slug,
			Model:     model,
			Status:    store.StatusCreated,
			CreatedAt: e.now().UTC(),
		}
		if err := e.store.CreateEvaluator(ev); err != nil {
			return nil, err
		}
		created = append(created, ev)
	}
	return created, nil
}

func (e *Engine) runEvaluators(ctx context.Context, t *store.Trial, workers []*store.Worker, evals []*store.Evaluator) error {
	var specs []coordinator.Spec
	for _, ev := range evals {
		if ev.Status != store.StatusCreated {
			continue
		}
		specs = append(specs, coordinator.Spec{
			WorkerID: ev.ID,
			Slug:     ev.Slug,
			Request: agent.Request{
				Prompt:       evalPrompt(t.Challenge, workers),
				SystemPrompt: evaluatorSystem,
				Model:        ev.Model,
			},
		})
	}
	if len(specs) == 0 {
		return nil
	}

	co := &coordinator.Coordinator{Invoker: e.planner, Hub: e.hub, Parallel: e.opts.Parallel}
	results := co.RunAll(ctx, t.ID, specs)
	for _, r := range results {
		status := store.StatusFailed
		if r.Outcome.Success {
			status = store.StatusCompleted
		}
		if err := e.store.FinishEvaluator(r.WorkerID, status, r.Outcome.Output, r.Outcome.Error,
			r.Outcome.CostUSD, r.Outcome.InputTokens, r.Outcome.OutputTokens, e.now().UTC()); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) synthesize(ctx context.Context, t *store.Trial, workers []*store.Worker, evals []*store.Evaluator) error {
	res, err := e.invokePlanner(ctx, t.ID, agent.Request{
		Prompt:       verdictPrompt(t.Challenge, workers, evals),
		SystemPrompt: verdictSystem,
		Model:        e.opts.PlannerModel,
	})
	if err != nil {
		return fmt.Errorf("verdict: %w", err)
	}
	draft, err := parseVerdictDraft(res.Output)
	if err != nil {
		return fmt.Errorf("verdict: %v: %w", err, errdefs.ErrAgentFailure)
	}

	bySlug := map[string]string{}
	for _, w := range workers {
		bySlug[w.Slug] = w.ID
	}
	winnerID := ""
	if draft.Winner != "" {
		winnerID = bySlug[draft.Winner]
		if winnerID == "" {
			log.Printf("warning: trial %s: verdict names unknown winner %q", t.ID, draft.Winner)
		}
	}
	scores := map[string]float64{}
	for slug, score := range draft.Scores {
		if workerID, ok := bySlug[slug]; ok {
			scores[workerID] = score
		}
	}

	total := 0.0
	for _, w := range workers {
		total += w.CostUSD
	}
	for _, ev := range evals {
		total += ev.CostUSD
	}

	return e.store.CreateVerdict(&store.Verdict{
		TrialID:        t.ID,
		WinnerWorkerID: winnerID,
		Scores:         scores,
		Reasoning:      draft.Reasoning,
		Summary:        draft.Summary,
		TotalCostUSD:   total,
		BudgetExceeded: e.opts.BudgetUSD > 0 && total > e.opts.BudgetUSD,
		CreatedAt:      e.now().UTC(),
	})
}

// finalize publishes the trial's branches, tears down the sandbox and marks
// the trial COMPLETED. A publish rejection fails the trial; worker branches
// stay intact locally for inspection and retry.
func (e *Engine) finalize(ctx context.Context, t *store.Trial) error {
	if t.RepoURL != "" {
		ws, err := e.workspaces.Provision(t.ID, t.RepoURL)
		if err != nil {
			return fmt.Errorf("workspace for trial %s: %v: %w", t.ID, err, errdefs.ErrProvisioning)
		}
		if _, err := ws.PublishAll(); err != nil {
			return fmt.Errorf("publishing trial branches: %w", err)
		}
	}
	if e.sandboxes != nil {
		if err := e.sandboxes.Destroy(ctx, t.ID); err != nil {
			log.Printf("warning: trial %s: destroying sandbox: %v", t.ID, err)
		}
	}
	if err := e.store.CompleteTrial(t.ID, e.now().UTC()); err != nil {
		return err
	}
	e.hub.Publish(t.ID, hub.Event{Type: hub.TypeStage, Stage: store.StageCompleted})
	e.hub.Publish(t.ID, hub.Event{Type: hub.TypeDone, Stage: store.StageCompleted})
	e.hub.Close(t.ID)
	return nil
}

// invokePlanner runs a single planner-side call, forwarding its progress to
// the hub and folding agent failure into the returned error.
func (e *Engine) invokePlanner(ctx context.Context, trialID string, req agent.Request) (*agent.Result, error) {
	emit := func(ev agent.Event) {
		if ev.Type == agent.EventAssistant && ev.Text != "" {
			e.hub.Publish(trialID, hub.Event{Type: hub.TypeAgent, Text: ev.Text})
		}
	}
	res, err := e.planner.Invoke(ctx, req, emit)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("%s: %w", res.Error, errdefs.ErrAgentFailure)
	}
	return res, nil
}

func (e *Engine) credential(ctx context.Context, t *store.Trial) (string, error) {
	if e.identity == nil {
		return "", nil
	}
	cred, err := e.identity.ScopedCredential(ctx, "agent-runtime", t.UserID)
	if err != nil {
		return "", fmt.Errorf("credential for trial %s: %w", t.ID, err)
	}
	return cred.Token, nil
}

func splitTools(s string) []string {
	if s == "" {
		return nil
	}
	var tools []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tools = append(tools, t)
		}
	}
	return tools
}
