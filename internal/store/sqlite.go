package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/arenahq/crucible/internal/errdefs"
)

// DB wraps a sql.DB connection to the SQLite record store.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the store at path and runs schema migrations.
func Open(path string) (*DB, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS trials (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    challenge TEXT NOT NULL,
    repo_url TEXT,
    stage TEXT NOT NULL,
    plan TEXT,
    eval_plan TEXT,
    error TEXT,
    created_at INTEGER NOT NULL,
    completed_at INTEGER
);

CREATE TABLE IF NOT EXISTS workers (
    id TEXT PRIMARY KEY,
    trial_id TEXT NOT NULL,
    slug TEXT NOT NULL,
    persona TEXT,
    model TEXT NOT NULL,
    temperature REAL DEFAULT 0,
    tools TEXT,
    branch TEXT,
    status TEXT NOT NULL,
    output TEXT,
    error TEXT,
    cost_usd REAL DEFAULT 0,
    input_tokens INTEGER DEFAULT 0,
    output_tokens INTEGER DEFAULT 0,
    created_at INTEGER NOT NULL,
    completed_at INTEGER,
    FOREIGN KEY (trial_id) REFERENCES trials(id)
);

CREATE TABLE IF NOT EXISTS evaluators (
    id TEXT PRIMARY KEY,
    trial_id TEXT NOT NULL,
    slug TEXT NOT NULL,
    model TEXT NOT NULL,
    status TEXT NOT NULL,
    evaluation TEXT,
    error TEXT,
    cost_usd REAL DEFAULT 0,
    input_tokens INTEGER DEFAULT 0,
    output_tokens INTEGER DEFAULT 0,
    created_at INTEGER NOT NULL,
    completed_at INTEGER,
    FOREIGN KEY (trial_id) REFERENCES trials(id)
);

CREATE TABLE IF NOT EXISTS verdicts (
    trial_id TEXT PRIMARY KEY,
    winner_worker_id TEXT,
    scores TEXT NOT NULL,
    reasoning TEXT NOT NULL,
    summary TEXT,
    total_cost_usd REAL DEFAULT 0,
    budget_exceeded INTEGER DEFAULT 0,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (trial_id) REFERENCES trials(id)
);
`
	_, err := d.db.Exec(schema)
	return err
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeFromUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

// --- Trials ---

func (d *DB) CreateTrial(t *Trial) error {
	_, err := d.db.Exec(`INSERT INTO trials (id, user_id, challenge, repo_url, stage, plan, eval_plan, error, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Challenge, t.RepoURL, t.Stage, t.Plan, t.EvalPlan, t.Error, t.CreatedAt.Unix(), unixOrNil(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert trial: %w", err)
	}
	return nil
}

func (d *DB) GetTrial(id string) (*Trial, error) {
	row := d.db.QueryRow(`SELECT id, user_id, challenge, repo_url, stage, plan, eval_plan, error, created_at, completed_at
		FROM trials WHERE id = ?`, id)
	var t Trial
	var repoURL, plan, evalPlan, errStr sql.NullString
	var created int64
	var completed sql.NullInt64
	err := row.Scan(&t.ID, &t.UserID, &t.Challenge, &repoURL, &t.Stage, &plan, &evalPlan, &errStr, &created, &completed)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("trial %s: %w", id, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get trial: %w", err)
	}
	t.RepoURL = repoURL.String
	t.Plan = plan.String
	t.EvalPlan = evalPlan.String
	t.Error = errStr.String
	t.CreatedAt = time.Unix(created, 0).UTC()
	t.CompletedAt = timeFromUnix(completed)
	return &t, nil
}

func (d *DB) ListTrials() ([]*Trial, error) {
	rows, err := d.db.Query(`SELECT id, user_id, challenge, repo_url, stage, plan, eval_plan, error, created_at, completed_at
		FROM trials ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list trials: %w", err)
	}
	defer rows.Close()
	var trials []*Trial
	for rows.Next() {
		var t Trial
		var repoURL, plan, evalPlan, errStr sql.NullString
		var created int64
		var completed sql.NullInt64
		if err := rows.Scan(&t.ID, &t.UserID, &t.Challenge, &repoURL, &t.Stage, &plan, &evalPlan, &errStr, &created, &completed); err != nil {
			return nil, fmt.Errorf("scan trial: %w", err)
		}
		t.RepoURL = repoURL.String
		t.Plan = plan.String
		t.EvalPlan = evalPlan.String
		t.Error = errStr.String
		t.CreatedAt = time.Unix(created, 0).UTC()
		t.CompletedAt = timeFromUnix(completed)
		trials = append(trials, &t)
	}
	return trials, rows.Err()
}

func (d *DB) SetTrialStage(id, stage string) error {
	return d.updateTrial(id, `UPDATE trials SET stage = ? WHERE id = ?`, stage, id)
}

// CompareAndSetStage transitions the stage only if it currently equals from,
// clearing any recorded failure on the way in. Reports whether the claim
// succeeded, so two concurrent starts can never both win the PENDING →
// PLANNING transition.
func (d *DB) CompareAndSetStage(id, from, to string) (bool, error) {
	res, err := d.db.Exec(`UPDATE trials SET stage = ?, error = '' WHERE id = ? AND stage = ?`, to, id, from)
	if err != nil {
		return false, fmt.Errorf("claim stage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim stage: %w", err)
	}
	return n > 0, nil
}

func (d *DB) SetTrialPlan(id, plan string) error {
	return d.updateTrial(id, `UPDATE trials SET plan = ? WHERE id = ?`, plan, id)
}

func (d *DB) SetTrialEvalPlan(id, plan string) error {
	return d.updateTrial(id, `UPDATE trials SET eval_plan = ? WHERE id = ?`, plan, id)
}

// FailTrial records the stage transition to FAILED together with the error.
func (d *DB) FailTrial(id, message string) error {
	return d.updateTrial(id, `UPDATE trials SET stage = ?, error = ? WHERE id = ?`, StageFailed, message, id)
}

// CompleteTrial marks the trial COMPLETED and stamps the completion time.
func (d *DB) CompleteTrial(id string, at time.Time) error {
	return d.updateTrial(id, `UPDATE trials SET stage = ?, error = '', completed_at = ? WHERE id = ?`, StageCompleted, at.Unix(), id)
}

// DeleteTrial discards a trial. Only pending trials may be deleted.
func (d *DB) DeleteTrial(id string) error {
	t, err := d.GetTrial(id)
	if err != nil {
		return err
	}
	if t.Stage != StagePending {
		return fmt.Errorf("trial %s is %s, only pending trials may be deleted: %w", id, t.Stage, errdefs.ErrInvalidState)
	}
	_, err = d.db.Exec(`DELETE FROM trials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete trial: %w", err)
	}
	return nil
}

func (d *DB) updateTrial(id, query string, args ...any) error {
	res, err := d.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update trial: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update trial: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("trial %s: %w", id, errdefs.ErrNotFound)
	}
	return nil
}

// --- Workers ---

func (d *DB) CreateWorker(w *Worker) error {
	_, err := d.db.Exec(`INSERT INTO workers (id, trial_id, slug, persona, model, temperature, tools, branch, status, output, error, cost_usd, input_tokens, output_tokens, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.TrialID, w.Slug, w.Persona, w.Model, w.Temperature, w.Tools, w.Branch, w.Status, w.Output, w.Error,
		w.CostUSD, w.InputTokens, w.OutputTokens, w.CreatedAt.Unix(), unixOrNil(w.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert worker: %w", err)
	}
	return nil
}

func (d *DB) ListWorkers(trialID string) ([]*Worker, error) {
	rows, err := d.db.Query(`SELECT id, trial_id, slug, persona, model, temperature, tools, branch, status, output, error, cost_usd, input_tokens, output_tokens, created_at, completed_at
		FROM workers WHERE trial_id = ? ORDER BY created_at, slug`, trialID)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()
	var workers []*Worker
	for rows.Next() {
		var w Worker
		var persona, tools, branch, output, errStr sql.NullString
		var created int64
		var completed sql.NullInt64
		if err := rows.Scan(&w.ID, &w.TrialID, &w.Slug, &persona, &w.Model, &w.Temperature, &tools, &branch, &w.Status,
			&output, &errStr, &w.CostUSD, &w.InputTokens, &w.OutputTokens, &created, &completed); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		w.Persona = persona.String
		w.Tools = tools.String
		w.Branch = branch.String
		w.Output = output.String
		w.Error = errStr.String
		w.CreatedAt = time.Unix(created, 0).UTC()
		w.CompletedAt = timeFromUnix(completed)
		workers = append(workers, &w)
	}
	return workers, rows.Err()
}

func (d *DB) SetWorkerBranch(id, branch string) error {
	res, err := d.db.Exec(`UPDATE workers SET branch = ? WHERE id = ?`, branch, id)
	if err != nil {
		return fmt.Errorf("update worker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("worker %s: %w", id, errdefs.ErrNotFound)
	}
	return nil
}

func (d *DB) SetWorkerStatus(id, status string) error {
	res, err := d.db.Exec(`UPDATE workers SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update worker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("worker %s: %w", id, errdefs.ErrNotFound)
	}
	return nil
}

// FinishWorker records a worker's terminal state.
func (d *DB) FinishWorker(id, status, output, errMsg string, costUSD float64, inputTokens, outputTokens int, at time.Time) error {
	res, err := d.db.Exec(`UPDATE workers SET status = ?, output = ?, error = ?, cost_usd = ?, input_tokens = ?, output_tokens = ?, completed_at = ? WHERE id = ?`,
		status, output, errMsg, costUSD, inputTokens, outputTokens, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("finish worker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("worker %s: %w", id, errdefs.ErrNotFound)
	}
	return nil
}

// ResetNonTerminalWorkers returns stuck CREATED/RUNNING workers to CREATED so
// a resumed trial can re-dispatch them.
func (d *DB) ResetNonTerminalWorkers(trialID string) error {
	_, err := d.db.Exec(`UPDATE workers SET status = ? WHERE trial_id = ? AND status NOT IN (?, ?)`,
		StatusCreated, trialID, StatusCompleted, StatusFailed)
	if err != nil {
		return fmt.Errorf("reset workers: %w", err)
	}
	return nil
}

// --- Evaluators ---

func (d *DB) CreateEvaluator(e *Evaluator) error {
	_, err := d.db.Exec(`INSERT INTO evaluators (id, trial_id, slug, model, status, evaluation, error, cost_usd, input_tokens, output_tokens, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TrialID, e.Slug, e.Model, e.Status, e.Evaluation, e.Error,
		e.CostUSD, e.InputTokens, e.OutputTokens, e.CreatedAt.Unix(), unixOrNil(e.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert evaluator: %w", err)
	}
	return nil
}

func (d *DB) ListEvaluators(trialID string) ([]*Evaluator, error) {
	rows, err := d.db.Query(`SELECT id, trial_id, slug, model, status, evaluation, error, cost_usd, input_tokens, output_tokens, created_at, completed_at
		FROM evaluators WHERE trial_id = ? ORDER BY created_at, slug`, trialID)
	if err != nil {
		return nil, fmt.Errorf("list evaluators: %w", err)
	}
	defer rows.Close()
	var evals []*Evaluator
	for rows.Next() {
		var e Evaluator
		var evaluation, errStr sql.NullString
		var created int64
		var completed sql.NullInt64
		if err := rows.Scan(&e.ID, &e.TrialID, &e.Slug, &e.Model, &e.Status, &evaluation, &errStr,
			&e.CostUSD, &e.InputTokens, &e.OutputTokens, &created, &completed); err != nil {
			return nil, fmt.Errorf("scan evaluator: %w", err)
		}
		e.Evaluation = evaluation.String
		e.Error = errStr.String
		e.CreatedAt = time.Unix(created, 0).UTC()
		e.CompletedAt = timeFromUnix(completed)
		evals = append(evals, &e)
	}
	return evals, rows.Err()
}

// FinishEvaluator records an evaluator's terminal state.
func (d *DB) FinishEvaluator(id, status, evaluation, errMsg string, costUSD float64, inputTokens, outputTokens int, at time.Time) error {
	res, err := d.db.Exec(`UPDATE evaluators SET status = ?, evaluation = ?, error = ?, cost_usd = ?, input_tokens = ?, output_tokens = ?, completed_at = ? WHERE id = ?`,
		status, evaluation, errMsg, costUSD, inputTokens, outputTokens, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("finish evaluator: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("evaluator %s: %w", id, errdefs.ErrNotFound)
	}
	return nil
}

// DeleteEvaluators removes a trial's evaluator rows. Used when a resumed
// trial re-enters the judging stage from scratch.
func (d *DB) DeleteEvaluators(trialID string) error {
	_, err := d.db.Exec(`DELETE FROM evaluators WHERE trial_id = ?`, trialID)
	if err != nil {
		return fmt.Errorf("delete evaluators: %w", err)
	}
	return nil
}

// --- Verdicts ---

func (d *DB) CreateVerdict(v *Verdict) error {
	scores, err := json.Marshal(v.Scores)
	if err != nil {
		return fmt.Errorf("marshal scores: %w", err)
	}
	budget := 0
	if v.BudgetExceeded {
		budget = 1
	}
	_, err = d.db.Exec(`INSERT INTO verdicts (trial_id, winner_worker_id, scores, reasoning, summary, total_cost_usd, budget_exceeded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.TrialID, v.WinnerWorkerID, string(scores), v.Reasoning, v.Summary, v.TotalCostUSD, budget, v.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert verdict: %w", err)
	}
	return nil
}

func (d *DB) GetVerdict(trialID string) (*Verdict, error) {
	row := d.db.QueryRow(`SELECT trial_id, winner_worker_id, scores, reasoning, summary, total_cost_usd, budget_exceeded, created_at
		FROM verdicts WHERE trial_id = ?`, trialID)
	var v Verdict
	var winner, summary sql.NullString
	var scores string
	var budget int
	var created int64
	err := row.Scan(&v.TrialID, &winner, &scores, &v.Reasoning, &summary, &v.TotalCostUSD, &budget, &created)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("verdict for trial %s: %w", trialID, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get verdict: %w", err)
	}
	v.WinnerWorkerID = winner.String
	v.Summary = summary.String
	v.BudgetExceeded = budget != 0
	v.CreatedAt = time.Unix(created, 0).UTC()
	if err := json.Unmarshal([]byte(scores), &v.Scores); err != nil {
		return nil, fmt.Errorf("parse scores: %w", err)
	}
	return &v, nil
}
