package store

import "time"

// Trial stages. A trial only ever moves forward through these, except for
// the FAILED branch and resume re-entry.
const (
	StagePending   = "PENDING"
	StagePlanning  = "PLANNING"
	StageRunning   = "RUNNING"
	StageJudging   = "JUDGING"
	StageCompleted = "COMPLETED"
	StageFailed    = "FAILED"
)

// Worker / evaluator statuses.
const (
	StatusCreated   = "CREATED"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Trial is one end-to-end orchestrated challenge run.
type Trial struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Challenge   string     `json:"challenge"`
	RepoURL     string     `json:"repo_url,omitempty"`
	Stage       string     `json:"stage"`
	Plan        string     `json:"plan,omitempty"`
	EvalPlan    string     `json:"eval_plan,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Worker is one of the parallel competing agent executions within a trial.
type Worker struct {
	ID           string     `json:"id"`
	TrialID      string     `json:"trial_id"`
	Slug         string     `json:"slug"`
	Persona      string     `json:"persona,omitempty"`
	Model        string     `json:"model"`
	Temperature  float64    `json:"temperature,omitempty"`
	Tools        string     `json:"tools,omitempty"`
	Branch       string     `json:"branch,omitempty"`
	Status       string     `json:"status"`
	Output       string     `json:"output,omitempty"`
	Error        string     `json:"error,omitempty"`
	CostUSD      float64    `json:"cost_usd"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Evaluator judges the worker outputs. Same lifecycle shape as Worker,
// but its input is every worker's output and its product is a structured
// evaluation blob.
type Evaluator struct {
	ID           string     `json:"id"`
	TrialID      string     `json:"trial_id"`
	Slug         string     `json:"slug"`
	Model        string     `json:"model"`
	Status       string     `json:"status"`
	Evaluation   string     `json:"evaluation,omitempty"`
	Error        string     `json:"error,omitempty"`
	CostUSD      float64    `json:"cost_usd"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Verdict is the synthesis of all evaluations. Written exactly once per
// trial, immutable afterwards.
type Verdict struct {
	TrialID        string             `json:"trial_id"`
	WinnerWorkerID string             `json:"winner_worker_id,omitempty"`
	Scores         map[string]float64 `json:"scores"`
	Reasoning      string             `json:"reasoning"`
	Summary        string             `json:"summary"`
	TotalCostUSD   float64            `json:"total_cost_usd"`
	BudgetExceeded bool               `json:"budget_exceeded,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}
