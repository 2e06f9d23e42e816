package trial

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/arenahq/crucible/internal/agent"
	"github.com/arenahq/crucible/internal/store"
)

// Plan is the planner's worker lineup for a trial.
type Plan struct {
	Workers []WorkerSpec `json:"workers"`
}

// WorkerSpec is one planned worker. Model and Tools fall back to the engine
// defaults when the planner leaves them empty.
type WorkerSpec struct {
	Slug        string   `json:"slug"`
	Persona     string   `json:"persona"`
	Model       string   `json:"model,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	Tools       []string `json:"tools,omitempty"`
}

// EvalPlan is the planner's evaluator panel.
type EvalPlan struct {
	Evaluators []EvaluatorSpec `json:"evaluators"`
}

type EvaluatorSpec struct {
	Slug  string `json:"slug"`
	Model string `json:"model,omitempty"`
}

// VerdictDraft is the synthesis agent's raw output, keyed by worker slug.
// The engine maps slugs back to worker ids before persisting.
type VerdictDraft struct {
	Winner    string             `json:"winner"`
	Scores    map[string]float64 `json:"scores"`
	Reasoning string             `json:"reasoning"`
	Summary   string             `json:"summary"`
}

func parsePlan(raw string) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal([]byte(agent.StripJSONFences(raw)), &p); err != nil {
		return nil, fmt.Errorf("invalid plan JSON: %w", err)
	}
	if len(p.Workers) == 0 {
		return nil, fmt.Errorf("plan contains no workers")
	}
	return &p, nil
}

func parseEvalPlan(raw string) (*EvalPlan, error) {
	var p EvalPlan
	if err := json.Unmarshal([]byte(agent.StripJSONFences(raw)), &p); err != nil {
		return nil, fmt.Errorf("invalid evaluation plan JSON: %w", err)
	}
	if len(p.Evaluators) == 0 {
		return nil, fmt.Errorf("evaluation plan contains no evaluators")
	}
	return &p, nil
}

func parseVerdictDraft(raw string) (*VerdictDraft, error) {
	var v VerdictDraft
	if err := json.Unmarshal([]byte(agent.StripJSONFences(raw)), &v); err != nil {
		return nil, fmt.Errorf("invalid verdict JSON: %w", err)
	}
	if v.Reasoning == "" {
		return nil, fmt.Errorf("verdict has no reasoning")
	}
	return &v, nil
}

// System prompts for the four planner-side roles.
const (
	plannerSystem = `You design worker lineups for competitive coding trials. Respond with a single JSON object and nothing else.`

	evalPlannerSystem = `You design evaluator panels for competitive coding trials. Respond with a single JSON object and nothing else.`

	evaluatorSystem = `You are one evaluator on a panel judging competing solutions to a coding challenge. Score each candidate from 0 to 10 and explain briefly. Respond with a single JSON object mapping candidate names to scores, plus a "notes" field.`

	verdictSystem = `You synthesize a final verdict from evaluator reports on competing solutions. Respond with a single JSON object and nothing else.`
)

// Keep embedded worker output from blowing past the model's useful context.
const outputLimit = 12000

func planPrompt(challenge string, n int) string {
	return fmt.Sprintf(`Design a lineup of %d workers to independently attack this challenge. Give each a distinct slug (lowercase, hyphenated), a persona system prompt that pushes it toward a different strategy than its siblings, and optionally a temperature.

Challenge:
%s

Respond with JSON: {"workers": [{"slug": "...", "persona": "...", "temperature": 0.7}]}`, n, challenge)
}

func evalPlanPrompt(challenge string, candidates int) string {
	return fmt.Sprintf(`Design an evaluator panel for a trial that produced %d candidate solutions. One to three evaluators, each with a distinct slug.

Challenge:
%s

Respond with JSON: {"evaluators": [{"slug": "..."}]}`, candidates, challenge)
}

func evalPrompt(challenge string, workers []*store.Worker) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Challenge:\n%s\n\nCandidate solutions:\n", challenge)
	for _, w := range workers {
		fmt.Fprintf(&b, "\n--- candidate %q (status %s) ---\n%s\n", w.Slug, w.Status, truncate(w.Output, outputLimit))
	}
	b.WriteString("\nScore every candidate. Respond with JSON: {\"scores\": {\"<slug>\": 0-10}, \"notes\": \"...\"}")
	return b.String()
}

func verdictPrompt(challenge string, workers []*store.Worker, evals []*store.Evaluator) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Challenge:\n%s\n\nCandidates:\n", challenge)
	for _, w := range workers {
		fmt.Fprintf(&b, "  - %s (status %s)\n", w.Slug, w.Status)
	}
	b.WriteString("\nEvaluator reports:\n")
	for _, e := range evals {
		fmt.Fprintf(&b, "\n--- evaluator %q (status %s) ---\n%s\n", e.Slug, e.Status, truncate(e.Evaluation, outputLimit))
	}
	b.WriteString(`
Pick the winning candidate, or an empty winner if nothing is acceptable. Respond with JSON: {"winner": "<slug>", "scores": {"<slug>": 0-10}, "reasoning": "...", "summary": "..."}`)
	return b.String()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n[truncated]"
}

// sanitizeSlug makes a planner-supplied slug safe for branch names.
func sanitizeSlug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == ' ':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
