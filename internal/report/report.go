// Package report renders a trial's outcome for humans and machines.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/arenahq/crucible/internal/errdefs"
	"github.com/arenahq/crucible/internal/store"
)

// WorkerLine is one worker's row in the report.
type WorkerLine struct {
	Slug    string  `json:"slug"`
	Status  string  `json:"status"`
	Score   float64 `json:"score"`
	Scored  bool    `json:"scored"`
	CostUSD float64 `json:"cost_usd"`
	Tokens  int     `json:"tokens"`
	Branch  string  `json:"branch,omitempty"`
	Winner  bool    `json:"winner"`
}

// TrialReport is the assembled view of one trial.
type TrialReport struct {
	TrialID        string       `json:"trial_id"`
	Stage          string       `json:"stage"`
	Challenge      string       `json:"challenge"`
	Error          string       `json:"error,omitempty"`
	Workers        []WorkerLine `json:"workers"`
	Winner         string       `json:"winner,omitempty"`
	Reasoning      string       `json:"reasoning,omitempty"`
	Summary        string       `json:"summary,omitempty"`
	TotalCostUSD   float64      `json:"total_cost_usd"`
	BudgetExceeded bool         `json:"budget_exceeded,omitempty"`
}

// Build assembles the report from the store. A trial without a verdict yet
// still reports its workers; verdict fields stay empty.
func Build(db *store.DB, trialID string) (*TrialReport, error) {
	t, err := db.GetTrial(trialID)
	if err != nil {
		return nil, err
	}
	workers, err := db.ListWorkers(trialID)
	if err != nil {
		return nil, err
	}

	r := &TrialReport{
		TrialID:   t.ID,
		Stage:     t.Stage,
		Challenge: t.Challenge,
		Error:     t.Error,
	}

	v, err := db.GetVerdict(trialID)
	if err != nil && !errors.Is(err, errdefs.ErrNotFound) {
		return nil, err
	}
	if v != nil {
		r.Reasoning = v.Reasoning
		r.Summary = v.Summary
		r.TotalCostUSD = v.TotalCostUSD
		r.BudgetExceeded = v.BudgetExceeded
	}

	for _, w := range workers {
		line := WorkerLine{
			Slug:    w.Slug,
			Status:  w.Status,
			CostUSD: w.CostUSD,
			Tokens:  w.InputTokens + w.OutputTokens,
			Branch:  w.Branch,
		}
		if v != nil {
			if score, ok := v.Scores[w.ID]; ok {
				line.Score = score
				line.Scored = true
			}
			if v.WinnerWorkerID == w.ID {
				line.Winner = true
				r.Winner = w.Slug
			}
		}
		if v == nil {
			r.TotalCostUSD += w.CostUSD
		}
		r.Workers = append(r.Workers, line)
	}
	return r, nil
}

// Render writes the report in the requested format: "table" (default),
// "markdown" or "json".
func Render(r *TrialReport, format string, w io.Writer) error {
	switch format {
	case "markdown":
		return writeMarkdown(r, w)
	case "json":
		return writeJSON(r, w)
	default:
		return writeTable(r, w)
	}
}

func writeTable(r *TrialReport, w io.Writer) error {
	fmt.Fprintf(w, "trial %s  stage %s  total $%.2f", r.TrialID, r.Stage, r.TotalCostUSD)
	if r.BudgetExceeded {
		fmt.Fprint(w, "  (over budget)")
	}
	fmt.Fprintln(w)
	if r.Error != "" {
		fmt.Fprintf(w, "error: %s\n", r.Error)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKER\tSTATUS\tSCORE\tCOST\tTOKENS\tBRANCH")
	fmt.Fprintln(tw, strings.Repeat("-", 72))
	for _, line := range r.Workers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t$%.2f\t%d\t%s\n",
			markWinner(line), line.Status, scoreCell(line), line.CostUSD, line.Tokens, line.Branch)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if r.Winner != "" {
		fmt.Fprintf(w, "\nwinner: %s\n", r.Winner)
	}
	if r.Summary != "" {
		fmt.Fprintf(w, "%s\n", r.Summary)
	}
	return nil
}

func writeMarkdown(r *TrialReport, w io.Writer) error {
	fmt.Fprintf(w, "## Trial %s (%s)\n\n", r.TrialID, r.Stage)
	fmt.Fprintln(w, "| Worker | Status | Score | Cost | Tokens |")
	fmt.Fprintln(w, "|---|---|---|---|---|")
	for _, line := range r.Workers {
		fmt.Fprintf(w, "| %s | %s | %s | $%.2f | %d |\n",
			markWinner(line), line.Status, scoreCell(line), line.CostUSD, line.Tokens)
	}
	fmt.Fprintf(w, "\nTotal cost: $%.2f\n", r.TotalCostUSD)
	if r.Winner != "" {
		fmt.Fprintf(w, "\n**Winner:** %s\n\n%s\n", r.Winner, r.Reasoning)
	}
	return nil
}

func writeJSON(r *TrialReport, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func markWinner(line WorkerLine) string {
	if line.Winner {
		return line.Slug + " *"
	}
	return line.Slug
}

func scoreCell(line WorkerLine) string {
	if !line.Scored {
		return "-"
	}
	return fmt.Sprintf("%.1f", line.Score)
}
