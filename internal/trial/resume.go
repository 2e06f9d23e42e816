package trial

import "github.com/arenahq/crucible/internal/store"

// ResumePoint derives where an interrupted trial picks back up, from
// persisted state alone. In-memory progress is gone after a crash, so the
// rules only look at what survived:
//
//	no plan                      → PLANNING
//	plan but no worker rows      → PLANNING (worker creation never finished)
//	any worker not yet terminal  → RUNNING
//	all workers terminal         → JUDGING (which skips straight to
//	                               finalization when a verdict already exists)
func ResumePoint(t *store.Trial, workers []*store.Worker) string {
	if t.Plan == "" || len(workers) == 0 {
		return store.StagePlanning
	}
	for _, w := range workers {
		if w.Status != store.StatusCompleted && w.Status != store.StatusFailed {
			return store.StageRunning
		}
	}
	return store.StageJudging
}
