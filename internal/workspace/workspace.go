// Package workspace provides per-trial versioned isolation: one shared clone
// per trial, one branch-backed worktree per worker, commit-if-dirty, and an
// atomic compare-and-swap publish of all trial branches.
package workspace

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/arenahq/crucible/internal/errdefs"
)

// Manager owns the workspace roots for all trials.
type Manager struct {
	BaseDir string
	Remote  string
}

func NewManager(baseDir, remote string) *Manager {
	if remote == "" {
		remote = "origin"
	}
	return &Manager{BaseDir: baseDir, Remote: remote}
}

// Workspace is one trial's isolated source tree.
type Workspace struct {
	TrialID string
	Root    string
	RepoDir string
	remote  string
}

// BranchName returns the branch a worker's worktree lives on.
func BranchName(trialID, slug string) string {
	return fmt.Sprintf("trial-%s/%s", trialID, slug)
}

// Provision checks out the trial's shared source tree, cloning on first use
// and reusing the existing clone afterwards.
func (m *Manager) Provision(trialID, repoURL string) (*Workspace, error) {
	root := filepath.Join(m.BaseDir, "trials", trialID)
	repoDir := filepath.Join(root, "repo")
	ws := &Workspace{TrialID: trialID, Root: root, RepoDir: repoDir, remote: m.Remote}

	if _, err := os.Stat(filepath.Join(repoDir, ".git")); err == nil {
		return ws, nil
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	cmd := exec.Command("git", "clone", "--", repoURL, repoDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("git clone: %s: %w", out, err)
	}
	return ws, nil
}

// ScratchDir returns a plain per-worker directory for trials that have no
// external repository. No branches, no publish.
func (m *Manager) ScratchDir(trialID, slug string) (string, error) {
	dir := filepath.Join(m.BaseDir, "trials", trialID, "scratch", slug)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating scratch dir: %w", err)
	}
	return dir, nil
}

// CreateWorktree gives a worker an independent working copy on its own
// branch. Reused as-is when it already exists, so resumed trials can
// re-dispatch workers without losing prior work.
func (w *Workspace) CreateWorktree(slug string) (string, string, error) {
	branch := BranchName(w.TrialID, slug)
	dir := filepath.Join(w.Root, "worktrees", slug)

	if _, err := os.Stat(dir); err == nil {
		return dir, branch, nil
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", "", fmt.Errorf("creating worktrees dir: %w", err)
	}

	cmd := exec.Command("git", "worktree", "add", "-b", branch, dir)
	cmd.Dir = w.RepoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		// -b fails when the branch survived a crash. Attach to it instead.
		retry := exec.Command("git", "worktree", "add", dir, branch)
		retry.Dir = w.RepoDir
		if out2, err2 := retry.CombinedOutput(); err2 != nil {
			return "", "", fmt.Errorf("git worktree add: %s: %s: %w", out, out2, err2)
		}
	}
	return dir, branch, nil
}

// Commit stages everything in dir and commits only when there are pending
// changes. Reports whether a commit was created.
func (w *Workspace) Commit(dir, message string) (bool, error) {
	add := exec.Command("git", "add", "-A")
	add.Dir = dir
	if out, err := add.CombinedOutput(); err != nil {
		return false, fmt.Errorf("git add -A: %s: %w", out, err)
	}

	status := exec.Command("git", "status", "--porcelain")
	status.Dir = dir
	out, err := status.Output()
	if err != nil {
		return false, fmt.Errorf("git status: %w", err)
	}
	if len(strings.TrimSpace(string(out))) == 0 {
		return false, nil
	}

	commit := exec.Command("git", "commit", "-m", message)
	commit.Dir = dir
	if out, err := commit.CombinedOutput(); err != nil {
		return false, fmt.Errorf("git commit: %s: %w", out, err)
	}
	return true, nil
}

// PublishResult reports the per-branch outcome of a publish.
type PublishResult struct {
	Pushed   []string
	Rejected []string
}

// PublishAll pushes every branch in the trial's namespace as one outbound
// push. Each ref is guarded by a force-with-lease check: a branch whose
// remote counterpart moved underneath us is rejected while its siblings
// still publish. Any rejection surfaces as a publish failure.
func (w *Workspace) PublishAll() (*PublishResult, error) {
	branches, err := w.trialBranches()
	if err != nil {
		return nil, err
	}
	if len(branches) == 0 {
		return &PublishResult{}, nil
	}

	args := append([]string{"push", "--force-with-lease", w.remote}, branches...)
	cmd := exec.Command("git", args...)
	cmd.Dir = w.RepoDir
	out, pushErr := cmd.CombinedOutput()

	res := &PublishResult{}
	rejected := map[string]bool{}
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, "[rejected]") && !strings.Contains(line, "[remote rejected]") {
			continue
		}
		for _, b := range branches {
			if strings.Contains(line, b) {
				rejected[b] = true
			}
		}
	}
	for _, b := range branches {
		if rejected[b] {
			res.Rejected = append(res.Rejected, b)
		} else {
			res.Pushed = append(res.Pushed, b)
		}
	}

	if len(res.Rejected) > 0 {
		return res, fmt.Errorf("remote moved under %s: %w", strings.Join(res.Rejected, ", "), errdefs.ErrPublish)
	}
	if pushErr != nil {
		return res, fmt.Errorf("git push: %s: %w", out, errdefs.ErrPublish)
	}
	return res, nil
}

func (w *Workspace) trialBranches() ([]string, error) {
	pattern := fmt.Sprintf("trial-%s/*", w.TrialID)
	cmd := exec.Command("git", "branch", "--list", pattern, "--format", "%(refname:short)")
	cmd.Dir = w.RepoDir
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("listing trial branches: %w", err)
	}
	var branches []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

// Destroy removes the trial's workspace root entirely.
func (w *Workspace) Destroy() error {
	return os.RemoveAll(w.Root)
}
