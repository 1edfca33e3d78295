// Package gitws creates exclusive per-run working copies backed by git
// worktrees.
package gitws

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// WorktreeManager handles git worktree operations for run isolation
type WorktreeManager struct {
	repoDir string
	baseDir string
}

// NewWorktreeManager creates a new WorktreeManager. repoDir is the main
// checkout; baseDir is where per-run worktrees are created.
func NewWorktreeManager(repoDir, baseDir string) *WorktreeManager {
	return &WorktreeManager{
		repoDir: repoDir,
		baseDir: baseDir,
	}
}

// Create creates a fresh worktree and branch for an issue. Any leftover
// worktree or branch from a previous run of the same issue is cleaned up
// first.
func (m *WorktreeManager) Create(runID string, issueID int) (path, branch string, err error) {
	if err := os.MkdirAll(m.baseDir, 0755); err != nil {
		return "", "", fmt.Errorf("creating working copy dir: %w", err)
	}

	branch = BranchName(issueID)
	if err := m.cleanupExistingBranch(branch); err != nil {
		return "", "", fmt.Errorf("cleaning up existing branch: %w", err)
	}

	dirName := fmt.Sprintf("issue-%d-%s", issueID, randomSuffix())
	wtPath := filepath.Join(m.baseDir, dirName)

	// Fetch latest from origin first (remote might not exist in tests)
	fetchCmd := exec.Command("git", "fetch", "origin", "main")
	fetchCmd.Dir = m.repoDir
	fetchCmd.Run()

	baseBranch := "origin/main"
	checkCmd := exec.Command("git", "rev-parse", "--verify", "origin/main")
	checkCmd.Dir = m.repoDir
	if checkCmd.Run() != nil {
		baseBranch = "HEAD"
	}

	cmd := exec.Command("git", "worktree", "add", "-b", branch, wtPath, baseBranch)
	cmd.Dir = m.repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", "", fmt.Errorf("git worktree add: %s: %w", out, err)
	}

	return wtPath, branch, nil
}

// Reattach creates a worktree checked out on the run's existing branch,
// keeping the commits earlier phases produced. A stale worktree left by a
// crash is removed; the branch is not. When no branch exists it behaves
// like Create.
func (m *WorktreeManager) Reattach(runID string, issueID int) (path, branch string, err error) {
	branch = BranchName(issueID)

	check := exec.Command("git", "rev-parse", "--verify", "refs/heads/"+branch)
	check.Dir = m.repoDir
	if check.Run() != nil {
		return m.Create(runID, issueID)
	}

	m.removeWorktreeOnBranch(branch)

	if err := os.MkdirAll(m.baseDir, 0755); err != nil {
		return "", "", fmt.Errorf("creating working copy dir: %w", err)
	}
	dirName := fmt.Sprintf("issue-%d-%s", issueID, randomSuffix())
	wtPath := filepath.Join(m.baseDir, dirName)

	cmd := exec.Command("git", "worktree", "add", wtPath, branch)
	cmd.Dir = m.repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", "", fmt.Errorf("git worktree add: %s: %w", out, err)
	}

	return wtPath, branch, nil
}

// cleanupExistingBranch removes any existing worktree and branch for the
// given branch name
func (m *WorktreeManager) cleanupExistingBranch(branch string) error {
	m.removeWorktreeOnBranch(branch)

	// Delete orphan branches from previous runs too
	cmd := exec.Command("git", "branch", "-D", branch)
	cmd.Dir = m.repoDir
	cmd.Run()

	return nil
}

// removeWorktreeOnBranch force-removes the worktree checked out on the
// branch, if any. The branch itself is left alone.
func (m *WorktreeManager) removeWorktreeOnBranch(branch string) {
	cmd := exec.Command("git", "worktree", "prune")
	cmd.Dir = m.repoDir
	cmd.Run()

	cmd = exec.Command("git", "worktree", "list", "--porcelain")
	cmd.Dir = m.repoDir
	out, _ := cmd.Output()

	lines := strings.Split(string(out), "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "worktree ") {
			wtPath := strings.TrimPrefix(line, "worktree ")
			for j := i + 1; j < len(lines) && j < i+4; j++ {
				if strings.TrimSpace(lines[j]) == "branch refs/heads/"+branch {
					rmCmd := exec.Command("git", "worktree", "remove", "--force", wtPath)
					rmCmd.Dir = m.repoDir
					rmCmd.Run()
					break
				}
			}
		}
	}
}

// Remove removes a worktree and deletes its branch
func (m *WorktreeManager) Remove(wtPath string) error {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = wtPath
	branchOut, _ := cmd.Output()
	branch := strings.TrimSpace(string(branchOut))

	cmd = exec.Command("git", "worktree", "remove", "--force", wtPath)
	cmd.Dir = m.repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree remove: %s: %w", out, err)
	}

	if branch != "" && branch != "HEAD" {
		cmd = exec.Command("git", "branch", "-D", branch)
		cmd.Dir = m.repoDir
		cmd.Run()
	}

	return nil
}

// List returns all active worktree paths under the base directory
func (m *WorktreeManager) List() ([]string, error) {
	cmd := exec.Command("git", "worktree", "list", "--porcelain")
	cmd.Dir = m.repoDir
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "worktree ") {
			path := strings.TrimPrefix(line, "worktree ")
			if strings.HasPrefix(path, m.baseDir) {
				paths = append(paths, path)
			}
		}
	}

	return paths, nil
}

// BranchName returns the delivery branch name for an issue
func BranchName(issueID int) string {
	return fmt.Sprintf("delivery/issue-%d", issueID)
}

func randomSuffix() string {
	b := make([]byte, 3)
	rand.Read(b)
	return hex.EncodeToString(b)
}
