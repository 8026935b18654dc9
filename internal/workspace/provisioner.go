// Package workspace implements the Workspace Provisioner (C3): creation
// and teardown of isolated git worktrees for tasks.
package workspace

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/splitmind/splitmind/internal/git"
)

// gitRetryPolicy bounds retries of worktree-mutating git operations
// against transient lock contention (a concurrent git process holding
// .git/index.lock or .git/worktrees/*/locked while another task's
// worktree is being provisioned or torn down in the same repo).
func gitRetryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 1 * time.Second
	b.MaxElapsedTime = 5 * time.Second
	return b
}

// isTransientGitError reports whether err looks like lock contention
// rather than a real conflict (missing branch, dirty worktree, etc.),
// which should fail fast instead of retrying.
func isTransientGitError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "index.lock") ||
		strings.Contains(msg, "already locked") ||
		strings.Contains(msg, "unable to create") && strings.Contains(msg, "File exists")
}

func retryGitOp(op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !isTransientGitError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, gitRetryPolicy())
}

// Status describes a worktree's position relative to its base.
type Status struct {
	HasUncommitted bool
	Ahead          int
	Behind         int
	HeadSHA        string
}

// Workspace is a provisioned worktree for one task.
type Workspace struct {
	Path   string
	Branch string
}

// Provisioner creates and tears down worktrees at
// <repoRoot>/worktrees/<branch>/, named exactly after the task's branch.
type Provisioner struct {
	repoRoot string
	runner   git.Runner

	mu sync.Mutex
}

// New creates a Provisioner for the repository at repoRoot.
func New(repoRoot string) *Provisioner {
	return &Provisioner{repoRoot: repoRoot, runner: git.NewRunner(repoRoot)}
}

// NewWithRunner creates a Provisioner with an injected git.Runner, for
// tests that must not shell out to a real git binary.
func NewWithRunner(repoRoot string, runner git.Runner) *Provisioner {
	return &Provisioner{repoRoot: repoRoot, runner: runner}
}

func (p *Provisioner) worktreeDir() string {
	return filepath.Join(p.repoRoot, "worktrees")
}

func (p *Provisioner) pathFor(branch string) string {
	return filepath.Join(p.worktreeDir(), branch)
}

// Provision creates a worktree for branch, basing a new branch on
// baseRef (HEAD when empty); the orchestrator passes its configured
// mainline ref. Re-provisioning an
// already-existing worktree for the same branch is a no-op, which is
// what gives the orchestrator's crash-recovery path its idempotence.
func (p *Provisioner) Provision(branch, baseRef string) (*Workspace, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	path := p.pathFor(branch)
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return &Workspace{Path: path, Branch: branch}, nil
	}

	if err := os.MkdirAll(p.worktreeDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create worktrees dir: %w", err)
	}

	exists, err := p.runner.BranchExists(branch)
	if err != nil {
		return nil, fmt.Errorf("check branch existence: %w", err)
	}
	if exists {
		if err := retryGitOp(func() error { return p.runner.WorktreeAdd(path, branch) }); err != nil {
			return nil, fmt.Errorf("add worktree for existing branch %s: %w", branch, err)
		}
	} else {
		base := baseRef
		if base == "" {
			base = "HEAD"
		}
		if err := retryGitOp(func() error { return p.runWorktreeAddNewBranchFrom(path, branch, base) }); err != nil {
			return nil, fmt.Errorf("add worktree with new branch %s from %s: %w", branch, base, err)
		}
	}

	return &Workspace{Path: path, Branch: branch}, nil
}

// runWorktreeAddNewBranchFrom creates a worktree with a new branch from
// a specific base ref. git.Runner.WorktreeAddNewBranch always branches
// from the runner's current HEAD, so when a non-HEAD base is requested
// we fall through to the low-level Run.
func (p *Provisioner) runWorktreeAddNewBranchFrom(path, branch, base string) error {
	if base == "HEAD" || base == "" {
		return p.runner.WorktreeAddNewBranch(path, branch)
	}
	_, err := p.runner.Run("worktree", "add", "-b", branch, path, base)
	return err
}

// TearDown removes the worktree for branch. Tearing down a worktree
// that does not exist is a no-op.
func (p *Provisioner) TearDown(branch string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	path := p.pathFor(branch)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := retryGitOp(func() error { return p.runner.WorktreeRemoveOptionalForce(path, true) }); err != nil {
		return fmt.Errorf("remove worktree %s: %w", path, err)
	}
	return nil
}

// StatusOf reports the worktree's uncommitted/ahead/behind state
// relative to mainline.
func (p *Provisioner) StatusOf(branch, mainline string) (*Status, error) {
	path := p.pathFor(branch)
	branchRunner := git.NewRunner(path)

	hasChanges, err := branchRunner.HasChanges()
	if err != nil {
		return nil, fmt.Errorf("check uncommitted changes: %w", err)
	}
	headSHA, err := branchRunner.Run("rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}

	ahead, behind, err := aheadBehind(branchRunner, branch, mainline)
	if err != nil {
		return nil, err
	}

	return &Status{
		HasUncommitted: hasChanges,
		Ahead:          ahead,
		Behind:         behind,
		HeadSHA:        strings.TrimSpace(headSHA),
	}, nil
}

func aheadBehind(runner git.Runner, branch, mainline string) (ahead, behind int, err error) {
	out, err := runner.Run("rev-list", "--left-right", "--count", mainline+"..."+branch)
	if err != nil {
		return 0, 0, fmt.Errorf("rev-list ahead/behind: %w", err)
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list output: %q", out)
	}
	if _, err := fmt.Sscanf(fields[0], "%d", &behind); err != nil {
		return 0, 0, err
	}
	if _, err := fmt.Sscanf(fields[1], "%d", &ahead); err != nil {
		return 0, 0, err
	}
	return ahead, behind, nil
}

// ListOrphans returns worktree paths on disk under worktrees/ that do
// not correspond to any of the active branches.
func (p *Provisioner) ListOrphans(activeBranches []string) ([]string, error) {
	active := make(map[string]bool, len(activeBranches))
	for _, b := range activeBranches {
		active[b] = true
	}

	dir := p.worktreeDir()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read worktrees dir: %w", err)
	}

	var orphans []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if !active[e.Name()] {
			orphans = append(orphans, filepath.Join(dir, e.Name()))
		}
	}
	return orphans, nil
}

// StartupCleanup prunes stale git worktree registrations and removes
// orphaned worktree directories, run once when the orchestrator loop
// starts.
func (p *Provisioner) StartupCleanup(activeBranches []string) (removed int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.runner.WorktreePrune(); err != nil {
		return 0, fmt.Errorf("prune worktrees: %w", err)
	}

	knownPaths, err := p.knownWorktreePaths()
	if err != nil {
		return 0, err
	}

	active := make(map[string]bool, len(activeBranches))
	for _, b := range activeBranches {
		active[b] = true
	}

	dir := p.worktreeDir()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read worktrees dir: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if active[e.Name()] {
			continue
		}
		if knownPaths[path] {
			if rmErr := p.runner.WorktreeRemoveOptionalForce(path, true); rmErr == nil {
				removed++
				continue
			}
		}
		if rmErr := os.RemoveAll(path); rmErr == nil {
			removed++
		}
	}
	return removed, nil
}

// knownWorktreePaths parses `git worktree list --porcelain`, collecting
// the path of every "worktree " line.
func (p *Provisioner) knownWorktreePaths() (map[string]bool, error) {
	out, err := p.runner.WorktreeListPorcelain()
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	paths := make(map[string]bool)
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "worktree ") {
			paths[strings.TrimPrefix(line, "worktree ")] = true
		}
	}
	return paths, nil
}
