// Package git provides an interface for git operations.
package git

// BranchOperations defines the interface for git branch operations.
type BranchOperations interface {
	// BranchExists returns true if the branch exists.
	BranchExists(name string) (bool, error)
	// DeleteBranch deletes the specified branch (force delete).
	DeleteBranch(name string) error
}

// DiffOperations defines the interface for git status operations.
type DiffOperations interface {
	// Status returns the output of git status --porcelain.
	Status() (string, error)
	// HasChanges returns true if there are uncommitted changes.
	HasChanges() (bool, error)
	// ConflictedFiles returns a list of files with unmerged changes.
	ConflictedFiles() ([]string, error)
}

// MergeOperations defines the interface for git merge and rebase operations.
type MergeOperations interface {
	// Merge merges the specified branch into the current branch (fast-forward if possible).
	Merge(branch string) error
	// MergeNoFFMessage merges the specified branch with --no-ff and a custom message.
	MergeNoFFMessage(branch, message string) error
	// MergeAbort aborts an in-progress merge.
	MergeAbort() error
	// MergeBase returns the common ancestor of two branches.
	MergeBase(branch1, branch2 string) (string, error)
	// Rebase rebases the current branch onto the specified base.
	Rebase(base string) error
	// RebaseAbort aborts an in-progress rebase.
	RebaseAbort() error
}

// WorktreeOperations defines the interface for git worktree operations.
type WorktreeOperations interface {
	// WorktreeAdd creates a new worktree at the given path for the branch.
	WorktreeAdd(path, branch string) error
	// WorktreeAddNewBranch creates a new worktree with a new branch (git worktree add -b).
	WorktreeAddNewBranch(path, branch string) error
	// WorktreeRemoveOptionalForce removes the worktree, optionally with force.
	WorktreeRemoveOptionalForce(path string, force bool) error
	// WorktreeListPorcelain returns the raw porcelain output for detailed parsing.
	WorktreeListPorcelain() (string, error)
	// WorktreePrune removes stale worktree entries.
	WorktreePrune() error
}

// Runner defines the complete interface for git operations.
// This interface embeds all focused interfaces for full functionality.
// Consumers should prefer using focused interfaces when possible.
type Runner interface {
	BranchOperations
	DiffOperations
	MergeOperations
	WorktreeOperations
	// Run executes an arbitrary git command with the given arguments.
	// Returns the command output and an error if the command fails.
	Run(args ...string) (string, error)
}
