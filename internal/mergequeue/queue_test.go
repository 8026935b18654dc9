package mergequeue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splitmind/splitmind/pkg/models"
)

// fakeRunner is a minimal git.Runner stub that only implements the
// methods the Queue actually calls; everything else panics if reached,
// which would signal a test exercising an untested code path.
type fakeRunner struct {
	mergeErr        error
	conflictFiles   []string
	mergeCalls      []string
	deletedBranches []string
}

func (f *fakeRunner) BranchExists(name string) (bool, error) { panic("unused") }
func (f *fakeRunner) DeleteBranch(name string) error         { f.deletedBranches = append(f.deletedBranches, name); return nil }

func (f *fakeRunner) Status() (string, error)      { panic("unused") }
func (f *fakeRunner) HasChanges() (bool, error)    { panic("unused") }
func (f *fakeRunner) ConflictedFiles() ([]string, error) { return f.conflictFiles, nil }

func (f *fakeRunner) Merge(branch string) error { return f.mergeErr }
func (f *fakeRunner) MergeNoFFMessage(branch, message string) error {
	f.mergeCalls = append(f.mergeCalls, branch)
	return f.mergeErr
}
func (f *fakeRunner) MergeAbort() error                                 { return nil }
func (f *fakeRunner) MergeBase(branch1, branch2 string) (string, error) { return "base-sha", nil }
func (f *fakeRunner) Rebase(base string) error                          { panic("unused") }
func (f *fakeRunner) RebaseAbort() error                                { panic("unused") }

func (f *fakeRunner) WorktreeAdd(path, branch string) error                    { panic("unused") }
func (f *fakeRunner) WorktreeAddNewBranch(path, branch string) error           { panic("unused") }
func (f *fakeRunner) WorktreeRemoveOptionalForce(path string, force bool) error { panic("unused") }
func (f *fakeRunner) WorktreeListPorcelain() (string, error)                   { panic("unused") }
func (f *fakeRunner) WorktreePrune() error                                     { panic("unused") }

func (f *fakeRunner) Run(args ...string) (string, error) {
	if len(args) > 0 && args[0] == "merge-tree" {
		if f.mergeErr != nil {
			return "conflicted.go\n  our  100644 sha path\n", nil
		}
		return "", nil
	}
	return "", nil
}

type fakeStore struct {
	tasks map[string]*models.Task
}

func newFakeStore(task *models.Task) *fakeStore {
	s := &fakeStore{tasks: map[string]*models.Task{task.ID: task}}
	return s
}

func (s *fakeStore) Update(id string, mutate func(*models.Task)) (*models.Task, error) {
	t := s.tasks[id]
	mutate(t)
	return t, nil
}

func sampleTask() *models.Task {
	return &models.Task{ID: "t1", Title: "Add login", Branch: "feature/login", Status: models.StatusCompleted}
}

func TestQueue_SuccessfulMergeMarksTaskMerged(t *testing.T) {
	task := sampleTask()
	store := newFakeStore(task)
	runner := &fakeRunner{}
	q := New("proj-1", runner, store, nil, DefaultConfig())
	defer q.Stop()

	outcome := <-q.Enqueue(task)
	assert.True(t, outcome.Success)
	assert.Equal(t, models.StatusMerged, task.Status)
	assert.NotNil(t, task.MergedAt)
	require.Len(t, runner.mergeCalls, 1)
	assert.Equal(t, []string{"feature/login"}, runner.deletedBranches)
}

func TestQueue_ConflictWithResetPolicyRequeuesTask(t *testing.T) {
	task := sampleTask()
	store := newFakeStore(task)
	runner := &fakeRunner{mergeErr: assertError("conflict")}
	cfg := DefaultConfig()
	cfg.ConflictPolicy = PolicyResetTask
	q := New("proj-1", runner, store, nil, cfg)
	defer q.Stop()

	outcome := <-q.Enqueue(task)
	assert.False(t, outcome.Success)
	assert.Equal(t, models.StatusUnclaimed, task.Status)
}

func TestQueue_ConflictWithHoldPolicyPausesQueue(t *testing.T) {
	task := sampleTask()
	store := newFakeStore(task)
	runner := &fakeRunner{mergeErr: assertError("conflict")}
	cfg := DefaultConfig()
	cfg.ConflictPolicy = PolicyHold
	q := New("proj-1", runner, store, nil, cfg)
	defer q.Stop()

	<-q.Enqueue(task)
	assert.True(t, q.IsHeld())

	q.Resume()
	assert.False(t, q.IsHeld())
}

func TestPreview_ReportsConflictFiles(t *testing.T) {
	runner := &fakeRunner{mergeErr: assertError("conflict")}
	q := New("proj-1", runner, nil, nil, DefaultConfig())
	defer q.Stop()

	clean, files, err := q.Preview(sampleTask())
	require.NoError(t, err)
	assert.False(t, clean)
	assert.NotEmpty(t, files)
}

func TestPreview_CleanWhenNoConflict(t *testing.T) {
	runner := &fakeRunner{}
	q := New("proj-1", runner, nil, nil, DefaultConfig())
	defer q.Stop()

	clean, _, err := q.Preview(sampleTask())
	require.NoError(t, err)
	assert.True(t, clean)
}

type simpleError string

func (e simpleError) Error() string { return string(e) }

func assertError(msg string) error { return simpleError(msg) }
