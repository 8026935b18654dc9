package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splitmind/splitmind/internal/completion"
	"github.com/splitmind/splitmind/internal/events"
	"github.com/splitmind/splitmind/internal/git"
	"github.com/splitmind/splitmind/internal/mergequeue"
	"github.com/splitmind/splitmind/internal/registry"
	"github.com/splitmind/splitmind/internal/scheduler"
	"github.com/splitmind/splitmind/internal/session"
	"github.com/splitmind/splitmind/internal/tasks"
	"github.com/splitmind/splitmind/internal/workspace"
	"github.com/splitmind/splitmind/pkg/models"
)

// fakeSessionRunner is an in-memory session.Runner for tests, so the
// orchestrator loop never shells out to tmux.
type fakeSessionRunner struct {
	spawned map[string]session.Spec
	killed  map[string]bool
	live    []string
}

func newFakeSessionRunner() *fakeSessionRunner {
	return &fakeSessionRunner{spawned: make(map[string]session.Spec), killed: make(map[string]bool)}
}

func (f *fakeSessionRunner) Spawn(ctx context.Context, spec session.Spec) error {
	f.spawned[spec.Name] = spec
	f.live = append(f.live, spec.Name)
	return nil
}
func (f *fakeSessionRunner) Kill(name string) error {
	f.killed[name] = true
	for i, n := range f.live {
		if n == name {
			f.live = append(f.live[:i], f.live[i+1:]...)
			break
		}
	}
	return nil
}
func (f *fakeSessionRunner) AttachCommand(name string) string { return "attach " + name }
func (f *fakeSessionRunner) ListLive() ([]string, error)      { return f.live, nil }

// fakeWorktreeRunner is a git.Runner stub the Provisioner drives during
// tests: it materializes worktree directories on disk instead of
// shelling out to a real git binary.
type fakeWorktreeRunner struct {
	git.Runner
}

func (f *fakeWorktreeRunner) BranchExists(name string) (bool, error) { return false, nil }
func (f *fakeWorktreeRunner) WorktreeAddNewBranch(path, branch string) error {
	return os.MkdirAll(path, 0o755)
}
func (f *fakeWorktreeRunner) WorktreeAdd(path, branch string) error {
	return os.MkdirAll(path, 0o755)
}
func (f *fakeWorktreeRunner) WorktreeRemoveOptionalForce(path string, force bool) error {
	return os.RemoveAll(path)
}
func (f *fakeWorktreeRunner) WorktreePrune() error { return nil }
func (f *fakeWorktreeRunner) WorktreeListPorcelain() (string, error) { return "", nil }
func (f *fakeWorktreeRunner) Run(args ...string) (string, error)    { return "", nil }

func newProject(t *testing.T) (projectID string, store *tasks.Store, statusDir string) {
	t.Helper()
	dir := t.TempDir()
	tasksPath := filepath.Join(dir, "tasks.md")
	require.NoError(t, os.WriteFile(tasksPath, []byte(""), 0o644))
	statusDir = filepath.Join(dir, "status")
	require.NoError(t, os.MkdirAll(statusDir, 0o755))
	return "proj-1", tasks.New(tasksPath), statusDir
}

func buildOrchestrator(t *testing.T, store *tasks.Store, statusDir string, sessions *fakeSessionRunner) (*Orchestrator, *events.Bus) {
	t.Helper()
	require.NoError(t, store.Load())

	bus := events.New(16)
	sched := scheduler.New("proj-1", store, bus, scheduler.DefaultConfig())
	prov := workspace.NewWithRunner(t.TempDir(), &fakeWorktreeRunner{})
	reg := registry.New("proj-1", bus, nil)
	mq := mergequeue.New("proj-1", &noopMergeRunner{}, store, bus, mergequeue.DefaultConfig())

	cfg := DefaultConfig()
	cfg.TickInterval = 20 * time.Millisecond
	cfg.GracePeriod = 200 * time.Millisecond
	cfg.AutoMerge = false // keep merge queue out of scope for these tests

	o := New("proj-1", cfg, nil, store, bus, sched, prov, sessions, reg, mq)
	det := NewDetector(o, completion.Config{StatusDir: statusDir, PollInterval: 10 * time.Millisecond, OrphanTTL: time.Hour})
	o.AttachDetector(det)
	return o, bus
}

// noopMergeRunner never actually merges in these tests; AutoMerge is off
// so the queue's worker never calls into it.
type noopMergeRunner struct{ git.Runner }

func TestOrchestrator_SpawnsEligibleTaskOnTick(t *testing.T) {
	_, store, statusDir := newProject(t)
	_, err := store.Add(&models.Task{Title: "Do thing", Branch: "feature-a", Priority: 1})
	require.NoError(t, err)

	sessions := newFakeSessionRunner()
	o, bus := buildOrchestrator(t, store, statusDir, sessions)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))
	defer o.Stop()

	require.Eventually(t, func() bool {
		for _, tk := range store.All() {
			if tk.Status == models.StatusInProgress {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	assert.Len(t, sessions.spawned, 1)
}

func TestOrchestrator_CompletionMarkerMarksTaskCompleted(t *testing.T) {
	_, store, statusDir := newProject(t)
	task, err := store.Add(&models.Task{Title: "Do thing", Branch: "feature-b", Priority: 1})
	require.NoError(t, err)

	sessions := newFakeSessionRunner()
	o, bus := buildOrchestrator(t, store, statusDir, sessions)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))
	defer o.Stop()

	require.Eventually(t, func() bool {
		return store.Get(task.ID).Status == models.StatusInProgress
	}, time.Second, 10*time.Millisecond)

	inProgress := store.Get(task.ID)
	markerPath := completion.MarkerPath(statusDir, inProgress.Session)
	require.NoError(t, os.WriteFile(markerPath, []byte("COMPLETED"), 0o644))

	require.Eventually(t, func() bool {
		return store.Get(task.ID).Status == models.StatusCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestOrchestrator_FailureMarkerResetsTaskForRetry(t *testing.T) {
	_, store, statusDir := newProject(t)
	task, err := store.Add(&models.Task{Title: "Do thing", Branch: "feature-c", Priority: 1})
	require.NoError(t, err)

	sessions := newFakeSessionRunner()
	o, bus := buildOrchestrator(t, store, statusDir, sessions)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))
	defer o.Stop()

	require.Eventually(t, func() bool {
		return store.Get(task.ID).Status == models.StatusInProgress
	}, time.Second, 10*time.Millisecond)

	inProgress := store.Get(task.ID)
	markerPath := completion.MarkerPath(statusDir, inProgress.Session)
	require.NoError(t, os.WriteFile(markerPath, []byte("FAILED: agent crashed"), 0o644))

	require.Eventually(t, func() bool {
		t := store.Get(task.ID)
		return t.Status == models.StatusUnclaimed && t.RetryCount == 1
	}, time.Second, 10*time.Millisecond)
}

func TestOrchestrator_ReconcileReapsTaskWithNoLiveSession(t *testing.T) {
	_, store, statusDir := newProject(t)
	require.NoError(t, store.Load())
	task, err := store.Add(&models.Task{Title: "Orphaned", Branch: "feature-d", Priority: 1})
	require.NoError(t, err)
	_, err = store.Update(task.ID, func(tk *models.Task) {
		tk.Status = models.StatusInProgress
		tk.Session = "dead-session"
	})
	require.NoError(t, err)

	sessions := newFakeSessionRunner() // nothing live
	o, bus := buildOrchestrator(t, store, statusDir, sessions)
	defer bus.Close()

	require.NoError(t, o.reconcile())

	reaped := store.Get(task.ID)
	assert.Equal(t, models.StatusUnclaimed, reaped.Status)
	assert.Equal(t, 1, reaped.RetryCount)
}

func TestOrchestrator_StopKillsInflightSessionsAndClosesBus(t *testing.T) {
	_, store, statusDir := newProject(t)
	_, err := store.Add(&models.Task{Title: "Do thing", Branch: "feature-e", Priority: 1})
	require.NoError(t, err)

	sessions := newFakeSessionRunner()
	o, bus := buildOrchestrator(t, store, statusDir, sessions)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))

	require.Eventually(t, func() bool { return len(sessions.spawned) == 1 }, time.Second, 10*time.Millisecond)

	o.Stop()
	assert.Len(t, sessions.killed, 1)

	_, ok := <-func() <-chan models.CoordinationEvent {
		ch, _ := bus.Subscribe("proj-1", nil)
		return ch
	}()
	assert.False(t, ok, "bus should be closed, so a fresh subscriber channel is immediately closed")
}
