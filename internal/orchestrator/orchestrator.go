// Package orchestrator implements the Orchestrator Loop (C9): the
// single supervising task per project that ties the Scheduler,
// Workspace Provisioner, Session Runner, Completion Detector,
// Coordination Registry, and Merge Queue together.
//
// One tick loop driven by a ticker, in-flight task tracking under a
// mutex, and WaitGroup-tracked background goroutines.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/splitmind/splitmind/internal/completion"
	"github.com/splitmind/splitmind/internal/events"
	"github.com/splitmind/splitmind/internal/mergequeue"
	"github.com/splitmind/splitmind/internal/registry"
	"github.com/splitmind/splitmind/internal/scheduler"
	"github.com/splitmind/splitmind/internal/session"
	"github.com/splitmind/splitmind/internal/tasks"
	"github.com/splitmind/splitmind/internal/workspace"
	"github.com/splitmind/splitmind/pkg/models"
)

// Config carries the subset of the orchestrator config
// (internal/config.Config) the loop itself consumes directly; the rest
// is threaded into the Scheduler/MergeQueue configs at construction.
type Config struct {
	TickInterval time.Duration
	HeartbeatTTL time.Duration
	SpawnTimeout time.Duration
	GracePeriod  time.Duration
	AutoMerge    bool
	AICommand    []string
	MainlineRef  string
}

// DefaultConfig returns sane tick/timeout defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval: 5 * time.Second,
		HeartbeatTTL: 90 * time.Second,
		SpawnTimeout: 30 * time.Second,
		GracePeriod:  30 * time.Second,
		AutoMerge:    true,
		MainlineRef:  "HEAD",
	}
}

// Orchestrator is the C9 supervising loop for one project.
type Orchestrator struct {
	projectID string
	cfg       Config
	log       *log.Logger

	store       *tasks.Store
	bus         *events.Bus
	scheduler   *scheduler.Scheduler
	provisioner *workspace.Provisioner
	sessions    session.Runner
	detector    *completion.Detector
	registry    *registry.Registry
	mergeQueue  *mergequeue.Queue

	mu       sync.Mutex
	inflight map[string]string // taskID -> session name
	branches map[string]string // taskID -> provisioned branch path
	merging  map[string]bool   // taskID -> currently enqueued in the merge queue
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New wires an Orchestrator for one project out of its already-
// constructed components. Callers build store/bus/scheduler/
// provisioner/sessions/registry/mergeQueue first, then build the
// Detector via NewDetector below, which closes the circular wiring
// between the Orchestrator and its Detector's completion callback.
func New(
	projectID string,
	cfg Config,
	logger *log.Logger,
	store *tasks.Store,
	bus *events.Bus,
	sched *scheduler.Scheduler,
	provisioner *workspace.Provisioner,
	sessions session.Runner,
	reg *registry.Registry,
	mq *mergequeue.Queue,
) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		projectID:   projectID,
		cfg:         cfg,
		log:         logger.With("component", "orchestrator", "project", projectID),
		store:       store,
		bus:         bus,
		scheduler:   sched,
		provisioner: provisioner,
		sessions:    sessions,
		registry:    reg,
		mergeQueue:  mq,
		inflight:    make(map[string]string),
		branches:    make(map[string]string),
		merging:     make(map[string]bool),
	}
}

// AttachDetector wires the Completion Detector this Orchestrator
// listens to. Detectors require their callback at construction time, so
// callers build the Detector with NewDetector(o, cfg) after New, then
// call AttachDetector with the result.
func (o *Orchestrator) AttachDetector(d *completion.Detector) {
	o.detector = d
}

// Start reconciles state and begins the tick loop in the background. It
// returns once the startup reconciliation has completed.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.reconcile(); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	if o.detector != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.detector.Run(loopCtx)
		}()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.tickLoop(loopCtx)
	}()

	return nil
}

// Stop signals every live session to terminate, waits up to
// cfg.GracePeriod, force-kills any stragglers, flushes the Task Store,
// and closes the Event Bus.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		if o.cancel != nil {
			o.cancel()
		}

		o.mu.Lock()
		live := make([]string, 0, len(o.inflight))
		for _, s := range o.inflight {
			live = append(live, s)
		}
		o.mu.Unlock()

		done := make(chan struct{})
		go func() {
			for _, s := range live {
				o.sessions.Kill(s)
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(o.cfg.GracePeriod):
			o.log.Warn("grace period elapsed, forcing kill", "sessions", len(live))
			for _, s := range live {
				o.sessions.Kill(s)
			}
		}

		o.wg.Wait()
		o.store.Save(true)
		o.bus.Close()
	})
}

// reconcile runs once at startup: reap dead sessions, drop stale
// registry entries, and clean up orphaned worktrees left over from an
// unclean shutdown.
func (o *Orchestrator) reconcile() error {
	if err := o.store.Load(); err != nil {
		return err
	}

	live := make(map[string]bool)
	if names, err := o.sessions.ListLive(); err == nil {
		for _, n := range names {
			live[n] = true
		}
	}

	var activeBranches []string
	for _, t := range o.store.All() {
		if t.Status == models.StatusInProgress {
			if t.Session == "" || !live[t.Session] {
				o.log.Info("reaping dead session", "task", t.ID, "session", t.Session)
				o.scheduler.MarkSpawnFailed(t.ID, "session not found on restart")
				continue
			}
		}
		if t.Branch != "" && (t.Status == models.StatusUpNext || t.Status == models.StatusInProgress) {
			activeBranches = append(activeBranches, t.Branch)
		}
	}

	if o.registry != nil {
		cutoff := time.Now().Add(-o.cfg.HeartbeatTTL)
		for _, stale := range o.registry.StaleSince(cutoff) {
			o.registry.UnregisterAgent(stale)
		}
	}

	if o.provisioner != nil {
		if removed, err := o.provisioner.StartupCleanup(activeBranches); err == nil && removed > 0 {
			o.log.Info("removed orphaned worktrees", "count", removed)
		}
	}

	return nil
}

// tickLoop drives tick on a fixed interval until ctx is canceled.
func (o *Orchestrator) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	now := time.Now()

	if _, err := o.scheduler.PromoteReady(now); err != nil {
		o.log.Error("promote ready tasks", "err", err)
	}

	if o.registry != nil {
		cutoff := now.Add(-o.cfg.HeartbeatTTL)
		for _, stale := range o.registry.StaleSince(cutoff) {
			o.log.Warn("agent heartbeat expired", "session", stale)
			o.registry.UnregisterAgent(stale)
			o.handleSessionDeath(stale)
		}
	}

	for _, t := range o.scheduler.NextToSpawn(now) {
		o.spawn(ctx, t)
	}

	if o.cfg.AutoMerge {
		o.advanceMergeQueue()
	}
}

// handleSessionDeath transitions an orchestrator-side task to
// spawn-failed when its backing agent's heartbeat has expired, so the
// scheduler's retry budget applies uniformly to heartbeat death and
// spawn failure alike.
func (o *Orchestrator) handleSessionDeath(sessionName string) {
	o.mu.Lock()
	var taskID string
	for tid, s := range o.inflight {
		if s == sessionName {
			taskID = tid
			break
		}
	}
	if taskID != "" {
		delete(o.inflight, taskID)
	}
	o.mu.Unlock()

	if taskID == "" {
		return
	}
	o.sessions.Kill(sessionName)
	o.scheduler.MarkSpawnFailed(taskID, "heartbeat_ttl_expired")
}

// spawn provisions a workspace and starts a session for an UP_NEXT
// task. Every status transition is persisted to the Task Store before
// the corresponding side effect, and the side effect itself is
// idempotent, so a crash mid-spawn can always be safely replayed.
func (o *Orchestrator) spawn(ctx context.Context, t *models.Task) {
	sessionName := session.SessionName(t.ID, t.Branch)
	if _, err := o.scheduler.MarkInProgress(t.ID, sessionName); err != nil {
		o.log.Error("mark in progress", "task", t.ID, "err", err)
		return
	}

	ws, err := o.provisioner.Provision(t.Branch, o.cfg.MainlineRef)
	if err != nil {
		o.log.Error("provision workspace", "task", t.ID, "err", err)
		o.scheduler.MarkSpawnFailed(t.ID, "provision_failed: "+err.Error())
		return
	}

	spec := session.Spec{
		Name:           sessionName,
		WorkDir:        ws.Path,
		Title:          t.Title,
		Description:    t.Description,
		PromptOverride: t.Prompt,
		AICommand:      o.cfg.AICommand,
	}

	spawnCtx, cancel := context.WithTimeout(ctx, o.cfg.SpawnTimeout)
	defer cancel()
	if err := o.sessions.Spawn(spawnCtx, spec); err != nil {
		o.log.Error("spawn session", "task", t.ID, "err", err)
		o.scheduler.MarkSpawnFailed(t.ID, "spawn_failed: "+err.Error())
		return
	}

	o.mu.Lock()
	o.inflight[t.ID] = sessionName
	o.branches[t.ID] = t.Branch
	o.mu.Unlock()
}

// onCompletion handles a Completion Detector outcome: marks the task
// COMPLETED (or resets it on failure), enqueues it for merge, and tears
// down its workspace.
func (o *Orchestrator) onCompletion(outcome completion.Outcome) {
	o.mu.Lock()
	var taskID, branch string
	for tid, s := range o.inflight {
		if s == outcome.Session {
			taskID = tid
			break
		}
	}
	if taskID != "" {
		delete(o.inflight, taskID)
		branch = o.branches[taskID]
		delete(o.branches, taskID)
	}
	o.mu.Unlock()

	if taskID == "" {
		o.log.Warn("completion marker for unknown session", "session", outcome.Session)
		return
	}

	o.sessions.Kill(outcome.Session)

	if outcome.Success {
		t, err := o.store.Update(taskID, func(task *models.Task) {
			now := time.Now()
			task.Status = models.StatusCompleted
			task.CompletedAt = &now
		})
		if err != nil {
			o.log.Error("mark task completed", "task", taskID, "err", err)
			return
		}
		if o.registry != nil {
			o.registry.MarkTaskCompleted(outcome.Session, taskID)
		}
		if o.cfg.AutoMerge && o.mergeQueue != nil {
			o.enqueueMerge(t)
		}
	} else {
		o.log.Warn("task failed", "task", taskID, "reason", outcome.Reason)
		o.scheduler.MarkSpawnFailed(taskID, "agent_failure: "+outcome.Reason)
	}

	if branch != "" {
		o.provisioner.TearDown(branch)
	}
}

// advanceMergeQueue enqueues every COMPLETED task whose dependency
// closure has already merged and whose touched files carry no live
// lock, in (merge_order, completed_at) order.
func (o *Orchestrator) advanceMergeQueue() {
	all := o.store.All()
	byID := make(map[string]*models.Task, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}

	var ready []*models.Task
	for _, t := range all {
		if t.Status != models.StatusCompleted {
			continue
		}
		if !dependencyClosureMerged(t, byID) {
			continue
		}
		if o.filesLockedByOthers(t) {
			continue
		}
		ready = append(ready, t)
	}
	sortByMergeOrder(ready)

	for _, t := range ready {
		o.enqueueMerge(t)
	}
}

// sortByMergeOrder orders tasks for merging: merge_order ascending, then
// completed_at ascending for ties.
func sortByMergeOrder(tasks []*models.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.MergeOrder != b.MergeOrder {
			return a.MergeOrder < b.MergeOrder
		}
		switch {
		case a.CompletedAt == nil:
			return false
		case b.CompletedAt == nil:
			return true
		default:
			return a.CompletedAt.Before(*b.CompletedAt)
		}
	})
}

// filesLockedByOthers reports whether any file t declared (exclusive or
// shared) is currently locked in the Coordination Registry by a session
// other than the one that completed t, which means a live agent is
// still touching it and t cannot merge yet.
func (o *Orchestrator) filesLockedByOthers(t *models.Task) bool {
	if o.registry == nil {
		return false
	}
	touched := make(map[string]struct{}, len(t.ExclusiveFiles)+len(t.SharedFiles))
	for _, f := range t.ExclusiveFiles {
		touched[f] = struct{}{}
	}
	for _, f := range t.SharedFiles {
		touched[f] = struct{}{}
	}
	if len(touched) == 0 {
		return false
	}
	for _, lock := range o.registry.ListFileLocks() {
		if lock.SessionName == t.Session {
			continue
		}
		if _, ok := touched[lock.Path]; ok {
			return true
		}
	}
	return false
}

// enqueueMerge submits t to the merge queue at most once per completion:
// a task stays marked "merging" until the queue resolves it, so repeated
// orchestrator ticks don't pile up duplicate merge attempts for the same
// branch.
func (o *Orchestrator) enqueueMerge(t *models.Task) {
	o.mu.Lock()
	if o.merging[t.ID] {
		o.mu.Unlock()
		return
	}
	o.merging[t.ID] = true
	o.mu.Unlock()

	resultCh := o.mergeQueue.Enqueue(t)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		<-resultCh
		o.mu.Lock()
		delete(o.merging, t.ID)
		o.mu.Unlock()
	}()
}

func dependencyClosureMerged(t *models.Task, byID map[string]*models.Task) bool {
	for _, depID := range t.Dependencies {
		dep, ok := byID[depID]
		if !ok || dep.Status != models.StatusMerged {
			return false
		}
	}
	return true
}

// NewDetector builds the Completion Detector o listens to, using o's own
// completion handler as its callback. Callers must still call
// o.AttachDetector with the result before Start.
func NewDetector(o *Orchestrator, cfg completion.Config) *completion.Detector {
	return completion.New(cfg, o.onCompletion)
}
