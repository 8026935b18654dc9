// Package scheduler implements the Scheduler (C7): the component that
// decides which UNCLAIMED tasks become eligible to run, promotes them
// through UP_NEXT into IN_PROGRESS, and ages their priority to avoid
// starvation.
package scheduler

import (
	"sort"
	"time"

	"github.com/splitmind/splitmind/internal/events"
	"github.com/splitmind/splitmind/internal/tasks"
	"github.com/splitmind/splitmind/pkg/models"
)

// Config holds the scheduler's tunable knobs. MaxConcurrentAgents and
// StarvationTTL come from the orchestrator config option set; the other
// fields have no config key.
type Config struct {
	MaxConcurrentAgents int
	LookaheadCount      int
	StarvationTTL       time.Duration
	// MaxStarvationBoost bounds the effective-priority bonus a task can
	// accrue from waiting, so starvation aging cannot itself invert
	// priority ordering unboundedly.
	MaxStarvationBoost int
	// MaxRetries is the per-task retry budget before a task is marked
	// blocked rather than re-promoted.
	MaxRetries int
}

// DefaultConfig returns sane scheduling defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentAgents: 4,
		LookaheadCount:      2,
		StarvationTTL:       5 * time.Minute,
		MaxStarvationBoost:  10,
		MaxRetries:          3,
	}
}

// Scheduler evaluates a project's task set against Config and promotes
// tasks through UNCLAIMED -> UP_NEXT -> IN_PROGRESS.
type Scheduler struct {
	projectID string
	store     *tasks.Store
	bus       *events.Bus
	cfg       Config
}

// New creates a Scheduler for one project's task store.
func New(projectID string, store *tasks.Store, bus *events.Bus, cfg Config) *Scheduler {
	return &Scheduler{projectID: projectID, store: store, bus: bus, cfg: cfg}
}

// SetConfig replaces the scheduler's tunables. The control plane's
// config endpoint does not call it; a config update there changes the
// stored config only.
func (s *Scheduler) SetConfig(cfg Config) { s.cfg = cfg }

// eligible reports whether t may be promoted from UNCLAIMED: it must be
// unblocked, its dependencies COMPLETED or MERGED, and its files free of
// overlap with running tasks. The concurrency budget is applied by the
// caller.
func eligible(t *models.Task, byID map[string]*models.Task, running []*models.Task) bool {
	if t.Status != models.StatusUnclaimed {
		return false
	}
	if t.BlockedReason != "" {
		return false
	}
	for _, depID := range t.Dependencies {
		dep, ok := byID[depID]
		if !ok {
			return false
		}
		if dep.Status != models.StatusCompleted && dep.Status != models.StatusMerged {
			return false
		}
	}
	for _, r := range running {
		if t.FilesOverlap(r) {
			return false
		}
	}
	return true
}

// effectivePriority applies starvation aging: +1 per whole
// StarvationTTL interval elapsed since creation, bounded by
// MaxStarvationBoost.
func (s *Scheduler) effectivePriority(t *models.Task, now time.Time) int {
	if s.cfg.StarvationTTL <= 0 {
		return t.Priority
	}
	waited := now.Sub(t.CreatedAt)
	boost := int(waited / s.cfg.StarvationTTL)
	if boost > s.cfg.MaxStarvationBoost {
		boost = s.cfg.MaxStarvationBoost
	}
	if boost < 0 {
		boost = 0
	}
	return t.Priority + boost
}

// orderCandidates sorts by priority desc, merge_order asc, created_at
// asc, id lex.
func (s *Scheduler) orderCandidates(candidates []*models.Task, now time.Time) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		pa, pb := s.effectivePriority(a, now), s.effectivePriority(b, now)
		if pa != pb {
			return pa > pb
		}
		if a.MergeOrder != b.MergeOrder {
			return a.MergeOrder < b.MergeOrder
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// PromoteReady promotes as many eligible UNCLAIMED tasks to UP_NEXT as
// the lookahead budget allows, in priority order, and returns the
// promoted tasks. Called on each orchestrator tick only; a task status
// transition between ticks does not trigger a promotion pass.
func (s *Scheduler) PromoteReady(now time.Time) ([]*models.Task, error) {
	all := s.store.All()
	byID := make(map[string]*models.Task, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}

	var running []*models.Task
	upNextCount := 0
	inProgressCount := 0
	var candidates []*models.Task
	for _, t := range all {
		switch t.Status {
		case models.StatusInProgress:
			running = append(running, t)
			inProgressCount++
		case models.StatusUpNext:
			running = append(running, t)
			upNextCount++
		case models.StatusUnclaimed:
			candidates = append(candidates, t)
		}
	}

	availableUpNext := s.cfg.LookaheadCount - upNextCount
	availableOverall := (s.cfg.MaxConcurrentAgents + s.cfg.LookaheadCount) - (inProgressCount + upNextCount)
	slots := availableUpNext
	if availableOverall < slots {
		slots = availableOverall
	}
	if slots <= 0 {
		return nil, nil
	}

	var eligibleCandidates []*models.Task
	for _, t := range candidates {
		if eligible(t, byID, running) {
			eligibleCandidates = append(eligibleCandidates, t)
		}
	}
	s.orderCandidates(eligibleCandidates, now)

	if len(eligibleCandidates) > slots {
		eligibleCandidates = eligibleCandidates[:slots]
	}

	promoted := make([]*models.Task, 0, len(eligibleCandidates))
	for _, t := range eligibleCandidates {
		updated, err := s.store.Update(t.ID, func(task *models.Task) {
			task.Status = models.StatusUpNext
		})
		if err != nil {
			return promoted, err
		}
		promoted = append(promoted, updated)
		s.emit(models.EventTaskPromoted, updated, "")
		// Newly UP_NEXT tasks occupy a running slot for subsequent
		// eligibility checks in this same pass.
		running = append(running, updated)
	}
	return promoted, nil
}

// NextToSpawn returns UP_NEXT tasks, in selection order, that the
// caller (the orchestrator loop) should attempt to provision a
// workspace and spawn a session for, bounded by the remaining
// IN_PROGRESS budget.
func (s *Scheduler) NextToSpawn(now time.Time) []*models.Task {
	all := s.store.All()
	inProgressCount := 0
	var upNext []*models.Task
	for _, t := range all {
		switch t.Status {
		case models.StatusInProgress:
			inProgressCount++
		case models.StatusUpNext:
			upNext = append(upNext, t)
		}
	}
	budget := s.cfg.MaxConcurrentAgents - inProgressCount
	if budget <= 0 {
		return nil
	}
	s.orderCandidates(upNext, now)
	if len(upNext) > budget {
		upNext = upNext[:budget]
	}
	return upNext
}

// MarkInProgress transitions a successfully spawned task from UP_NEXT
// to IN_PROGRESS and records its session name.
func (s *Scheduler) MarkInProgress(taskID, session string) (*models.Task, error) {
	updated, err := s.store.Update(taskID, func(t *models.Task) {
		t.Status = models.StatusInProgress
		t.Session = session
	})
	if err != nil {
		return nil, err
	}
	s.emit(models.EventTaskPromoted, updated, "spawned")
	return updated, nil
}

// MarkSpawnFailed demotes a task back to UNCLAIMED after a failed spawn
// attempt, incrementing its retry count. Once the retry count reaches
// MaxRetries the task is left UNCLAIMED but BlockedReason is set so it is excluded
// from future eligibility until a human resets it.
func (s *Scheduler) MarkSpawnFailed(taskID string, reason string) (*models.Task, error) {
	updated, err := s.store.Update(taskID, func(t *models.Task) {
		t.Status = models.StatusUnclaimed
		t.Session = ""
		t.RetryCount++
		if t.RetryCount >= s.cfg.MaxRetries {
			t.BlockedReason = "spawn_retries_exhausted:" + reason
		}
	})
	if err != nil {
		return nil, err
	}
	s.emit(models.EventTaskReset, updated, reason)
	return updated, nil
}

// Reset returns a task to UNCLAIMED, clearing its block and retry
// state. This is the explicit user-initiated reset path.
func (s *Scheduler) Reset(taskID string) (*models.Task, error) {
	updated, err := s.store.Update(taskID, func(t *models.Task) {
		t.Status = models.StatusUnclaimed
		t.Session = ""
		t.RetryCount = 0
		t.BlockedReason = ""
	})
	if err != nil {
		return nil, err
	}
	s.emit(models.EventTaskReset, updated, "user_reset")
	return updated, nil
}

func (s *Scheduler) emit(kind models.CoordinationEventKind, t *models.Task, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(models.CoordinationEvent{
		Kind:      kind,
		ProjectID: s.projectID,
		TaskID:    t.ID,
		Reason:    reason,
		Timestamp: time.Now(),
	})
}
