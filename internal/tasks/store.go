// Package tasks implements the Task Store (C1): the authoritative,
// human-editable tasks.md persistence format.
package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splitmind/splitmind/internal/graph"
	"github.com/splitmind/splitmind/pkg/models"
)

// Store loads, validates, and atomically persists a project's tasks.md
// file. One Store serializes all access to a single project's file via
// an internal mutex.
type Store struct {
	path string

	mu      sync.Mutex
	tasks   map[string]*models.Task
	order   []string // preserves file order for stable serialization
	loadMtime time.Time
	loaded  bool
}

// New creates a Store bound to the tasks.md file at path. The file does
// not need to exist yet; Load will treat a missing file as an empty
// task set.
func New(path string) *Store {
	return &Store{path: path, tasks: make(map[string]*models.Task)}
}

// Path returns the tasks.md path this store manages.
func (s *Store) Path() string { return s.path }

// Load reads tasks.md from disk, replacing the store's in-memory state.
// It records the file's mtime for later staleness detection in Save.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() error {
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		s.tasks = make(map[string]*models.Task)
		s.order = nil
		s.loadMtime = time.Time{}
		s.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat tasks.md: %w", err)
	}

	content, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read tasks.md: %w", err)
	}
	parsed, err := Parse(string(content))
	if err != nil {
		return err
	}

	tasks := make(map[string]*models.Task, len(parsed))
	order := make([]string, 0, len(parsed))
	for _, t := range parsed {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		tasks[t.ID] = t
		order = append(order, t.ID)
	}

	s.tasks = tasks
	s.order = order
	s.loadMtime = info.ModTime()
	s.loaded = true
	return nil
}

// All returns a snapshot of every task, in file order.
func (s *Store) All() []*models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Task, 0, len(s.order))
	for _, id := range s.order {
		if t, ok := s.tasks[id]; ok {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Get returns a copy of the task with the given ID, or nil.
func (s *Store) Get(id string) *models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		return t.Clone()
	}
	return nil
}

// Update applies mutate to the task with the given ID under the store's
// lock and persists the result, enforcing the same invariants as Save.
// It is the primary entry point for the Scheduler, Completion Detector,
// and Merge Queue.
func (s *Store) Update(id string, mutate func(*models.Task)) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, &InvalidFieldError{Task: id, Field: "id", Reason: "task not found"}
	}
	working := t.Clone()
	mutate(working)
	working.UpdatedAt = time.Now()

	if err := s.validateLocked(working); err != nil {
		return nil, err
	}
	s.tasks[id] = working
	if err := s.saveLocked(false); err != nil {
		return nil, err
	}
	return working.Clone(), nil
}

// Add inserts a new task, assigning it an ID if it doesn't have one, and
// persists the result.
func (s *Store) Add(t *models.Task) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = models.StatusUnclaimed
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	if err := s.validateLocked(t); err != nil {
		return nil, err
	}
	s.tasks[t.ID] = t
	s.order = append(s.order, t.ID)
	if err := s.saveLocked(false); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// Delete removes a task permanently. Tasks are destroyed only on
// explicit delete — MERGED tasks are kept for history unless this is
// called directly.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return &InvalidFieldError{Task: id, Field: "id", Reason: "task not found"}
	}
	delete(s.tasks, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return s.saveLocked(false)
}

// Save validates the current in-memory state and writes it to disk.
// If the file on disk has been modified since Load (a human editor or
// another process wrote it), Save returns *StaleWriteError unless
// force is true.
func (s *Store) Save(force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(force)
}

func (s *Store) saveLocked(force bool) error {
	if !force {
		if info, err := os.Stat(s.path); err == nil {
			if s.loaded && !info.ModTime().Equal(s.loadMtime) {
				return &StaleWriteError{Path: s.path}
			}
		}
	}

	ordered := make([]*models.Task, 0, len(s.order))
	for _, id := range s.order {
		if t, ok := s.tasks[id]; ok {
			ordered = append(ordered, t)
		}
	}
	content := Serialize(ordered)

	if err := atomicWrite(s.path, []byte(content)); err != nil {
		return fmt.Errorf("write tasks.md: %w", err)
	}
	info, err := os.Stat(s.path)
	if err == nil {
		s.loadMtime = info.ModTime()
	}
	s.loaded = true
	return nil
}

// validateLocked enforces save-time invariants: branch uniqueness,
// valid status enum, and dependency existence. Caller must hold s.mu.
func (s *Store) validateLocked(candidate *models.Task) error {
	if !candidate.Status.Valid() {
		return &InvalidFieldError{Task: candidate.ID, Field: "status", Reason: fmt.Sprintf("invalid status %q", candidate.Status)}
	}
	if candidate.Branch == "" {
		return &InvalidFieldError{Task: candidate.ID, Field: "branch", Reason: "branch must not be empty"}
	}
	if err := validateBranchSyntax(candidate.Branch); err != "" {
		return &InvalidFieldError{Task: candidate.ID, Field: "branch", Reason: err}
	}
	for id, t := range s.tasks {
		if id == candidate.ID {
			continue
		}
		if t.Branch == candidate.Branch {
			return &InvalidFieldError{Task: candidate.ID, Field: "branch", Reason: fmt.Sprintf("branch %q already used by task %s", candidate.Branch, id)}
		}
	}
	for _, dep := range candidate.Dependencies {
		if dep == candidate.ID {
			return &InvalidFieldError{Task: candidate.ID, Field: "dependencies", Reason: "a task cannot depend on itself"}
		}
		if _, ok := s.tasks[dep]; !ok {
			return &InvalidFieldError{Task: candidate.ID, Field: "dependencies", Reason: fmt.Sprintf("unknown dependency %q", dep)}
		}
	}

	// Cycle check: build a trial graph including the candidate.
	trial := graph.New()
	all := make([]*models.Task, 0, len(s.tasks)+1)
	seen := false
	for id, t := range s.tasks {
		if id == candidate.ID {
			all = append(all, candidate)
			seen = true
			continue
		}
		all = append(all, t)
	}
	if !seen {
		all = append(all, candidate)
	}
	if err := trial.Build(all); err != nil {
		return &InvalidFieldError{Task: candidate.ID, Field: "dependencies", Reason: err.Error()}
	}
	return nil
}

// validateBranchSyntax rejects branch names containing path separators,
// shell metacharacters, whitespace, or control characters. It returns
// the empty string when branch is valid, else a human-readable reason.
func validateBranchSyntax(branch string) string {
	if strings.ContainsAny(branch, "/&\\") {
		return fmt.Sprintf("branch %q contains a forbidden character ('/', '&', or '\\\\')", branch)
	}
	for _, r := range branch {
		if r <= 0x20 || r == 0x7f {
			return fmt.Sprintf("branch %q contains whitespace or a control character", branch)
		}
	}
	return ""
}

// atomicWrite writes data to path via a temp file in the same directory,
// fsync, and rename, so a crash mid-write never leaves a torn tasks.md
// on disk.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tasks-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
