// Package completion implements the Completion Detector (C6): it
// watches a status directory for completion marker files written by
// agent sessions and reports them to the orchestrator loop.
//
// Prefers an fsnotify watcher over the status directory, with a
// direct-stat polling fallback in case the watcher failed to start.
package completion

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Outcome is the parsed content of a completion marker file.
type Outcome struct {
	Session string
	Success bool
	Reason  string // populated when !Success
}

const (
	completedSentinel = "COMPLETED"
	failedPrefix       = "FAILED:"
	markerSuffix       = ".status"
)

// MarkerPath returns the path a session's completion marker is
// expected to appear at, for callers that write markers directly
// (primarily tests).
func MarkerPath(statusDir, sessionName string) string {
	return filepath.Join(statusDir, sessionName+markerSuffix)
}

// Config tunes the detector's polling and sweep behavior.
type Config struct {
	StatusDir      string
	PollInterval   time.Duration // fallback polling cadence; default 2s
	OrphanTTL      time.Duration // default 1h
}

// DefaultConfig returns stated defaults.
func DefaultConfig(statusDir string) Config {
	return Config{
		StatusDir:    statusDir,
		PollInterval: 2 * time.Second,
		OrphanTTL:    time.Hour,
	}
}

// Detector watches Config.StatusDir for <session>.status marker files.
type Detector struct {
	cfg     Config
	onEvent func(Outcome)

	mu      sync.Mutex
	seen    map[string]bool
	watcher *fsnotify.Watcher
}

// New creates a Detector. onEvent is invoked once per marker discovered,
// after the marker has already been removed from disk (so a crash
// between discovery and callback cannot replay it twice — the broader
// idempotence guarantee is still provided by the orchestrator, since a
// transition to COMPLETED on an already-COMPLETED task is a no-op).
func New(cfg Config, onEvent func(Outcome)) *Detector {
	return &Detector{cfg: cfg, onEvent: onEvent, seen: make(map[string]bool)}
}

// Run blocks, watching for markers until ctx is canceled. It prefers
// fsnotify and falls back to polling at cfg.PollInterval if the watcher
// cannot be established.
func (d *Detector) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.cfg.StatusDir, 0o755); err != nil {
		return err
	}

	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		if addErr := watcher.Add(d.cfg.StatusDir); addErr != nil {
			watcher.Close()
			watcher = nil
		}
	} else {
		watcher = nil
	}
	d.mu.Lock()
	d.watcher = watcher
	d.mu.Unlock()

	// Always do an initial sweep in case markers were written before Run
	// started (startup reconciliation, ).
	d.scanOnce()

	pollInterval := d.cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	ttl := d.cfg.OrphanTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	poll := time.NewTicker(pollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(ttl)
	defer sweep.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
		defer watcher.Close()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			d.scanOnce()
		case <-sweep.C:
			d.sweepOrphans(ttl)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 && strings.HasSuffix(ev.Name, markerSuffix) {
				d.handleMarker(ev.Name)
			}
		case <-errs:
			// Ignore transient watcher errors; polling still covers us.
		}
	}
}

// scanOnce checks the status directory directly, covering both the
// no-watcher fallback case and markers written before Run started.
func (d *Detector) scanOnce() {
	entries, err := os.ReadDir(d.cfg.StatusDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), markerSuffix) {
			continue
		}
		d.handleMarker(filepath.Join(d.cfg.StatusDir, e.Name()))
	}
}

func (d *Detector) handleMarker(path string) {
	base := filepath.Base(path)
	session := strings.TrimSuffix(base, markerSuffix)

	d.mu.Lock()
	if d.seen[session] {
		d.mu.Unlock()
		return
	}
	d.seen[session] = true
	d.mu.Unlock()

	content, err := os.ReadFile(path)
	if err != nil {
		// Marker vanished between discovery and read (another watcher
		// path already consumed it); nothing to do.
		d.mu.Lock()
		delete(d.seen, session)
		d.mu.Unlock()
		return
	}
	os.Remove(path)
	// The marker is consumed; a later marker under the same (deterministic)
	// session name, e.g. from a retried task, is a new completion signal.
	d.mu.Lock()
	delete(d.seen, session)
	d.mu.Unlock()

	outcome := parseMarker(session, string(content))
	if d.onEvent != nil {
		d.onEvent(outcome)
	}
}

func parseMarker(session, content string) Outcome {
	trimmed := strings.TrimSpace(content)
	if trimmed == completedSentinel {
		return Outcome{Session: session, Success: true}
	}
	if strings.HasPrefix(trimmed, failedPrefix) {
		return Outcome{Session: session, Success: false, Reason: strings.TrimPrefix(trimmed, failedPrefix)}
	}
	return Outcome{Session: session, Success: false, Reason: "malformed marker content: " + trimmed}
}

// sweepOrphans removes marker files older than ttl that were never
// claimed — guards against a session's crash leaving a marker the
// detector's own handleMarker path never reached.
func (d *Detector) sweepOrphans(ttl time.Duration) {
	entries, err := os.ReadDir(d.cfg.StatusDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-ttl)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), markerSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(d.cfg.StatusDir, e.Name()))
		}
	}
}
