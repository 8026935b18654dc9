package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/splitmind/splitmind/pkg/models"
)

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p.Store.All())
}

// createTaskRequest mirrors the subset of Task fields a client may set;
// id/status/timestamps/session are always server-assigned.
type createTaskRequest struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Prompt         string   `json:"prompt"`
	Branch         string   `json:"branch"`
	Dependencies   []string `json:"dependencies"`
	Priority       int      `json:"priority"`
	ExclusiveFiles []string `json:"exclusive_files"`
	SharedFiles    []string `json:"shared_files"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: %s", err)
		return
	}
	if req.Branch == "" {
		writeError(w, http.StatusBadRequest, "branch is required")
		return
	}

	t := &models.Task{
		Title:          req.Title,
		Description:    req.Description,
		Prompt:         req.Prompt,
		Branch:         req.Branch,
		Status:         models.StatusUnclaimed,
		Dependencies:   req.Dependencies,
		Priority:       req.Priority,
		ExclusiveFiles: req.ExclusiveFiles,
		SharedFiles:    req.SharedFiles,
	}
	created, err := p.Store.Add(t)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// patchTaskRequest is a partial update; nil fields are left untouched.
type patchTaskRequest struct {
	Title          *string    `json:"title"`
	Description    *string    `json:"description"`
	Prompt         *string    `json:"prompt"`
	Status         *string    `json:"status"`
	Priority       *int       `json:"priority"`
	Dependencies   *[]string  `json:"dependencies"`
	ExclusiveFiles *[]string  `json:"exclusive_files"`
	SharedFiles    *[]string  `json:"shared_files"`
}

func (s *Server) patchTask(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	taskID := chi.URLParam(r, "taskID")

	var req patchTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: %s", err)
		return
	}

	if req.Status != nil {
		status := models.TaskStatus(*req.Status)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status %q", *req.Status)
			return
		}
	}

	updated, err := p.Store.Update(taskID, func(t *models.Task) {
		if req.Title != nil {
			t.Title = *req.Title
		}
		if req.Description != nil {
			t.Description = *req.Description
		}
		if req.Prompt != nil {
			t.Prompt = *req.Prompt
		}
		if req.Status != nil {
			t.Status = models.TaskStatus(*req.Status)
		}
		if req.Priority != nil {
			t.Priority = *req.Priority
		}
		if req.Dependencies != nil {
			t.Dependencies = *req.Dependencies
		}
		if req.ExclusiveFiles != nil {
			t.ExclusiveFiles = *req.ExclusiveFiles
		}
		if req.SharedFiles != nil {
			t.SharedFiles = *req.SharedFiles
		}
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	taskID := chi.URLParam(r, "taskID")
	forced := r.URL.Query().Get("force") == "true"

	t := p.Store.Get(taskID)
	if t == nil {
		writeError(w, http.StatusNotFound, "unknown task %q", taskID)
		return
	}
	if t.Status == models.StatusInProgress && !forced {
		writeError(w, http.StatusConflict, "task %q is in progress; pass ?force=true to remove anyway", taskID)
		return
	}
	if err := p.Store.Delete(taskID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) mergeTask(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	taskID := chi.URLParam(r, "taskID")
	t := p.Store.Get(taskID)
	if t == nil {
		writeError(w, http.StatusNotFound, "unknown task %q", taskID)
		return
	}
	if t.Status != models.StatusCompleted {
		writeError(w, http.StatusConflict, "task %q must be completed before it can be merged, is %q", taskID, t.Status)
		return
	}
	p.MergeQueue.Enqueue(t)
	writeJSON(w, http.StatusAccepted, map[string]string{"task": taskID, "queued": "true"})
}

func (s *Server) resetTask(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	taskID := chi.URLParam(r, "taskID")
	t := p.Store.Get(taskID)
	if t == nil {
		writeError(w, http.StatusNotFound, "unknown task %q", taskID)
		return
	}
	if t.Session != "" {
		p.Registry.UnregisterAgent(t.Session)
	}
	reset, err := p.Scheduler.Reset(taskID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reset)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p.Registry.ListActiveAgents())
}

// coordinationStatsResponse is the aggregate metrics payload for the
// coordination/stats endpoint.
type coordinationStatsResponse struct {
	ActiveAgents      int `json:"active_agents"`
	FileLocks         int `json:"file_locks"`
	SharedInterfaces  int `json:"shared_interfaces"`
	QueuedMerges      int `json:"queued_merges"`
	SubscriberCount   int `json:"subscriber_count"`
	DisconnectedTotal int `json:"disconnected_total"`
	UptimeSeconds     int `json:"uptime_seconds"`
}

func (s *Server) coordinationStats(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, coordinationStatsResponse{
		ActiveAgents:      len(p.Registry.ListActiveAgents()),
		FileLocks:         len(p.Registry.ListFileLocks()),
		SharedInterfaces:  len(p.Registry.ListInterfaces()),
		QueuedMerges:      p.MergeQueue.QueueLength(),
		SubscriberCount:   p.Bus.SubscriberCount(),
		DisconnectedTotal: int(p.Bus.DisconnectedCount()),
		UptimeSeconds:     int(time.Since(s.started).Seconds()),
	})
}
