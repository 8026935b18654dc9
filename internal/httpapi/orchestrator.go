package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
)

func (s *Server) startOrchestrator(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	if err := p.Orchestrator.Start(context.Background()); err != nil {
		writeError(w, http.StatusInternalServerError, "start orchestrator: %s", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) stopOrchestrator(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	p.Orchestrator.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) getOrchestratorConfig(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p.Config)
}

func (s *Server) putOrchestratorConfig(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	updated := *p.Config
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&updated); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: %s", err)
		return
	}
	if err := updated.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	*p.Config = updated
	writeJSON(w, http.StatusOK, p.Config)
}
