// Package httpapi implements the control-plane HTTP API:
// task CRUD, manual merge/reset, orchestrator lifecycle and config, the
// live agent listing, coordination stats, and an SSE event stream.
//
// One Bus per orchestrator process, keyed by project id.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/splitmind/splitmind/internal/config"
	"github.com/splitmind/splitmind/internal/events"
	"github.com/splitmind/splitmind/internal/mergequeue"
	"github.com/splitmind/splitmind/internal/orchestrator"
	"github.com/splitmind/splitmind/internal/registry"
	"github.com/splitmind/splitmind/internal/scheduler"
	"github.com/splitmind/splitmind/internal/tasks"
)

// Project bundles one project's live components, the set the API
// dispatches requests into by {id} path segment.
type Project struct {
	ID           string
	Store        *tasks.Store
	Scheduler    *scheduler.Scheduler
	Registry     *registry.Registry
	MergeQueue   *mergequeue.Queue
	Bus          *events.Bus
	Orchestrator *orchestrator.Orchestrator
	Config       *config.Config
}

// ProjectSource resolves a project id to its live Project, so the
// server never has to know how projects are constructed or discovered.
type ProjectSource interface {
	Project(id string) (*Project, bool)
}

// Server is the control-plane HTTP API.
type Server struct {
	router  chi.Router
	source  ProjectSource
	log     *log.Logger
	started time.Time
}

// New builds a Server routed.
func New(source ProjectSource, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		source:  source,
		log:     logger.With("component", "httpapi"),
		started: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
	}).Handler)

	r.Route("/projects/{projectID}", func(pr chi.Router) {
		pr.Get("/tasks", s.listTasks)
		pr.Post("/tasks", s.createTask)
		pr.Put("/tasks/{taskID}", s.patchTask)
		pr.Delete("/tasks/{taskID}", s.deleteTask)
		pr.Post("/tasks/{taskID}/merge", s.mergeTask)
		pr.Post("/tasks/{taskID}/reset", s.resetTask)
		pr.Get("/agents", s.listAgents)
		pr.Get("/coordination/stats", s.coordinationStats)
		pr.Get("/coordination/live", s.streamCoordination)

		pr.Post("/orchestrator/start", s.startOrchestrator)
		pr.Post("/orchestrator/stop", s.stopOrchestrator)
		pr.Get("/orchestrator/config", s.getOrchestratorConfig)
		pr.Put("/orchestrator/config", s.putOrchestratorConfig)
	})

	s.router = r
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "dur", time.Since(start))
	})
}

func (s *Server) project(w http.ResponseWriter, r *http.Request) (*Project, bool) {
	id := chi.URLParam(r, "projectID")
	p, ok := s.source.Project(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown project %q", id)
		return nil, false
	}
	return p, true
}

// kinder is implemented by every typed domain error so the API can map
// it to an HTTP status without a type switch per error type.
type kinder interface {
	Kind() string
}

func writeDomainError(w http.ResponseWriter, err error) {
	if k, ok := err.(kinder); ok {
		switch k.Kind() {
		case "validation":
			writeError(w, http.StatusBadRequest, "%s", err)
			return
		case "conflict":
			writeError(w, http.StatusConflict, "%s", err)
			return
		}
	}
	writeError(w, http.StatusInternalServerError, "%s", err)
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
