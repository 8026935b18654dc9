package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/splitmind/splitmind/internal/completion"
	"github.com/splitmind/splitmind/internal/config"
	"github.com/splitmind/splitmind/internal/events"
	"github.com/splitmind/splitmind/internal/git"
	"github.com/splitmind/splitmind/internal/httpapi"
	"github.com/splitmind/splitmind/internal/mergequeue"
	"github.com/splitmind/splitmind/internal/orchestrator"
	"github.com/splitmind/splitmind/internal/registry"
	"github.com/splitmind/splitmind/internal/scheduler"
	"github.com/splitmind/splitmind/internal/session"
	"github.com/splitmind/splitmind/internal/tasks"
	"github.com/splitmind/splitmind/internal/workspace"
)

var serveAddr string

// singleProjectSource is the ProjectSource for a single `splitmind serve`
// invocation: one project directory, one live Project.
type singleProjectSource struct {
	project *httpapi.Project
}

func (s *singleProjectSource) Project(id string) (*httpapi.Project, bool) {
	if id != s.project.ID {
		return nil, false
	}
	return s.project, true
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator loop and control-plane API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkCollaborator("git", "install git from https://git-scm.com/"); err != nil {
			return err
		}
		if err := checkCollaborator("tmux", "install tmux, e.g. `apt install tmux` or `brew install tmux`"); err != nil {
			return err
		}

		var cfg *config.Config
		var err error
		if configPath != "" {
			cfg, err = config.LoadFromPath(configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		logger := log.Default().With("component", "serve")
		projectID := filepath.Base(projectDir)

		bus := events.New(64)
		store := tasks.New(filepath.Join(projectDir, "tasks.md"))
		if err := store.Load(); err != nil {
			return fmt.Errorf("loading tasks.md: %w", err)
		}

		schedCfg := scheduler.DefaultConfig()
		schedCfg.MaxConcurrentAgents = cfg.MaxConcurrentAgents
		schedCfg.StarvationTTL = cfg.StarvationTTL()
		sched := scheduler.New(projectID, store, bus, schedCfg)
		provisioner := workspace.New(projectDir)
		sessions := session.NewTmuxRunner()
		runner := git.NewRunner(projectDir)

		var regStore registry.Store
		sqliteStore, err := registry.OpenSQLiteStore(filepath.Join(cfg.StatusDir, "registry.db"))
		if err != nil {
			logger.Warn("opening sqlite registry store, falling back to in-memory", "error", err)
		} else {
			regStore = sqliteStore
			defer sqliteStore.Close()
		}
		reg := registry.New(projectID, bus, regStore)

		mqCfg := mergequeue.DefaultConfig()
		mqCfg.Strategy = cfg.MergeQueueStrategy()
		mqCfg.ConflictPolicy = cfg.MergeQueueConflictPolicy()
		mqCfg.FFOnly = cfg.FFOnly
		mqCfg.MergeTimeout = cfg.MergeTimeout()
		mq := mergequeue.New(projectID, runner, store, bus, mqCfg)

		orchCfg := orchestrator.DefaultConfig()
		orchCfg.HeartbeatTTL = cfg.HeartbeatTTL()
		orchCfg.SpawnTimeout = cfg.SpawnTimeout()
		orchCfg.AutoMerge = cfg.AutoMerge

		orch := orchestrator.New(projectID, orchCfg, logger, store, bus, sched, provisioner, sessions, reg, mq)
		det := orchestrator.NewDetector(orch, completion.DefaultConfig(cfg.StatusDir))
		orch.AttachDetector(det)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := orch.Start(ctx); err != nil {
			return fmt.Errorf("starting orchestrator: %w", err)
		}
		defer orch.Stop()

		project := &httpapi.Project{
			ID:           projectID,
			Store:        store,
			Scheduler:    sched,
			Registry:     reg,
			MergeQueue:   mq,
			Bus:          bus,
			Orchestrator: orch,
			Config:       cfg,
		}
		source := &singleProjectSource{project: project}
		api := httpapi.New(source, logger)

		srv := &http.Server{
			Addr:    serveAddr,
			Handler: api,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("listening", "addr", serveAddr, "project", projectID)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
		case err := <-errCh:
			return fmt.Errorf("http server: %w", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":7420", "address for the control-plane HTTP API to listen on")
}
