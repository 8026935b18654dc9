// Package main implements the splitmind CLI: the operator-facing
// entrypoint around the Orchestrator Loop and control-plane HTTP API.
package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/splitmind/splitmind/internal/version"
)

var (
	projectDir string
	configPath string
)

// checkCollaborator verifies an external binary the orchestrator shells
// out to is on PATH, returning an actionable error if not.
func checkCollaborator(name, installHint string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("%s not found in PATH\n\n%s", name, installHint)
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "splitmind",
	Short: "Parallel task orchestrator for AI coding agents",
	Long: `splitmind runs multiple AI coding agents in parallel against a single
repository, each in its own git worktree, coordinating through a shared
task store, file-lock registry, and merge queue.

Available commands:
  serve   Run the orchestrator loop and control-plane API
  init    Scaffold .splitmind.yaml and tasks.md in the current project
  status  Print a snapshot of every task's current state
  tasks   Inspect or edit tasks.md from the command line

Use "splitmind [command] --help" for more information about a command.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = version.Get()
	rootCmd.PersistentFlags().StringVar(&projectDir, "project", ".", "project root directory")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a splitmind.yaml config file (overrides the project/user default search)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tasksCmd)
}
