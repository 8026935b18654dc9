package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/splitmind/splitmind/internal/tasks"
	"github.com/splitmind/splitmind/pkg/models"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect or edit tasks.md from the command line",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every task in tasks.md",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := tasks.New(filepath.Join(projectDir, "tasks.md"))
		if err := store.Load(); err != nil {
			return fmt.Errorf("load tasks.md: %w", err)
		}
		tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTITLE\tSTATUS\tBRANCH\tPRIORITY\tDEPENDENCIES")
		for _, t := range store.All() {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", t.ID, t.Title, t.Status, t.Branch, t.Priority, joinOrDash(t.Dependencies))
		}
		return tw.Flush()
	},
}

var (
	addTitle        string
	addBranch       string
	addDescription  string
	addPriority     int
	addDependencies []string
	addExclusive    []string
	addShared       []string
)

var tasksAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Append a new unclaimed task to tasks.md",
	RunE: func(cmd *cobra.Command, args []string) error {
		if addTitle == "" {
			return fmt.Errorf("--title is required")
		}
		if addBranch == "" {
			return fmt.Errorf("--branch is required")
		}

		store := tasks.New(filepath.Join(projectDir, "tasks.md"))
		if err := store.Load(); err != nil {
			return fmt.Errorf("load tasks.md: %w", err)
		}

		now := time.Now().UTC()
		t := &models.Task{
			ID:             uuid.NewString(),
			Title:          addTitle,
			Description:    addDescription,
			Branch:         addBranch,
			Status:         models.StatusUnclaimed,
			Priority:       addPriority,
			Dependencies:   addDependencies,
			ExclusiveFiles: addExclusive,
			SharedFiles:    addShared,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		added, err := store.Add(t)
		if err != nil {
			return fmt.Errorf("add task: %w", err)
		}
		if err := store.Save(false); err != nil {
			return fmt.Errorf("save tasks.md: %w", err)
		}
		fmt.Println("added task", added.ID)
		return nil
	},
}

var tasksRmCmd = &cobra.Command{
	Use:   "rm <task-id>",
	Short: "Remove a task from tasks.md",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := tasks.New(filepath.Join(projectDir, "tasks.md"))
		if err := store.Load(); err != nil {
			return fmt.Errorf("load tasks.md: %w", err)
		}
		if err := store.Delete(args[0]); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		if err := store.Save(false); err != nil {
			return fmt.Errorf("save tasks.md: %w", err)
		}
		fmt.Println("removed task", args[0])
		return nil
	},
}

func joinOrDash(ss []string) string {
	if len(ss) == 0 {
		return "-"
	}
	out := ss[0]
	for _, s := range ss[1:] {
		out += "," + s
	}
	return out
}

func init() {
	tasksAddCmd.Flags().StringVar(&addTitle, "title", "", "task title")
	tasksAddCmd.Flags().StringVar(&addBranch, "branch", "", "branch name for this task's worktree")
	tasksAddCmd.Flags().StringVar(&addDescription, "description", "", "task description")
	tasksAddCmd.Flags().IntVar(&addPriority, "priority", 0, "scheduling priority, higher runs sooner")
	tasksAddCmd.Flags().StringSliceVar(&addDependencies, "depends-on", nil, "task IDs this task depends on")
	tasksAddCmd.Flags().StringSliceVar(&addExclusive, "exclusive-files", nil, "files only this task may touch while in progress")
	tasksAddCmd.Flags().StringSliceVar(&addShared, "shared-files", nil, "files this task may touch without exclusivity")

	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksAddCmd)
	tasksCmd.AddCommand(tasksRmCmd)
}
