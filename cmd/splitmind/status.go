package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/splitmind/splitmind/internal/tasks"
	"github.com/splitmind/splitmind/pkg/models"
)

func colorizeStatus(s models.TaskStatus) string {
	switch s {
	case models.StatusMerged:
		return color.GreenString(string(s))
	case models.StatusInProgress:
		return color.YellowString(string(s))
	case models.StatusCompleted:
		return color.CyanString(string(s))
	default:
		return string(s)
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a snapshot of every task's current state",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := tasks.New(filepath.Join(projectDir, "tasks.md"))
		if err := store.Load(); err != nil {
			return fmt.Errorf("load tasks.md: %w", err)
		}

		tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTITLE\tSTATUS\tBRANCH\tSESSION")
		for _, t := range store.All() {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Title, colorizeStatus(t.Status), t.Branch, t.Session)
		}
		return tw.Flush()
	},
}
