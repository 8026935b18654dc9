package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/splitmind/splitmind/internal/config"
	"github.com/splitmind/splitmind/internal/tasks"
)

func printStatus(symbol, message string, attr color.Attribute) {
	c := color.New(attr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Scaffold .splitmind.yaml and tasks.md in the project directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkCollaborator("git", "install git from https://git-scm.com/"); err != nil {
			printStatus("✗", "git not found", color.FgRed)
			return err
		}
		printStatus("✓", "git found", color.FgGreen)

		if err := checkCollaborator("tmux", "install tmux, e.g. `apt install tmux` or `brew install tmux`"); err != nil {
			printStatus("✗", "tmux not found", color.FgRed)
			return err
		}
		printStatus("✓", "tmux found", color.FgGreen)

		tasksPath := filepath.Join(projectDir, "tasks.md")
		if _, err := os.Stat(tasksPath); os.IsNotExist(err) {
			store := tasks.New(tasksPath)
			if err := store.Save(true); err != nil {
				return fmt.Errorf("scaffold tasks.md: %w", err)
			}
			printStatus("✓", "created "+tasksPath, color.FgGreen)
		} else {
			printStatus("⚠", "tasks.md already exists, leaving it alone", color.FgYellow)
		}

		cfgPath := config.ProjectConfigPath(projectDir)
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			if err := config.SaveProject(config.Default(), projectDir); err != nil {
				return fmt.Errorf("scaffold config: %w", err)
			}
			printStatus("✓", "wrote default config to "+cfgPath, color.FgGreen)
		} else {
			printStatus("⚠", ".splitmind.yaml already exists, leaving it alone", color.FgYellow)
		}

		fmt.Printf("\n%s splitmind initialization complete!\n\n", color.GreenString("✓"))
		return nil
	},
}
