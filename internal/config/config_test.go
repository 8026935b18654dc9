package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_PassesValidation(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidate_RejectsOutOfRangeConcurrency(t *testing.T) {
	cfg := Default()
	cfg.MaxConcurrentAgents = 0
	assert.Error(t, cfg.Validate())

	cfg.MaxConcurrentAgents = 21
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsUnknownMergeStrategy(t *testing.T) {
	cfg := Default()
	cfg.MergeStrategy = "octopus"
	assert.Error(t, cfg.Validate())
}

func TestLoadFromPath_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "splitmind.yaml")
	content := "max_concurrent_agents: 8\nconflict_policy: reset_task\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.MaxConcurrentAgents)
	assert.Equal(t, "reset_task", cfg.ConflictPolicy)
	// Unset fields still take the built-in default.
	assert.Equal(t, "merge", cfg.MergeStrategy)
}
