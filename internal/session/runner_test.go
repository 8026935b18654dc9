package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionName_Sanitizes(t *testing.T) {
	name := SessionName("task 1", "feature/login!")
	assert.Equal(t, "task-1-feature-login-", name)
}

func TestSpec_ComposedPrompt_DefaultTemplate(t *testing.T) {
	spec := Spec{Title: "Add login", Description: "Implement OAuth"}
	prompt := spec.ComposedPrompt()
	assert.Contains(t, prompt, "Add login")
	assert.Contains(t, prompt, "Implement OAuth")
	assert.Contains(t, prompt, "Coordination Registry")
}

func TestSpec_ComposedPrompt_Override(t *testing.T) {
	spec := Spec{Title: "Add login", PromptOverride: "custom prompt text"}
	prompt := spec.ComposedPrompt()
	assert.True(t, strings.HasPrefix(prompt, "custom prompt text\n"))
	assert.NotContains(t, prompt, "You are working on a single task")
	assert.Contains(t, prompt, "Add login")
	assert.Contains(t, prompt, "Coordination Registry")
}

func TestBuildShellCommand_QuotesArgs(t *testing.T) {
	cmd := buildShellCommand([]string{"claude", "--print", "it's a test"}, "/tmp/prompt.md")
	assert.Contains(t, cmd, `'it'\''s a test'`)
	assert.Contains(t, cmd, "< '/tmp/prompt.md'")
}
