package tasks

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splitmind/splitmind/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s := New(filepath.Join(dir, "tasks.md"))
	require.NoError(t, s.Load())
	return s
}

func TestStore_AddAndReload(t *testing.T) {
	s := newTestStore(t)

	added, err := s.Add(&models.Task{
		Title:          "Implement login",
		Branch:         "feature-login",
		ExclusiveFiles: []string{"internal/auth/login.go"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnclaimed, added.Status)
	assert.NotEmpty(t, added.ID)

	reloaded := New(s.Path())
	require.NoError(t, reloaded.Load())
	all := reloaded.All()
	require.Len(t, all, 1)
	assert.Equal(t, "feature-login", all[0].Branch)
	assert.Equal(t, []string{"internal/auth/login.go"}, all[0].ExclusiveFiles)
}

func TestStore_DuplicateBranchRejected(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Add(&models.Task{Title: "A", Branch: "same"})
	require.NoError(t, err)

	_, err = s.Add(&models.Task{Title: "B", Branch: "same"})
	require.Error(t, err)
	var ife *InvalidFieldError
	assert.ErrorAs(t, err, &ife)
}

func TestStore_UnknownDependencyRejected(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Add(&models.Task{Title: "A", Branch: "a", Dependencies: []string{"ghost"}})
	require.Error(t, err)
}

func TestStore_StaleWriteDetected(t *testing.T) {
	s := newTestStore(t)
	added, err := s.Add(&models.Task{Title: "A", Branch: "a"})
	require.NoError(t, err)

	// Simulate an external editor touching the file after our load.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(s.Path(), []byte("# tasks.md\n"), 0o644))
	// Bump mtime forward to guarantee it differs on filesystems with
	// coarse mtime resolution.
	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(s.Path(), future, future))

	_, err = s.Update(added.ID, func(task *models.Task) {
		task.Status = models.StatusUpNext
	})
	require.Error(t, err)
	var stale *StaleWriteError
	assert.ErrorAs(t, err, &stale)
}

func TestStore_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Add(&models.Task{
		Title:          "Implement login",
		Description:    "Add OAuth login flow",
		Branch:         "feature-login",
		Priority:       3,
		ExclusiveFiles: []string{"a.go", "b.go"},
		SharedFiles:    []string{"types.go"},
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	parsed, err := Parse(string(raw))
	require.NoError(t, err)
	require.Len(t, parsed, 1)

	reserialized := Serialize(parsed)
	reparsed, err := Parse(reserialized)
	require.NoError(t, err)
	assert.Equal(t, parsed[0], reparsed[0])
}

func TestStore_UnknownKeysPreserved(t *testing.T) {
	content := "# tasks.md\n\n## Task: Example\n- id: t1\n- branch: b1\n- status: unclaimed\n- custom_field: keep-me\n"
	parsed, err := Parse(content)
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, "keep-me", parsed[0].Extra["custom_field"])

	out := Serialize(parsed)
	assert.Contains(t, out, "custom_field: keep-me")
}
