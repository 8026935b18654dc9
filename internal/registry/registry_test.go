package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splitmind/splitmind/internal/events"
	"github.com/splitmind/splitmind/pkg/models"
)

func TestRegisterAgent_IdempotentAndEmitsOnce(t *testing.T) {
	bus := events.New(8)
	ch, unsub := bus.Subscribe("proj-1", nil)
	defer unsub()

	r := New("proj-1", bus, nil)
	r.RegisterAgent("sess-1", "task-1", "feature/x", "doing x")
	r.RegisterAgent("sess-1", "task-1", "feature/x", "still doing x")

	ev := <-ch
	assert.Equal(t, models.EventAgentRegistered, ev.Kind)

	select {
	case ev2 := <-ch:
		t.Fatalf("expected only one agent_registered event, got second: %+v", ev2)
	default:
	}

	agents := r.ListActiveAgents()
	require.Len(t, agents, 1)
	assert.Equal(t, "still doing x", agents[0].Description)
}

func TestUnregisterAgent_ReleasesLocksAtomically(t *testing.T) {
	bus := events.New(8)
	r := New("proj-1", bus, nil)
	r.RegisterAgent("sess-1", "task-1", "feature/x", "")

	_, err := r.AnnounceFileChange("sess-1", "a.go", "edit", "working on a")
	require.NoError(t, err)
	_, err = r.AnnounceFileChange("sess-1", "b.go", "edit", "working on b")
	require.NoError(t, err)

	r.UnregisterAgent("sess-1")

	assert.Empty(t, r.ListActiveAgents())
	assert.Empty(t, r.ListFileLocks())
}

func TestAnnounceFileChange_ConflictWhenHeldByOther(t *testing.T) {
	bus := events.New(8)
	r := New("proj-1", bus, nil)
	r.RegisterAgent("sess-1", "task-1", "", "")
	r.RegisterAgent("sess-2", "task-2", "", "")

	_, err := r.AnnounceFileChange("sess-1", "shared.go", "edit", "")
	require.NoError(t, err)

	_, err = r.AnnounceFileChange("sess-2", "shared.go", "edit", "")
	require.Error(t, err)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestReleaseFileLock_NotHolderRejected(t *testing.T) {
	bus := events.New(8)
	r := New("proj-1", bus, nil)
	r.RegisterAgent("sess-1", "task-1", "", "")
	r.RegisterAgent("sess-2", "task-2", "", "")

	_, err := r.AnnounceFileChange("sess-1", "shared.go", "edit", "")
	require.NoError(t, err)

	err = r.ReleaseFileLock("sess-2", "shared.go")
	require.Error(t, err)
	var notHolder *NotHolderError
	require.ErrorAs(t, err, &notHolder)

	require.NoError(t, r.ReleaseFileLock("sess-1", "shared.go"))
	_, held := r.CheckFileLock("shared.go")
	assert.False(t, held)
}

func TestRegisterInterface_ForbiddenWhenOwnedByOther(t *testing.T) {
	r := New("proj-1", nil, nil)
	r.RegisterAgent("sess-1", "task-1", "", "")
	r.RegisterAgent("sess-2", "task-2", "", "")

	_, err := r.RegisterInterface("sess-1", "UserAPI", "type User struct{}")
	require.NoError(t, err)

	_, err = r.RegisterInterface("sess-2", "UserAPI", "type User struct{ Name string }")
	require.Error(t, err)
	var forbidden *ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	// The owner may still replace its own definition.
	iface, err := r.RegisterInterface("sess-1", "UserAPI", "type User struct{ ID string }")
	require.NoError(t, err)
	assert.Contains(t, iface.DefinitionText, "ID")
}

func TestMessages_DirectedAndBroadcastWithCursor(t *testing.T) {
	r := New("proj-1", nil, nil)
	r.SendMessage("sess-1", "sess-2", "info", "direct hello")
	r.SendMessage("sess-1", "", "info", "broadcast hello")
	r.SendMessage("sess-3", "sess-2", "info", "another direct")

	msgs := r.CheckMessages("sess-2")
	require.Len(t, msgs, 3)

	// Cursor advanced: a second check with no new messages returns empty.
	assert.Empty(t, r.CheckMessages("sess-2"))

	r.SendMessage("sess-1", "sess-2", "info", "follow up")
	msgs2 := r.CheckMessages("sess-2")
	require.Len(t, msgs2, 1)
	assert.Equal(t, "follow up", msgs2[0].Body)
}

func TestTodos_AddUpdateComplete(t *testing.T) {
	r := New("proj-1", nil, nil)
	r.RegisterAgent("sess-1", "task-1", "", "")

	todo, err := r.AddTodo("sess-1", "write tests")
	require.NoError(t, err)
	assert.Equal(t, models.TodoPending, todo.Status)

	require.NoError(t, r.UpdateTodo("sess-1", todo.ID, models.TodoInProgress))
	require.NoError(t, r.UpdateTodo("sess-1", todo.ID, models.TodoCompleted))

	todos, err := r.GetTodos("sess-1")
	require.NoError(t, err)
	require.Len(t, todos, 1)
	assert.Equal(t, models.TodoCompleted, todos[0].Status)
}

func TestHeartbeat_UnknownSessionNotFound(t *testing.T) {
	r := New("proj-1", nil, nil)
	err := r.Heartbeat("ghost")
	require.Error(t, err)
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}
