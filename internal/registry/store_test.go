package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore_PersistsAcrossRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "registry.db")

	store, err := OpenSQLiteStore(dbPath)
	require.NoError(t, err)

	r := New("proj-1", nil, store)
	r.RegisterAgent("sess-1", "task-1", "feature/x", "working")
	_, err = r.AnnounceFileChange("sess-1", "a.go", "edit", "")
	require.NoError(t, err)
	_, err = r.RegisterInterface("sess-1", "UserAPI", "type User struct{}")
	require.NoError(t, err)
	r.SendMessage("sess-1", "", "info", "hello")

	require.NoError(t, store.Close())

	store2, err := OpenSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store2.Close()

	r2 := New("proj-1", nil, store2)
	agents := r2.ListActiveAgents()
	require.Len(t, agents, 1)
	assert.Equal(t, "sess-1", agents[0].SessionName)
	assert.Equal(t, "working", agents[0].Description)

	locks := r2.ListFileLocks()
	require.Len(t, locks, 1)
	assert.Equal(t, "a.go", locks[0].Path)

	iface, ok := r2.QueryInterface("UserAPI")
	require.True(t, ok)
	assert.Equal(t, "sess-1", iface.OwnerSession)

	msgs := r2.CheckMessages("whoever")
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Body)
}
