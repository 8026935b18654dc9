package completion

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetector_DetectsCompletedMarker(t *testing.T) {
	dir := t.TempDir()
	var mu sync.Mutex
	var got []Outcome

	d := New(DefaultConfig(dir), func(o Outcome) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, o)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.WriteFile(MarkerPath(dir, "sess-1"), []byte("COMPLETED"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, got[0].Success)
	assert.Equal(t, "sess-1", got[0].Session)

	_, err := os.Stat(MarkerPath(dir, "sess-1"))
	assert.True(t, os.IsNotExist(err), "marker should be removed after processing")
}

func TestDetector_DetectsFailedMarkerWithReason(t *testing.T) {
	dir := t.TempDir()
	var mu sync.Mutex
	var got []Outcome

	d := New(DefaultConfig(dir), func(o Outcome) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, o)
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.WriteFile(MarkerPath(dir, "sess-2"), []byte("FAILED:build error"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, got[0].Success)
	assert.Equal(t, "build error", got[0].Reason)
}

func TestDetector_SweepOrphans(t *testing.T) {
	dir := t.TempDir()
	d := New(Config{StatusDir: dir, PollInterval: time.Hour, OrphanTTL: time.Millisecond}, nil)

	path := MarkerPath(dir, "orphan")
	require.NoError(t, os.WriteFile(path, []byte("COMPLETED"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	d.sweepOrphans(time.Millisecond)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
