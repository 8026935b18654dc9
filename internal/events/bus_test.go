package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splitmind/splitmind/pkg/models"
)

func TestBus_PublishDeliversToMatchingProject(t *testing.T) {
	b := New(4)
	ch, unsub := b.Subscribe("proj-1", nil)
	defer unsub()

	b.Publish(models.CoordinationEvent{Kind: models.EventAgentRegistered, ProjectID: "proj-1"})
	b.Publish(models.CoordinationEvent{Kind: models.EventAgentRegistered, ProjectID: "proj-2"})

	select {
	case ev := <-ch:
		assert.Equal(t, "proj-1", ev.ProjectID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("unexpected second event for wrong project: %+v", ev)
		}
	case <-time.After(50 * time.Millisecond):
		// no event arrived, as expected
	}
}

func TestBus_ReplayThenLive(t *testing.T) {
	b := New(8)
	snapshot := func() []models.CoordinationEvent {
		return []models.CoordinationEvent{{Kind: models.EventTaskPromoted, ProjectID: "p"}}
	}
	ch, unsub := b.Subscribe("p", snapshot)
	defer unsub()

	first := <-ch
	assert.Equal(t, models.EventTaskPromoted, first.Kind)

	b.Publish(models.CoordinationEvent{Kind: models.EventMerged, ProjectID: "p"})
	second := <-ch
	assert.Equal(t, models.EventMerged, second.Kind)
}

func TestBus_SlowSubscriberDisconnected(t *testing.T) {
	b := New(2)
	ch, _ := b.Subscribe("p", nil)

	for i := 0; i < 10; i++ {
		b.Publish(models.CoordinationEvent{Kind: models.EventAgentHeartbeat, ProjectID: "p"})
	}

	require.Eventually(t, func() bool {
		return b.DisconnectedCount() == 1
	}, time.Second, time.Millisecond)

	_, ok := <-ch
	for ok {
		_, ok = <-ch
	}
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBus_CloseDisconnectsAll(t *testing.T) {
	b := New(4)
	ch, _ := b.Subscribe("p", nil)
	b.Close()

	_, ok := <-ch
	assert.False(t, ok)
}
