// Package events implements the Event Bus (C2): an in-process pub/sub
// hub that fans out CoordinationEvents to subscribers, keyed by project
// id.
package events

import (
	"sync"

	"github.com/splitmind/splitmind/pkg/models"
)

// DefaultBufferSize is the per-subscriber channel capacity used when a
// caller does not specify one.
const DefaultBufferSize = 64

// Snapshot is a callback a subscriber's replay is built from: it should
// return every event that matters as of "now" so a new subscriber sees
// consistent state before the live stream starts.
type Snapshot func() []models.CoordinationEvent

// subscriber is one live consumer of a project's event stream.
type subscriber struct {
	ch        chan models.CoordinationEvent
	projectID string
}

// Bus is the Event Bus for one orchestrator process. It is safe for
// concurrent use; Publish never blocks the caller.
type Bus struct {
	mu           sync.Mutex
	subscribers  map[int]*subscriber
	nextID       int
	bufferSize   int
	disconnected int64 // count of subscribers dropped for being slow
	closed       bool
}

// New creates an Event Bus whose subscriber channels hold bufferSize
// events before the subscriber is considered slow.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		subscribers: make(map[int]*subscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a new consumer scoped to projectID and returns a
// channel that first replays snap() (if non-nil) and then streams live
// events for that project. The returned function unsubscribes and
// closes the channel; callers must call it to release resources.
func (b *Bus) Subscribe(projectID string, snap Snapshot) (<-chan models.CoordinationEvent, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{
		ch:        make(chan models.CoordinationEvent, b.bufferSize),
		projectID: projectID,
	}
	if !b.closed {
		b.subscribers[id] = sub
	} else {
		close(sub.ch)
	}
	b.mu.Unlock()

	if snap != nil {
		for _, ev := range snap() {
			select {
			case sub.ch <- ev:
			default:
				// Replay itself overflowed the buffer; the live stream
				// below will still proceed, but the subscriber has
				// already lost history it should have seen. This can
				// only happen if bufferSize is smaller than the
				// snapshot, which callers control.
			}
		}
	}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(s.ch)
		}
	}
	return sub.ch, unsubscribe
}

// Publish delivers event to every subscriber whose projectID matches
// (or who subscribed with an empty projectID, meaning "all projects").
// Publish is non-blocking:.2, "on queue overflow, the
// slowest subscriber is disconnected" rather than blocking the
// publisher or dropping the event silently for a healthy subscriber.
func (b *Bus) Publish(event models.CoordinationEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, sub := range b.subscribers {
		if sub.projectID != "" && sub.projectID != event.ProjectID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Buffer full: this subscriber is the slowest consumer and
			// is disconnected so it cannot block delivery to everyone
			// else.
			delete(b.subscribers, id)
			close(sub.ch)
			b.disconnected++
		}
	}
}

// DisconnectedCount returns how many subscribers have been dropped for
// overflowing their buffer since the bus was created.
func (b *Bus) DisconnectedCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disconnected
}

// SubscriberCount returns the number of currently live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close disconnects every subscriber and stops accepting new ones. Used
// during graceful orchestrator shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}
