package models

import "time"

// CoordinationEventKind enumerates the events the Coordination Registry
// emits onto the Event Bus.
type CoordinationEventKind string

const (
	EventAgentRegistered    CoordinationEventKind = "agent_registered"
	EventAgentHeartbeat     CoordinationEventKind = "agent_heartbeat"
	EventAgentUnregistered  CoordinationEventKind = "agent_unregistered"
	EventTodoAdded          CoordinationEventKind = "todo_added"
	EventTodoUpdated        CoordinationEventKind = "todo_updated"
	EventTodoCompleted      CoordinationEventKind = "todo_completed"
	EventFileLocked         CoordinationEventKind = "file_locked"
	EventFileUnlocked       CoordinationEventKind = "file_unlocked"
	EventInterfaceRegistered CoordinationEventKind = "interface_registered"
	EventMessageSent        CoordinationEventKind = "message_sent"
	EventTaskCompletedSignal CoordinationEventKind = "task_completed_signal"

	// EventLockDenied is emitted by the Coordination Registry when a lock
	// request is refused. The rest are emitted by the Scheduler
	// (task_reset, task_promoted) and the Merge Queue (task_reset,
	// merge_failed, merged).
	EventLockDenied  CoordinationEventKind = "lock_denied"
	EventTaskReset   CoordinationEventKind = "task_reset"
	EventMergeFailed CoordinationEventKind = "merge_failed"
	EventMerged      CoordinationEventKind = "merged"
	EventTaskPromoted CoordinationEventKind = "task_promoted"
)

// CoordinationEvent is the payload type carried on the project's Event
// Bus.
type CoordinationEvent struct {
	Kind      CoordinationEventKind  `json:"kind"`
	ProjectID string                 `json:"project_id"`
	TaskID    string                 `json:"task_id,omitempty"`
	Session   string                 `json:"session,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
