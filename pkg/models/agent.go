package models

import "time"

// TodoStatus is the state of a single agent-reported todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// Todo is a unit of work an agent has announced to the Coordination
// Registry, independent of the task it was spawned for — agents use
// these to narrate subtasks within a single session.
type Todo struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      TodoStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// AgentRecord is a live agent's registration in the Coordination
// Registry. It exists only while the agent's session
// is alive; agent death removes it and releases everything it held.
type AgentRecord struct {
	SessionName    string    `json:"session_name"`
	TaskID         string    `json:"task_id"`
	Branch         string    `json:"branch"`
	Description    string    `json:"description,omitempty"`
	RegisteredAt   time.Time `json:"registered_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	HeldLocks      []string  `json:"held_locks,omitempty"`
	Todos          []Todo    `json:"todos,omitempty"`
}

// Clone returns a copy of a safe to hand outside the registry's lock.
func (a *AgentRecord) Clone() *AgentRecord {
	c := *a
	c.HeldLocks = append([]string(nil), a.HeldLocks...)
	c.Todos = append([]Todo(nil), a.Todos...)
	return &c
}

// FileLock records exclusive ownership of a path by a session. Locks
// are released only by explicit call or by the owning agent's death —
// never by TTL expiry.
type FileLock struct {
	Path        string    `json:"path"`
	SessionName string    `json:"session_name"`
	ChangeType  string    `json:"change_type"`
	Reason      string    `json:"reason,omitempty"`
	AcquiredAt  time.Time `json:"acquired_at"`
}

// SharedInterface is a named definition agents publish so concurrent
// sessions can agree on a contract (function signature, schema, API
// shape) without colliding. Append-only unless the current owner
// replaces its own entry.
type SharedInterface struct {
	Name           string    `json:"name"`
	DefinitionText string    `json:"definition_text"`
	OwnerSession   string    `json:"owner_session"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// Message is a single entry in the Coordination Registry's bounded
// message log.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to,omitempty"` // empty means broadcast
	Kind      string    `json:"kind"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}
