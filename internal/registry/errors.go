package registry

import "fmt"

// ConflictError is returned when an operation collides with another
// session's live state: a lock already held by someone else. Replacing
// an interface someone else owns returns ForbiddenError instead.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return e.Reason }
func (e *ConflictError) Kind() string  { return "conflict" }

// NotHolderError is returned when a session tries to release a lock it
// does not hold.
type NotHolderError struct {
	Path    string
	Session string
}

func (e *NotHolderError) Error() string {
	return fmt.Sprintf("session %s does not hold the lock on %s", e.Session, e.Path)
}
func (e *NotHolderError) Kind() string { return "validation" }

// ForbiddenError is returned when a session tries to replace a shared
// interface it does not own.
type ForbiddenError struct {
	Name    string
	Session string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("session %s is not the owner of interface %s", e.Session, e.Name)
}
func (e *ForbiddenError) Kind() string { return "validation" }

// NotFoundError is returned when an operation references an unknown
// agent session.
type NotFoundError struct {
	Session string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("unknown session %s", e.Session) }
func (e *NotFoundError) Kind() string  { return "validation" }
