package models

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by store lookups when no row matches.
var ErrNotFound = errors.New("not found")

// PreconditionError reports an operation attempted against an entity that is
// not in the state the operation requires. Callers translate it to a 409.
type PreconditionError struct {
	Entity   string
	ID       string
	Expected string
	Actual   string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s %s: expected state %s, found %s", e.Entity, e.ID, e.Expected, e.Actual)
}

// NewPreconditionError builds a PreconditionError for the given entity.
func NewPreconditionError(entity, id, expected, actual string) *PreconditionError {
	return &PreconditionError{Entity: entity, ID: id, Expected: expected, Actual: actual}
}

// InvalidTransitionError reports a session state change that the transition
// table does not allow.
type InvalidTransitionError struct {
	SessionID string
	From      SessionState
	To        SessionState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("session %s: illegal transition %s -> %s", e.SessionID, e.From, e.To)
}

// SetState validates the transition against the session transition table and
// applies it. Illegal transitions return an InvalidTransitionError and leave
// the session untouched. Setting the current state again is a no-op.
func (s *Session) SetState(next SessionState) error {
	if next == s.State {
		return nil
	}
	if !s.State.CanTransition(next) {
		return &InvalidTransitionError{SessionID: s.ID, From: s.State, To: next}
	}
	s.State = next
	return nil
}
