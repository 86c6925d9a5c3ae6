package generation

import "errors"

var (
	// ErrInvalidSubject means start was rejected before any session was
	// created: the subject key does not name a known subject kind.
	ErrInvalidSubject = errors.New("invalid subject")

	// ErrAlreadyTerminal means cancel was called on a session that already
	// reached completed, error, or cancelled. It is a no-op, not fatal.
	ErrAlreadyTerminal = errors.New("session already terminal")

	// ErrSessionNotFound means no session exists for the given id or
	// subject key.
	ErrSessionNotFound = errors.New("session not found")

	// ErrActiveSessionExists means creating a session would violate the
	// at-most-one-active-session-per-subject invariant.
	ErrActiveSessionExists = errors.New("active session already exists for subject")

	// ErrContractViolation means the engine returned a structurally invalid
	// or empty result for a subject requiring structured output. The session
	// still terminates in error; this sentinel keeps the case distinguishable
	// in logs.
	ErrContractViolation = errors.New("engine contract violation")

	// ErrAwaitingInput means a phase advance is blocked on human input that
	// has not been provided yet.
	ErrAwaitingInput = errors.New("awaiting human input")

	// ErrInvalidTransition means a status write attempted to move backward
	// along the queued -> in_progress -> terminal order.
	ErrInvalidTransition = errors.New("invalid status transition")
)
