package capture

import "errors"

var (
	// ErrConfigNil indicates that a nil SessionConfig was provided.
	ErrConfigNil = errors.New("session config is nil")

	// ErrSourceNil indicates that no input source was configured.
	ErrSourceNil = errors.New("input source is nil")

	// ErrDispatcherNil indicates that no conversion dispatcher was configured.
	// Every completed job must be dispatched exactly once, so a session cannot
	// run without one.
	ErrDispatcherNil = errors.New("conversion dispatcher is nil")
)

var (
	// ErrAlreadyOpen indicates Open was called on a session that is already
	// open or in the middle of opening.
	ErrAlreadyOpen = errors.New("session already open")

	// ErrSessionStopped indicates an operation on a stopped session.
	// Stopped is terminal; a new session must be created to capture again.
	ErrSessionStopped = errors.New("session stopped")
)

var (
	// ErrInvalidTransition is returned when an attempt is made to transition
	// the engine state to an invalid state.
	ErrInvalidTransition = errors.New("invalid state transition")
)
