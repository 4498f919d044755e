package capture

import "sync/atomic"

// OpState tracks the open/close lifecycle of a session, separate from the
// engine state machine: a session is Opened while its tasks run, Closing
// while Stop tears them down, and Closed before Open and after Stop.
type OpState uint32

const (
	ClosedState OpState = iota
	ClosingState
	OpeningState
	OpenedState
)

// AtomicOpState is a lock-free lifecycle guard. Transitions are CAS-based so
// concurrent Open/Stop calls cannot interleave.
type AtomicOpState struct {
	state atomic.Uint32
}

func (st *AtomicOpState) String() string {
	switch st.Get() {
	case ClosedState:
		return "Closed"
	case ClosingState:
		return "Closing"
	case OpeningState:
		return "Opening"
	case OpenedState:
		return "Opened"
	default:
		return "Unknown"
	}
}

// Get returns the lifecycle state at this instant.
func (st *AtomicOpState) Get() OpState {
	return OpState(st.state.Load())
}

// Set overwrites the lifecycle state unconditionally. Open's failure paths
// use it to fall back to Closed without a transition.
func (st *AtomicOpState) Set(state OpState) {
	st.state.Store(uint32(state))
}

func (st *AtomicOpState) IsClosed() bool {
	return st.Get() == ClosedState
}

func (st *AtomicOpState) IsClosing() bool {
	return st.Get() == ClosingState
}

func (st *AtomicOpState) IsOpening() bool {
	return st.Get() == OpeningState
}

func (st *AtomicOpState) IsOpened() bool {
	return st.Get() == OpenedState
}

// ToOpening claims the session for one Open call. A false return means a
// session that is already opening, running or shutting down.
func (st *AtomicOpState) ToOpening() bool {
	return st.state.CompareAndSwap(uint32(ClosedState), uint32(OpeningState))
}

// ToOpened marks the session running once its tasks are up. A false return
// means Stop won the race against a still-opening session.
func (st *AtomicOpState) ToOpened() bool {
	if st.IsOpened() {
		return true
	}

	return st.state.CompareAndSwap(uint32(OpeningState), uint32(OpenedState))
}

// ToClosing claims the teardown: exactly one Stop caller wins, whether the
// session was running or still opening.
func (st *AtomicOpState) ToClosing() bool {
	result := st.state.CompareAndSwap(uint32(OpenedState), uint32(ClosingState))
	if !result {
		return st.state.CompareAndSwap(uint32(OpeningState), uint32(ClosingState))
	}

	return result
}

// ToClosed completes the teardown begun by ToClosing.
func (st *AtomicOpState) ToClosed() bool {
	if st.IsClosed() {
		return true
	}

	return st.state.CompareAndSwap(uint32(ClosingState), uint32(ClosedState))
}
