package capture

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/PelNet/pcl-dump/logger"
)

// State represents the engine state of a capture session.
type State uint32

// Engine states of a capture session.
const (
	// IdleState indicates the session is waiting for the first byte of the
	// next job. The job timer is never armed while idle.
	IdleState State = iota
	// CapturingState indicates bytes of the current job are arriving and the
	// inactivity timer is armed.
	CapturingState
	// PausedState indicates boundary inference is suspended. The state held
	// before pausing is remembered and restored on resume.
	PausedState
	// StoppedState indicates the session has terminated. It is terminal.
	StoppedState
)

// IsIdle returns if the current state is idle.
func (s State) IsIdle() bool { return s == IdleState }

// IsCapturing returns if the current state is capturing.
func (s State) IsCapturing() bool { return s == CapturingState }

// IsPaused returns if the current state is paused.
func (s State) IsPaused() bool { return s == PausedState }

// IsStopped returns if the current state is stopped.
func (s State) IsStopped() bool { return s == StoppedState }

// String returns string representation of the current state.
func (s State) String() string {
	switch s {
	case IdleState:
		return "idle"
	case CapturingState:
		return "capturing"
	case PausedState:
		return "paused"
	case StoppedState:
		return "stopped"
	default:
		return "unknown"
	}
}

// RunState is the coarse session condition reported to operators:
// Idle and Capturing both count as Running.
type RunState uint32

const (
	RunStateRunning RunState = iota
	RunStatePaused
	RunStateStopped
)

// String returns string representation of the run state.
func (rs RunState) String() string {
	switch rs {
	case RunStateRunning:
		return "running"
	case RunStatePaused:
		return "paused"
	case RunStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RunState maps the engine state onto the operator-facing run state.
func (s State) RunState() RunState {
	switch s {
	case PausedState:
		return RunStatePaused
	case StoppedState:
		return RunStateStopped
	default:
		return RunStateRunning
	}
}

// StateChangeHandler is a function type that represents a handler for engine
// state changes.
//
// Note: the handler is invoked in a blocking mode. Take care with
// long-running implementations.
type StateChangeHandler func(prevState State, newState State)

// StateMgr manages the engine state of a capture session.
//
// It provides methods for managing state transitions and notifying listeners
// of state changes. The state transitions are thread safe in concurrent
// environments, though in practice only the session's run loop drives them.
type StateMgr struct {
	mu       sync.Mutex
	cond     *sync.Cond
	state    atomic.Uint32
	prior    State
	logger   logger.Logger
	handlers []StateChangeHandler
}

// NewStateMgr creates a new StateMgr instance, initializing it to IdleState.
//
// It accepts optional StateChangeHandler functions that will be invoked when
// the engine state changes.
func NewStateMgr(l logger.Logger, handlers ...StateChangeHandler) *StateMgr {
	if l == nil {
		l = logger.GetLogger()
	}

	mgr := &StateMgr{
		logger:   l,
		handlers: make([]StateChangeHandler, 0, len(handlers)),
	}
	mgr.handlers = append(mgr.handlers, handlers...)
	mgr.state.Store(uint32(IdleState))
	mgr.cond = sync.NewCond(&mgr.mu)

	return mgr
}

// State returns the current engine state.
func (mgr *StateMgr) State() State {
	return State(mgr.state.Load())
}

// PriorState returns the state a paused session will resume into. Outside
// PausedState it returns the current state.
func (mgr *StateMgr) PriorState() State {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.State().IsPaused() {
		return mgr.prior
	}

	return mgr.State()
}

// AddHandler adds one or more StateChangeHandler functions to be invoked on
// state changes.
func (mgr *StateMgr) AddHandler(handlers ...StateChangeHandler) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.handlers = append(mgr.handlers, handlers...)
}

// WaitState waits for the engine state to reach the specified state or until
// the context is done. It returns nil if the desired state is reached, or an
// error if the context is canceled or times out.
func (mgr *StateMgr) WaitState(ctx context.Context, state State) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.State() == state {
		return nil
	}

	stopFunc := context.AfterFunc(ctx, func() {
		mgr.cond.Broadcast()
	})
	defer stopFunc()

	for mgr.State() != state {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			mgr.cond.Wait()
		}
	}

	return nil
}

// ToCapturing transitions the engine to CapturingState.
//
// Only allowed from IdleState: the first byte of a job starts capture.
// If the state is already CapturingState, the function is a no-op.
func (mgr *StateMgr) ToCapturing() error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	curState := mgr.State()
	if curState.IsCapturing() {
		return nil
	}
	if !curState.IsIdle() {
		return ErrInvalidTransition
	}

	mgr.invokeHandlers(curState, CapturingState)
	mgr.setState(CapturingState)

	return nil
}

// ToIdle transitions the engine to IdleState after a job boundary.
//
// Only allowed from CapturingState. If the state is already IdleState, the
// function is a no-op.
func (mgr *StateMgr) ToIdle() error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	curState := mgr.State()
	if curState.IsIdle() {
		return nil
	}
	if !curState.IsCapturing() {
		return ErrInvalidTransition
	}

	mgr.invokeHandlers(curState, IdleState)
	mgr.setState(IdleState)

	return nil
}

// ToPaused transitions the engine to PausedState, remembering the current
// state for resume, and returns the state held at the time of the call.
// Pausing an already paused session is a no-op; pausing a stopped session is
// invalid.
func (mgr *StateMgr) ToPaused() (State, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	curState := mgr.State()
	if curState.IsPaused() {
		return curState, nil
	}
	if curState.IsStopped() {
		return curState, ErrInvalidTransition
	}

	mgr.prior = curState
	mgr.invokeHandlers(curState, PausedState)
	mgr.setState(PausedState)

	return curState, nil
}

// ToResumed restores the state remembered by ToPaused and returns it.
// Resuming a session that is not paused is a no-op returning the current
// state.
func (mgr *StateMgr) ToResumed() (State, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	curState := mgr.State()
	if !curState.IsPaused() {
		return curState, nil
	}

	restored := mgr.prior
	mgr.invokeHandlers(curState, restored)
	mgr.setState(restored)

	return restored, nil
}

// ToStopped transitions the engine to the terminal StoppedState.
// This transition is allowed from any state; repeating it is a no-op.
func (mgr *StateMgr) ToStopped() {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	curState := mgr.State()
	if curState.IsStopped() {
		return
	}

	mgr.invokeHandlers(curState, StoppedState)
	mgr.setState(StoppedState)
}

// IsIdle returns if the current state is idle.
func (mgr *StateMgr) IsIdle() bool { return mgr.State().IsIdle() }

// IsCapturing returns if the current state is capturing.
func (mgr *StateMgr) IsCapturing() bool { return mgr.State().IsCapturing() }

// IsPaused returns if the current state is paused.
func (mgr *StateMgr) IsPaused() bool { return mgr.State().IsPaused() }

// IsStopped returns if the current state is stopped.
func (mgr *StateMgr) IsStopped() bool { return mgr.State().IsStopped() }

// setState atomically sets the current state to newState. It also broadcasts
// a signal to any waiting goroutines.
func (mgr *StateMgr) setState(newState State) {
	mgr.state.Store(uint32(newState))
	mgr.cond.Broadcast()
}

// invokeHandlers invokes all registered StateChangeHandler functions with the
// previous and new states.
func (mgr *StateMgr) invokeHandlers(prevState State, newState State) {
	for _, handler := range mgr.handlers {
		if handler != nil {
			handler(prevState, newState)
		}
	}
}
