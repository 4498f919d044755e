package capture

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PelNet/pcl-dump/logger"
)

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", IdleState.String())
	assert.Equal(t, "capturing", CapturingState.String())
	assert.Equal(t, "paused", PausedState.String())
	assert.Equal(t, "stopped", StoppedState.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestState_RunState(t *testing.T) {
	assert.Equal(t, RunStateRunning, IdleState.RunState())
	assert.Equal(t, RunStateRunning, CapturingState.RunState())
	assert.Equal(t, RunStatePaused, PausedState.RunState())
	assert.Equal(t, RunStateStopped, StoppedState.RunState())

	assert.Equal(t, "running", RunStateRunning.String())
	assert.Equal(t, "paused", RunStatePaused.String())
	assert.Equal(t, "stopped", RunStateStopped.String())
}

func TestStateMgr_Transitions(t *testing.T) {
	mgr := NewStateMgr(logger.GetLogger())
	require.True(t, mgr.IsIdle())

	t.Run("IdleToCapturing", func(t *testing.T) {
		require.NoError(t, mgr.ToCapturing())
		assert.True(t, mgr.IsCapturing())

		// repeating is a no-op
		require.NoError(t, mgr.ToCapturing())
		assert.True(t, mgr.IsCapturing())
	})

	t.Run("CapturingToIdle", func(t *testing.T) {
		require.NoError(t, mgr.ToIdle())
		assert.True(t, mgr.IsIdle())

		require.NoError(t, mgr.ToIdle())
		assert.True(t, mgr.IsIdle())
	})

	t.Run("CapturingFromPausedInvalid", func(t *testing.T) {
		_, err := mgr.ToPaused()
		require.NoError(t, err)
		assert.ErrorIs(t, mgr.ToCapturing(), ErrInvalidTransition)
		assert.ErrorIs(t, mgr.ToIdle(), ErrInvalidTransition)

		_, err = mgr.ToResumed()
		require.NoError(t, err)
		assert.True(t, mgr.IsIdle())
	})
}

func TestStateMgr_PauseResume(t *testing.T) {
	mgr := NewStateMgr(logger.GetLogger())

	t.Run("PauseRemembersIdle", func(t *testing.T) {
		prev, err := mgr.ToPaused()
		require.NoError(t, err)
		assert.Equal(t, IdleState, prev)
		assert.True(t, mgr.IsPaused())
		assert.Equal(t, IdleState, mgr.PriorState())

		restored, err := mgr.ToResumed()
		require.NoError(t, err)
		assert.Equal(t, IdleState, restored)
		assert.True(t, mgr.IsIdle())
	})

	t.Run("PauseRemembersCapturing", func(t *testing.T) {
		require.NoError(t, mgr.ToCapturing())

		prev, err := mgr.ToPaused()
		require.NoError(t, err)
		assert.Equal(t, CapturingState, prev)
		assert.Equal(t, CapturingState, mgr.PriorState())

		restored, err := mgr.ToResumed()
		require.NoError(t, err)
		assert.Equal(t, CapturingState, restored)
		assert.True(t, mgr.IsCapturing())

		require.NoError(t, mgr.ToIdle())
	})

	t.Run("DoublePauseIsNoOp", func(t *testing.T) {
		_, err := mgr.ToPaused()
		require.NoError(t, err)

		prev, err := mgr.ToPaused()
		require.NoError(t, err)
		assert.Equal(t, PausedState, prev)
		assert.Equal(t, IdleState, mgr.PriorState())

		_, err = mgr.ToResumed()
		require.NoError(t, err)
	})

	t.Run("ResumeWithoutPauseIsNoOp", func(t *testing.T) {
		restored, err := mgr.ToResumed()
		require.NoError(t, err)
		assert.Equal(t, IdleState, restored)
	})

	t.Run("PauseAfterStopInvalid", func(t *testing.T) {
		mgr.ToStopped()

		_, err := mgr.ToPaused()
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestStateMgr_Stopped(t *testing.T) {
	mgr := NewStateMgr(logger.GetLogger())

	mgr.ToStopped()
	assert.True(t, mgr.IsStopped())

	// terminal and idempotent
	mgr.ToStopped()
	assert.True(t, mgr.IsStopped())

	assert.ErrorIs(t, mgr.ToCapturing(), ErrInvalidTransition)
	assert.ErrorIs(t, mgr.ToIdle(), ErrInvalidTransition)
}

func TestStateMgr_Handlers(t *testing.T) {
	type change struct {
		prev State
		next State
	}

	var changes []change
	mgr := NewStateMgr(logger.GetLogger(), func(prev State, next State) {
		changes = append(changes, change{prev, next})
	})

	require.NoError(t, mgr.ToCapturing())

	_, err := mgr.ToPaused()
	require.NoError(t, err)

	_, err = mgr.ToResumed()
	require.NoError(t, err)

	mgr.ToStopped()

	expected := []change{
		{IdleState, CapturingState},
		{CapturingState, PausedState},
		{PausedState, CapturingState},
		{CapturingState, StoppedState},
	}
	assert.Equal(t, expected, changes)
}

func TestStateMgr_WaitState(t *testing.T) {
	mgr := NewStateMgr(logger.GetLogger())

	t.Run("AlreadyThere", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, mgr.WaitState(ctx, IdleState))
	})

	t.Run("ReachedLater", func(t *testing.T) {
		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = mgr.ToCapturing()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, mgr.WaitState(ctx, CapturingState))
	})

	t.Run("ContextTimeout", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := mgr.WaitState(ctx, StoppedState)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
