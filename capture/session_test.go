package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PelNet/pcl-dump/buffer"
	"github.com/PelNet/pcl-dump/input"
)

// chanSource is a scripted live source fed by the test goroutine.
type chanSource struct {
	bytes  chan byte
	done   chan struct{}
	once   sync.Once
	closes atomic.Int32
}

var _ input.Source = (*chanSource)(nil)

func newChanSource() *chanSource {
	return &chanSource{
		bytes: make(chan byte, 256),
		done:  make(chan struct{}),
	}
}

func (c *chanSource) Open(_ context.Context) error { return nil }

func (c *chanSource) NextByte(ctx context.Context) (byte, error) {
	select {
	case b := <-c.bytes:
		return b, nil
	case <-c.done:
		return 0, input.ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (c *chanSource) Live() bool { return true }

func (c *chanSource) Close() error {
	c.closes.Add(1)
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *chanSource) closeCount() int { return int(c.closes.Load()) }

func (c *chanSource) String() string { return "script" }

func (c *chanSource) send(p []byte) {
	for _, b := range p {
		c.bytes <- b
	}
}

// failSource yields a fixed prefix, then a read error.
type failSource struct {
	data []byte
	pos  int
	err  error
}

var _ input.Source = (*failSource)(nil)

func (f *failSource) Open(_ context.Context) error { return nil }

func (f *failSource) NextByte(_ context.Context) (byte, error) {
	if f.pos < len(f.data) {
		b := f.data[f.pos]
		f.pos++

		return b, nil
	}

	return 0, f.err
}

func (f *failSource) Live() bool { return true }

func (f *failSource) Close() error { return nil }

// recordDispatcher collects dispatched jobs and signals each arrival.
type recordDispatcher struct {
	mu      sync.Mutex
	jobs    []*Job
	err     error
	arrived chan *Job
}

var _ Dispatcher = (*recordDispatcher)(nil)

func newRecordDispatcher() *recordDispatcher {
	return &recordDispatcher{arrived: make(chan *Job, 16)}
}

func (d *recordDispatcher) Dispatch(_ context.Context, job *Job) (*DispatchResult, error) {
	d.mu.Lock()
	d.jobs = append(d.jobs, job)
	err := d.err
	d.mu.Unlock()

	d.arrived <- job

	if err != nil {
		return nil, err
	}

	return &DispatchResult{JobSeq: job.Seq, Elapsed: time.Millisecond}, nil
}

func (d *recordDispatcher) failWith(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *recordDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.jobs)
}

func newTestSession(t *testing.T, src input.Source, opts ...SessionOption) (*Session, *recordDispatcher, string) {
	t.Helper()

	disp := newRecordDispatcher()
	path := filepath.Join(t.TempDir(), "scope.dump")

	base := []SessionOption{
		WithDispatcher(disp),
		WithIdleTimeout(150 * time.Millisecond),
	}

	cfg, err := NewSessionConfig(src, path, append(base, opts...)...)
	require.NoError(t, err)

	sess, err := NewSession(cfg)
	require.NoError(t, err)

	t.Cleanup(func() { _ = sess.Stop() })

	return sess, disp, path
}

func waitDispatch(t *testing.T, disp *recordDispatcher, timeout time.Duration) *Job {
	t.Helper()

	select {
	case job := <-disp.arrived:
		return job
	case <-time.After(timeout):
		t.Fatal("timed out waiting for dispatch")
	}

	return nil
}

func noDispatchFor(t *testing.T, disp *recordDispatcher, d time.Duration) {
	t.Helper()

	select {
	case job := <-disp.arrived:
		t.Fatalf("unexpected dispatch of job %d", job.Seq)
	case <-time.After(d):
	}
}

func waitIdle(t *testing.T, sess *Session) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sess.WaitState(ctx, IdleState))
}

// newEngineHarness builds an unstarted session with an open buffer so engine
// handlers can be driven directly from the test goroutine, pinning down
// orderings the live task loop only hits under racing timing.
func newEngineHarness(t *testing.T, opts ...SessionOption) (*Session, *recordDispatcher) {
	t.Helper()

	disp := newRecordDispatcher()
	path := filepath.Join(t.TempDir(), "scope.dump")

	base := []SessionOption{
		WithDispatcher(disp),
		WithIdleTimeout(MinIdleTimeout),
	}

	cfg, err := NewSessionConfig(newChanSource(), path, append(base, opts...)...)
	require.NoError(t, err)

	sess, err := NewSession(cfg)
	require.NoError(t, err)

	buf, err := buffer.New(path, buffer.WithLogger(cfg.GetLogger()))
	require.NoError(t, err)
	sess.buf = buf
	t.Cleanup(func() { _ = buf.Close() })

	return sess, disp
}

// appendFile appends p to path the way an external collaborator would, through
// its own descriptor.
func appendFile(t *testing.T, path string, p []byte) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write(p)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestSession_TwoBursts(t *testing.T) {
	src := newChanSource()
	sess, disp, _ := newTestSession(t, src)
	require.NoError(t, sess.Open())

	first := []byte{0x1B, 0x25, 0x2D, 0x31}
	src.send(first)

	job := waitDispatch(t, disp, 2*time.Second)
	assert.Equal(t, uint64(1), job.Seq)
	assert.Equal(t, first, job.Bytes)

	second := []byte{0xFF, 0x00}
	src.send(second)

	job = waitDispatch(t, disp, 2*time.Second)
	assert.Equal(t, uint64(2), job.Seq)
	assert.Equal(t, second, job.Bytes)

	// exactly one dispatch per burst, and the buffer starts empty again
	noDispatchFor(t, disp, 400*time.Millisecond)
	assert.Equal(t, 2, disp.count())

	waitIdle(t, sess)
	assert.Equal(t, int64(0), sess.Status().BufferBytes)
	assert.Equal(t, uint64(2), sess.Metrics().JobCount.Load())
}

func TestSession_GapShorterThanTimeoutDoesNotSplit(t *testing.T) {
	src := newChanSource()
	sess, disp, _ := newTestSession(t, src)
	require.NoError(t, sess.Open())

	src.send([]byte("AB"))
	time.Sleep(60 * time.Millisecond)
	src.send([]byte("CD"))

	job := waitDispatch(t, disp, 2*time.Second)
	assert.Equal(t, []byte("ABCD"), job.Bytes)

	noDispatchFor(t, disp, 400*time.Millisecond)
	assert.Equal(t, 1, disp.count())
}

func TestSession_QueuedExpiryClosesJobBeforeLateBytes(t *testing.T) {
	sess, disp := newEngineHarness(t)

	first := []byte{0x1B, 0x25}
	require.NoError(t, sess.buf.Append(first))
	sess.pendingBytes.Add(int64(len(first)))
	sess.jobFirstAt.Store(time.Now().UnixNano())
	require.NoError(t, sess.state.ToCapturing())

	sess.timer.Arm()
	// let the expiry fire and sit queued, as when a byte wins the engine
	// select against an already delivered boundary
	time.Sleep(3 * MinIdleTimeout)

	sess.handleBytes(0xFF)

	assert.True(t, sess.state.IsCapturing())
	assert.True(t, sess.timer.Armed())
	assert.Equal(t, int64(1), sess.pendingBytes.Load())

	// the decided boundary ships the old job alone; the late byte opens the
	// next one
	job := waitDispatch(t, disp, 2*time.Second)
	assert.Equal(t, first, job.Bytes)

	data, err := sess.buf.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF}, data)
}

func TestSession_QueuedExpiryShipsObservedGrowthWithJob(t *testing.T) {
	sess, disp := newEngineHarness(t)

	require.NoError(t, sess.buf.Append([]byte("JOB")))
	sess.pendingBytes.Add(3)
	sess.jobFirstAt.Store(time.Now().UnixNano())
	require.NoError(t, sess.state.ToCapturing())

	sess.timer.Arm()
	time.Sleep(3 * MinIdleTimeout)

	// an external writer appended behind the decided boundary; those bytes
	// are already in the file and leave with the closing snapshot
	appendFile(t, sess.cfg.BufferPath(), []byte("XX"))
	sess.handleGrowth(growthEvent{size: 5, delta: 2})

	job := waitDispatch(t, disp, 2*time.Second)
	assert.Equal(t, []byte("JOBXX"), job.Bytes)

	// no reopened window for a job that already closed
	assert.True(t, sess.state.IsIdle())
	assert.False(t, sess.timer.Armed())
	assert.Equal(t, int64(0), sess.pendingBytes.Load())
}

func TestSession_BytesDurableBeforeBoundary(t *testing.T) {
	src := newChanSource()
	sess, _, path := newTestSession(t, src, WithIdleTimeout(time.Second))
	require.NoError(t, sess.Open())

	payload := []byte("durable")
	src.send(payload)

	// on disk well before the job boundary fires
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && string(data) == string(payload)
	}, 500*time.Millisecond, 10*time.Millisecond)

	assert.True(t, sess.State().IsCapturing())
}

func TestSession_PauseHoldsBoundary(t *testing.T) {
	src := newChanSource()
	sess, disp, _ := newTestSession(t, src)
	require.NoError(t, sess.Open())

	src.send([]byte("AB"))
	require.Eventually(t, func() bool {
		return sess.Status().CurrentJobBytes == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, sess.Pause())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sess.WaitState(ctx, PausedState))

	status := sess.Status()
	assert.Equal(t, "paused", status.State)
	assert.Equal(t, "paused", status.RunState)
	assert.Equal(t, "capturing", status.PriorState)

	// well past the idle timeout; a paused session must not cut a boundary
	noDispatchFor(t, disp, 500*time.Millisecond)

	require.NoError(t, sess.Resume())

	job := waitDispatch(t, disp, 2*time.Second)
	assert.Equal(t, []byte("AB"), job.Bytes)
	assert.Equal(t, uint64(1), sess.Metrics().PauseCount.Load())
}

func TestSession_PauseSuspendsReading(t *testing.T) {
	src := newChanSource()
	sess, disp, _ := newTestSession(t, src)
	require.NoError(t, sess.Open())

	require.NoError(t, sess.Pause())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sess.WaitState(ctx, PausedState))

	// bytes sent while paused wait in the source; no boundary may fire
	src.send([]byte("AB"))
	noDispatchFor(t, disp, 500*time.Millisecond)

	require.NoError(t, sess.Resume())

	// nothing lost: the full payload arrives as one job after resume
	job := waitDispatch(t, disp, 2*time.Second)
	assert.Equal(t, []byte("AB"), job.Bytes)
}

func TestSession_DoublePauseAndResumeAreNoOps(t *testing.T) {
	src := newChanSource()
	sess, _, _ := newTestSession(t, src)
	require.NoError(t, sess.Open())

	require.NoError(t, sess.Resume()) // not paused, no-op

	require.NoError(t, sess.Pause())
	require.NoError(t, sess.Pause()) // already paused, no-op

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sess.WaitState(ctx, PausedState))

	require.Eventually(t, func() bool {
		return sess.Metrics().PauseCount.Load() == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, sess.Resume())
	require.NoError(t, sess.WaitState(ctx, IdleState))
}

func TestSession_StopMidJobKeepsBytes(t *testing.T) {
	src := newChanSource()
	sess, disp, path := newTestSession(t, src, WithIdleTimeout(time.Second))
	require.NoError(t, sess.Open())

	src.send([]byte("XY"))
	require.Eventually(t, func() bool {
		return sess.Status().CurrentJobBytes == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, sess.Stop())

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}

	// the incomplete job stays durable on disk but is never dispatched
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("XY"), data)
	assert.Equal(t, 0, disp.count())

	assert.True(t, sess.State().IsStopped())
	assert.NoError(t, sess.LastError())
}

func TestSession_StopClosesLiveSourceOnce(t *testing.T) {
	src := newChanSource()
	sess, _, _ := newTestSession(t, src)
	require.NoError(t, sess.Open())

	// the reader's cleanup owns the close; Stop must not close it again
	require.NoError(t, sess.Stop())
	assert.Equal(t, 1, src.closeCount())

	require.NoError(t, sess.Stop())
	assert.Equal(t, 1, src.closeCount())
}

func TestSession_ReadErrorFlushesAndStops(t *testing.T) {
	src := &failSource{data: []byte("XY"), err: input.ErrReadFailed}
	sess, disp, path := newTestSession(t, src, WithIdleTimeout(time.Second))
	require.NoError(t, sess.Open())

	select {
	case <-sess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not stop after read error")
	}

	assert.ErrorIs(t, sess.LastError(), input.ErrReadFailed)

	// bytes received before the failure are flushed durably
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("XY"), data)

	assert.Equal(t, 0, disp.count())
	assert.True(t, sess.State().IsStopped())
}

func TestSession_DispatchErrorDoesNotStopCapture(t *testing.T) {
	src := newChanSource()
	sess, disp, _ := newTestSession(t, src)
	disp.failWith(errors.New("gpcl6 exited with status 1"))
	require.NoError(t, sess.Open())

	src.send([]byte("one"))
	waitDispatch(t, disp, 2*time.Second)

	src.send([]byte("two"))
	job := waitDispatch(t, disp, 2*time.Second)
	assert.Equal(t, []byte("two"), job.Bytes)

	require.Eventually(t, func() bool {
		return sess.Metrics().DispatchErrCount.Load() == 2
	}, time.Second, 5*time.Millisecond)
	assert.False(t, sess.State().IsStopped())
	assert.NoError(t, sess.LastError())
}

func TestSession_KeepBufferAccumulates(t *testing.T) {
	src := newChanSource()
	sess, disp, path := newTestSession(t, src, WithKeepBuffer(true))
	require.NoError(t, sess.Open())

	src.send([]byte("A"))
	job := waitDispatch(t, disp, 2*time.Second)
	assert.Equal(t, []byte("A"), job.Bytes)

	waitIdle(t, sess)
	src.send([]byte("B"))

	// with the keep policy later jobs snapshot the cumulative buffer
	job = waitDispatch(t, disp, 2*time.Second)
	assert.Equal(t, []byte("AB"), job.Bytes)

	waitIdle(t, sess)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("AB"), data)
}

func TestSession_ResumesBufferedJobAtOpen(t *testing.T) {
	src := newChanSource()
	sess, disp, path := newTestSession(t, src)

	require.NoError(t, os.WriteFile(path, []byte("LEFT"), 0o644))
	require.NoError(t, sess.Open())

	// leftover bytes from a previous run become a job after one idle window
	job := waitDispatch(t, disp, 2*time.Second)
	assert.Equal(t, uint64(1), job.Seq)
	assert.Equal(t, []byte("LEFT"), job.Bytes)
}

func TestSession_FreshBufferDiscardsLeftover(t *testing.T) {
	src := newChanSource()
	sess, disp, path := newTestSession(t, src, WithFreshBuffer())

	require.NoError(t, os.WriteFile(path, []byte("STALE"), 0o644))
	require.NoError(t, sess.Open())

	noDispatchFor(t, disp, 400*time.Millisecond)

	src.send([]byte("NEW"))
	job := waitDispatch(t, disp, 2*time.Second)
	assert.Equal(t, []byte("NEW"), job.Bytes)
}

func TestSession_DisabledSourceWatchesGrowth(t *testing.T) {
	sess, disp, path := newTestSession(t, input.NewDisabled(),
		WithGrowthPollInterval(MinGrowthPollInterval))
	require.NoError(t, sess.Open())

	appendFile(t, path, []byte("EXT1"))

	job := waitDispatch(t, disp, 3*time.Second)
	assert.Equal(t, []byte("EXT1"), job.Bytes)

	waitIdle(t, sess)
	appendFile(t, path, []byte("EXT2"))

	job = waitDispatch(t, disp, 3*time.Second)
	assert.Equal(t, []byte("EXT2"), job.Bytes)

	assert.Equal(t, uint64(8), sess.Metrics().ByteCount.Load())
}

func TestSession_Lifecycle(t *testing.T) {
	t.Run("NewSessionValidation", func(t *testing.T) {
		_, err := NewSession(nil)
		assert.ErrorIs(t, err, ErrConfigNil)

		cfg, err := NewSessionConfig(input.NewDisabled(), "/tmp/scope.dump")
		require.NoError(t, err)

		_, err = NewSession(cfg)
		assert.ErrorIs(t, err, ErrDispatcherNil)
	})

	t.Run("DoubleOpen", func(t *testing.T) {
		src := newChanSource()
		sess, _, _ := newTestSession(t, src)

		require.NoError(t, sess.Open())
		assert.ErrorIs(t, sess.Open(), ErrAlreadyOpen)
	})

	t.Run("StopIsIdempotent", func(t *testing.T) {
		src := newChanSource()
		sess, _, _ := newTestSession(t, src)

		require.NoError(t, sess.Open())
		require.NoError(t, sess.Stop())
		require.NoError(t, sess.Stop())

		assert.ErrorIs(t, sess.Open(), ErrSessionStopped)
		assert.ErrorIs(t, sess.Pause(), ErrSessionStopped)
		assert.ErrorIs(t, sess.Resume(), ErrSessionStopped)
	})

	t.Run("StopWithoutOpen", func(t *testing.T) {
		src := newChanSource()
		sess, _, _ := newTestSession(t, src)

		require.NoError(t, sess.Stop())
		assert.True(t, sess.State().IsStopped())
		assert.ErrorIs(t, sess.Open(), ErrSessionStopped)
	})
}

func TestSession_StatusAndHandlers(t *testing.T) {
	src := newChanSource()
	sess, disp, path := newTestSession(t, src, WithName("bench-scope"))

	var handlerMu sync.Mutex
	var transitions []State
	sess.AddStateHandler(func(_ State, next State) {
		handlerMu.Lock()
		transitions = append(transitions, next)
		handlerMu.Unlock()
	})

	type jobOutcome struct {
		seq       uint64
		hasResult bool
		err       error
	}

	var outcomes []jobOutcome
	sess.AddJobHandler(func(job *Job, result *DispatchResult, err error) {
		handlerMu.Lock()
		defer handlerMu.Unlock()
		outcomes = append(outcomes, jobOutcome{seq: job.Seq, hasResult: result != nil, err: err})
	})

	require.NoError(t, sess.Open())

	status := sess.Status()
	assert.Equal(t, "bench-scope", status.Name)
	assert.Equal(t, "idle", status.State)
	assert.Equal(t, "running", status.RunState)
	assert.Equal(t, "script", status.Source)
	assert.Equal(t, path, status.BufferPath)
	assert.Equal(t, 150*time.Millisecond, status.IdleTimeout)
	assert.Empty(t, status.PriorState)
	assert.Empty(t, status.LastError)

	src.send([]byte("payload"))
	waitDispatch(t, disp, 2*time.Second)
	waitIdle(t, sess)

	require.Eventually(t, func() bool {
		handlerMu.Lock()
		defer handlerMu.Unlock()
		return len(outcomes) == 1
	}, time.Second, 5*time.Millisecond)

	handlerMu.Lock()
	assert.NoError(t, outcomes[0].err)
	assert.True(t, outcomes[0].hasResult)
	assert.Equal(t, uint64(1), outcomes[0].seq)
	assert.Equal(t, []State{CapturingState, IdleState}, transitions)
	handlerMu.Unlock()

	status = sess.Status()
	assert.Equal(t, uint64(1), status.JobCount)
	assert.Equal(t, uint64(7), status.ByteCount)
	assert.Equal(t, uint64(1), status.DispatchOK)
	assert.Positive(t, status.Uptime)

	require.NoError(t, sess.Stop())
	assert.Equal(t, "stopped", sess.Status().State)
}
