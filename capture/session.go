package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PelNet/pcl-dump/buffer"
	"github.com/PelNet/pcl-dump/input"
	"github.com/PelNet/pcl-dump/internal/pool"
	"github.com/PelNet/pcl-dump/logger"
)

// Task names used with the TaskManager.
const (
	engineTaskName = "engine"
	readerTaskName = "reader"
	growthTaskName = "growth-watch"
)

// pauseCheckInterval is how often a paused reader re-checks for resume.
const pauseCheckInterval = 50 * time.Millisecond

// scratchSize is the capacity of the engine's byte batching buffer. One
// buffer append covers up to this many queued bytes.
const scratchSize = 512

// ctrlSignal is a control-plane request delivered to the engine loop.
type ctrlSignal uint8

const (
	ctrlPause ctrlSignal = iota
	ctrlResume
)

func (c ctrlSignal) String() string {
	switch c {
	case ctrlPause:
		return "pause"
	case ctrlResume:
		return "resume"
	default:
		return "unknown"
	}
}

// growthEvent reports externally produced buffer growth: size is the buffer
// size at observation, delta the growth since the previous event.
type growthEvent struct {
	size  int64
	delta int64
}

// Session captures one byte stream into one durable buffer file and cuts it
// into jobs at silence boundaries.
//
// A session owns three goroutines, managed by its TaskManager: the engine
// loop, which is the only writer of the buffer and the engine state; a
// reader, pulling bytes from a live input source; and, for non-live sources,
// a growth watcher sampling the buffer file for appends made by an external
// collaborator. Completed jobs are handed to the configured Dispatcher on
// dedicated goroutines so a slow conversion never stalls capture.
//
// Sessions are single-use: once stopped they cannot be reopened.
type Session struct {
	cfg     *SessionConfig
	logger  logger.Logger
	src     input.Source
	srcDesc string

	buf *buffer.Buffer

	opState AtomicOpState
	state   *StateMgr
	tasks   *TaskManager
	timer   *jobTimer
	metrics *SessionMetrics

	byteCh   chan byte
	growthCh chan growthEvent
	ctrlCh   chan ctrlSignal

	// scratch batches queued bytes into one append. Engine goroutine only.
	scratch []byte

	jobSeq       atomic.Uint64
	jobFirstAt   atomic.Int64 // unix nanos of the current job's first byte, 0 when none
	pendingBytes atomic.Int64 // bytes buffered since the last boundary
	startedAt    atomic.Int64 // unix nanos, set by Open

	strayMu sync.Mutex
	strays  []byte

	dispatchWG     sync.WaitGroup
	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc

	jobHandlerMu sync.RWMutex
	jobHandlers  []JobHandler

	fatalOnce sync.Once
	lastErr   atomic.Value

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession creates a capture session from cfg. The configuration must
// carry a dispatcher; everything else has defaults.
func NewSession(cfg *SessionConfig) (*Session, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}
	if cfg.Source() == nil {
		return nil, ErrSourceNil
	}
	if cfg.Dispatcher() == nil {
		return nil, ErrDispatcherNil
	}

	l := cfg.GetLogger().With("session", cfg.Name())

	s := &Session{
		cfg:      cfg,
		logger:   l,
		src:      cfg.Source(),
		srcDesc:  describeSource(cfg.Source()),
		state:    NewStateMgr(l),
		tasks:    NewTaskManager(context.Background(), l),
		timer:    newJobTimer(cfg.IdleTimeout()),
		metrics:  &SessionMetrics{},
		byteCh:   make(chan byte, cfg.ByteQueueSize()),
		growthCh: make(chan growthEvent, 4),
		ctrlCh:   make(chan ctrlSignal, 8),
		scratch:  make([]byte, 0, scratchSize),
		closed:   make(chan struct{}),
	}
	s.dispatchCtx, s.dispatchCancel = context.WithCancel(context.Background())

	return s, nil
}

func describeSource(src input.Source) string {
	if str, ok := src.(fmt.Stringer); ok {
		return str.String()
	}

	return fmt.Sprintf("%T", src)
}

// Open opens the buffer and the input source and starts the capture tasks.
//
// A pre-existing non-empty buffer is resumed as an in-progress job unless the
// session was configured with WithFreshBuffer: the leftover bytes are treated
// as if they had just arrived and are dispatched after one idle window.
func (s *Session) Open() error {
	if s.state.IsStopped() {
		return ErrSessionStopped
	}
	if !s.opState.ToOpening() {
		return ErrAlreadyOpen
	}

	bufOpts := []buffer.Option{
		buffer.WithLogger(s.logger),
		buffer.WithMinFreeSpace(s.cfg.MinFreeSpace()),
	}
	if s.cfg.FreshBuffer() {
		bufOpts = append(bufOpts, buffer.WithFreshStart())
	}

	buf, err := buffer.New(s.cfg.BufferPath(), bufOpts...)
	if err != nil {
		s.opState.Set(ClosedState)
		return fmt.Errorf("open job buffer: %w", err)
	}
	s.buf = buf

	resumed := buf.Size()

	if err := s.src.Open(s.tasks.Context()); err != nil {
		_ = buf.Close()
		s.opState.Set(ClosedState)

		return fmt.Errorf("open input source: %w", err)
	}

	if err := s.startTasks(); err != nil {
		_ = s.src.Close()
		_ = buf.Close()
		s.opState.Set(ClosedState)

		return err
	}

	if resumed > 0 {
		s.logger.Info("resuming in-progress job from buffer", "size", resumed)
		s.growthCh <- growthEvent{size: resumed, delta: resumed}
	}

	if !s.opState.ToOpened() {
		// stopped while opening
		_ = s.Stop()
		return ErrSessionStopped
	}

	s.startedAt.Store(time.Now().UnixNano())
	s.logger.Info("session opened",
		"source", s.srcDesc,
		"buffer", s.cfg.BufferPath(),
		"idle_timeout", s.cfg.IdleTimeout(),
		"keep_buffer", s.cfg.KeepBuffer(),
		"live", s.src.Live(),
	)

	return nil
}

func (s *Session) startTasks() error {
	if err := s.tasks.Start(engineTaskName, s.runOnce); err != nil {
		return err
	}

	if s.src.Live() {
		// the reader owns the source: its cleanup closes the device as soon
		// as the reader exits, whether by stop, source EOF or fatal error
		return s.tasks.StartWithCleanup(readerTaskName, s.readOnce, s.closeSource)
	}

	_, err := s.tasks.StartInterval(growthTaskName, s.newGrowthChecker(), s.cfg.GrowthPollInterval(), false)

	return err
}

// closeSource closes the input source, tolerating a source that is already
// closed.
func (s *Session) closeSource() {
	if err := s.src.Close(); err != nil && !errors.Is(err, input.ErrClosed) {
		s.logger.Warn("close input source", "error", err)
	}
}

// --- Engine loop ---

// runOnce performs one engine iteration. The engine goroutine is the sole
// writer of the buffer and the engine state.
func (s *Session) runOnce() bool {
	ctx := s.tasks.Context()

	select {
	case <-ctx.Done():
		return false
	case c := <-s.ctrlCh:
		s.handleCtrl(c)
	case b := <-s.byteCh:
		s.handleBytes(b)
	case <-s.timer.Expired():
		s.handleExpiry()
	case ev := <-s.growthCh:
		s.handleGrowth(ev)
	}

	return true
}

func (s *Session) handleCtrl(c ctrlSignal) {
	switch c {
	case ctrlPause:
		s.doPause()
	case ctrlResume:
		s.doResume()
	default:
		s.logger.Warn("unknown control signal ignored", "signal", uint8(c))
	}
}

func (s *Session) doPause() {
	prev, err := s.state.ToPaused()
	if err != nil {
		return
	}
	if prev.IsPaused() {
		return
	}

	s.metrics.incPauseCount()
	if prev.IsCapturing() {
		s.timer.Pause()
	}

	s.logger.Info("capture paused", "prior", prev.String(), "timer_remaining", s.timer.Remaining())
}

func (s *Session) doResume() {
	if !s.state.IsPaused() {
		return
	}

	restored, _ := s.state.ToResumed()

	if restored.IsIdle() && s.pendingBytes.Load() > 0 {
		// bytes accumulated while paused; treat them as a job in progress
		s.jobFirstAt.Store(time.Now().UnixNano())
		if err := s.state.ToCapturing(); err != nil {
			s.logger.Error("enter capturing on resume failed", "error", err)
			return
		}
		restored = CapturingState
	}

	if restored.IsCapturing() {
		if s.timer.Paused() {
			s.timer.Resume()
		} else {
			// the expiry raced the pause and was discarded; restart the window
			s.timer.Arm()
		}
		s.metrics.incTimerRearmCount()
	}

	s.logger.Info("capture resumed", "state", restored.String(), "timer_remaining", s.timer.Remaining())
}

// handleBytes appends the first queued byte plus everything behind it in one
// durable write, then re-arms the inactivity timer.
func (s *Session) handleBytes(first byte) {
	// a boundary decided before these bytes reached the engine closes the
	// previous job first, so the new burst opens a fresh one
	s.consumePendingExpiry()

	s.scratch = s.scratch[:0]
	s.scratch = append(s.scratch, first)

batch:
	for len(s.scratch) < cap(s.scratch) {
		select {
		case b := <-s.byteCh:
			s.scratch = append(s.scratch, b)
		default:
			break batch
		}
	}

	if err := s.buf.Append(s.scratch); err != nil {
		s.fatal(fmt.Errorf("append %d bytes to job buffer: %w", len(s.scratch), err))
		return
	}

	n := len(s.scratch)
	s.metrics.addByteCount(uint64(n))
	s.pendingBytes.Add(int64(n))

	if s.state.IsPaused() {
		// bytes that were already queued when the pause landed; they are
		// captured durably but do not advance boundary inference
		return
	}

	if s.state.IsIdle() {
		s.jobFirstAt.Store(time.Now().UnixNano())
		if err := s.state.ToCapturing(); err != nil {
			s.logger.Error("enter capturing failed", "error", err)
		}
	}

	s.timer.Arm()
	s.metrics.incTimerRearmCount()
}

// handleGrowth is the disabled-input counterpart of handleBytes: externally
// produced buffer growth advances boundary inference without any append.
func (s *Session) handleGrowth(ev growthEvent) {
	if ev.delta > 0 {
		s.metrics.addByteCount(uint64(ev.delta))
		s.pendingBytes.Add(ev.delta)
	}

	// a boundary decided before this growth was observed closes the job now;
	// the growth already sits in the file, so the closing snapshot carried it
	// and no new window opens until further growth arrives
	if s.consumePendingExpiry() {
		return
	}

	if s.state.IsPaused() {
		return
	}

	if s.state.IsIdle() {
		s.jobFirstAt.Store(time.Now().UnixNano())
		if err := s.state.ToCapturing(); err != nil {
			s.logger.Error("enter capturing failed", "error", err)
		}
	}

	s.timer.Arm()
	s.metrics.incTimerRearmCount()
	s.logger.Debug("buffer growth", "size", ev.size, "delta", ev.delta)
}

// consumePendingExpiry handles an expiry event that was already queued when
// other engine work won the select, keeping boundary decisions ordered before
// the activity that followed them. Reports whether an event was consumed.
func (s *Session) consumePendingExpiry() bool {
	select {
	case <-s.timer.Expired():
		s.handleExpiry()
		return true
	default:
		return false
	}
}

func (s *Session) handleExpiry() {
	st := s.state.State()
	switch {
	case st.IsCapturing():
		s.completeJob()
	case st.IsPaused():
		// fired before the pause landed; the pause wins and the window
		// restarts on resume
		s.logger.Debug("timer expiry superseded by pause")
	default:
		s.metrics.incStrayExpiryCount()
		s.logger.Error("stray timer expiry", "state", st.String())
	}
}

// completeJob snapshots the buffer, hands the job to the dispatcher and
// returns the engine to idle. Boundary before dispatch before clear: the
// snapshot is taken first so a concurrent external append cannot leak into
// this job, and the buffer is cleared only after the snapshot is safely held.
func (s *Session) completeJob() {
	data, err := s.buf.Snapshot()
	if err != nil {
		s.fatal(fmt.Errorf("snapshot job buffer: %w", err))
		return
	}

	completedAt := time.Now()

	if len(data) == 0 {
		s.logger.Warn("job boundary with empty buffer, nothing to dispatch")
		s.finishBoundary()

		return
	}

	firstAt := completedAt
	if nanos := s.jobFirstAt.Load(); nanos != 0 {
		firstAt = time.Unix(0, nanos)
	}

	job := &Job{
		Seq:         s.jobSeq.Add(1),
		Bytes:       data,
		FirstByteAt: firstAt,
		CompletedAt: completedAt,
	}

	s.metrics.incJobCount()
	s.logger.Info("job complete", "seq", job.Seq, "size", job.Size(), "duration", job.Duration())

	s.dispatchAsync(job)

	if !s.cfg.KeepBuffer() {
		if err := s.buf.Clear(); err != nil {
			s.fatal(fmt.Errorf("clear job buffer: %w", err))
			return
		}
	}

	s.finishBoundary()
}

func (s *Session) finishBoundary() {
	s.jobFirstAt.Store(0)
	s.pendingBytes.Store(0)

	if err := s.state.ToIdle(); err != nil {
		s.logger.Error("return to idle failed", "error", err)
	}
}

// dispatchAsync hands a completed job to the dispatcher on its own
// goroutine. The dispatch context is independent of the task context, so
// stopping capture does not abort conversions until the stop grace elapses.
func (s *Session) dispatchAsync(job *Job) {
	s.dispatchWG.Add(1)
	s.metrics.incDispatchInflightCount()

	go func() {
		defer s.dispatchWG.Done()
		defer s.metrics.decDispatchInflightCount()
		defer func() {
			if r := recover(); r != nil {
				s.metrics.incDispatchErrCount()
				s.logger.Error("panic in dispatch", "seq", job.Seq, "panic", r)
			}
		}()

		start := time.Now()
		result, err := s.cfg.Dispatcher().Dispatch(s.dispatchCtx, job)
		if err != nil {
			s.metrics.incDispatchErrCount()
			s.logger.Error("dispatch failed", "seq", job.Seq, "size", job.Size(), "error", err)
		} else {
			s.metrics.incDispatchOKCount()

			var outputs []string
			if result != nil {
				outputs = result.OutputPaths
			}
			s.logger.Info("dispatch done", "seq", job.Seq, "elapsed", time.Since(start), "outputs", outputs)
		}

		s.notifyJobHandlers(job, result, err)
	}()
}

func (s *Session) notifyJobHandlers(job *Job, result *DispatchResult, err error) {
	s.jobHandlerMu.RLock()
	handlers := s.jobHandlers
	s.jobHandlerMu.RUnlock()

	for _, handler := range handlers {
		if handler != nil {
			handler(job, result, err)
		}
	}
}

// --- Reader and growth watcher ---

// readOnce performs one reader iteration: pull a byte from the source and
// queue it for the engine. While paused, consumption is suspended and bytes
// stay in the source until resume.
func (s *Session) readOnce() bool {
	ctx := s.tasks.Context()

	if s.state.IsPaused() {
		_ = pool.Sleep(ctx, pauseCheckInterval)
		return true
	}

	b, err := s.src.NextByte(ctx)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return false
		case errors.Is(err, input.ErrClosed):
			s.logger.Debug("input source closed, reader exiting")
			return false
		default:
			s.fatal(fmt.Errorf("read input: %w", err))
			return false
		}
	}

	select {
	case s.byteCh <- b:
	case <-ctx.Done():
		// the engine is gone; keep the byte for the stop-time flush
		s.stashStray(b)
		return false
	}

	return true
}

// newGrowthChecker returns the interval task that samples the buffer file
// size for growth produced by an external collaborator. The base advances
// only when an event is delivered, so growth the engine has not seen yet
// accumulates into the next event instead of being lost.
func (s *Session) newGrowthChecker() TaskFunc {
	base := s.buf.Size()

	return func() bool {
		size := s.buf.Size()

		switch {
		case size < base:
			// external truncation or file replacement; restart tracking
			s.logger.Debug("buffer shrank, resetting growth base", "size", size, "base", base)
			base = size
		case size > base:
			select {
			case s.growthCh <- growthEvent{size: size, delta: size - base}:
				base = size
			default:
				// engine busy; deliver the accumulated delta next tick
			}
		}

		return true
	}
}

func (s *Session) stashStray(b byte) {
	s.strayMu.Lock()
	s.strays = append(s.strays, b)
	s.strayMu.Unlock()
}

// drainRemnants flushes bytes that were still queued when the tasks stopped,
// so a stop mid-job leaves every received byte durable on disk.
func (s *Session) drainRemnants() {
	var rem []byte

	for {
		select {
		case b := <-s.byteCh:
			rem = append(rem, b)
			continue
		default:
		}

		break
	}

	s.strayMu.Lock()
	rem = append(rem, s.strays...)
	s.strays = nil
	s.strayMu.Unlock()

	if len(rem) == 0 {
		return
	}

	if err := s.buf.Append(rem); err != nil {
		s.logger.Error("flush remaining bytes failed", "count", len(rem), "error", err)
		return
	}

	s.metrics.addByteCount(uint64(len(rem)))
	s.pendingBytes.Add(int64(len(rem)))
	s.logger.Debug("flushed remaining bytes", "count", len(rem))
}

// --- Control surface ---

// Pause suspends byte consumption and boundary inference. The inactivity
// timer is held, not canceled: resuming continues the same countdown window.
// Pausing an already paused session is a no-op.
func (s *Session) Pause() error {
	return s.sendCtrl(ctrlPause)
}

// Resume restores the state held before Pause. If a job was in progress the
// timer continues with the remaining duration. Resuming a session that is
// not paused is a no-op.
func (s *Session) Resume() error {
	return s.sendCtrl(ctrlResume)
}

func (s *Session) sendCtrl(c ctrlSignal) error {
	if s.opState.IsClosing() || s.opState.IsClosed() {
		return ErrSessionStopped
	}

	select {
	case s.ctrlCh <- c:
		return nil
	case <-s.closed:
		return ErrSessionStopped
	case <-s.tasks.Context().Done():
		return ErrSessionStopped
	}
}

// Stop terminates the session: capture tasks shut down, the input source
// closes, queued bytes are flushed to the buffer, and in-flight conversions
// get the configured grace to finish. Bytes of an incomplete job stay
// durably on disk but are not dispatched. Stop is idempotent; concurrent
// callers block until the first call completes.
func (s *Session) Stop() error {
	if !s.opState.ToClosing() {
		if s.opState.IsClosed() {
			s.state.ToStopped()
			s.closeOnce.Do(func() { close(s.closed) })

			return nil
		}

		<-s.closed

		return nil
	}

	s.logger.Info("stopping session")

	s.tasks.Stop()
	s.tasks.Wait()
	s.timer.Cancel()

	if !s.src.Live() {
		// no reader task owns a non-live source; close it here
		s.closeSource()
	}

	s.drainRemnants()

	if pending := s.pendingBytes.Load(); pending > 0 {
		s.logger.Warn("stopped mid-job, buffered bytes remain on disk undispatched",
			"pending", pending, "buffer", s.cfg.BufferPath())
	}

	if err := s.buf.Close(); err != nil {
		s.logger.Warn("close job buffer", "error", err)
	}

	s.state.ToStopped()
	s.opState.ToClosed()

	s.waitDispatches()

	s.logger.Info("session stopped",
		"jobs", s.metrics.JobCount.Load(),
		"bytes", s.metrics.ByteCount.Load(),
		"dispatch_ok", s.metrics.DispatchOKCount.Load(),
		"dispatch_err", s.metrics.DispatchErrCount.Load(),
	)
	s.closeOnce.Do(func() { close(s.closed) })

	return nil
}

// waitDispatches gives in-flight conversions the configured grace, then
// cancels whatever is still running.
func (s *Session) waitDispatches() {
	grace := s.cfg.DispatchGrace()
	if grace <= 0 {
		s.dispatchCancel()
		return
	}

	done := make(chan struct{})
	go func() {
		s.dispatchWG.Wait()
		close(done)
	}()

	t := pool.GetTimer(grace)
	defer pool.PutTimer(t)

	select {
	case <-done:
	case <-t.C:
		s.logger.Warn("dispatch grace elapsed, canceling in-flight conversions",
			"in_flight", s.metrics.DispatchInflightCount.Load())
	}

	s.dispatchCancel()
}

// --- Introspection ---

// Status is a point-in-time snapshot of a session, safe to collect while
// capture is running. Durations are reported in nanoseconds when marshaled.
type Status struct {
	Name             string        `json:"name"`
	State            string        `json:"state"`
	RunState         string        `json:"run_state"`
	PriorState       string        `json:"prior_state,omitempty"`
	Source           string        `json:"source"`
	BufferPath       string        `json:"buffer_path"`
	BufferBytes      int64         `json:"buffer_bytes"`
	CurrentJobBytes  int64         `json:"current_job_bytes"`
	JobCount         uint64        `json:"job_count"`
	ByteCount        uint64        `json:"byte_count"`
	DispatchOK       uint64        `json:"dispatch_ok"`
	DispatchErr      uint64        `json:"dispatch_err"`
	DispatchInFlight int64         `json:"dispatch_in_flight"`
	IdleTimeout      time.Duration `json:"idle_timeout"`
	TimerRemaining   time.Duration `json:"timer_remaining"`
	KeepBuffer       bool          `json:"keep_buffer"`
	Uptime           time.Duration `json:"uptime"`
	LastError        string        `json:"last_error,omitempty"`
}

// Status reports the current session condition without blocking capture.
func (s *Session) Status() *Status {
	st := s.state.State()

	status := &Status{
		Name:             s.cfg.Name(),
		State:            st.String(),
		RunState:         st.RunState().String(),
		Source:           s.srcDesc,
		BufferPath:       s.cfg.BufferPath(),
		CurrentJobBytes:  s.pendingBytes.Load(),
		JobCount:         s.metrics.JobCount.Load(),
		ByteCount:        s.metrics.ByteCount.Load(),
		DispatchOK:       s.metrics.DispatchOKCount.Load(),
		DispatchErr:      s.metrics.DispatchErrCount.Load(),
		DispatchInFlight: s.metrics.DispatchInflightCount.Load(),
		IdleTimeout:      s.cfg.IdleTimeout(),
		TimerRemaining:   s.timer.Remaining(),
		KeepBuffer:       s.cfg.KeepBuffer(),
	}

	if st.IsPaused() {
		status.PriorState = s.state.PriorState().String()
	}
	if s.buf != nil {
		status.BufferBytes = s.buf.Size()
	}
	if nanos := s.startedAt.Load(); nanos != 0 {
		status.Uptime = time.Since(time.Unix(0, nanos))
	}
	if err := s.LastError(); err != nil {
		status.LastError = err.Error()
	}

	return status
}

// Name returns the session name.
func (s *Session) Name() string { return s.cfg.Name() }

// State returns the current engine state.
func (s *Session) State() State { return s.state.State() }

// WaitState blocks until the engine reaches the given state or ctx is done.
func (s *Session) WaitState(ctx context.Context, state State) error {
	return s.state.WaitState(ctx, state)
}

// AddStateHandler registers handlers invoked on engine state changes.
// Handlers run synchronously on the engine goroutine and must not call back
// into the session's control surface.
func (s *Session) AddStateHandler(handlers ...StateChangeHandler) {
	s.state.AddHandler(handlers...)
}

// AddJobHandler registers a handler invoked after each job's dispatch
// finishes. Handlers run on the dispatch goroutine.
func (s *Session) AddJobHandler(handler JobHandler) {
	s.jobHandlerMu.Lock()
	defer s.jobHandlerMu.Unlock()
	s.jobHandlers = append(s.jobHandlers, handler)
}

// Metrics returns the session's metric counters.
func (s *Session) Metrics() *SessionMetrics { return s.metrics }

// Done returns a channel closed when the session has fully stopped.
func (s *Session) Done() <-chan struct{} { return s.closed }

// LastError returns the fatal error that terminated the session, or nil.
func (s *Session) LastError() error {
	if v := s.lastErr.Load(); v != nil {
		if err, ok := v.(error); ok {
			return err
		}
	}

	return nil
}

// fatal records the first unrecoverable error and stops the session in the
// background. Whatever is buffered is flushed durably during the stop.
func (s *Session) fatal(err error) {
	s.fatalOnce.Do(func() {
		s.lastErr.Store(err)
		s.logger.Error("fatal session error", "error", err)

		go func() { _ = s.Stop() }()
	})
}
