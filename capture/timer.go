package capture

import (
	"sync"
	"time"
)

// jobTimer is the debounced inactivity watchdog that marks job boundaries.
//
// Arm (re)starts the countdown; the latest Arm always supersedes any pending
// expiry: a generation counter discards in-flight fires that raced the
// re-arm, and an expiry already sitting in the delivery buffer is drained.
// On expiry exactly one event is delivered on Expired() and the timer stays
// quiet until armed again.
//
// Pause freezes the remaining countdown; Resume re-arms with the remainder,
// so silence observed before the pause still counts toward the boundary.
type jobTimer struct {
	duration time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	armed   bool
	paused  bool
	armedAt time.Time
	remain  time.Duration

	expired chan struct{}
}

func newJobTimer(d time.Duration) *jobTimer {
	return &jobTimer{
		duration: d,
		expired:  make(chan struct{}, 1),
	}
}

// Expired delivers one event per expiry. The channel is never closed.
func (t *jobTimer) Expired() <-chan struct{} {
	return t.expired
}

// Arm (re)starts the full countdown. Any pending or in-flight expiry from an
// earlier arm is superseded.
func (t *jobTimer) Arm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armLocked(t.duration)
}

func (t *jobTimer) armLocked(d time.Duration) {
	if t.timer != nil {
		t.timer.Stop()
	}

	t.gen++
	gen := t.gen
	t.armed = true
	t.paused = false
	t.armedAt = time.Now()
	t.remain = d

	// drop an expiry the superseded arm already delivered
	select {
	case <-t.expired:
	default:
	}

	t.timer = time.AfterFunc(d, func() { t.fire(gen) })
}

// fire delivers the expiry event unless the arm that scheduled it has been
// superseded, paused or canceled.
func (t *jobTimer) fire(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.gen || !t.armed || t.paused {
		return
	}
	t.armed = false

	select {
	case t.expired <- struct{}{}:
	default:
	}
}

// Cancel stops the countdown without firing and drains any pending expiry
// event. Canceling an unarmed timer is a no-op.
func (t *jobTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	t.armed = false
	t.paused = false
	if t.timer != nil {
		t.timer.Stop()
	}

	select {
	case <-t.expired:
	default:
	}
}

// Pause freezes the countdown, keeping the remaining duration. A timer that
// is not armed, or is already paused, is left untouched.
func (t *jobTimer) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.armed || t.paused {
		return
	}

	t.gen++
	t.timer.Stop()
	t.remain -= time.Since(t.armedAt)
	if t.remain < 0 {
		t.remain = 0
	}
	t.paused = true
}

// Resume restarts a paused countdown with the remaining duration. A
// remainder that was already exhausted fires near-immediately.
func (t *jobTimer) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.paused {
		return
	}

	d := t.remain
	if d <= 0 {
		d = time.Millisecond
	}
	t.armLocked(d)
}

// Armed reports whether the countdown is running.
func (t *jobTimer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.armed && !t.paused
}

// Paused reports whether the countdown is frozen.
func (t *jobTimer) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.paused
}

// Remaining returns the time left until expiry: the frozen remainder while
// paused, zero when not armed.
func (t *jobTimer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.paused:
		return t.remain
	case t.armed:
		left := t.remain - time.Since(t.armedAt)
		if left < 0 {
			left = 0
		}
		return left
	default:
		return 0
	}
}
