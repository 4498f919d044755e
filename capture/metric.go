package capture

import (
	"sync/atomic"
)

// SessionMetrics contains atomic metrics for a capture session.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type SessionMetrics struct {
	// ByteCount indicates the number of bytes appended to the job buffer.
	// For disabled-input sessions it counts observed buffer growth instead.
	ByteCount atomic.Uint64
	// JobCount indicates the number of completed jobs.
	JobCount atomic.Uint64

	// DispatchOKCount indicates the number of conversions that succeeded.
	DispatchOKCount atomic.Uint64
	// DispatchErrCount indicates the number of conversions that failed.
	DispatchErrCount atomic.Uint64
	// DispatchInflightCount indicates the number of conversions in flight.
	DispatchInflightCount atomic.Int64

	// TimerRearmCount indicates how often the inactivity timer was (re)armed.
	TimerRearmCount atomic.Uint64
	// StrayExpiryCount indicates expiry events observed outside capturing
	// state. A non-zero value points at an engine defect.
	StrayExpiryCount atomic.Uint64

	// PauseCount indicates how often the session was paused.
	PauseCount atomic.Uint64
}

func (m *SessionMetrics) addByteCount(n uint64) {
	m.ByteCount.Add(n)
}

func (m *SessionMetrics) incJobCount() {
	m.JobCount.Add(1)
}

func (m *SessionMetrics) incDispatchOKCount() {
	m.DispatchOKCount.Add(1)
}

func (m *SessionMetrics) incDispatchErrCount() {
	m.DispatchErrCount.Add(1)
}

func (m *SessionMetrics) incDispatchInflightCount() {
	m.DispatchInflightCount.Add(1)
}

func (m *SessionMetrics) decDispatchInflightCount() {
	m.DispatchInflightCount.Add(-1)
}

func (m *SessionMetrics) incTimerRearmCount() {
	m.TimerRearmCount.Add(1)
}

func (m *SessionMetrics) incStrayExpiryCount() {
	m.StrayExpiryCount.Add(1)
}

func (m *SessionMetrics) incPauseCount() {
	m.PauseCount.Add(1)
}
