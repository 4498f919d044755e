package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/PelNet/pcl-dump/buffer"
	"github.com/PelNet/pcl-dump/input"
	"github.com/PelNet/pcl-dump/logger"
)

// Default session settings. The idle timeout default matches the silence a
// plotter-emulation dump leaves between jobs on a slow serial link.
const (
	DefaultIdleTimeout        = 2 * time.Second
	DefaultGrowthPollInterval = 250 * time.Millisecond
	DefaultByteQueueSize      = 1024
	DefaultDispatchGrace      = 5 * time.Second
	DefaultSessionName        = "capture"
)

// Setting range limits.
const (
	MinIdleTimeout = 100 * time.Millisecond
	MaxIdleTimeout = 10 * time.Minute

	MinGrowthPollInterval = 50 * time.Millisecond
	MaxGrowthPollInterval = 5 * time.Second

	MaxDispatchGrace = 10 * time.Minute
)

// SessionConfig holds all configuration for a capture session. A session is
// the pairing of one input source with one buffer file; everything else
// tunes how jobs are segmented and handed off.
type SessionConfig struct {
	name string

	source     input.Source
	bufferPath string

	dispatcher Dispatcher

	// idleTimeout is the silence that closes a job.
	idleTimeout time.Duration

	// keepBuffer retains the buffer across job boundaries instead of
	// clearing it, so later jobs snapshot cumulative contents.
	keepBuffer bool

	// freshBuffer truncates a pre-existing buffer file at open instead of
	// resuming it as an in-progress job.
	freshBuffer bool

	// growthPollInterval is how often a disabled-input session samples the
	// buffer file size.
	growthPollInterval time.Duration

	// byteQueueSize is the capacity of the reader-to-engine byte queue.
	byteQueueSize int

	// dispatchGrace bounds how long Stop waits for in-flight conversions.
	dispatchGrace time.Duration

	// minFreeSpace is the buffer filesystem free-space warning threshold.
	minFreeSpace int64

	logger logger.Logger
}

// NewSessionConfig creates a capture session configuration reading from src
// and buffering at bufferPath. opts are functional options applied in order;
// see the With* functions.
func NewSessionConfig(src input.Source, bufferPath string, opts ...SessionOption) (*SessionConfig, error) {
	if src == nil {
		return nil, ErrSourceNil
	}
	if bufferPath == "" {
		return nil, errors.New("capture: buffer path must not be empty")
	}

	cfg := &SessionConfig{
		name:               DefaultSessionName,
		source:             src,
		bufferPath:         bufferPath,
		idleTimeout:        DefaultIdleTimeout,
		growthPollInterval: DefaultGrowthPollInterval,
		byteQueueSize:      DefaultByteQueueSize,
		dispatchGrace:      DefaultDispatchGrace,
		minFreeSpace:       buffer.DefaultMinFreeSpace,
		logger:             logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// --- Getters ---

// Name returns the session name used in logs and status reports.
func (cfg *SessionConfig) Name() string { return cfg.name }

// Source returns the configured input source.
func (cfg *SessionConfig) Source() input.Source { return cfg.source }

// BufferPath returns the job buffer file path.
func (cfg *SessionConfig) BufferPath() string { return cfg.bufferPath }

// Dispatcher returns the configured conversion dispatcher.
func (cfg *SessionConfig) Dispatcher() Dispatcher { return cfg.dispatcher }

// IdleTimeout returns the silence duration that closes a job.
func (cfg *SessionConfig) IdleTimeout() time.Duration { return cfg.idleTimeout }

// KeepBuffer returns whether the buffer is retained across job boundaries.
func (cfg *SessionConfig) KeepBuffer() bool { return cfg.keepBuffer }

// FreshBuffer returns whether a pre-existing buffer file is truncated at
// open.
func (cfg *SessionConfig) FreshBuffer() bool { return cfg.freshBuffer }

// GrowthPollInterval returns the buffer growth sampling interval used with
// non-live sources.
func (cfg *SessionConfig) GrowthPollInterval() time.Duration { return cfg.growthPollInterval }

// ByteQueueSize returns the reader-to-engine queue capacity.
func (cfg *SessionConfig) ByteQueueSize() int { return cfg.byteQueueSize }

// DispatchGrace returns how long Stop waits for in-flight conversions.
func (cfg *SessionConfig) DispatchGrace() time.Duration { return cfg.dispatchGrace }

// MinFreeSpace returns the buffer filesystem free-space warning threshold.
func (cfg *SessionConfig) MinFreeSpace() int64 { return cfg.minFreeSpace }

// GetLogger returns the configured logger.
func (cfg *SessionConfig) GetLogger() logger.Logger { return cfg.logger }

// --- SessionOption ---

// SessionOption is a functional option for configuring a SessionConfig.
type SessionOption interface {
	apply(*SessionConfig) error
}

type sessionOptFunc func(*SessionConfig) error

func (f sessionOptFunc) apply(cfg *SessionConfig) error { return f(cfg) }

// WithName sets the session name used in logs and status reports.
func WithName(name string) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if name == "" {
			return errors.New("capture: session name must not be empty")
		}
		cfg.name = name

		return nil
	})
}

// WithDispatcher sets the conversion dispatcher invoked once per completed
// job.
func WithDispatcher(d Dispatcher) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if d == nil {
			return ErrDispatcherNil
		}
		cfg.dispatcher = d

		return nil
	})
}

// WithIdleTimeout sets the silence duration that closes a job. Too small a
// value splits jobs on ordinary transmission gaps; the floor guards against
// that.
func WithIdleTimeout(d time.Duration) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if d < MinIdleTimeout || d > MaxIdleTimeout {
			return fmt.Errorf("capture: idle timeout %v out of range [%v, %v]", d, MinIdleTimeout, MaxIdleTimeout)
		}
		cfg.idleTimeout = d

		return nil
	})
}

// WithKeepBuffer retains the buffer across job boundaries instead of
// clearing it. Later jobs then snapshot the cumulative contents.
// Disabled by default.
func WithKeepBuffer(keep bool) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		cfg.keepBuffer = keep

		return nil
	})
}

// WithFreshBuffer truncates a pre-existing buffer file when the session
// opens. The default is to resume it: leftover bytes are treated as an
// in-progress job and dispatched after one idle window.
func WithFreshBuffer() SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		cfg.freshBuffer = true

		return nil
	})
}

// WithGrowthPollInterval sets how often a disabled-input session samples the
// buffer file size for externally produced growth.
func WithGrowthPollInterval(d time.Duration) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if d < MinGrowthPollInterval || d > MaxGrowthPollInterval {
			return fmt.Errorf("capture: growth poll interval %v out of range [%v, %v]", d, MinGrowthPollInterval, MaxGrowthPollInterval)
		}
		cfg.growthPollInterval = d

		return nil
	})
}

// WithByteQueueSize sets the capacity of the reader-to-engine byte queue.
func WithByteQueueSize(size int) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if size < 1 {
			return errors.New("capture: byte queue size must be >= 1")
		}
		cfg.byteQueueSize = size

		return nil
	})
}

// WithDispatchGrace bounds how long Stop waits for in-flight conversions
// before returning. Zero means return immediately.
func WithDispatchGrace(d time.Duration) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if d < 0 || d > MaxDispatchGrace {
			return fmt.Errorf("capture: dispatch grace %v out of range [0, %v]", d, MaxDispatchGrace)
		}
		cfg.dispatchGrace = d

		return nil
	})
}

// WithMinFreeSpace sets the free-space threshold, in bytes, below which a
// warning is logged when the buffer opens. Zero disables the check.
func WithMinFreeSpace(n int64) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if n < 0 {
			return errors.New("capture: min free space must be >= 0")
		}
		cfg.minFreeSpace = n

		return nil
	})
}

// WithLogger sets the logger for the session.
func WithLogger(l logger.Logger) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if l == nil {
			return errors.New("capture: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
