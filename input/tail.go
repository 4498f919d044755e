package input

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/PelNet/pcl-dump/internal/pool"
	"github.com/PelNet/pcl-dump/logger"
)

// Tail poll defaults. Change notifications normally come from the
// filesystem watcher; the poll interval is a fallback for filesystems that
// deliver no events.
const (
	DefaultTailPollInterval = 100 * time.Millisecond

	MinTailPollInterval = 10 * time.Millisecond
	MaxTailPollInterval = 5 * time.Second
)

// Tail reads bytes from a regular file that another process appends to.
//
// The file not existing yet is tolerated (reading starts once it appears),
// as are truncation and wholesale replacement (reading restarts from the
// beginning of the new contents). Consumption starts at offset zero, so
// bytes already present at open time are captured too.
type Tail struct {
	path         string
	pollInterval time.Duration
	logger       logger.Logger

	file    *os.File
	offset  int64
	watcher *fsnotify.Watcher
	opened  atomic.Bool

	readBuf []byte
	readPos int
	readLen int
}

var _ Source = (*Tail)(nil)

// TailOption is a functional option for configuring a Tail source.
type TailOption interface {
	apply(*Tail) error
}

type tailOptFunc func(*Tail) error

func (f tailOptFunc) apply(t *Tail) error { return f(t) }

// WithTailPollInterval sets the fallback poll interval used when no
// filesystem events arrive.
func WithTailPollInterval(d time.Duration) TailOption {
	return tailOptFunc(func(t *Tail) error {
		if d < MinTailPollInterval || d > MaxTailPollInterval {
			return fmt.Errorf("input: tail poll interval %v out of range [%v, %v]", d, MinTailPollInterval, MaxTailPollInterval)
		}
		t.pollInterval = d

		return nil
	})
}

// WithTailLogger sets the logger for the tail source.
func WithTailLogger(l logger.Logger) TailOption {
	return tailOptFunc(func(t *Tail) error {
		if l == nil {
			return errors.New("input: logger must not be nil")
		}
		t.logger = l

		return nil
	})
}

// NewTail creates a Tail source for the given file path.
func NewTail(path string, opts ...TailOption) (*Tail, error) {
	if path == "" {
		return nil, errors.New("input: tail path must not be empty")
	}

	t := &Tail{
		path:         path,
		pollInterval: DefaultTailPollInterval,
		logger:       logger.GetLogger().With("tail", path),
		readBuf:      make([]byte, 4096),
	}

	for _, opt := range opts {
		if err := opt.apply(t); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// Live reports true: a tailed file produces bytes.
func (t *Tail) Live() bool { return true }

// String describes the source as "tail:<path>".
func (t *Tail) String() string { return "tail:" + t.path }

// Open starts watching the file's directory for changes. The file itself
// may not exist yet.
func (t *Tail) Open(_ context.Context) error {
	if t.opened.Load() {
		return ErrAlreadyOpen
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("input: tail watcher: %w", err)
	}
	// Watch the directory, not the file: create and rename events for the
	// file only surface on its parent.
	if err := w.Add(filepath.Dir(t.path)); err != nil {
		t.logger.Warn("tail watch unavailable, falling back to polling", "error", err)
	}
	t.watcher = w
	t.opened.Store(true)
	t.logger.Info("tail opened", "poll", t.pollInterval)

	return nil
}

// NextByte blocks until a byte is available, ctx is done, or the source is
// closed.
func (t *Tail) NextByte(ctx context.Context) (byte, error) {
	for {
		if t.readPos < t.readLen {
			b := t.readBuf[t.readPos]
			t.readPos++
			return b, nil
		}

		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if !t.opened.Load() {
			return 0, ErrClosed
		}

		n, err := t.fill()
		if err != nil {
			return 0, err
		}
		if n > 0 {
			continue
		}

		if err := t.waitChange(ctx); err != nil {
			return 0, err
		}
	}
}

// fill reads the next chunk of appended bytes into readBuf. It returns 0
// when the file has not grown (or does not exist yet), handling truncation
// and replacement along the way.
func (t *Tail) fill() (int, error) {
	if t.file == nil {
		f, err := os.Open(t.path)
		if err != nil {
			if os.IsNotExist(err) {
				return 0, nil
			}
			return 0, fmt.Errorf("%w: open %s: %v", ErrReadFailed, t.path, err)
		}
		t.file = f
		t.offset = 0
		t.logger.Debug("tail file opened")
	}

	n, err := t.file.Read(t.readBuf)
	if n > 0 {
		t.offset += int64(n)
		t.readPos, t.readLen = 0, n
		return n, nil
	}
	if err != nil && err != io.EOF {
		return 0, fmt.Errorf("%w: read %s: %v", ErrReadFailed, t.path, err)
	}

	// At EOF. Detect truncation or replacement before waiting for growth.
	pInfo, err := os.Stat(t.path)
	if err != nil {
		// File removed; wait for it to reappear.
		t.closeFile()
		return 0, nil
	}
	fInfo, err := t.file.Stat()
	if err != nil {
		t.closeFile()
		return 0, nil
	}
	if !os.SameFile(pInfo, fInfo) {
		t.logger.Debug("tail file replaced, restarting from start")
		t.closeFile()
		return 0, nil
	}
	if pInfo.Size() < t.offset {
		t.logger.Debug("tail file truncated, restarting from start", "size", pInfo.Size())
		if _, err := t.file.Seek(0, io.SeekStart); err != nil {
			return 0, fmt.Errorf("%w: seek %s: %v", ErrReadFailed, t.path, err)
		}
		t.offset = 0
	}

	return 0, nil
}

// waitChange blocks until the watched file plausibly changed, the poll
// interval elapsed, or ctx is done.
func (t *Tail) waitChange(ctx context.Context) error {
	timer := pool.GetTimer(t.pollInterval)
	defer pool.PutTimer(timer)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return ErrClosed
			}
			if ev.Name == t.path {
				return nil
			}
		case werr, ok := <-t.watcher.Errors:
			if !ok {
				return ErrClosed
			}
			t.logger.Warn("tail watcher error", "error", werr)
		}
	}
}

func (t *Tail) closeFile() {
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
	t.offset = 0
}

// Close releases the watcher and file. Idempotent.
func (t *Tail) Close() error {
	if !t.opened.CompareAndSwap(true, false) {
		return nil
	}

	t.closeFile()
	if t.watcher != nil {
		_ = t.watcher.Close()
	}
	t.logger.Debug("tail closed")

	return nil
}
