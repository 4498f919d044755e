// Package buffer implements the durable on-disk job buffer.
//
// A Buffer accumulates the raw bytes of the current capture cycle in an
// append-only file. Every append is flushed to stable storage before it
// returns, so a crash at any point leaves every previously appended byte
// recoverable and never a torn one. The buffer carries no framing or
// metadata: segmentation is decided elsewhere, purely by timing.
package buffer

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/PelNet/pcl-dump/logger"
)

var (
	// ErrWriteFailed indicates an append could not be made durable. The
	// buffer's guarantees no longer hold and the owning session must stop.
	ErrWriteFailed = errors.New("buffer: write failed")

	// ErrClosed indicates an operation on a closed buffer.
	ErrClosed = errors.New("buffer: closed")
)

const openFlags = os.O_CREATE | os.O_WRONLY | os.O_APPEND

// Option configures a Buffer at open time.
type Option func(*Buffer)

// WithFreshStart truncates any pre-existing contents at open.
// The default is to resume: pre-existing bytes are treated as an
// already-in-progress job and the next append continues after them.
func WithFreshStart() Option {
	return func(b *Buffer) { b.fresh = true }
}

// WithLogger sets the logger used for open/clear diagnostics.
func WithLogger(l logger.Logger) Option {
	return func(b *Buffer) { b.logger = l }
}

// WithMinFreeSpace sets the free-space threshold, in bytes, below which a
// warning is logged at open. Zero disables the check.
func WithMinFreeSpace(n int64) Option {
	return func(b *Buffer) { b.minFree = n }
}

// DefaultMinFreeSpace is the open-time free-space warning threshold.
const DefaultMinFreeSpace int64 = 32 << 20

// Buffer is a file-backed, append-only byte store for one capture cycle.
//
// Exactly one session appends to a given buffer file at a time; that
// exclusivity is a configuration responsibility, not enforced here. Size and
// Snapshot read through the path, so growth produced by an external writer
// (disabled-input deployments) is observed too.
type Buffer struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	fresh   bool
	minFree int64
	closed  bool
	logger  logger.Logger
}

// New opens (creating if needed) the buffer file at path.
func New(path string, opts ...Option) (*Buffer, error) {
	b := &Buffer{
		path:    path,
		minFree: DefaultMinFreeSpace,
		logger:  logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}

	flags := openFlags
	if b.fresh {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("buffer: open %s: %w", path, err)
	}
	b.file = f

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("buffer: stat %s: %w", path, err)
	}

	policy := "resume"
	if b.fresh {
		policy = "fresh"
	}
	b.logger.Info("buffer opened", "path", path, "policy", policy, "size", info.Size())

	if b.minFree > 0 {
		if free, ferr := freeSpace(path); ferr == nil && free < b.minFree {
			b.logger.Warn("low free space on buffer filesystem", "path", path, "free", free, "threshold", b.minFree)
		}
	}

	return b, nil
}

// Append writes p to the buffer and flushes it to stable storage before
// returning. On success every byte of p is durable; on failure the returned
// error wraps ErrWriteFailed and the buffer must be considered compromised.
func (b *Buffer) Append(p []byte) error {
	if len(p) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	if _, err := b.file.Write(p); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := b.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrWriteFailed, err)
	}
	return nil
}

// Snapshot returns a copy of the buffer's full current contents.
// It reads through the path so externally produced growth is included.
func (b *Buffer) Snapshot() ([]byte, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return nil, fmt.Errorf("buffer: snapshot %s: %w", b.path, err)
	}
	return data, nil
}

// Size returns the buffer file's current on-disk size. A missing file counts
// as empty. It takes no lock and is safe to call from status paths.
func (b *Buffer) Size() int64 {
	info, err := os.Stat(b.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Clear empties the buffer between jobs. The file handle is reopened with
// truncation, so a buffer file that was replaced underneath us (external
// writers may recreate rather than truncate) is picked up fresh as well.
func (b *Buffer) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	if err := b.file.Close(); err != nil {
		return fmt.Errorf("buffer: clear %s: %w", b.path, err)
	}
	f, err := os.OpenFile(b.path, openFlags|os.O_TRUNC, 0o644)
	if err != nil {
		b.closed = true
		return fmt.Errorf("buffer: clear %s: %w", b.path, err)
	}
	b.file = f

	b.logger.Debug("buffer cleared", "path", b.path)
	return nil
}

// Path returns the buffer file path.
func (b *Buffer) Path() string {
	return b.path
}

// Close flushes and closes the buffer file. It is idempotent. Bytes already
// appended stay on disk; closing never discards data.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if err := b.file.Sync(); err != nil {
		_ = b.file.Close()
		return fmt.Errorf("buffer: close %s: %w", b.path, err)
	}
	return b.file.Close()
}
