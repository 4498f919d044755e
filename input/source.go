// Package input provides the byte sources a capture session reads from.
//
// Three source variants exist:
//
//   - Device: a local serial interface configured via termios. Opening may
//     transmit a fixed startup command sequence; afterwards the device is
//     strictly receive-only.
//   - Tail: a regular file that some other process appends to. Bytes are
//     consumed as the file grows, which lets remote or emulated serial
//     endpoints feed a session through a plain file.
//   - Disabled: produces no bytes at all. A session with a disabled source
//     still segments jobs by watching its buffer file grow (an external
//     collaborator writes the buffer directly).
//
// All sources deliver bytes one at a time through NextByte and make no
// attempt to interpret them; payloads are opaque.
package input

import (
	"context"
	"errors"
)

var (
	// ErrDeviceUnavailable indicates the serial device could not be opened
	// or configured. A session cannot start without its source.
	ErrDeviceUnavailable = errors.New("input: device unavailable")

	// ErrHandshakeFailed indicates a startup command could not be written.
	// Like ErrDeviceUnavailable it is fatal at open time.
	ErrHandshakeFailed = errors.New("input: startup handshake failed")

	// ErrReadFailed indicates an unrecoverable read error after the source
	// was successfully opened.
	ErrReadFailed = errors.New("input: read failed")

	// ErrClosed indicates an operation on a closed source.
	ErrClosed = errors.New("input: source closed")

	// ErrAlreadyOpen indicates Open was called twice.
	ErrAlreadyOpen = errors.New("input: source already open")
)

// Source yields capture bytes as they arrive.
type Source interface {
	// Open readies the source for reading. For devices this configures the
	// port and performs the startup handshake; open failures are fatal to
	// the owning session.
	Open(ctx context.Context) error

	// NextByte blocks until a byte is available, ctx is done, or the source
	// fails. Cancellation preempts a blocked read with bounded latency.
	// NextByte is intended for a single consumer goroutine.
	NextByte(ctx context.Context) (byte, error)

	// Live reports whether this source can ever produce bytes. A session
	// with a non-live source derives job boundaries from buffer growth
	// instead of running a read loop.
	Live() bool

	// Close releases the source. It is idempotent.
	Close() error
}
