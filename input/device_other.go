//go:build !linux

package input

import (
	"context"
	"fmt"
	"runtime"
)

// Open always fails: serial devices are only supported on Linux.
// Use a Tail source fed by an external bridge on other platforms.
func (d *Device) Open(_ context.Context) error {
	return fmt.Errorf("%w: serial devices not supported on %s", ErrDeviceUnavailable, runtime.GOOS)
}

// NextByte always fails on unsupported platforms.
func (d *Device) NextByte(_ context.Context) (byte, error) {
	return 0, fmt.Errorf("%w: serial devices not supported on %s", ErrReadFailed, runtime.GOOS)
}

func (d *Device) writeBytes([]byte) error {
	return ErrClosed
}

// Close is a no-op on unsupported platforms.
func (d *Device) Close() error {
	return nil
}

func getPortNames() ([]string, error) {
	return nil, nil
}
