//go:build !linux

package term

import (
	"fmt"
	"runtime"
)

type platformState struct{}

// IsTerminal always reports false on unsupported platforms, which makes the
// CLI fall back to signal-only control.
func IsTerminal(int) bool {
	return false
}

// MakeRaw always fails on unsupported platforms.
func MakeRaw(int) (*State, error) {
	return nil, fmt.Errorf("%w: raw mode not supported on %s", ErrNotTerminal, runtime.GOOS)
}

// Restore is a no-op on unsupported platforms.
func Restore(int, *State) error {
	return nil
}
