//go:build !linux

package buffer

import "errors"

var errFreeSpaceUnsupported = errors.New("buffer: free-space check not supported on this platform")

// freeSpace is unavailable off Linux; the open-time warning is skipped.
func freeSpace(string) (int64, error) {
	return 0, errFreeSpaceUnsupported
}
