// Package term switches the controlling terminal into raw mode so the CLI
// can react to single keypresses, and restores it afterwards.
package term

import "errors"

// ErrNotTerminal indicates the file descriptor is not a terminal.
var ErrNotTerminal = errors.New("term: not a terminal")

// State holds terminal attributes captured before entering raw mode.
type State struct {
	state platformState
}
