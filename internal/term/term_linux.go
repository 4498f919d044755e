//go:build linux

package term

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type platformState struct {
	termios unix.Termios
}

// IsTerminal reports whether fd refers to a terminal.
func IsTerminal(fd int) bool {
	_, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	return err == nil
}

// MakeRaw puts the terminal into raw mode: no echo, no line buffering, one
// byte per read. Signal generation stays enabled so Ctrl-C still delivers
// SIGINT to the process. The returned State restores the previous attributes
// via Restore.
func MakeRaw(fd int) (*State, error) {
	old, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, fmt.Errorf("%w: tcgetattr: %v", ErrNotTerminal, err)
	}
	saved := *old

	t := *old
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &t); err != nil {
		return nil, fmt.Errorf("term: tcsetattr: %w", err)
	}

	return &State{state: platformState{termios: saved}}, nil
}

// Restore reapplies the attributes captured by MakeRaw after pending output
// has drained.
func Restore(fd int, st *State) error {
	if st == nil {
		return nil
	}
	if err := unix.IoctlSetTermios(fd, unix.TCSETSW, &st.state.termios); err != nil {
		return fmt.Errorf("term: tcsetattr: %w", err)
	}
	return nil
}
