//go:build linux

package input

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// toUnixBaud maps a baud rate to the corresponding termios constant.
var toUnixBaud = map[int]uint32{
	50:     unix.B50,
	75:     unix.B75,
	110:    unix.B110,
	134:    unix.B134,
	150:    unix.B150,
	200:    unix.B200,
	300:    unix.B300,
	600:    unix.B600,
	1200:   unix.B1200,
	1800:   unix.B1800,
	2400:   unix.B2400,
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
}

// Open opens and configures the serial port, flushes stale input, then runs
// the startup handshake. Failures wrap ErrDeviceUnavailable or
// ErrHandshakeFailed and are fatal to the owning session.
func (d *Device) Open(ctx context.Context) error {
	if d.opened.Load() {
		return ErrAlreadyOpen
	}

	fd, err := unix.Open(d.cfg.Port(), unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0o666)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrDeviceUnavailable, d.cfg.Port(), err)
	}

	if err := d.configure(fd); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("%w: configure %s: %v", ErrDeviceUnavailable, d.cfg.Port(), err)
	}

	// Discard anything the device pushed before we were listening.
	_ = unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIFLUSH)

	d.fd = fd
	d.opened.Store(true)
	d.logger.Info("device opened", "mode", d.cfg.Mode())

	if err := d.handshake(ctx); err != nil {
		_ = d.Close()
		return err
	}

	return nil
}

// configure puts the line into raw receive mode with the configured
// baud/framing. Flow control lines are deliberately left alone.
func (d *Device) configure(fd int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("tcgetattr: %w", err)
	}

	t.Cflag |= unix.CLOCAL | unix.CREAD
	t.Lflag &^= unix.ICANON | unix.ECHO | unix.ECHOE | unix.ECHOK | unix.ECHONL | unix.ISIG | unix.IEXTEN
	t.Oflag &^= unix.OPOST | unix.ONLCR | unix.OCRNL
	t.Iflag &^= unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IGNBRK
	t.Iflag &^= unix.INPCK | unix.ISTRIP
	t.Iflag &^= unix.IXON | unix.IXOFF

	speed, ok := toUnixBaud[d.cfg.BaudRate()]
	if !ok {
		return fmt.Errorf("unsupported baud rate %d", d.cfg.BaudRate())
	}
	t.Cflag &^= unix.CBAUD
	t.Cflag |= speed
	t.Ispeed = speed
	t.Ospeed = speed

	t.Cflag &^= unix.CSIZE
	switch d.cfg.DataBits() {
	case 5:
		t.Cflag |= unix.CS5
	case 6:
		t.Cflag |= unix.CS6
	case 7:
		t.Cflag |= unix.CS7
	case 8:
		t.Cflag |= unix.CS8
	default:
		return fmt.Errorf("invalid data bits %d", d.cfg.DataBits())
	}

	if d.cfg.StopBits() == 2 {
		t.Cflag |= unix.CSTOPB
	} else {
		t.Cflag &^= unix.CSTOPB
	}

	t.Cflag &^= unix.PARENB | unix.PARODD
	switch d.cfg.Parity() {
	case ParityEven:
		t.Cflag |= unix.PARENB
	case ParityOdd:
		t.Cflag |= unix.PARENB | unix.PARODD
	case ParityNone:
	}

	// Reads are driven by poll; never block in the driver.
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("tcsetattr: %w", err)
	}

	return nil
}

// NextByte blocks until a byte arrives, ctx is done, or the line fails.
// The wait is quantized by the configured poll interval so cancellation is
// observed with bounded latency.
func (d *Device) NextByte(ctx context.Context) (byte, error) {
	pollMs := int(d.cfg.PollInterval().Milliseconds())

	for {
		if d.readPos < d.readLen {
			b := d.readBuf[d.readPos]
			d.readPos++
			return b, nil
		}

		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if !d.opened.Load() {
			return 0, ErrClosed
		}

		pfd := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, pollMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, fmt.Errorf("%w: poll: %v", ErrReadFailed, err)
		}
		if n == 0 {
			continue
		}
		if pfd[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return 0, fmt.Errorf("%w: poll revents %#x", ErrReadFailed, pfd[0].Revents)
		}

		nr, err := unix.Read(d.fd, d.readBuf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return 0, fmt.Errorf("%w: read: %v", ErrReadFailed, err)
		}
		if nr > 0 {
			d.readPos, d.readLen = 0, nr
			continue
		}

		// Zero-length read after POLLIN/POLLHUP: the far end hung up.
		if pfd[0].Revents&unix.POLLHUP != 0 {
			return 0, fmt.Errorf("%w: device hangup", ErrReadFailed)
		}
	}
}

// writeBytes transmits p on the line. Only the startup handshake uses it.
func (d *Device) writeBytes(p []byte) error {
	if !d.opened.Load() {
		return ErrClosed
	}
	for len(p) > 0 {
		n, err := unix.Write(d.fd, p)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return err
		}
		p = p[n:]
	}

	return nil
}

// Close releases the port. Idempotent.
func (d *Device) Close() error {
	if !d.opened.CompareAndSwap(true, false) {
		return nil
	}

	err := unix.Close(d.fd)
	d.fd = -1
	d.logger.Debug("device closed")
	if err != nil {
		return fmt.Errorf("input: close %s: %w", d.cfg.Port(), err)
	}

	return nil
}

// getPortNames lists serial device paths that have a backing driver.
func getPortNames() ([]string, error) {
	patterns := []string{
		"/dev/ttyS*",
		"/dev/ttyUSB*",
		"/dev/ttyACM*",
		"/dev/ttyAMA*",
		"/dev/rfcomm*",
	}

	var devices []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		for _, device := range matches {
			sysPath := filepath.Join("/sys/class/tty", filepath.Base(device), "device")
			if _, err := os.Stat(sysPath); err == nil {
				devices = append(devices, device)
			}
		}
	}

	return devices, nil
}
