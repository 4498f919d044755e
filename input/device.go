package input

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PelNet/pcl-dump/internal/pool"
	"github.com/PelNet/pcl-dump/logger"
)

// Parity is the serial parity mode.
type Parity byte

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

// String returns the conventional single-letter parity name.
func (p Parity) String() string {
	switch p {
	case ParityNone:
		return "N"
	case ParityEven:
		return "E"
	case ParityOdd:
		return "O"
	default:
		return "?"
	}
}

// ParseParity converts a parity name ("none"/"even"/"odd" or "N"/"E"/"O")
// into a Parity value.
func ParseParity(s string) (Parity, error) {
	switch strings.ToLower(s) {
	case "n", "none":
		return ParityNone, nil
	case "e", "even":
		return ParityEven, nil
	case "o", "odd":
		return ParityOdd, nil
	default:
		return ParityNone, fmt.Errorf("input: invalid parity %q", s)
	}
}

// Serial line defaults. 19200 8N1 matches the oscilloscopes this tool was
// built for; override per device with the With* options.
const (
	DefaultBaudRate     = 19200
	DefaultDataBits     = 8
	DefaultStopBits     = 1
	DefaultCommandDelay = 1200 * time.Millisecond
	DefaultPollInterval = 50 * time.Millisecond
)

const (
	MinPollInterval = 10 * time.Millisecond
	MaxPollInterval = 1 * time.Second

	MaxCommandDelay = 30 * time.Second
)

// supportedBauds are the standard rates a Device accepts.
var supportedBauds = map[int]struct{}{
	50: {}, 75: {}, 110: {}, 134: {}, 150: {}, 200: {}, 300: {}, 600: {},
	1200: {}, 1800: {}, 2400: {}, 4800: {}, 9600: {}, 19200: {}, 38400: {},
	57600: {}, 115200: {}, 230400: {},
}

// DeviceConfig holds the serial line configuration for a Device source.
type DeviceConfig struct {
	port string

	baudRate int
	dataBits int
	stopBits int
	parity   Parity

	// startupCommands are written verbatim after the port is configured,
	// each followed by commandDelay. This is the only transmit path.
	startupCommands []string
	commandDelay    time.Duration

	// pollInterval bounds the latency at which a blocked read notices
	// cancellation.
	pollInterval time.Duration

	logger logger.Logger
}

// NewDeviceConfig creates a serial device configuration for the given port
// path (e.g. /dev/ttyUSB0). opts are applied in order; see the With*
// functions.
func NewDeviceConfig(port string, opts ...DeviceOption) (*DeviceConfig, error) {
	if port == "" {
		return nil, errors.New("input: device port must not be empty")
	}

	cfg := &DeviceConfig{
		port:         port,
		baudRate:     DefaultBaudRate,
		dataBits:     DefaultDataBits,
		stopBits:     DefaultStopBits,
		parity:       ParityNone,
		commandDelay: DefaultCommandDelay,
		pollInterval: DefaultPollInterval,
		logger:       logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// --- Getters ---

// Port returns the device path.
func (cfg *DeviceConfig) Port() string { return cfg.port }

// BaudRate returns the configured baud rate.
func (cfg *DeviceConfig) BaudRate() int { return cfg.baudRate }

// DataBits returns the configured number of data bits.
func (cfg *DeviceConfig) DataBits() int { return cfg.dataBits }

// StopBits returns the configured number of stop bits.
func (cfg *DeviceConfig) StopBits() int { return cfg.stopBits }

// Parity returns the configured parity mode.
func (cfg *DeviceConfig) Parity() Parity { return cfg.parity }

// Mode returns the line settings in the conventional "19200 8N1" form.
func (cfg *DeviceConfig) Mode() string {
	return fmt.Sprintf("%d %d%s%d", cfg.baudRate, cfg.dataBits, cfg.parity, cfg.stopBits)
}

// StartupCommands returns the startup command sequence.
func (cfg *DeviceConfig) StartupCommands() []string { return cfg.startupCommands }

// CommandDelay returns the pause after each startup command.
func (cfg *DeviceConfig) CommandDelay() time.Duration { return cfg.commandDelay }

// PollInterval returns the read poll quantum.
func (cfg *DeviceConfig) PollInterval() time.Duration { return cfg.pollInterval }

// GetLogger returns the configured logger.
func (cfg *DeviceConfig) GetLogger() logger.Logger { return cfg.logger }

// --- DeviceOption ---

// DeviceOption is a functional option for configuring a DeviceConfig.
type DeviceOption interface {
	apply(*DeviceConfig) error
}

type deviceOptFunc func(*DeviceConfig) error

func (f deviceOptFunc) apply(cfg *DeviceConfig) error { return f(cfg) }

// WithBaudRate sets the baud rate. Only the standard rates up to 230400 are
// accepted.
func WithBaudRate(rate int) DeviceOption {
	return deviceOptFunc(func(cfg *DeviceConfig) error {
		if _, ok := supportedBauds[rate]; !ok {
			return fmt.Errorf("input: unsupported baud rate %d", rate)
		}
		cfg.baudRate = rate

		return nil
	})
}

// WithDataBits sets the number of data bits. Must be in [5, 8].
func WithDataBits(bits int) DeviceOption {
	return deviceOptFunc(func(cfg *DeviceConfig) error {
		if bits < 5 || bits > 8 {
			return fmt.Errorf("input: data bits %d out of range [5, 8]", bits)
		}
		cfg.dataBits = bits

		return nil
	})
}

// WithStopBits sets the number of stop bits. Must be 1 or 2.
func WithStopBits(bits int) DeviceOption {
	return deviceOptFunc(func(cfg *DeviceConfig) error {
		if bits != 1 && bits != 2 {
			return fmt.Errorf("input: stop bits must be 1 or 2, got %d", bits)
		}
		cfg.stopBits = bits

		return nil
	})
}

// WithParity sets the parity mode.
func WithParity(p Parity) DeviceOption {
	return deviceOptFunc(func(cfg *DeviceConfig) error {
		if p != ParityNone && p != ParityEven && p != ParityOdd {
			return fmt.Errorf("input: invalid parity %d", p)
		}
		cfg.parity = p

		return nil
	})
}

// WithStartupCommands sets the command strings written to the device after
// it is configured, before reading starts. Commands are sent verbatim;
// include any trailing CR/LF the device expects.
func WithStartupCommands(cmds ...string) DeviceOption {
	return deviceOptFunc(func(cfg *DeviceConfig) error {
		cfg.startupCommands = append([]string(nil), cmds...)

		return nil
	})
}

// WithCommandDelay sets the pause after each startup command, giving the
// device time to act on it.
func WithCommandDelay(d time.Duration) DeviceOption {
	return deviceOptFunc(func(cfg *DeviceConfig) error {
		if d < 0 || d > MaxCommandDelay {
			return fmt.Errorf("input: command delay %v out of range [0, %v]", d, MaxCommandDelay)
		}
		cfg.commandDelay = d

		return nil
	})
}

// WithPollInterval sets the poll quantum for blocked reads. Smaller values
// tighten pause/stop latency at the cost of wakeups.
func WithPollInterval(d time.Duration) DeviceOption {
	return deviceOptFunc(func(cfg *DeviceConfig) error {
		if d < MinPollInterval || d > MaxPollInterval {
			return fmt.Errorf("input: poll interval %v out of range [%v, %v]", d, MinPollInterval, MaxPollInterval)
		}
		cfg.pollInterval = d

		return nil
	})
}

// WithDeviceLogger sets the logger for the device.
func WithDeviceLogger(l logger.Logger) DeviceOption {
	return deviceOptFunc(func(cfg *DeviceConfig) error {
		if l == nil {
			return errors.New("input: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}

// --- Device ---

// Device reads bytes from a local serial interface.
//
// Open configures the line via termios, flushes stale input, and writes the
// configured startup commands. After that the device is receive-only.
// Platform support is limited to Linux; elsewhere Open fails with
// ErrDeviceUnavailable.
type Device struct {
	cfg    *DeviceConfig
	logger logger.Logger

	fd     int
	opened atomic.Bool

	// readBuf holds bytes drained from the descriptor ahead of NextByte.
	readBuf []byte
	readPos int
	readLen int
}

var _ Source = (*Device)(nil)

// NewDevice creates a Device source from cfg.
func NewDevice(cfg *DeviceConfig) *Device {
	return &Device{
		cfg:     cfg,
		logger:  cfg.GetLogger().With("port", cfg.Port()),
		fd:      -1,
		readBuf: make([]byte, 512),
	}
}

// Live reports true: a device produces bytes.
func (d *Device) Live() bool { return true }

// String describes the device as "serial:<port>@<mode>".
func (d *Device) String() string {
	return fmt.Sprintf("serial:%s@%s", d.cfg.Port(), d.cfg.Mode())
}

// handshake writes the startup command sequence, pausing after each command.
func (d *Device) handshake(ctx context.Context) error {
	cmds := d.cfg.StartupCommands()
	if len(cmds) == 0 {
		return nil
	}

	d.logger.Info("writing startup commands", "count", len(cmds), "delay", d.cfg.CommandDelay())
	for _, cmd := range cmds {
		if err := d.writeBytes([]byte(cmd)); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrHandshakeFailed, strings.TrimRight(cmd, "\r\n"), err)
		}
		if err := pool.Sleep(ctx, d.cfg.CommandDelay()); err != nil {
			return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
	}

	return nil
}

// ListPorts returns the serial device paths present on this system.
func ListPorts() ([]string, error) {
	return getPortNames()
}
