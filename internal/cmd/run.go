package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/PelNet/pcl-dump/capture"
	"github.com/PelNet/pcl-dump/control"
	"github.com/PelNet/pcl-dump/convert"
	"github.com/PelNet/pcl-dump/input"
	"github.com/PelNet/pcl-dump/internal/term"
	"github.com/PelNet/pcl-dump/logger"
)

const controlShutdownTimeout = 2 * time.Second

func runRoot(cmd *cobra.Command, _ []string) error {
	cfg, err := Load()
	if err != nil {
		return err
	}

	// Validate already rejected unknown levels.
	level, _ := parseLevel(cfg.Logging.Level)
	logger.SetLevel(level)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "pcl-dump version %s\n", Version)
	printParams(out, cfg)

	src, err := buildSource(cfg)
	if err != nil {
		return err
	}

	disp, err := buildDispatcher(cfg)
	if err != nil {
		return err
	}

	sess, err := buildSession(cfg, src, disp)
	if err != nil {
		return err
	}

	var ctrl *control.Server
	if cfg.Control.Listen != "" {
		ctrl, err = control.NewServer(sess, control.WithEventBacklog(cfg.Control.EventBacklog))
		if err != nil {
			return err
		}
		sess.AddStateHandler(ctrl.NotifyStateChange)
		sess.AddJobHandler(ctrl.NotifyJob)
		if err := ctrl.Start(cfg.Control.Listen); err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), controlShutdownTimeout)
			defer cancel()
			_ = ctrl.Shutdown(sctx)
		}()
	}

	if err := sess.Open(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(out, "Hotkeys: [P]ause capture, [R]esume capture, [I]nformation, [Q]uit, [H]elp")

	keys, restore := startHotkeys()
	defer restore()

	running := true
	for running {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "\r\nSignal received, exiting...")
			running = false

		case <-sess.Done():
			running = false

		case key := <-keys:
			if !handleKey(out, cfg, sess, key) {
				running = false
			}
		}
	}

	restore()
	if err := sess.Stop(); err != nil {
		return err
	}
	fmt.Fprintln(out, "Goodbye")

	return sess.LastError()
}

func buildSession(cfg *Config, src input.Source, disp capture.Dispatcher) (*capture.Session, error) {
	opts := []capture.SessionOption{
		capture.WithDispatcher(disp),
		capture.WithIdleTimeout(cfg.Capture.IdleTimeout),
		capture.WithKeepBuffer(cfg.Capture.KeepBuffer),
	}
	if cfg.Capture.Fresh {
		opts = append(opts, capture.WithFreshBuffer())
	}

	sessCfg, err := capture.NewSessionConfig(src, cfg.Capture.BufferFile, opts...)
	if err != nil {
		return nil, err
	}
	return capture.NewSession(sessCfg)
}

// buildSource picks the capture source: a file tail when configured, the
// growth watcher when the serial port is ignored, otherwise the serial
// device itself.
func buildSource(cfg *Config) (input.Source, error) {
	if cfg.Serial.TailFile != "" {
		return input.NewTail(cfg.Serial.TailFile)
	}
	if cfg.Serial.Ignore {
		return input.NewDisabled(), nil
	}

	devCfg, err := input.NewDeviceConfig(cfg.Serial.Port,
		input.WithBaudRate(cfg.Serial.Speed),
		input.WithStartupCommands(cfg.Serial.StartupCommands...),
		input.WithCommandDelay(cfg.Serial.CommandDelay),
	)
	if err != nil {
		return nil, err
	}
	return input.NewDevice(devCfg), nil
}

func buildDispatcher(cfg *Config) (*convert.Dispatcher, error) {
	convCfg, err := convert.NewConfig(cfg.Render.OutputDir,
		convert.WithFilePrefix(cfg.Render.FilePrefix),
		convert.WithFormat(cfg.Render.Format),
		convert.WithConverter(cfg.Render.Converter, cfg.Render.ConverterArgs...),
		convert.WithTimeout(cfg.Render.Timeout),
		convert.WithPhosphor(cfg.Render.Phosphor),
		convert.WithPreview(cfg.Render.Preview),
		convert.WithViewer(cfg.Render.Viewer),
	)
	if err != nil {
		return nil, err
	}
	return convert.NewDispatcher(convCfg)
}

// --- Hotkeys ---

// startHotkeys puts stdin into raw mode and feeds keypresses into the
// returned channel. When stdin is not a terminal the channel stays silent and
// control is signal-only. The returned restore func is safe to call twice.
func startHotkeys() (<-chan byte, func()) {
	keys := make(chan byte, 8)

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		logger.Info("stdin is not a terminal, hotkeys disabled")
		return keys, func() {}
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		logger.Warn("raw mode unavailable, hotkeys disabled", "error", err)
		return keys, func() {}
	}

	go func() {
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				return
			}
			if n > 0 {
				keys <- buf[0]
			}
		}
	}()

	return keys, func() {
		if err := term.Restore(fd, state); err != nil {
			logger.Warn("terminal restore failed", "error", err)
		}
	}
}

// handleKey reacts to one keypress. It returns false when the loop should
// exit.
func handleKey(out io.Writer, cfg *Config, sess *capture.Session, key byte) bool {
	switch key {
	case 'q', 'Q':
		fmt.Fprintln(out, "\r\n'Q' received, exiting...")
		return false

	case 'p', 'P':
		fmt.Fprintln(out, "\r\n'P' received, pausing capture...")
		if err := sess.Pause(); err != nil {
			fmt.Fprintf(out, "pause failed: %v\r\n", err)
		}

	case 'r', 'R':
		fmt.Fprintln(out, "\r\n'R' received, resuming capture...")
		if err := sess.Resume(); err != nil {
			fmt.Fprintf(out, "resume failed: %v\r\n", err)
		}

	case 'i', 'I':
		printParams(out, cfg)
		printStatus(out, sess.Status())

	case 'h', 'H':
		printHelp(out)
	}

	return true
}

// --- Console output ---

func printParams(out io.Writer, cfg *Config) {
	source := fmt.Sprintf("%s @ %d", cfg.Serial.Port, cfg.Serial.Speed)
	switch {
	case cfg.Serial.TailFile != "":
		source = "tail of " + cfg.Serial.TailFile
	case cfg.Serial.Ignore:
		source = "disabled (watching buffer growth)"
	}

	persistence := "without persistence"
	if cfg.Capture.KeepBuffer {
		persistence = "with persistence"
	}

	fmt.Fprintf(out, "Serial params:        %s using a %s timeout\r\n", source, cfg.Capture.IdleTimeout)
	fmt.Fprintf(out, "Buffer on disk:       %s %s\r\n", cfg.Capture.BufferFile, persistence)
	fmt.Fprintf(out, "Render options:       %s (using %q with %q)\r\n",
		strings.ToUpper(cfg.Render.Format), cfg.Render.Converter, strings.Join(cfg.Render.ConverterArgs, " "))
	fmt.Fprintf(out, "File storage:         %s (using %q as the prefix)\r\n", cfg.Render.OutputDir, cfg.Render.FilePrefix)
	fmt.Fprintf(out, "Preview:              %t (using %q to display files)\r\n", cfg.Render.Preview, cfg.Render.Viewer)
	if cfg.Control.Listen != "" {
		fmt.Fprintf(out, "Control endpoint:     ws://%s/control\r\n", cfg.Control.Listen)
	}
}

func printStatus(out io.Writer, status *capture.Status) {
	fmt.Fprintf(out, "Session state:        %s (run state %s)\r\n", status.State, status.RunState)
	fmt.Fprintf(out, "Captured:             %d bytes across %d jobs\r\n", status.ByteCount, status.JobCount)
	fmt.Fprintf(out, "Dispatches:           %d ok, %d failed, %d in flight\r\n",
		status.DispatchOK, status.DispatchErr, status.DispatchInFlight)
	if status.LastError != "" {
		fmt.Fprintf(out, "Last error:           %s\r\n", status.LastError)
	}
}

func printHelp(out io.Writer) {
	fmt.Fprint(out, "\r\nHelp:\r\n")
	fmt.Fprint(out, "H    [H]elp\r\n")
	fmt.Fprint(out, "P    [P]ause capture\r\n")
	fmt.Fprint(out, "R    [R]esume capture\r\n")
	fmt.Fprint(out, "I    [I]nformation and status\r\n")
	fmt.Fprint(out, "Q    [Q]uit pcl-dump\r\n")
	fmt.Fprint(out, "\r\n")
}
