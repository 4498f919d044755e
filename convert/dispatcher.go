// Package convert renders completed capture jobs into viewable files.
//
// A Dispatcher implements capture.Dispatcher: the job payload is spooled to
// a temporary file, an external converter (gpcl6 by default) renders it into
// the output directory, and optional post-processing applies a phosphor look
// to PNG output or opens the rendered file in a viewer. Conversion failures
// never propagate beyond the dispatch: the session logs them and capture of
// subsequent jobs continues.
package convert

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/PelNet/pcl-dump/capture"
	"github.com/PelNet/pcl-dump/logger"
)

// timestampLayout names rendered files by job completion time.
const timestampLayout = "2006-01-02_15:04:05"

// Inflight describes one conversion in progress.
type Inflight struct {
	// JobSeq is the sequence number of the job being converted.
	JobSeq uint64
	// Started is when the conversion began.
	Started time.Time
	// SpoolPath is the temporary file holding the job payload.
	SpoolPath string
	// OutputPath is the file being rendered.
	OutputPath string
}

// Dispatcher converts jobs with an external renderer. It is safe for
// concurrent use; each capture job arrives on its own goroutine.
type Dispatcher struct {
	cfg    *Config
	logger logger.Logger

	inflight *xsync.MapOf[uint64, *Inflight]
}

var _ capture.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher creates a conversion dispatcher from cfg, creating the
// output directory if needed.
func NewDispatcher(cfg *Config) (*Dispatcher, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}

	if err := os.MkdirAll(cfg.OutputDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	return &Dispatcher{
		cfg:      cfg,
		logger:   cfg.GetLogger(),
		inflight: xsync.NewMapOf[uint64, *Inflight](),
	}, nil
}

// Dispatch renders one job. It blocks for the full conversion; the session
// invokes it from a dedicated goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, job *capture.Job) (*capture.DispatchResult, error) {
	start := time.Now()

	spoolPath, err := d.writeSpool(job)
	if err != nil {
		return nil, err
	}
	defer os.Remove(spoolPath)

	outPath := d.outputPath(job)

	info := &Inflight{
		JobSeq:     job.Seq,
		Started:    start,
		SpoolPath:  spoolPath,
		OutputPath: outPath,
	}
	d.inflight.Store(job.Seq, info)
	defer d.inflight.Delete(job.Seq)

	d.logger.Debug("converting job",
		"seq", job.Seq,
		"size", job.Size(),
		"spool", spoolPath,
		"output", outPath,
	)

	if err := d.runConverter(ctx, spoolPath, outPath); err != nil {
		return nil, err
	}

	st, err := os.Stat(outPath)
	if err != nil || st.Size() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoOutput, outPath)
	}

	if d.cfg.PhosphorEnabled() && d.cfg.Format() == FormatPNG {
		if err := d.runPhosphor(ctx, outPath); err != nil {
			// rendered output is usable without the recolor
			d.logger.Warn("phosphor processing failed", "file", outPath, "error", err)
		}
	}

	if d.cfg.PreviewEnabled() {
		if err := d.launchViewer(outPath); err != nil {
			d.logger.Warn("viewer launch failed", "viewer", d.cfg.ViewerPath(), "error", err)
		}
	}

	return &capture.DispatchResult{
		JobSeq:      job.Seq,
		OutputPaths: []string{outPath},
		Elapsed:     time.Since(start),
	}, nil
}

// InFlight returns a snapshot of conversions currently running.
func (d *Dispatcher) InFlight() []Inflight {
	var infos []Inflight
	d.inflight.Range(func(_ uint64, info *Inflight) bool {
		infos = append(infos, *info)
		return true
	})

	return infos
}

// InFlightCount returns the number of conversions currently running.
func (d *Dispatcher) InFlightCount() int {
	return d.inflight.Size()
}

// writeSpool writes the job payload to a private spool file. The session
// clears its buffer right after dispatch, so the converter must work from
// its own copy.
func (d *Dispatcher) writeSpool(job *capture.Job) (string, error) {
	f, err := os.CreateTemp(d.cfg.SpoolDir(), fmt.Sprintf("pcl-dump-%d-*.pcl", job.Seq))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSpoolFailed, err)
	}

	if _, err := f.Write(job.Bytes); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())

		return "", fmt.Errorf("%w: %v", ErrSpoolFailed, err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())

		return "", fmt.Errorf("%w: %v", ErrSpoolFailed, err)
	}

	return f.Name(), nil
}

// outputPath names the rendered file <prefix><timestamp>.<format>, falling
// back to <prefix><timestamp>_<seq>.<format> when jobs complete within the
// same second.
func (d *Dispatcher) outputPath(job *capture.Job) string {
	stamp := job.CompletedAt.Format(timestampLayout)

	path := filepath.Join(d.cfg.OutputDir(), d.cfg.FilePrefix()+stamp+"."+d.cfg.Format())
	if _, err := os.Stat(path); err == nil {
		path = filepath.Join(d.cfg.OutputDir(),
			fmt.Sprintf("%s%s_%d.%s", d.cfg.FilePrefix(), stamp, job.Seq, d.cfg.Format()))
	}

	return path
}

func (d *Dispatcher) runConverter(ctx context.Context, spoolPath string, outPath string) error {
	if timeout := d.cfg.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := d.cfg.ConverterArgs()
	args = append(args, "-o", outPath, spoolPath)

	cmd := exec.CommandContext(ctx, d.cfg.ConverterPath(), args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s: %v: %s", ErrConversionFailed, d.cfg.ConverterPath(), err, firstLine(out))
	}

	return nil
}

// runPhosphor rewrites a rendered PNG in place with the phosphor recolor:
// <convert> <file> <args...> <file>.
func (d *Dispatcher) runPhosphor(ctx context.Context, outPath string) error {
	args := append([]string{outPath}, d.cfg.PhosphorArgs()...)
	args = append(args, outPath)

	cmd := exec.CommandContext(ctx, d.cfg.PhosphorPath(), args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %v: %s", d.cfg.PhosphorPath(), err, firstLine(out))
	}

	return nil
}

// launchViewer opens the rendered file detached; the viewer's lifetime is
// not tied to the dispatch.
func (d *Dispatcher) launchViewer(outPath string) error {
	cmd := exec.Command(d.cfg.ViewerPath(), outPath)
	if err := cmd.Start(); err != nil {
		return err
	}

	go func() { _ = cmd.Wait() }()

	return nil
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}

	return s
}
