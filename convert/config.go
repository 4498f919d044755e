package convert

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/PelNet/pcl-dump/logger"
)

// Output formats with dedicated post-processing.
const (
	FormatPDF = "pdf"
	FormatPNG = "png"
)

// Defaults follow the rendering setup for HP plotter-emulation dumps: gpcl6
// from the GhostPCL project renders the spool file, ImageMagick applies the
// phosphor look to PNG output, and a browser previews the result.
const (
	DefaultConverterPath = "/usr/local/bin/gpcl6"
	DefaultFormat        = FormatPDF
	DefaultFilePrefix    = "scope_output_"
	DefaultPhosphorPath  = "/usr/bin/convert"
	DefaultViewerPath    = "firefox"
	DefaultTimeout       = 2 * time.Minute
)

// MaxTimeout bounds the per-conversion timeout.
const MaxTimeout = 30 * time.Minute

// DefaultConverterArgs renders PDF via pdfwrite. For PNG output use
// something like: -sDEVICE=pngalpha -r128 -dGraphicsAlphaBits=4.
func DefaultConverterArgs() []string {
	return []string{"-sDEVICE=pdfwrite"}
}

// DefaultPhosphorArgs recolors a PNG into the green-phosphor CRT look.
func DefaultPhosphorArgs() []string {
	return []string{
		"-alpha", "off",
		"-fill", "#00EE00",
		"-draw", "color 0,0 replace",
		"+level-colors", "green,black",
		"-auto-level",
	}
}

// Config holds all configuration for a conversion dispatcher.
type Config struct {
	outputDir  string
	filePrefix string
	format     string

	converterPath string
	converterArgs []string
	timeout       time.Duration

	phosphor     bool
	phosphorPath string
	phosphorArgs []string

	preview    bool
	viewerPath string

	spoolDir string

	logger logger.Logger
}

// NewConfig creates a conversion configuration rendering into outputDir.
// opts are functional options applied in order; see the With* functions.
func NewConfig(outputDir string, opts ...Option) (*Config, error) {
	if outputDir == "" {
		return nil, errors.New("convert: output directory must not be empty")
	}

	cfg := &Config{
		outputDir:     outputDir,
		filePrefix:    DefaultFilePrefix,
		format:        DefaultFormat,
		converterPath: DefaultConverterPath,
		converterArgs: DefaultConverterArgs(),
		timeout:       DefaultTimeout,
		phosphorPath:  DefaultPhosphorPath,
		phosphorArgs:  DefaultPhosphorArgs(),
		viewerPath:    DefaultViewerPath,
		spoolDir:      os.TempDir(),
		logger:        logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// --- Getters ---

// OutputDir returns the directory rendered files are written to.
func (cfg *Config) OutputDir() string { return cfg.outputDir }

// FilePrefix returns the rendered file name prefix.
func (cfg *Config) FilePrefix() string { return cfg.filePrefix }

// Format returns the rendered file extension, e.g. "pdf" or "png".
func (cfg *Config) Format() string { return cfg.format }

// ConverterPath returns the external converter binary path.
func (cfg *Config) ConverterPath() string { return cfg.converterPath }

// ConverterArgs returns a copy of the extra converter arguments.
func (cfg *Config) ConverterArgs() []string {
	args := make([]string, len(cfg.converterArgs))
	copy(args, cfg.converterArgs)

	return args
}

// Timeout returns the per-conversion timeout. Zero disables it.
func (cfg *Config) Timeout() time.Duration { return cfg.timeout }

// PhosphorEnabled returns whether PNG output gets the phosphor look.
func (cfg *Config) PhosphorEnabled() bool { return cfg.phosphor }

// PhosphorPath returns the ImageMagick binary path.
func (cfg *Config) PhosphorPath() string { return cfg.phosphorPath }

// PhosphorArgs returns a copy of the phosphor processing arguments.
func (cfg *Config) PhosphorArgs() []string {
	args := make([]string, len(cfg.phosphorArgs))
	copy(args, cfg.phosphorArgs)

	return args
}

// PreviewEnabled returns whether rendered files are opened in the viewer.
func (cfg *Config) PreviewEnabled() bool { return cfg.preview }

// ViewerPath returns the preview command.
func (cfg *Config) ViewerPath() string { return cfg.viewerPath }

// SpoolDir returns the directory spool files are written to.
func (cfg *Config) SpoolDir() string { return cfg.spoolDir }

// GetLogger returns the configured logger.
func (cfg *Config) GetLogger() logger.Logger { return cfg.logger }

// --- Option ---

// Option is a functional option for configuring a Config.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// WithFilePrefix sets the rendered file name prefix.
func WithFilePrefix(prefix string) Option {
	return optFunc(func(cfg *Config) error {
		cfg.filePrefix = prefix

		return nil
	})
}

// WithFormat sets the rendered file extension. The converter arguments must
// select a matching device; the format only names the file and gates the
// phosphor post-processing.
func WithFormat(format string) Option {
	return optFunc(func(cfg *Config) error {
		format = strings.TrimPrefix(strings.ToLower(format), ".")
		if format == "" {
			return errors.New("convert: format must not be empty")
		}
		cfg.format = format

		return nil
	})
}

// WithConverter sets the external converter binary and its extra arguments.
// The dispatcher always appends "-o <output> <spool>" after args.
func WithConverter(path string, args ...string) Option {
	return optFunc(func(cfg *Config) error {
		if path == "" {
			return errors.New("convert: converter path must not be empty")
		}
		cfg.converterPath = path
		cfg.converterArgs = make([]string, len(args))
		copy(cfg.converterArgs, args)

		return nil
	})
}

// WithTimeout bounds a single conversion. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < 0 || d > MaxTimeout {
			return fmt.Errorf("convert: timeout %v out of range [0, %v]", d, MaxTimeout)
		}
		cfg.timeout = d

		return nil
	})
}

// WithPhosphor enables the green-phosphor post-processing for PNG output.
func WithPhosphor(enable bool) Option {
	return optFunc(func(cfg *Config) error {
		cfg.phosphor = enable

		return nil
	})
}

// WithPhosphorCommand sets the ImageMagick binary and arguments used for the
// phosphor look. The file under processing is inserted before and after args
// (in-place rewrite).
func WithPhosphorCommand(path string, args ...string) Option {
	return optFunc(func(cfg *Config) error {
		if path == "" {
			return errors.New("convert: phosphor path must not be empty")
		}
		cfg.phosphorPath = path
		cfg.phosphorArgs = make([]string, len(args))
		copy(cfg.phosphorArgs, args)

		return nil
	})
}

// WithPreview enables launching the viewer on each rendered file.
func WithPreview(enable bool) Option {
	return optFunc(func(cfg *Config) error {
		cfg.preview = enable

		return nil
	})
}

// WithViewer sets the preview command.
func WithViewer(path string) Option {
	return optFunc(func(cfg *Config) error {
		if path == "" {
			return errors.New("convert: viewer path must not be empty")
		}
		cfg.viewerPath = path

		return nil
	})
}

// WithSpoolDir sets the directory spool files are written to.
func WithSpoolDir(dir string) Option {
	return optFunc(func(cfg *Config) error {
		if dir == "" {
			return errors.New("convert: spool directory must not be empty")
		}
		cfg.spoolDir = dir

		return nil
	})
}

// WithLogger sets the logger for the dispatcher.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("convert: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
