package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/PelNet/pcl-dump/capture"
	"github.com/PelNet/pcl-dump/control"
	"github.com/PelNet/pcl-dump/convert"
	"github.com/PelNet/pcl-dump/input"
	"github.com/PelNet/pcl-dump/logger"
)

// Config is the merged tool configuration: defaults, then the config file,
// then PCLDUMP_* environment variables, then flags.
type Config struct {
	Serial  SerialConfig  `mapstructure:"serial"`
	Capture CaptureConfig `mapstructure:"capture"`
	Render  RenderConfig  `mapstructure:"render"`
	Control ControlConfig `mapstructure:"control"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// SerialConfig describes the capture source.
type SerialConfig struct {
	// Port is the serial device path.
	Port string `mapstructure:"port"`
	// Speed is the baud rate. The HP 54645D tops out at 19200.
	Speed int `mapstructure:"speed"`
	// Ignore skips the serial device entirely; the session then watches the
	// buffer file for growth produced by an external writer.
	Ignore bool `mapstructure:"ignore"`
	// TailFile switches the source to tailing the named file instead of a
	// serial device, for bench setups that bridge the instrument elsewhere.
	TailFile string `mapstructure:"tail_file"`
	// StartupCommands are written to the device after open, typically
	// Prologix adapter setup.
	StartupCommands []string `mapstructure:"startup_commands"`
	// CommandDelay is the pause between startup commands.
	CommandDelay time.Duration `mapstructure:"command_delay"`
}

// CaptureConfig describes buffering and job segmentation.
type CaptureConfig struct {
	// BufferFile is the on-disk capture buffer.
	BufferFile string `mapstructure:"buffer_file"`
	// IdleTimeout is the silence that closes a job.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// KeepBuffer retains captured bytes across job boundaries.
	KeepBuffer bool `mapstructure:"keep_buffer"`
	// Fresh truncates a leftover buffer at startup instead of converting it.
	Fresh bool `mapstructure:"fresh"`
}

// RenderConfig describes conversion of completed jobs.
type RenderConfig struct {
	// OutputDir receives the rendered files.
	OutputDir string `mapstructure:"output_dir"`
	// FilePrefix is the rendered file name prefix.
	FilePrefix string `mapstructure:"file_prefix"`
	// Format is the rendered file extension, pdf or png.
	Format string `mapstructure:"format"`
	// Converter is the PCL interpreter binary.
	Converter string `mapstructure:"converter"`
	// ConverterArgs precede the output/input paths on the converter command
	// line.
	ConverterArgs []string `mapstructure:"converter_args"`
	// Timeout bounds one conversion. Zero disables the bound.
	Timeout time.Duration `mapstructure:"timeout"`
	// Phosphor recolors PNG output to a green-phosphor look.
	Phosphor bool `mapstructure:"phosphor"`
	// Preview opens each rendered file in the viewer.
	Preview bool `mapstructure:"preview"`
	// Viewer is the preview command.
	Viewer string `mapstructure:"viewer"`
}

// ControlConfig describes the optional websocket control endpoint.
type ControlConfig struct {
	// Listen is the address to serve on; empty disables the endpoint.
	Listen string `mapstructure:"listen"`
	// EventBacklog is how many recent events late joiners receive.
	EventBacklog int `mapstructure:"event_backlog"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
}

// Default returns the built-in configuration, matching the tool's classic
// bench setup: an HP scope on /dev/ttyUSB0 behind a Prologix adapter,
// rendering PDFs into the home directory.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return &Config{
		Serial: SerialConfig{
			Port:            "/dev/ttyUSB0",
			Speed:           input.DefaultBaudRate,
			StartupCommands: []string{"++srqauto 1\r\n", "++read\r\n", "++read\r\n"},
			CommandDelay:    input.DefaultCommandDelay,
		},
		Capture: CaptureConfig{
			BufferFile:  "/tmp/scope.dump",
			IdleTimeout: capture.DefaultIdleTimeout,
		},
		Render: RenderConfig{
			OutputDir:     home,
			FilePrefix:    convert.DefaultFilePrefix,
			Format:        convert.DefaultFormat,
			Converter:     convert.DefaultConverterPath,
			ConverterArgs: convert.DefaultConverterArgs(),
			Timeout:       convert.DefaultTimeout,
			Phosphor:      true,
			Preview:       true,
			Viewer:        convert.DefaultViewerPath,
		},
		Control: ControlConfig{
			EventBacklog: control.DefaultEventBacklog,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// SetDefaults seeds viper so every key resolves even without a config file.
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("serial.port", defaults.Serial.Port)
	viper.SetDefault("serial.speed", defaults.Serial.Speed)
	viper.SetDefault("serial.ignore", defaults.Serial.Ignore)
	viper.SetDefault("serial.tail_file", defaults.Serial.TailFile)
	viper.SetDefault("serial.startup_commands", defaults.Serial.StartupCommands)
	viper.SetDefault("serial.command_delay", defaults.Serial.CommandDelay)

	viper.SetDefault("capture.buffer_file", defaults.Capture.BufferFile)
	viper.SetDefault("capture.idle_timeout", defaults.Capture.IdleTimeout)
	viper.SetDefault("capture.keep_buffer", defaults.Capture.KeepBuffer)
	viper.SetDefault("capture.fresh", defaults.Capture.Fresh)

	viper.SetDefault("render.output_dir", defaults.Render.OutputDir)
	viper.SetDefault("render.file_prefix", defaults.Render.FilePrefix)
	viper.SetDefault("render.format", defaults.Render.Format)
	viper.SetDefault("render.converter", defaults.Render.Converter)
	viper.SetDefault("render.converter_args", defaults.Render.ConverterArgs)
	viper.SetDefault("render.timeout", defaults.Render.Timeout)
	viper.SetDefault("render.phosphor", defaults.Render.Phosphor)
	viper.SetDefault("render.preview", defaults.Render.Preview)
	viper.SetDefault("render.viewer", defaults.Render.Viewer)

	viper.SetDefault("control.listen", defaults.Control.Listen)
	viper.SetDefault("control.event_backlog", defaults.Control.EventBacklog)

	viper.SetDefault("logging.level", defaults.Logging.Level)
}

// Load reads the merged configuration out of viper and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations the rest of the stack cannot express. Value
// ranges are checked where the values are consumed.
func (cfg *Config) Validate() error {
	if cfg.Serial.Ignore && cfg.Serial.TailFile != "" {
		return fmt.Errorf("serial.ignore and serial.tail_file are mutually exclusive")
	}
	if cfg.Capture.BufferFile == "" {
		return fmt.Errorf("capture.buffer_file must not be empty")
	}
	if _, err := parseLevel(cfg.Logging.Level); err != nil {
		return err
	}
	return nil
}

// ConfigDir returns the user's pcl-dump config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "pcl-dump")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pcl-dump"
	}
	return filepath.Join(home, ".config", "pcl-dump")
}

// ConfigFile returns the default config file path.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

func parseLevel(s string) (logger.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return logger.DebugLevel, nil
	case "", "info":
		return logger.InfoLevel, nil
	case "warn", "warning":
		return logger.WarnLevel, nil
	case "error":
		return logger.ErrorLevel, nil
	default:
		return logger.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}
