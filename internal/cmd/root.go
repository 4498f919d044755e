// Package cmd implements the pcl-dump command line interface: configuration
// merging, session wiring, the hotkey loop and the optional control endpoint.
package cmd

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/PelNet/pcl-dump/logger"
)

// Version is the tool version, overridable at link time.
var Version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:   "pcl-dump",
	Short: "Capture PCL print jobs from a serial instrument and render them",
	Long: `pcl-dump listens to a serial instrument (classically an HP scope behind a
Prologix adapter), buffers every byte it emits to disk, and treats a run of
silence as the end of one print job. Each completed job is rendered to PDF or
PNG with a PCL interpreter and optionally opened in a viewer.

Capture can also tail a file written by an external bridge, or watch the
buffer file for growth when no device is attached.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRoot,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default "+ConfigFile()+")")

	flags := rootCmd.Flags()
	flags.BoolP("no-serial", "n", false, "ignore the serial port and watch the buffer file for growth")
	flags.BoolP("keep-buffer", "k", false, "keep captured bytes on disk across jobs")
	flags.StringP("port", "p", "", "override the serial port")
	flags.IntP("speed", "s", 0, "override the serial speed in baud")
	flags.StringP("buffer-file", "f", "", "override the buffer file")
	flags.Bool("fresh", false, "discard a leftover buffer at startup instead of converting it")
	flags.String("tail", "", "capture from a file tail instead of a serial device")
	flags.String("control", "", "serve the websocket control endpoint on this address")

	bind := func(key, flag string) {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}
	bind("serial.ignore", "no-serial")
	bind("capture.keep_buffer", "keep-buffer")
	bind("serial.port", "port")
	bind("serial.speed", "speed")
	bind("capture.buffer_file", "buffer-file")
	bind("capture.fresh", "fresh")
	bind("serial.tail_file", "tail")
	bind("control.listen", "control")
}

func initConfig() {
	SetDefaults()

	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(ConfigDir())
	}

	viper.SetEnvPrefix("PCLDUMP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			logger.Warn("config file ignored", "error", err)
		}
	}
}
