package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/PelNet/pcl-dump/input"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports detected on this machine",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ports, err := input.ListPorts()
		if err != nil {
			return fmt.Errorf("list ports: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(ports) == 0 {
			fmt.Fprintln(out, "no serial ports found")
			return nil
		}
		for _, port := range ports {
			fmt.Fprintln(out, port)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(portsCmd)
}
