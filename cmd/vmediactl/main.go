// Package main implements vmediactl, the D-Bus client for vmediad.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Build-time variables set via -ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var systemBus bool

	rootCmd := &cobra.Command{
		Use:     "vmediactl",
		Short:   "Inspect and drive vmediad's virtual media slots",
		Version: version + " (" + commit + ")",
	}

	rootCmd.PersistentFlags().BoolVar(&systemBus, "system-bus", true, "Connect to the D-Bus system bus (false uses the session bus)")

	rootCmd.AddCommand(newListCmd(&systemBus))
	rootCmd.AddCommand(newStatusCmd(&systemBus))
	rootCmd.AddCommand(newMountCmd(&systemBus))
	rootCmd.AddCommand(newUnmountCmd(&systemBus))

	return rootCmd
}
