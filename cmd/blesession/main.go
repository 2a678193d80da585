package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Set by the release build through -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "blesession",
	Short: "BLE central session manager",
	Long: `Bluetooth Low Energy (BLE) central session manager.

"scan" lists nearby connectable peripherals. "stream" connects to one of them,
discovers its GATT profile and prints the notifications of a single characteristic.
A scan is always stopped before a connection starts.`,
	Version:       displayVersion(version),
	SilenceErrors: true,
}

// displayVersion prefixes release versions with "v"; dev builds are shown as is.
func displayVersion(ver string) string {
	if ver == "" || strings.HasPrefix(ver, "v") || ver[0] < '0' || ver[0] > '9' {
		return ver
	}
	return "v" + ver
}

// addGlobalFlags declares the flags every subcommand inherits.
func addGlobalFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("config", "", "Path to a YAML config file")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. 127.0.0.1:9100)")
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("blesession {{.Version}} (commit %s, built %s)\n", commit, date))
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
	addGlobalFlags(rootCmd)
	rootCmd.AddCommand(scanCmd, streamCmd)
}

func main() {
	err := rootCmd.Execute()
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return
	default:
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
