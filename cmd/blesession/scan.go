package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesession/internal/controller"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/scan"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for connectable BLE peripherals",
	Long: `Scan for connectable Bluetooth Low Energy peripherals and list them in discovery order.

Only peripherals that advertise a name and accept connections are listed. Each
peripheral appears once per scan, with the signal strength of its first advertisement.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration        time.Duration
	scanFormat          string
	scanAllowDuplicates bool
)

var validScanFormats = []string{"table", "json"}

func init() {
	registerScanFlags()
}

func registerScanFlags() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default from config, 10s)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVar(&scanAllowDuplicates, "allow-duplicates", false, "Ask the radio to report repeated advertisements")
}

// peripheralView is the JSON shape of a discovered peripheral.
type peripheralView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	RSSI        int    `json:"rssi"`
	Connectable bool   `json:"connectable"`
}

func runScan(cmd *cobra.Command, _ []string) error {
	isValidFormat := false
	for _, f := range validScanFormats {
		if scanFormat == f {
			isValidFormat = true
			break
		}
	}
	if !isValidFormat {
		return fmt.Errorf("invalid format '%s': must be one of %v", scanFormat, validScanFormats)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("duration") {
		cfg.Scan.Timeout = scanDuration
	}
	if scanAllowDuplicates {
		cfg.Scan.AllowDuplicates = true
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// arguments are valid; runtime errors need no usage text
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl, err := newController(cfg, logger)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	var epoch scan.Epoch
	err = runWithMetrics(ctx, cfg.MetricsAddr, logger, func(ctx context.Context) error {
		var serr error
		epoch, serr = scanFor(ctx, ctrl, cfg.Scan.Timeout, cmd.OutOrStdout(), logger)
		return serr
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if scanFormat == "json" {
		return displayPeripheralsJSON(out, epoch.Discovered)
	}
	return displayPeripheralsTable(out, epoch.Discovered)
}

// scanFor scans until the duration elapses (0 runs until ctx ends) and returns the final epoch.
// Interruption is not an error: whatever was discovered is returned.
func scanFor(ctx context.Context, ctrl *controller.Controller, duration time.Duration, out io.Writer, logger *logrus.Logger) (scan.Epoch, error) {
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	if err := ctrl.RequestScan(ctx); err != nil {
		return scan.Epoch{}, err
	}

	live := isTerminal(out) && scanFormat != "json"
	found := -1
	updates := ctrl.Updates()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case snap, ok := <-updates:
			if !ok {
				break loop
			}
			if live && len(snap.Scan.Discovered) != found {
				found = len(snap.Scan.Discovered)
				fmt.Fprintf(out, "%sScanning... %d found", clearLineSequence, found)
			}
			if snap.Scan.Status == scan.Stopped {
				logger.Debug("Scan ended by the radio")
				break loop
			}
		}
	}
	if live {
		fmt.Fprint(out, clearLineSequence)
	}

	if err := ctrl.StopScan(); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithField("error", err).Warn("Failed to stop scan")
	}
	return ctrl.Snapshot().Scan, nil
}

func displayPeripheralsTable(out io.Writer, peripherals []device.PeripheralDescriptor) error {
	if len(peripherals) == 0 {
		fmt.Fprintln(out, "No peripherals discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tID\tRSSI")
	for _, p := range peripherals {
		fmt.Fprintf(w, "%s\t%s\t%d dBm\n", truncate(p.Name, 24), p.ID, p.RSSI)
	}
	return w.Flush()
}

func displayPeripheralsJSON(out io.Writer, peripherals []device.PeripheralDescriptor) error {
	views := make([]peripheralView, len(peripherals))
	for i, p := range peripherals {
		views[i] = peripheralView{ID: p.ID, Name: p.Name, RSSI: p.RSSI, Connectable: p.Connectable}
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(views)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
