package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesession/internal/controller"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/scan"
	"github.com/srg/blesession/internal/session"
)

var streamCmd = &cobra.Command{
	Use:   "stream <peripheral-id>",
	Short: "Connect to a peripheral and stream notifications",
	Long: `Scans until the peripheral is discovered, connects, discovers its GATT services and
streams the notifications of one characteristic until interrupted.

The characteristic is the one set with --char when the peripheral exposes it as
notifiable, otherwise the first notifiable characteristic found.

Examples:
  # Stream the first notifiable characteristic
  blesession stream 00:11:22:33:44:55

  # Stream heart rate measurements, stop after 10 samples
  blesession stream 00:11:22:33:44:55 --char 180d/2a37 --count 10`,
	Args: cobra.ExactArgs(1),
	RunE: runStream,
}

var (
	streamScanTimeout time.Duration
	streamChar        string
	streamDecoder     string
	streamCount       int
	streamDuration    time.Duration
)

func init() {
	registerStreamFlags()
}

func registerStreamFlags() {
	streamCmd.Flags().DurationVar(&streamScanTimeout, "scan-timeout", 0, "How long to scan for the peripheral (default from config, 10s)")
	streamCmd.Flags().StringVar(&streamChar, "char", "", "Preferred characteristic as <service>/<characteristic>")
	streamCmd.Flags().StringVar(&streamDecoder, "decoder", "", "Payload decoder (raw, base64, length-prefixed)")
	streamCmd.Flags().IntVarP(&streamCount, "count", "n", 0, "Stop after this many samples (0 for unlimited)")
	streamCmd.Flags().DurationVarP(&streamDuration, "duration", "d", 0, "Stop streaming after this long (0 for unlimited)")
}

func runStream(cmd *cobra.Command, args []string) error {
	id := strings.TrimSpace(args[0])
	if id == "" {
		return fmt.Errorf("peripheral id must not be empty")
	}
	if streamCount < 0 {
		return fmt.Errorf("invalid --count %d: must not be negative", streamCount)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if streamChar != "" {
		cfg.Stream.Characteristic = streamChar
	}
	if streamDecoder != "" {
		cfg.Stream.Decoder = streamDecoder
	}
	if cmd.Flags().Changed("scan-timeout") {
		cfg.Scan.Timeout = streamScanTimeout
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl, err := newController(cfg, logger)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	err = runWithMetrics(ctx, cfg.MetricsAddr, logger, func(ctx context.Context) error {
		return streamPeripheral(ctx, ctrl, id, cfg.Scan.Timeout, cmd.OutOrStdout(), cmd.ErrOrStderr(), logger)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func streamPeripheral(ctx context.Context, ctrl *controller.Controller, id string, scanTimeout time.Duration, out, status io.Writer, logger *logrus.Logger) error {
	p, err := findPeripheral(ctx, ctrl, id, scanTimeout)
	if err != nil {
		return err
	}

	if err := ctrl.SelectPeripheral(ctx, p.ID); err != nil {
		return err
	}

	snap := ctrl.Snapshot()
	printHeader(out, "Connected to %s", snap.Connection.Peripheral)
	printHeader(out, "Streaming %s", characteristicLabel(snap.Connection.Characteristic))
	renderState(status, snap.Connection)
	renderReadable(status, snap.Connection)

	if streamDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, streamDuration)
		defer cancel()
	}

	// updates up to base predate Streaming
	base := snap.Version
	var lastSeq uint64
	received := 0
	lastState := snap.Connection.State
	if s := snap.LastSample; s != nil {
		lastSeq = s.Seq
		received++
		fmt.Fprintf(out, "#%d  %s\n", s.Seq, formatSampleData(s.Data))
	}
	for {
		select {
		case <-ctx.Done():
			return endSession(ctrl, out, logger)

		case snap, ok := <-ctrl.Updates():
			if !ok {
				return nil
			}
			if snap.Version <= base {
				continue
			}
			if s := snap.LastSample; s != nil && s.Seq > lastSeq {
				lastSeq = s.Seq
				received++
				fmt.Fprintf(out, "#%d  %s\n", s.Seq, formatSampleData(s.Data))
				if streamCount > 0 && received >= streamCount {
					return endSession(ctrl, out, logger)
				}
			}
			if snap.Connection.State != lastState {
				lastState = snap.Connection.State
				renderState(status, snap.Connection)
			}
			if snap.Connection.State == session.Disconnected {
				// the link went away on its own
				if snap.Connection.Failure != nil {
					return snap.Connection.Failure
				}
				fmt.Fprintln(out, "Session ended")
				return nil
			}
		}
	}
}

// findPeripheral scans until id is discovered, the scan ends or timeout elapses.
func findPeripheral(ctx context.Context, ctrl *controller.Controller, id string, timeout time.Duration) (device.PeripheralDescriptor, error) {
	scanCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := ctrl.RequestScan(scanCtx); err != nil {
		return device.PeripheralDescriptor{}, err
	}

	find := func(epoch scan.Epoch) (device.PeripheralDescriptor, bool) {
		for _, p := range epoch.Discovered {
			if strings.EqualFold(p.ID, id) {
				return p, true
			}
		}
		return device.PeripheralDescriptor{}, false
	}

	if p, ok := find(ctrl.Snapshot().Scan); ok {
		return p, nil
	}
	for {
		select {
		case <-scanCtx.Done():
			_ = ctrl.StopScan()
			if err := ctx.Err(); err != nil {
				return device.PeripheralDescriptor{}, err
			}
			return device.PeripheralDescriptor{}, fmt.Errorf("%w: %s not seen within %s", device.ErrUnknownPeripheral, id, timeout)
		case snap, ok := <-ctrl.Updates():
			if !ok {
				return device.PeripheralDescriptor{}, context.Canceled
			}
			if p, found := find(snap.Scan); found {
				return p, nil
			}
			if snap.Scan.Status == scan.Stopped {
				return device.PeripheralDescriptor{}, fmt.Errorf("%w: %s not seen before the scan ended", device.ErrUnknownPeripheral, id)
			}
		}
	}
}

func endSession(ctrl *controller.Controller, out io.Writer, logger *logrus.Logger) error {
	if err := ctrl.EndSession(); err != nil {
		logger.WithField("error", err).Warn("Failed to end session")
	}
	fmt.Fprintln(out, "Session ended")
	return nil
}
