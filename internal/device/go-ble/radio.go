package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/groutine"
)

// DefaultScanStopTimeout bounds how long StopScan waits for the backend scan loop to return.
const DefaultScanStopTimeout = 2 * time.Second

// Radio implements device.Radio on top of a go-ble ble.Device.
type Radio struct {
	dev      ble.Device
	logger   *logrus.Logger
	allowDup bool

	mu         sync.Mutex
	scanCancel context.CancelFunc
	scanDone   <-chan struct{}
	closed     bool
}

var _ device.Radio = (*Radio)(nil)

// NewRadio creates a Radio backed by the platform BLE device returned by DeviceFactory.
func NewRadio(logger *logrus.Logger, allowDuplicates bool) (*Radio, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	return NewRadioWithDevice(dev, logger, allowDuplicates), nil
}

// NewRadioWithDevice wraps an existing ble.Device.
func NewRadioWithDevice(dev ble.Device, logger *logrus.Logger, allowDuplicates bool) *Radio {
	if logger == nil {
		logger = logrus.New()
	}
	return &Radio{
		dev:      dev,
		logger:   logger,
		allowDup: allowDuplicates,
	}
}

// StartScan starts the backend scan loop. Advertisements and radio failures are reported
// through handler. If the loop ends for any reason other than StopScan, a final event
// wrapping device.ErrScanTerminated is delivered.
func (r *Radio) StartScan(ctx context.Context, handler device.DiscoveryHandler) error {
	if handler == nil {
		return fmt.Errorf("scan handler is nil")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("radio is closed")
	}
	if r.scanCancel != nil {
		r.mu.Unlock()
		return device.ErrAlreadyScanning
	}
	scanCtx, cancel := context.WithCancel(ctx)
	r.scanCancel = cancel

	var done <-chan struct{}
	done = groutine.Run(scanCtx, "ble-scan", func(ctx context.Context) {
		err := r.dev.Scan(ctx, r.allowDup, func(adv ble.Advertisement) {
			handler(r.discoveryEvent(adv))
		})

		r.mu.Lock()
		owned := r.scanDone == done
		if owned {
			r.scanCancel, r.scanDone = nil, nil
		}
		r.mu.Unlock()
		cancel()

		if !owned {
			// stopped through StopScan
			return
		}

		cause := NormalizeError(err)
		if cause == nil {
			cause = context.Cause(ctx)
		}
		if cause == nil {
			cause = errors.New("scan ended")
		}
		r.logger.WithField("error", cause).Warn("BLE scan terminated by the radio")
		handler(device.DiscoveryEvent{Err: fmt.Errorf("%w: %w", device.ErrScanTerminated, cause)})
	})
	r.scanDone = done
	r.mu.Unlock()

	r.logger.WithField("allow_duplicates", r.allowDup).Debug("BLE scan started")
	return nil
}

// StopScan cancels a running scan and waits for the backend loop to return. Idempotent.
func (r *Radio) StopScan() error {
	r.mu.Lock()
	cancel, done := r.scanCancel, r.scanDone
	r.scanCancel, r.scanDone = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		r.logger.Debug("BLE scan stopped")
		return nil
	case <-time.After(DefaultScanStopTimeout):
		r.logger.WithField("timeout", DefaultScanStopTimeout).Warn("BLE scan loop did not return in time")
		return fmt.Errorf("scan did not stop within %s", DefaultScanStopTimeout)
	}
}

// Connect dials the peripheral identified by id.
func (r *Radio) Connect(ctx context.Context, id string) (device.Link, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("peripheral id is empty")
	}

	r.logger.WithField("peripheral", id).Debug("Dialing BLE peripheral...")
	client, err := r.dev.Dial(ctx, ble.NewAddr(id))
	if err != nil {
		return nil, NormalizeError(err)
	}

	r.logger.WithField("peripheral", id).Debug("BLE peripheral dialed")
	return newLink(id, client, r.logger), nil
}

// Close stops scanning and releases the underlying device.
func (r *Radio) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if err := r.StopScan(); err != nil {
		r.logger.WithField("error", err).Warn("Failed to stop scan while closing radio")
	}
	if err := r.dev.Stop(); err != nil {
		return NormalizeError(err)
	}
	return nil
}

func (r *Radio) discoveryEvent(adv ble.Advertisement) device.DiscoveryEvent {
	addr := adv.Addr()
	if addr == nil || addr.String() == "" {
		return device.DiscoveryEvent{Err: &device.RadioError{
			Transient: true,
			Err:       errors.New("advertisement without peer address"),
		}}
	}

	return device.DiscoveryEvent{Peripheral: device.PeripheralDescriptor{
		ID:          strings.ToLower(addr.String()),
		Name:        strings.TrimSpace(adv.LocalName()),
		Connectable: adv.Connectable(),
		RSSI:        adv.RSSI(),
	}}
}
