// Package scan keeps the set of peripherals discovered during the current scan epoch.
package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/metrics"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Status of a scan epoch
type Status int

const (
	Idle Status = iota
	Scanning
	Stopped
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Epoch is a consistent view of one scan session.
type Epoch struct {
	Number     uint64
	Status     Status
	StartedAt  time.Time
	Discovered []device.PeripheralDescriptor
}

// Authorizer grants or denies scanning. *permission.Gate implements it.
type Authorizer interface {
	CheckAndRequest(ctx context.Context) error
}

// Guard vetoes a scan start; it returns device.ErrConnectionActive while a connection exists.
// It is called with the registry lock held and must not call back into the registry.
type Guard func() error

// Registry owns the discovered set. All mutations are serialized by mu.
type Registry struct {
	scanner device.Scanner
	gate    Authorizer
	logger  *logrus.Logger

	mu            sync.Mutex
	guard         Guard
	onChange      func()
	status        Status
	epoch         uint64
	startedAt     time.Time
	starting      bool
	stopRequested bool
	scanCancel    context.CancelFunc
	discovered    *orderedmap.OrderedMap[string, device.PeripheralDescriptor]
}

// NewRegistry creates an Idle registry. gate may be nil when no permission is required.
func NewRegistry(scanner device.Scanner, gate Authorizer, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		scanner:    scanner,
		gate:       gate,
		logger:     logger,
		discovered: orderedmap.New[string, device.PeripheralDescriptor](),
	}
}

// SetGuard installs the scan-start veto.
func (r *Registry) SetGuard(g Guard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guard = g
}

// OnChange registers a callback invoked after every status change or admission.
// It runs outside the registry lock.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Start begins a new scan epoch: the discovered set is cleared and radio discovery starts.
// ctx bounds the permission request only; the radio scan runs until Stop or the radio ends it.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.status == Scanning || r.starting {
		r.mu.Unlock()
		return device.ErrAlreadyScanning
	}
	if err := r.checkGuard(); err != nil {
		r.mu.Unlock()
		return err
	}
	r.starting = true
	r.stopRequested = false
	r.mu.Unlock()

	// the permission prompt may block; it runs outside the lock
	if r.gate != nil {
		if err := r.gate.CheckAndRequest(ctx); err != nil {
			r.mu.Lock()
			r.starting = false
			r.mu.Unlock()
			r.logger.WithField("error", err).Warn("Scan not started: permission denied")
			return err
		}
	}

	r.mu.Lock()
	r.starting = false
	if r.stopRequested {
		r.mu.Unlock()
		return fmt.Errorf("%w: stopped while starting", device.ErrScanTerminated)
	}
	if err := r.checkGuard(); err != nil {
		r.mu.Unlock()
		return err
	}
	r.epoch++
	epoch := r.epoch
	r.status = Scanning
	r.startedAt = time.Now()
	r.discovered = orderedmap.New[string, device.PeripheralDescriptor]()
	scanCtx, cancel := context.WithCancel(context.Background())
	r.scanCancel = cancel
	r.mu.Unlock()

	err := r.scanner.StartScan(scanCtx, func(ev device.DiscoveryEvent) {
		r.HandleDiscoveryEvent(epoch, ev)
	})
	if err != nil {
		r.mu.Lock()
		if r.epoch == epoch && r.status == Scanning {
			r.status = Stopped
		}
		r.releaseScanLocked()
		r.mu.Unlock()
		r.logger.WithFields(logrus.Fields{
			"epoch": epoch,
			"error": err,
		}).Error("Failed to start BLE scan")
		r.notify()
		return fmt.Errorf("failed to start scan: %w", err)
	}

	r.mu.Lock()
	superseded := r.epoch != epoch || r.status != Scanning
	r.mu.Unlock()
	if superseded {
		// Stop ran while the radio was starting
		cancel()
		if err := r.scanner.StopScan(); err != nil {
			r.logger.WithField("error", err).Warn("Failed to stop superseded scan")
		}
		return nil
	}

	metrics.ScansStarted.Inc()
	r.logger.WithField("epoch", epoch).Info("BLE scan started")
	r.notify()
	return nil
}

// Stop ends the current epoch. Idempotent; a registry that never scanned stays Idle.
func (r *Registry) Stop() error {
	r.mu.Lock()
	if r.starting {
		r.stopRequested = true
	}
	if r.status != Scanning {
		r.mu.Unlock()
		return nil
	}
	r.status = Stopped
	epoch := r.epoch
	count := r.discovered.Len()
	cancel := r.scanCancel
	r.scanCancel = nil
	r.mu.Unlock()

	// the radio may be delivering into HandleDiscoveryEvent; never hold mu here
	err := r.scanner.StopScan()
	if err != nil {
		r.logger.WithField("error", err).Warn("Radio failed to stop scanning")
	}
	if cancel != nil {
		cancel()
	}

	r.logger.WithFields(logrus.Fields{
		"epoch":      epoch,
		"discovered": count,
	}).Info("BLE scan stopped")
	r.notify()
	return err
}

// HandleDiscoveryEvent applies one radio event to the given epoch. Events of a stale
// epoch, or arriving after Stop, are dropped.
func (r *Registry) HandleDiscoveryEvent(epoch uint64, ev device.DiscoveryEvent) {
	r.mu.Lock()
	if epoch != r.epoch || r.status != Scanning {
		r.mu.Unlock()
		return
	}

	if ev.Err != nil {
		if errors.Is(ev.Err, device.ErrScanTerminated) {
			r.status = Stopped
			r.releaseScanLocked()
			r.mu.Unlock()
			r.logger.WithFields(logrus.Fields{
				"epoch": epoch,
				"error": ev.Err,
			}).Warn("BLE scan terminated")
			r.notify()
			return
		}
		r.mu.Unlock()
		metrics.RadioErrors.Inc()
		r.logger.WithFields(logrus.Fields{
			"epoch": epoch,
			"error": ev.Err,
		}).Warn("Radio error while scanning")
		return
	}

	p := ev.Peripheral
	if p.ID == "" || !p.Connectable || strings.TrimSpace(p.Name) == "" {
		r.mu.Unlock()
		return
	}
	if _, seen := r.discovered.Get(p.ID); seen {
		r.mu.Unlock()
		return
	}
	r.discovered.Set(p.ID, p)
	r.mu.Unlock()

	metrics.PeripheralsDiscovered.Inc()
	r.logger.WithFields(logrus.Fields{
		"id":   p.ID,
		"name": p.Name,
		"rssi": p.RSSI,
	}).Info("Discovered new peripheral")
	r.notify()
}

// Snapshot returns a copy of the current epoch in admission order.
func (r *Registry) Snapshot() Epoch {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := make([]device.PeripheralDescriptor, 0, r.discovered.Len())
	for pair := r.discovered.Oldest(); pair != nil; pair = pair.Next() {
		list = append(list, pair.Value)
	}
	return Epoch{
		Number:     r.epoch,
		Status:     r.status,
		StartedAt:  r.startedAt,
		Discovered: list,
	}
}

// Lookup finds a peripheral admitted in the current epoch.
func (r *Registry) Lookup(id string) (device.PeripheralDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.discovered.Get(id)
}

// Status returns the status of the current epoch.
func (r *Registry) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// releaseScanLocked cancels the radio scan context. Must hold r.mu.
func (r *Registry) releaseScanLocked() {
	if r.scanCancel != nil {
		r.scanCancel()
		r.scanCancel = nil
	}
}

func (r *Registry) checkGuard() error {
	if r.guard == nil {
		return nil
	}
	return r.guard()
}

func (r *Registry) notify() {
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}
