// Package session runs the exclusive connection lifecycle to one peripheral:
// connect, enumerate services, stream one characteristic, tear down.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/groutine"
	"github.com/srg/blesession/internal/metrics"
	"github.com/srg/blesession/internal/stream"
)

const (
	DefaultConnectTimeout   = 10 * time.Second
	DefaultDiscoveryTimeout = 10 * time.Second
)

// ScanStopper stops an active scan. *scan.Registry implements it.
type ScanStopper interface {
	Stop() error
}

// Options tune a Session. Zero values select the defaults.
type Options struct {
	ConnectTimeout          time.Duration
	DiscoveryTimeout        time.Duration
	PreferredCharacteristic device.CharacteristicRef
	JournalSize             uint32
}

// Session owns at most one peripheral connection.
//
// Every attempt carries a generation number; Disconnect bumps it, so results of an
// abandoned attempt are recognised and released instead of being promoted.
type Session struct {
	connector device.Connector
	scans     ScanStopper
	streams   *stream.Manager
	opts      Options
	logger    *logrus.Logger
	journal   *Journal

	mu       sync.Mutex
	status   Status
	gen      uint64
	cancel   context.CancelCauseFunc
	link     device.Link
	handle   *stream.Handle
	onChange func(Status)
	onResult func(stream.Result)
}

// New creates a Disconnected session. scans may be nil when no scanner is shared.
func New(connector device.Connector, scans ScanStopper, streams *stream.Manager, opts Options, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	if streams == nil {
		streams = stream.NewManager(nil, logger)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	return &Session{
		connector: connector,
		scans:     scans,
		streams:   streams,
		opts:      opts,
		logger:    logger,
		journal:   NewJournal(opts.JournalSize),
	}
}

// OnChange registers a callback receiving every new status. It runs outside the session lock.
func (s *Session) OnChange(fn func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// OnResult registers the consumer of stream results. It runs on the radio callback goroutine.
func (s *Session) OnResult(fn func(stream.Result)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onResult = fn
}

// Status returns a copy of the live status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// State returns the live connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.State
}

// DrainTransitions returns and clears the journaled transitions, oldest first.
func (s *Session) DrainTransitions() []Transition {
	return s.journal.Drain()
}

// Connect runs a full attempt against p and returns once the session is Streaming or the
// attempt ended. ctx bounds the attempt; cancelling it before Streaming tears the attempt
// down like Disconnect. Streaming itself outlives ctx.
func (s *Session) Connect(ctx context.Context, p device.PeripheralDescriptor) error {
	s.mu.Lock()
	if s.status.State != Disconnected {
		s.mu.Unlock()
		return device.ErrAlreadyConnected
	}
	s.gen++
	gen := s.gen
	attemptCtx, cancel := context.WithCancelCause(context.Background())
	s.cancel = cancel
	st := s.setLocked(Status{State: Connecting, Peripheral: p}, nil)
	s.mu.Unlock()
	s.emit(st)

	stop := context.AfterFunc(ctx, func() {
		s.abandon(gen, context.Cause(ctx))
	})
	defer stop()

	metrics.ConnectAttempts.Inc()
	log := s.logger.WithFields(logrus.Fields{
		"peripheral": p.ID,
		"name":       p.Name,
	})
	log.Info("Connecting to peripheral...")

	// scanning and connecting never overlap on the radio
	s.stopScan()

	connCtx, cancelConnect := context.WithTimeout(attemptCtx, s.opts.ConnectTimeout)
	link, err := s.connector.Connect(connCtx, p.ID)
	timedOut := errors.Is(connCtx.Err(), context.DeadlineExceeded)
	cancelConnect()
	if err != nil {
		if timedOut {
			err = fmt.Errorf("connect timed out after %s: %w", s.opts.ConnectTimeout, err)
		}
		return s.fail(ctx, gen, &device.ConnectError{PeripheralID: p.ID, Err: err})
	}

	s.mu.Lock()
	if s.gen != gen || s.status.State != Connecting {
		s.mu.Unlock()
		log.Debug("Connection completed after cancellation, releasing it")
		s.releaseLink(link)
		return cancelled(ctx)
	}
	s.link = link
	st = s.setLocked(Status{State: DiscoveringServices, Peripheral: p}, nil)
	s.mu.Unlock()
	s.emit(st)
	s.stopScan()

	log.Debug("Discovering services...")
	discCtx, cancelDisc := context.WithTimeout(attemptCtx, s.opts.DiscoveryTimeout)
	services, err := link.DiscoverServices(discCtx)
	cancelDisc()
	s.mu.Lock()
	if s.gen != gen || s.status.State != DiscoveringServices {
		s.mu.Unlock()
		return cancelled(ctx)
	}
	if err != nil {
		s.mu.Unlock()
		return s.fail(ctx, gen, fmt.Errorf("service discovery failed: %w", err))
	}
	s.status.Services = services
	st = s.status
	s.mu.Unlock()
	s.emit(st)
	logReadable(log, services)

	ref, ok := SelectCharacteristic(services, s.opts.PreferredCharacteristic)
	if !ok {
		log.WithField("services", len(services)).Warn("No notifiable characteristic found")
		return s.fail(ctx, gen, device.ErrNoStreamableCharacteristic)
	}
	log = log.WithField("characteristic", ref.String())

	handle, err := s.streams.Subscribe(attemptCtx, link, ref, s.deliverFor(gen))
	if err != nil {
		if !s.live(gen, DiscoveringServices) {
			return cancelled(ctx)
		}
		return s.fail(ctx, gen, err)
	}

	s.mu.Lock()
	if s.gen != gen || s.status.State != DiscoveringServices {
		s.mu.Unlock()
		_ = handle.Unsubscribe()
		return cancelled(ctx)
	}
	s.handle = handle
	st = s.setLocked(Status{State: Streaming, Peripheral: p, Services: services, Characteristic: ref}, nil)
	s.mu.Unlock()
	s.emit(st)

	groutine.Go(attemptCtx, "session-monitor", func(ctx context.Context) {
		select {
		case <-handle.Done():
			if err := handle.Err(); err != nil {
				_ = s.fail(context.Background(), gen, err)
			}
		case <-ctx.Done():
		}
	})

	log.Info("Streaming notifications")
	return nil
}

// Disconnect tears down any attempt or connection and lands in Disconnected.
// It is a no-op when there is nothing to tear down or a teardown is already running.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	switch s.status.State {
	case Disconnected, Disconnecting, Failed:
		s.mu.Unlock()
		return nil
	}
	s.gen++
	res := s.takeLocked()
	prev := s.status
	st := s.setLocked(Status{
		State:          Disconnecting,
		Peripheral:     prev.Peripheral,
		Services:       prev.Services,
		Characteristic: prev.Characteristic,
	}, nil)
	s.mu.Unlock()
	s.emit(st)

	s.logger.WithField("peripheral", prev.Peripheral.ID).Info("Disconnecting...")
	s.release(res, device.ErrSessionCancelled)

	s.mu.Lock()
	st = s.setLocked(Status{State: Disconnected}, nil)
	s.mu.Unlock()
	s.emit(st)

	s.logger.WithField("peripheral", prev.Peripheral.ID).Info("Disconnected")
	return nil
}

// abandon cancels attempt gen when its caller gave up before Streaming.
func (s *Session) abandon(gen uint64, cause error) {
	s.mu.Lock()
	pending := s.gen == gen && (s.status.State == Connecting || s.status.State == DiscoveringServices)
	s.mu.Unlock()
	if pending {
		s.logger.WithField("cause", cause).Debug("Connect caller cancelled, abandoning attempt")
		_ = s.Disconnect()
	}
}

// fail moves attempt gen through Failed to Disconnected, releasing its resources.
// A superseded attempt is left alone and reported as cancelled.
func (s *Session) fail(ctx context.Context, gen uint64, reason error) error {
	s.mu.Lock()
	if s.gen != gen || !s.status.State.Active() || s.status.State == Disconnecting || s.status.State == Failed {
		s.mu.Unlock()
		return cancelled(ctx)
	}
	res := s.takeLocked()
	prev := s.status
	st := s.setLocked(Status{
		State:          Failed,
		Peripheral:     prev.Peripheral,
		Services:       prev.Services,
		Characteristic: prev.Characteristic,
		Reason:         reason,
	}, reason)
	s.mu.Unlock()
	s.emit(st)

	if prev.State != Streaming {
		metrics.ConnectFailures.Inc()
	}
	s.logger.WithFields(logrus.Fields{
		"peripheral": prev.Peripheral.ID,
		"state":      prev.State.String(),
		"error":      reason,
	}).Error("Connection failed")

	s.release(res, reason)

	s.mu.Lock()
	if s.gen != gen || s.status.State != Failed {
		s.mu.Unlock()
		return reason
	}
	st = s.setLocked(Status{State: Disconnected}, reason)
	s.mu.Unlock()
	s.emit(st)
	return reason
}

// deliverFor forwards results of attempt gen while it is Streaming.
func (s *Session) deliverFor(gen uint64) stream.DeliverFunc {
	return func(res stream.Result) {
		s.mu.Lock()
		live := s.gen == gen && s.status.State == Streaming
		fn := s.onResult
		s.mu.Unlock()
		if live && fn != nil {
			fn(res)
		}
	}
}

// logReadable reports the readable characteristics of every enumerated service.
func logReadable(log *logrus.Entry, services []device.ServiceDescriptor) {
	for _, svc := range (Status{Services: services}).ReadableCharacteristics() {
		uuids := make([]string, 0, len(svc.Characteristics))
		for _, c := range svc.Characteristics {
			uuids = append(uuids, c.UUID)
		}
		log.WithFields(logrus.Fields{
			"service":  svc.UUID,
			"readable": uuids,
		}).Info("Readable characteristics")
	}
}

func (s *Session) live(gen uint64, state State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen && s.status.State == state
}

type resources struct {
	cancel context.CancelCauseFunc
	handle *stream.Handle
	link   device.Link
}

// takeLocked detaches the attempt's resources. Must hold s.mu.
func (s *Session) takeLocked() resources {
	res := resources{cancel: s.cancel, handle: s.handle, link: s.link}
	s.cancel, s.handle, s.link = nil, nil, nil
	return res
}

// release destroys the stream, cancels the attempt, then disconnects the link.
func (s *Session) release(res resources, cause error) {
	if res.handle != nil {
		if err := res.handle.Unsubscribe(); err != nil {
			s.logger.WithField("error", err).Warn("Failed to unsubscribe during teardown")
		}
	}
	if res.cancel != nil {
		res.cancel(cause)
	}
	if res.link != nil {
		s.releaseLink(res.link)
	}
}

func (s *Session) releaseLink(link device.Link) {
	if err := link.Disconnect(); err != nil {
		s.logger.WithField("error", err).Warn("Radio disconnect failed")
	}
}

func (s *Session) stopScan() {
	if s.scans == nil {
		return
	}
	if err := s.scans.Stop(); err != nil {
		s.logger.WithField("error", err).Warn("Failed to stop scan before connecting")
	}
}

// setLocked installs next and journals the transition. failure replaces Status.Failure
// when non-nil; Connecting clears it. Must hold s.mu.
func (s *Session) setLocked(next Status, failure error) Status {
	prev := s.status
	switch {
	case failure != nil:
		next.Failure = failure
	case next.State == Connecting:
		next.Failure = nil
	default:
		next.Failure = prev.Failure
	}
	s.status = next

	t := Transition{From: prev.State, To: next.State, At: time.Now(), Reason: next.Reason}
	if err := s.journal.Record(t); err != nil {
		s.logger.WithField("error", err).Warn("Failed to journal transition")
	}
	metrics.StateTransitions.WithLabelValues(prev.State.String(), next.State.String()).Inc()
	s.logger.WithFields(logrus.Fields{
		"from": prev.State.String(),
		"to":   next.State.String(),
	}).Debug("Connection state changed")
	return next
}

func (s *Session) emit(st Status) {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func cancelled(ctx context.Context) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", device.ErrSessionCancelled, context.Cause(ctx))
	}
	return device.ErrSessionCancelled
}
