// Package controller orchestrates permission, scanning, the connection session and the
// notification stream, and publishes a consistent Snapshot for a UI.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/ringchan"
	"github.com/srg/blesession/internal/scan"
	"github.com/srg/blesession/internal/session"
	"github.com/srg/blesession/internal/stream"
)

const DefaultSnapshotBuffer = 16

var ErrClosed = errors.New("controller is closed")

// Snapshot is what a UI renders. Version increases with every published snapshot, so a
// consumer can skip updates older than a snapshot it already holds.
type Snapshot struct {
	Version    uint64
	Scan       scan.Epoch
	Connection session.Status
	LastSample *stream.Sample
}

// Options tune a Controller.
type Options struct {
	Session        session.Options
	Decoder        stream.Decoder
	SnapshotBuffer int
}

// Controller owns the radio for its whole lifetime and closes it on Close.
type Controller struct {
	radio    device.Radio
	registry *scan.Registry
	streams  *stream.Manager
	session  *session.Session
	updates  *ringchan.Channel[Snapshot]
	logger   *logrus.Logger

	mu         sync.Mutex
	lastSample *stream.Sample
	version    uint64
	closed     bool

	publishMu sync.Mutex // keeps published snapshots in order
	closeOnce sync.Once
}

// New wires a controller over radio. gate may be nil when the host needs no permission.
func New(radio device.Radio, gate scan.Authorizer, opts Options, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.SnapshotBuffer <= 0 {
		opts.SnapshotBuffer = DefaultSnapshotBuffer
	}

	c := &Controller{
		radio:   radio,
		logger:  logger,
		updates: ringchan.New[Snapshot](opts.SnapshotBuffer),
	}
	c.registry = scan.NewRegistry(radio, gate, logger)
	c.streams = stream.NewManager(opts.Decoder, logger)
	c.session = session.New(radio, c.registry, c.streams, opts.Session, logger)

	// lock order is registry, then session
	c.registry.SetGuard(func() error {
		if c.session.State() != session.Disconnected {
			return device.ErrConnectionActive
		}
		return nil
	})
	c.registry.OnChange(c.publish)
	c.session.OnChange(c.onStatus)
	c.session.OnResult(c.onResult)
	return c
}

// RequestScan starts a new scan epoch. It is rejected with device.ErrConnectionActive
// while a connection exists and with device.ErrPermissionDenied when the gate denies.
func (c *Controller) RequestScan(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.registry.Start(ctx)
}

// StopScan ends the current scan epoch, if any.
func (c *Controller) StopScan() error {
	return c.registry.Stop()
}

// SelectPeripheral connects to a peripheral of the current epoch and returns once the
// session streams or the attempt ended.
func (c *Controller) SelectPeripheral(ctx context.Context, id string) error {
	if c.isClosed() {
		return ErrClosed
	}
	p, ok := c.registry.Lookup(id)
	if !ok {
		p, ok = c.registry.Lookup(strings.ToLower(id))
	}
	if !ok {
		return fmt.Errorf("%w: %q", device.ErrUnknownPeripheral, id)
	}

	c.mu.Lock()
	c.lastSample = nil
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"peripheral": p.ID,
		"name":       p.Name,
	}).Debug("Peripheral selected")
	return c.session.Connect(ctx, p)
}

// EndSession disconnects and forgets the last sample.
func (c *Controller) EndSession() error {
	err := c.session.Disconnect()
	c.mu.Lock()
	c.lastSample = nil
	c.mu.Unlock()
	c.publish()
	return err
}

// Snapshot returns the current composite state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	var last *stream.Sample
	if c.lastSample != nil {
		s := *c.lastSample
		last = &s
	}
	version := c.version
	c.mu.Unlock()

	return Snapshot{
		Version:    version,
		Scan:       c.registry.Snapshot(),
		Connection: c.session.Status(),
		LastSample: last,
	}
}

// Updates delivers a snapshot per state change or sample. Slow readers lose the oldest
// snapshots, never the newest. Closed by Close.
func (c *Controller) Updates() <-chan Snapshot {
	return c.updates.C()
}

// DrainTransitions returns the journaled session transitions, oldest first.
func (c *Controller) DrainTransitions() []session.Transition {
	return c.session.DrainTransitions()
}

// ActiveStreams reports the number of live notification streams.
func (c *Controller) ActiveStreams() int {
	return c.streams.Active()
}

// Close ends the session, stops scanning, closes the radio and the updates channel.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		if derr := c.session.Disconnect(); derr != nil {
			c.logger.WithField("error", derr).Warn("Failed to end session on close")
		}
		if serr := c.registry.Stop(); serr != nil {
			c.logger.WithField("error", serr).Warn("Failed to stop scan on close")
		}
		err = c.radio.Close()

		c.publishMu.Lock()
		c.updates.Close()
		c.publishMu.Unlock()

		stats := c.updates.Stats()
		c.logger.WithFields(logrus.Fields{
			"snapshots":   stats.Published,
			"overwritten": stats.Overwritten,
		}).Debug("Controller closed")
	})
	return err
}

func (c *Controller) onResult(res stream.Result) {
	if res.Err != nil {
		var serr *device.StreamError
		if !errors.As(res.Err, &serr) {
			c.logger.WithFields(logrus.Fields{
				"seq":   res.Sample.Seq,
				"error": res.Err,
			}).Debug("Sample dropped")
		}
		// terminal stream errors surface through the session status
		return
	}

	sample := res.Sample
	c.mu.Lock()
	// a teardown may have started after the session forwarded the sample
	if st := c.session.State(); st != session.Streaming {
		c.mu.Unlock()
		c.logger.WithFields(logrus.Fields{
			"seq":   sample.Seq,
			"state": st.String(),
		}).Debug("Sample arrived after streaming ended, dropped")
		return
	}
	c.lastSample = &sample
	c.mu.Unlock()
	c.publish()
}

// onStatus forgets the last sample once the session leaves Streaming. Together with the
// state check in onResult no sample outlives the stream it came from.
func (c *Controller) onStatus(st session.Status) {
	if st.State != session.Streaming {
		c.mu.Lock()
		c.lastSample = nil
		c.mu.Unlock()
	}
	c.publish()
}

func (c *Controller) publish() {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	c.mu.Lock()
	c.version++
	c.mu.Unlock()
	if c.updates.Publish(c.Snapshot()) {
		c.logger.Trace("Snapshot consumer is behind, dropped oldest")
	}
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
