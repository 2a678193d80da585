// Package stream delivers decoded notifications of one characteristic subscription.
package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/groutine"
	"github.com/srg/blesession/internal/metrics"
)

// Sample is one decoded notification value. Seq counts notifications per handle from 1.
type Sample struct {
	Seq       uint64
	Timestamp time.Time
	Data      []byte
}

// Result is either a Sample or a per-sample error. A *device.StreamError in Err is
// the last Result a handle delivers.
type Result struct {
	Sample Sample
	Err    error
}

// DeliverFunc receives results on the radio callback goroutine, in arrival order.
type DeliverFunc func(Result)

// Manager creates subscriptions and tracks the live ones.
type Manager struct {
	decoder Decoder
	logger  *logrus.Logger
	handles *hashmap.Map[uint64, *Handle]
	nextID  atomic.Uint64
}

// NewManager creates a manager decoding payloads with decoder (raw when nil).
func NewManager(decoder Decoder, logger *logrus.Logger) *Manager {
	if decoder == nil {
		decoder = RawDecoder{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		decoder: decoder,
		logger:  logger,
		handles: hashmap.New[uint64, *Handle](),
	}
}

// Decoder returns the payload decoder.
func (m *Manager) Decoder() Decoder {
	return m.decoder
}

// Active returns the number of live handles.
func (m *Manager) Active() int {
	return m.handles.Len()
}

// Subscribe enables notifications of ref on link. Results flow to deliver until the handle
// is unsubscribed, ctx ends, or the transport fails. A radio refusal is a *device.SubscribeError.
func (m *Manager) Subscribe(ctx context.Context, link device.Link, ref device.CharacteristicRef, deliver DeliverFunc) (*Handle, error) {
	if deliver == nil {
		return nil, fmt.Errorf("deliver callback is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}

	hctx, cancel := context.WithCancelCause(ctx)
	h := &Handle{
		id:      m.nextID.Add(1),
		ref:     ref,
		link:    link,
		mgr:     m,
		deliver: deliver,
		ctx:     hctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	if err := link.Subscribe(hctx, ref, h.onNotification); err != nil {
		cancel(err)
		m.logger.WithFields(logrus.Fields{
			"characteristic": ref.String(),
			"error":          err,
		}).Error("Failed to subscribe")
		return nil, &device.SubscribeError{Ref: ref, Err: err}
	}

	m.handles.Set(h.id, h)
	groutine.Go(hctx, "stream-watch", h.watch)

	m.logger.WithFields(logrus.Fields{
		"characteristic": ref.String(),
		"decoder":        m.decoder.Name(),
	}).Info("Notification stream started")
	return h, nil
}

// Handle is a live subscription.
type Handle struct {
	id      uint64
	ref     device.CharacteristicRef
	link    device.Link
	mgr     *Manager
	deliver DeliverFunc

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu     sync.Mutex // serializes deliveries
	seq    uint64
	closed atomic.Bool

	done      chan struct{}
	finishOne sync.Once
	err       atomic.Pointer[device.StreamError]
}

// Ref returns the subscribed characteristic.
func (h *Handle) Ref() device.CharacteristicRef {
	return h.ref
}

// Done is closed once the handle stops delivering.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the fatal transport error, or nil if the handle ended otherwise.
func (h *Handle) Err() error {
	if e := h.err.Load(); e != nil {
		return e
	}
	return nil
}

// Unsubscribe stops delivery, waits for a delivery in progress to return, then releases
// the radio subscription. Once it returns no result of this handle is being delivered.
// Idempotent and safe after the link is gone. It must not be called from the deliver
// callback; use Stop there.
func (h *Handle) Unsubscribe() error {
	first := h.stop()

	// deliveries run under h.mu
	h.mu.Lock()
	h.mu.Unlock() //nolint:staticcheck

	if !first {
		return nil
	}
	return h.release()
}

// Stop ends delivery without waiting and releases the radio subscription in the
// background. It is the variant to use from inside the deliver callback.
func (h *Handle) Stop() {
	if h.stop() {
		groutine.Go(context.Background(), "stream-release", func(context.Context) {
			_ = h.release()
		})
	}
}

func (h *Handle) stop() bool {
	if !h.closed.CompareAndSwap(false, true) {
		return false
	}
	h.cancel(context.Canceled)
	h.finish()
	return true
}

func (h *Handle) onNotification(n device.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed.Load() || h.ctx.Err() != nil {
		return
	}
	if n.Err != nil {
		if h.failLocked(n.Err) {
			// not from inside the radio callback
			groutine.Go(context.Background(), "stream-release", func(context.Context) {
				_ = h.release()
			})
		}
		return
	}

	h.seq++
	sample := Sample{Seq: h.seq, Timestamp: time.Now()}

	if len(n.Data) == 0 {
		metrics.SampleErrors.WithLabelValues("no_data").Inc()
		h.deliver(Result{Sample: sample, Err: device.ErrNoData})
		return
	}

	data, err := h.mgr.decoder.Decode(n.Data)
	if err != nil {
		metrics.SampleErrors.WithLabelValues("decode").Inc()
		h.mgr.logger.WithFields(logrus.Fields{
			"characteristic": h.ref.String(),
			"seq":            sample.Seq,
			"error":          err,
		}).Debug("Dropping undecodable notification")
		h.deliver(Result{Sample: sample, Err: &DecodeError{Decoder: h.mgr.decoder.Name(), Raw: n.Data, Err: err}})
		return
	}

	sample.Data = data
	metrics.Samples.Inc()
	h.deliver(Result{Sample: sample})
}

// watch turns link loss into a fatal stream error and releases the handle when ctx ends.
func (h *Handle) watch(ctx context.Context) {
	select {
	case <-h.link.Disconnected():
		h.fail(fmt.Errorf("%w: link lost", device.ErrNotConnected))
	case <-ctx.Done():
		if h.closed.CompareAndSwap(false, true) {
			h.finish()
			if err := h.release(); err != nil {
				h.mgr.logger.WithField("error", err).Debug("Unsubscribe after cancellation failed")
			}
		}
	}
}

func (h *Handle) fail(cause error) {
	h.mu.Lock()
	failed := h.failLocked(cause)
	h.mu.Unlock()
	if failed {
		if err := h.release(); err != nil {
			h.mgr.logger.WithField("error", err).Debug("Unsubscribe after stream failure failed")
		}
	}
}

// failLocked delivers the terminal result. Must hold h.mu.
func (h *Handle) failLocked(cause error) bool {
	if !h.closed.CompareAndSwap(false, true) {
		return false
	}
	serr := &device.StreamError{Ref: h.ref, Err: cause}
	h.err.Store(serr)
	metrics.StreamFailures.Inc()
	h.mgr.logger.WithFields(logrus.Fields{
		"characteristic": h.ref.String(),
		"error":          cause,
	}).Warn("Notification stream failed")

	h.deliver(Result{Err: serr})
	h.cancel(serr)
	h.finish()
	return true
}

func (h *Handle) finish() {
	h.finishOne.Do(func() {
		h.mgr.handles.Del(h.id)
		close(h.done)
	})
}

func (h *Handle) release() error {
	err := h.link.Unsubscribe(h.ref)
	if err != nil {
		h.mgr.logger.WithFields(logrus.Fields{
			"characteristic": h.ref.String(),
			"error":          err,
		}).Warn("Failed to unsubscribe")
	}
	return err
}
