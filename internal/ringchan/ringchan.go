// Package ringchan provides a bounded channel whose producers never block:
// when the buffer is full the oldest value is discarded.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// Channel is a bounded overwrite-oldest channel. Consumers read C() like any
// channel; it is closed by Close.
//
//	rc := ringchan.New[int](3)
//	for i := 0; i < 10; i++ {
//	    rc.Publish(i)
//	}
//	rc.Close()
//	for v := range rc.C() {
//	    fmt.Println(v) // 7, 8, 9
//	}
type Channel[T any] struct {
	ch chan T

	mu     sync.Mutex // serializes producers so drop-then-send is atomic
	closed bool

	published   atomic.Int64
	overwritten atomic.Int64
}

// Stats is a snapshot of channel counters.
type Stats struct {
	Published   int64
	Overwritten int64
	Buffered    int
}

// New creates a channel holding up to capacity values.
func New[T any](capacity int) *Channel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &Channel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side.
func (rc *Channel[T]) C() <-chan T {
	return rc.ch
}

// Publish enqueues v, discarding the oldest buffered value if the buffer is full.
// It reports whether a value was discarded. Publishing after Close is a no-op.
func (rc *Channel[T]) Publish(v T) (dropped bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return false
	}

	select {
	case rc.ch <- v:
	default:
		select {
		case <-rc.ch:
			dropped = true
			rc.overwritten.Add(1)
		default:
			// a consumer drained it meanwhile
		}
		rc.ch <- v
	}
	rc.published.Add(1)
	return dropped
}

// Close closes the receive side. Buffered values stay readable. Idempotent.
func (rc *Channel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if !rc.closed {
		rc.closed = true
		close(rc.ch)
	}
}

// Len returns the number of buffered values.
func (rc *Channel[T]) Len() int {
	return len(rc.ch)
}

func (rc *Channel[T]) Stats() Stats {
	return Stats{
		Published:   rc.published.Load(),
		Overwritten: rc.overwritten.Load(),
		Buffered:    len(rc.ch),
	}
}
