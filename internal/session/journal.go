package session

import (
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// DefaultJournalSize is the number of transitions kept when no size is configured.
const DefaultJournalSize uint32 = 64

// Journal keeps the most recent transitions. The oldest entries are overwritten when full.
type Journal struct {
	buffer      mpmc.RichOverlappedRingBuffer[Transition]
	overwritten atomic.Int64
	recorded    atomic.Int64
}

// NewJournal creates a journal holding about size transitions.
func NewJournal(size uint32) *Journal {
	if size == 0 {
		size = DefaultJournalSize
	}
	return &Journal{buffer: mpmc.NewOverlappedRingBuffer[Transition](size)}
}

// Record appends t, dropping the oldest entry if needed.
func (j *Journal) Record(t Transition) error {
	overwrites, err := j.buffer.EnqueueM(t)
	if err != nil {
		return err
	}
	j.overwritten.Add(int64(overwrites))
	j.recorded.Add(1)
	return nil
}

// Drain removes and returns the buffered transitions, oldest first.
func (j *Journal) Drain() []Transition {
	var out []Transition
	for !j.buffer.IsEmpty() {
		t, err := j.buffer.Dequeue()
		if err != nil {
			break
		}
		out = append(out, t)
	}
	return out
}

// Overwritten returns how many entries were dropped to make room.
func (j *Journal) Overwritten() int64 {
	return j.overwritten.Load()
}

// Recorded returns how many entries were ever recorded.
func (j *Journal) Recorded() int64 {
	return j.recorded.Load()
}
