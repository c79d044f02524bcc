package clock

import "sync/atomic"

// Sequence is a monotonic logical counter used to order submissions
// that carry indistinguishable wall-clock timestamps.
//
// Thread-safety: Sequence is safe for concurrent use (atomic operations).
type Sequence struct {
	seq atomic.Int64
}

// NewSequence creates a sequence starting at 0.
func NewSequence() *Sequence {
	return &Sequence{}
}

// NewSequenceAt creates a sequence starting at a specific value.
// Used when restoring persisted queues so new submissions sort after
// everything that was written by a previous process.
func NewSequenceAt(start int64) *Sequence {
	s := &Sequence{}
	s.seq.Store(start)
	return s
}

// Next returns the next sequence number and increments the counter.
// Calls are linearizable - each call returns a unique, increasing value.
func (s *Sequence) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the current value without incrementing.
func (s *Sequence) Current() int64 {
	return s.seq.Load()
}

// Observe raises the counter to at least n. Lower values are ignored.
func (s *Sequence) Observe(n int64) {
	for {
		cur := s.seq.Load()
		if n <= cur {
			return
		}
		if s.seq.CompareAndSwap(cur, n) {
			return
		}
	}
}
