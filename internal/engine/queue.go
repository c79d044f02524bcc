package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/usersync/internal/store"
)

// QueueKeyPrefix namespaces executor queues in the KV.
const QueueKeyPrefix = "operation_queue."

// Entry is anything an executor keeps in its Queue.
type Entry interface {
	EntryID() string
}

// Queue is an ordered, persisted list of executor entries.
//
// Every structural change (append, remove, replace, mutate) happens under
// one lock and writes the whole list to the KV before the lock is
// released, so the persisted queue never lags behind a change another
// goroutine has already observed.
//
// Claim marks entries as in flight. In-flight markers live only in memory:
// after a restart every restored entry is eligible again.
//
// Thread-safety: all methods are safe for concurrent use.
type Queue[T Entry] struct {
	name   string
	kv     store.KV
	logger *slog.Logger

	mu       sync.Mutex
	entries  []T
	inFlight map[string]bool
}

// NewQueue creates a queue and restores its persisted entries. A queue
// record that cannot be decoded is discarded and the queue starts empty.
func NewQueue[T Entry](name string, kv store.KV, logger *slog.Logger) *Queue[T] {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue[T]{
		name:     name,
		kv:       kv,
		logger:   logger.With("component", "queue", "queue", name),
		inFlight: make(map[string]bool),
	}

	var restored []T
	found, err := kv.Load(context.Background(), q.storageKey(), &restored)
	switch {
	case err != nil:
		q.logger.Warn("discarding unreadable queue", "error", err)
	case found:
		q.entries = restored
		q.logger.Debug("queue restored", "entries", len(restored))
	}
	return q
}

func (q *Queue[T]) storageKey() string {
	return QueueKeyPrefix + q.name
}

// Append adds e to the back of the queue.
func (q *Queue[T]) Append(e T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = append(q.entries, e)
	q.persistLocked()
}

// Mutate replaces the queue contents with the result of fn, atomically.
// fn receives a copy of the entries and a predicate reporting in-flight
// ids; it must not retain either after returning.
//
// In-flight markers for ids no longer present are kept until Release, so
// a completion that arrives after its entry was superseded can detect it.
func (q *Queue[T]) Mutate(fn func(entries []T, inFlight func(id string) bool) []T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	current := make([]T, len(q.entries))
	copy(current, q.entries)

	q.entries = fn(current, func(id string) bool { return q.inFlight[id] })
	q.persistLocked()
}

// Replace swaps the entry with the same id for e. It reports false when
// the entry is gone, which is how a completing request learns that it was
// superseded or cancelled meanwhile.
func (q *Queue[T]) Replace(e T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, existing := range q.entries {
		if existing.EntryID() == e.EntryID() {
			q.entries[i] = e
			q.persistLocked()
			return true
		}
	}
	return false
}

// Claim walks the queue in order and marks as in flight every entry for
// which take returns true. take is called with the lock held for every
// entry, in queue order, including entries already in flight (inFlight is
// true and the result is ignored) so callers can hold back entries queued
// behind an in-flight one.
func (q *Queue[T]) Claim(take func(e T, inFlight bool) bool) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	var claimed []T
	for _, e := range q.entries {
		if q.inFlight[e.EntryID()] {
			take(e, true)
			continue
		}
		if take(e, false) {
			q.inFlight[e.EntryID()] = true
			claimed = append(claimed, e)
		}
	}
	return claimed
}

// Release clears the in-flight marker for id.
func (q *Queue[T]) Release(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, id)
}

// Complete removes the entry and clears its in-flight marker in one step.
// It reports whether the entry was still queued.
func (q *Queue[T]) Complete(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inFlight, id)
	for i, e := range q.entries {
		if e.EntryID() == id {
			q.entries = append(q.entries[:i:i], q.entries[i+1:]...)
			q.persistLocked()
			return true
		}
	}
	return false
}

// IsInFlight reports whether id is claimed.
func (q *Queue[T]) IsInFlight(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight[id]
}

// InFlightCount returns the number of claimed entries.
func (q *Queue[T]) InFlightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// Entries returns a copy of the queue in order.
func (q *Queue[T]) Entries() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, len(q.entries))
	copy(out, q.entries)
	return out
}

// Len returns the number of queued entries, in flight or not.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue[T]) persistLocked() {
	if err := q.kv.Save(context.Background(), q.storageKey(), q.entries); err != nil {
		q.logger.Warn("persist queue failed", "error", err)
	}
}
