package model

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/usersync/internal/store"
)

// StoreKeyPrefix namespaces model store records in the KV.
const StoreKeyPrefix = "model_store."

// StoreEvent reports a model added to or removed from a Store.
type StoreEvent[M Model] struct {
	Key       string
	Model     M
	Hydrating bool
}

// Store is a keyed collection of models of one kind.
//
// Every structural change and every model change is persisted, as the
// whole map, before the store's own listeners are notified.
type Store[M Model] struct {
	name    string
	kv      store.KV
	restore func(Record) (M, error)
	logger  *slog.Logger

	mu     sync.Mutex
	models map[string]M
	unsubs map[string]func()

	added   EventProducer[StoreEvent[M]]
	removed EventProducer[StoreEvent[M]]
	updated EventProducer[Change]
}

// NewStore creates a store and loads its persisted models. Records that
// cannot be decoded leave the store empty rather than failing.
func NewStore[M Model](name string, kv store.KV, restore func(Record) (M, error), logger *slog.Logger) *Store[M] {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store[M]{
		name:    name,
		kv:      kv,
		restore: restore,
		logger:  logger.With("component", "model_store", "store", name),
		models:  make(map[string]M),
		unsubs:  make(map[string]func()),
	}
	s.load()
	return s
}

// NewIdentityStore returns a store of identity models.
func NewIdentityStore(kv store.KV, logger *slog.Logger) *Store[*Identity] {
	return NewStore("identity", kv, restoreAs[*Identity], logger)
}

// NewPropertiesStore returns a store of properties models.
func NewPropertiesStore(kv store.KV, logger *slog.Logger) *Store[*Properties] {
	return NewStore("properties", kv, restoreAs[*Properties], logger)
}

// NewSubscriptionStore returns a store of subscription models.
func NewSubscriptionStore(kv store.KV, logger *slog.Logger) *Store[*Subscription] {
	return NewStore("subscriptions", kv, restoreAs[*Subscription], logger)
}

func restoreAs[M Model](r Record) (M, error) {
	var zero M
	m, err := Restore(r)
	if err != nil {
		return zero, err
	}
	typed, ok := m.(M)
	if !ok {
		return zero, fmt.Errorf("model: record %s has kind %q", r.ID, r.Kind)
	}
	return typed, nil
}

func (s *Store[M]) storageKey() string {
	return StoreKeyPrefix + s.name
}

func (s *Store[M]) load() {
	var records map[string]Record
	found, err := s.kv.Load(context.Background(), s.storageKey(), &records)
	if err != nil {
		s.logger.Warn("discarding unreadable model store cache", "error", err)
		return
	}
	if !found {
		return
	}

	restored := make(map[string]M, len(records))
	for key, r := range records {
		m, err := s.restore(r)
		if err != nil {
			s.logger.Warn("discarding unreadable model store cache", "key", key, "error", err)
			return
		}
		restored[key] = m
	}

	for key, m := range restored {
		s.models[key] = m
		s.unsubs[key] = m.OnChange(s.onModelChange)
	}
}

// Name returns the store name.
func (s *Store[M]) Name() string { return s.name }

// Add inserts or replaces the model under key.
func (s *Store[M]) Add(key string, m M, hydrating bool) {
	s.mu.Lock()
	if unsub, ok := s.unsubs[key]; ok {
		unsub()
	}
	s.models[key] = m
	s.unsubs[key] = m.OnChange(s.onModelChange)
	s.persistLocked()
	s.mu.Unlock()

	s.added.Fire(StoreEvent[M]{Key: key, Model: m, Hydrating: hydrating})
}

// Remove deletes the model under key. It reports false if the key was
// absent.
func (s *Store[M]) Remove(key string, hydrating bool) (M, bool) {
	s.mu.Lock()
	m, ok := s.models[key]
	if !ok {
		s.mu.Unlock()
		var zero M
		return zero, false
	}
	s.unsubs[key]()
	delete(s.unsubs, key)
	delete(s.models, key)
	s.persistLocked()
	s.mu.Unlock()

	s.removed.Fire(StoreEvent[M]{Key: key, Model: m, Hydrating: hydrating})
	return m, true
}

// RemoveAll deletes every model, firing a removal for each.
func (s *Store[M]) RemoveAll(hydrating bool) {
	for _, key := range s.Keys() {
		s.Remove(key, hydrating)
	}
}

// Get returns the model under key.
func (s *Store[M]) Get(key string) (M, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[key]
	return m, ok
}

// Find returns the first model, in key order, for which match is true.
func (s *Store[M]) Find(match func(M) bool) (M, bool) {
	for _, m := range s.Models() {
		if match(m) {
			return m, true
		}
	}
	var zero M
	return zero, false
}

// Keys returns the store keys in sorted order.
func (s *Store[M]) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.models))
	for k := range s.models {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Models returns the models in key order.
func (s *Store[M]) Models() []M {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.models))
	for k := range s.models {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]M, len(keys))
	for i, k := range keys {
		out[i] = s.models[k]
	}
	return out
}

// Len returns the number of models.
func (s *Store[M]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.models)
}

// ClearCache removes the persisted copy of the store. In-memory models
// are untouched: executors may still hold them while requests are in
// flight. The next mutation persists the store again.
func (s *Store[M]) ClearCache() {
	if err := s.kv.Remove(context.Background(), s.storageKey()); err != nil {
		s.logger.Warn("clear model store cache failed", "error", err)
	}
}

// OnAdded registers fn for models added to the store.
func (s *Store[M]) OnAdded(fn func(StoreEvent[M])) func() { return s.added.Subscribe(fn) }

// OnRemoved registers fn for models removed from the store.
func (s *Store[M]) OnRemoved(fn func(StoreEvent[M])) func() { return s.removed.Subscribe(fn) }

// OnUpdated registers fn for property changes of any model in the store.
func (s *Store[M]) OnUpdated(fn func(Change)) func() { return s.updated.Subscribe(fn) }

func (s *Store[M]) onModelChange(c Change) {
	s.mu.Lock()
	s.persistLocked()
	s.mu.Unlock()

	s.updated.Fire(c)
}

func (s *Store[M]) persistLocked() {
	records := make(map[string]Record, len(s.models))
	for k, m := range s.models {
		records[k] = m.Snapshot()
	}
	if err := s.kv.Save(context.Background(), s.storageKey(), records); err != nil {
		s.logger.Warn("persist model store failed", "error", err)
	}
}
