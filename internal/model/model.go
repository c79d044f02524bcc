package model

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/usersync/internal/ir"
)

// Kind names a concrete model type. It is persisted with every record.
type Kind string

const (
	KindIdentity     Kind = "identity"
	KindProperties   Kind = "properties"
	KindSubscription Kind = "subscription"
)

// Change describes one property update on a model.
type Change struct {
	Model    Model
	Property string

	// Value is the new value. For merged properties (tags) it holds only
	// the keys that changed in this update.
	Value ir.Value

	// Old is the previous value of Property.
	Old ir.Value

	// Hydrating is true when the change was applied from a server response.
	Hydrating bool
}

// Model is an observable record with an immutable id.
//
// Concrete models implement Hydrate themselves: Base does not satisfy this
// interface on its own, so a model without hydration cannot be built.
type Model interface {
	ID() string
	Kind() Kind
	Get(property string) ir.Value
	Snapshot() Record
	Hydrate(response ir.Object)
	OnChange(fn func(Change)) func()
}

// Record is the persisted form of a model.
type Record struct {
	ID         string    `cbor:"id"`
	Kind       Kind      `cbor:"kind"`
	Properties ir.Object `cbor:"properties"`
}

// Base carries the state and change notification shared by every model.
// Concrete models embed it and pass themselves as owner, so the Model in
// each Change is the concrete value rather than the embedded Base.
type Base struct {
	id    string
	kind  Kind
	owner Model

	mu    sync.RWMutex
	props ir.Object

	changes EventProducer[Change]
}

func newBase(owner Model, kind Kind, id string, props ir.Object) *Base {
	if id == "" {
		id = uuid.NewString()
	}
	if props == nil {
		props = ir.Object{}
	}
	return &Base{id: id, kind: kind, owner: owner, props: props.Clone()}
}

// ID returns the model id assigned at creation.
func (b *Base) ID() string { return b.id }

// Kind returns the model kind.
func (b *Base) Kind() Kind { return b.kind }

// Get returns the current value of property, or nil if unset.
func (b *Base) Get(property string) ir.Value {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.props[property]
}

func (b *Base) getString(property string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, _ := b.props.GetString(property)
	return s
}

// Snapshot returns a copy of the model suitable for persistence.
func (b *Base) Snapshot() Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Record{ID: b.id, Kind: b.kind, Properties: b.props.Clone()}
}

// OnChange registers fn for every change of this model.
func (b *Base) OnChange(fn func(Change)) func() {
	return b.changes.Subscribe(fn)
}

// set stores value under property and fires a Change reporting the same
// value. Null removes the property.
func (b *Base) set(property string, value ir.Value, hydrating bool) {
	b.update(property, func(ir.Value) (ir.Value, ir.Value) { return value, value }, hydrating)
}

// update computes the next value of property from the current one while
// holding the lock, then fires a Change. apply returns the value to store
// and the value to report; they differ for merged properties, where the
// stored value is the full map and the reported value is only what
// changed.
func (b *Base) update(property string, apply func(old ir.Value) (stored, reported ir.Value), hydrating bool) {
	b.mu.Lock()
	old := b.props[property]
	stored, reported := apply(old)
	if ir.IsNull(stored) {
		delete(b.props, property)
	} else {
		b.props[property] = stored
	}
	b.mu.Unlock()

	if reported == nil {
		reported = ir.Null{}
	}
	b.changes.Fire(Change{
		Model:     b.owner,
		Property:  property,
		Value:     reported,
		Old:       old,
		Hydrating: hydrating,
	})
}

// Restore rebuilds a model from its persisted record.
func Restore(r Record) (Model, error) {
	switch r.Kind {
	case KindIdentity:
		return restoreIdentity(r), nil
	case KindProperties:
		return restoreProperties(r), nil
	case KindSubscription:
		return restoreSubscription(r), nil
	default:
		return nil, fmt.Errorf("model: unknown kind %q", r.Kind)
	}
}
