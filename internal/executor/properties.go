package executor

import (
	"context"
	"net/http"
	"time"

	"github.com/roach88/usersync/internal/engine"
	"github.com/roach88/usersync/internal/ir"
	"github.com/roach88/usersync/internal/model"
	"github.com/roach88/usersync/internal/transport"
)

// propertiesEntry is the pending property update of one user. Deltas
// that arrive before the entry is sent are folded into it.
type propertiesEntry struct {
	ID    string `cbor:"id"`
	Owner Owner  `cbor:"owner"`

	// Properties holds top-level properties, last value wins.
	Properties ir.Object `cbor:"properties,omitempty"`
	// Tags holds changed tags; removed tags carry "".
	Tags ir.Object `cbor:"tags,omitempty"`

	Deltas    int       `cbor:"deltas"`
	UpdatedAt time.Time `cbor:"updated_at"`
}

func (e propertiesEntry) EntryID() string { return e.ID }

func (e propertiesEntry) key() string { return e.Owner.IdentityModelID }

// with returns a copy of e with d folded in.
func (e propertiesEntry) with(d ir.Delta) propertiesEntry {
	next := e
	next.Properties = e.Properties.Clone()
	next.Tags = e.Tags.Clone()

	if d.Property == model.PropertyTags {
		changed, _ := d.Value.(ir.Object)
		next.Tags = next.Tags.Merge(changed)
	} else {
		if next.Properties == nil {
			next.Properties = ir.Object{}
		}
		next.Properties[d.Property] = d.Value
	}
	next.Deltas++
	next.UpdatedAt = d.Timestamp
	return next
}

func (e propertiesEntry) body() ir.Object {
	props := e.Properties.Clone()
	if props == nil {
		props = ir.Object{}
	}
	if len(e.Tags) > 0 {
		props[model.PropertyTags] = e.Tags.Clone()
	}
	return ir.Object{"properties": props}
}

// PropertiesExecutor sends tag, language and other user property
// updates. Updates for one user coalesce into a single request per flush,
// and at most one such request per user is in flight.
type PropertiesExecutor struct {
	base
	queue *engine.Queue[propertiesEntry]
}

var _ engine.Executor = (*PropertiesExecutor)(nil)

// NewPropertiesExecutor creates the executor and restores its queue.
func NewPropertiesExecutor(deps Deps) *PropertiesExecutor {
	x := &PropertiesExecutor{}
	x.init("properties", deps)
	x.queue = engine.NewQueue[propertiesEntry](x.name, x.deps.KV, x.deps.Logger)
	return x
}

// SupportedDeltas implements engine.Executor.
func (x *PropertiesExecutor) SupportedDeltas() []ir.OperationName {
	return []ir.OperationName{ir.OpUpdateProperties}
}

// EnqueueDelta folds d into the newest entry of the same user that is not
// in flight, or queues a new entry.
func (x *PropertiesExecutor) EnqueueDelta(d ir.Delta) {
	owner := x.capture(d.IdentityModelID)
	x.queue.Mutate(func(entries []propertiesEntry, inFlight func(string) bool) []propertiesEntry {
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			if e.Owner.IdentityModelID != d.IdentityModelID {
				continue
			}
			if inFlight(e.ID) {
				break
			}
			entries[i] = e.with(d)
			return entries
		}
		fresh := propertiesEntry{ID: d.ID, Owner: owner}
		return append(entries, fresh.with(d))
	})
}

// Pending implements engine.Executor.
func (x *PropertiesExecutor) Pending() int { return x.queue.Len() }

// Process implements engine.Executor.
func (x *PropertiesExecutor) Process(ctx context.Context, opts engine.ProcessOptions) error {
	return x.pass(ctx, opts, func(ctx context.Context) error {
		claimed := claimOrdered(x.queue, propertiesEntry.key, func(e propertiesEntry) bool {
			return x.ready(e.Owner, opts)
		})
		return sendInOrder(ctx, x.queue, claimed, propertiesEntry.key, x.send)
	})
}

func (x *PropertiesExecutor) send(ctx context.Context, e propertiesEntry) bool {
	t, res := x.resolve(e.Owner)
	if res == orphaned {
		x.logger.Debug("dropping property update for unknown user", "entry", e.ID)
		x.queue.Complete(e.ID)
		return true
	}
	jwt, ok := x.authorize(t.externalID)
	if !ok {
		x.queue.Release(e.ID)
		return false
	}

	req := &transport.Request{
		ID:     e.ID,
		Kind:   transport.KindUpdateProperties,
		Method: http.MethodPatch,
		Path:   x.userPath(t.onesignalID),
		Body:   e.body(),
		JWT:    jwt,
	}
	resp, class, err := x.execute(ctx, req)
	if class != transport.Success {
		return !x.fail(x.queue, e.ID, req.Kind, t, jwt, class, err)
	}

	x.queue.Complete(e.ID)
	x.recordConsistency(t.onesignalID, resp)
	x.logger.Debug("properties sent", "entry", e.ID, "deltas", e.Deltas)
	return true
}

// Owns reports whether a queued entry belongs to identityModelID.
func (x *PropertiesExecutor) Owns(identityModelID string) bool {
	for _, e := range x.queue.Entries() {
		if e.Owner.IdentityModelID == identityModelID {
			return true
		}
	}
	return false
}
