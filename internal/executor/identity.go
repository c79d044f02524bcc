package executor

import (
	"context"
	"net/http"

	"github.com/roach88/usersync/internal/engine"
	"github.com/roach88/usersync/internal/ir"
	"github.com/roach88/usersync/internal/transport"
)

type aliasEntry struct {
	Delta ir.Delta `cbor:"delta"`
	Owner Owner    `cbor:"owner"`
}

func (e aliasEntry) EntryID() string { return e.Delta.ID }

// key orders requests per alias label of one user. An add and a removal
// of the same label are never merged: both reach the server, in order.
func (e aliasEntry) key() string { return e.Owner.IdentityModelID + "/" + e.Delta.Property }

// IdentityExecutor sends alias additions and removals.
type IdentityExecutor struct {
	base
	queue *engine.Queue[aliasEntry]
}

var _ engine.Executor = (*IdentityExecutor)(nil)

// NewIdentityExecutor creates the executor and restores its queue.
func NewIdentityExecutor(deps Deps) *IdentityExecutor {
	x := &IdentityExecutor{}
	x.init("identity", deps)
	x.queue = engine.NewQueue[aliasEntry](x.name, x.deps.KV, x.deps.Logger)
	return x
}

// SupportedDeltas implements engine.Executor.
func (x *IdentityExecutor) SupportedDeltas() []ir.OperationName {
	return []ir.OperationName{ir.OpAddAliases, ir.OpRemoveAlias}
}

// EnqueueDelta implements engine.Executor.
func (x *IdentityExecutor) EnqueueDelta(d ir.Delta) {
	x.queue.Append(aliasEntry{Delta: d, Owner: x.capture(d.IdentityModelID)})
}

// Pending implements engine.Executor.
func (x *IdentityExecutor) Pending() int { return x.queue.Len() }

// Process implements engine.Executor.
func (x *IdentityExecutor) Process(ctx context.Context, opts engine.ProcessOptions) error {
	return x.pass(ctx, opts, func(ctx context.Context) error {
		claimed := claimOrdered(x.queue, aliasEntry.key, func(e aliasEntry) bool {
			return x.ready(e.Owner, opts)
		})
		return sendInOrder(ctx, x.queue, claimed, aliasEntry.key, x.send)
	})
}

func (x *IdentityExecutor) send(ctx context.Context, e aliasEntry) bool {
	t, res := x.resolve(e.Owner)
	if res == orphaned {
		x.logger.Debug("dropping alias change for unknown user", "entry", e.EntryID())
		x.queue.Complete(e.EntryID())
		return true
	}
	jwt, ok := x.authorize(t.externalID)
	if !ok {
		x.queue.Release(e.EntryID())
		return false
	}

	req := x.request(e, t, jwt)
	resp, class, err := x.execute(ctx, req)
	if class != transport.Success {
		return !x.fail(x.queue, e.EntryID(), req.Kind, t, jwt, class, err)
	}

	x.queue.Complete(e.EntryID())
	x.recordConsistency(t.onesignalID, resp)
	x.logger.Debug("alias change sent", "kind", req.Kind, "label", e.Delta.Property)
	return true
}

func (x *IdentityExecutor) request(e aliasEntry, t target, jwt string) *transport.Request {
	label := e.Delta.Property
	if e.Delta.Name == ir.OpRemoveAlias || ir.IsNull(e.Delta.Value) {
		return &transport.Request{
			ID:     e.EntryID(),
			Kind:   transport.KindRemoveAlias,
			Method: http.MethodDelete,
			Path:   x.userPath(t.onesignalID, "identity", label),
			JWT:    jwt,
		}
	}
	return &transport.Request{
		ID:     e.EntryID(),
		Kind:   transport.KindAddAliases,
		Method: http.MethodPatch,
		Path:   x.userPath(t.onesignalID, "identity"),
		Body:   ir.Object{"identity": ir.Object{label: e.Delta.Value}},
		JWT:    jwt,
	}
}

// Owns reports whether a queued entry belongs to identityModelID.
func (x *IdentityExecutor) Owns(identityModelID string) bool {
	for _, e := range x.queue.Entries() {
		if e.Owner.IdentityModelID == identityModelID {
			return true
		}
	}
	return false
}
