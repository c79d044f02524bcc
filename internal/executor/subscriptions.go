package executor

import (
	"context"
	"net/http"
	"time"

	"github.com/roach88/usersync/internal/engine"
	"github.com/roach88/usersync/internal/ir"
	"github.com/roach88/usersync/internal/transport"
)

type subscriptionEntry struct {
	ID    string           `cbor:"id"`
	Op    ir.OperationName `cbor:"op"`
	Owner Owner            `cbor:"owner"`

	// ModelID is the subscription model. Requests are ordered per model.
	ModelID string `cbor:"model_id"`
	// SubscriptionID is the server id, "" until the subscription exists.
	SubscriptionID string `cbor:"subscription_id,omitempty"`

	// Fields is the full subscription for an add and the changed fields
	// for an update.
	Fields ir.Object `cbor:"fields,omitempty"`

	CreatedAt time.Time `cbor:"created_at"`
}

func (e subscriptionEntry) EntryID() string { return e.ID }

func (e subscriptionEntry) key() string { return e.ModelID }

// SubscriptionsExecutor creates, updates and deletes subscriptions.
//
// Updates to one subscription coalesce while unsent. A deletion cancels
// every unsent add or update of the same subscription; when that
// cancels the add itself, the subscription never existed remotely and the
// deletion is dropped as well.
type SubscriptionsExecutor struct {
	base
	queue *engine.Queue[subscriptionEntry]
}

var _ engine.Executor = (*SubscriptionsExecutor)(nil)

// NewSubscriptionsExecutor creates the executor and restores its queue.
func NewSubscriptionsExecutor(deps Deps) *SubscriptionsExecutor {
	x := &SubscriptionsExecutor{}
	x.init("subscriptions", deps)
	x.queue = engine.NewQueue[subscriptionEntry](x.name, x.deps.KV, x.deps.Logger)
	return x
}

// SupportedDeltas implements engine.Executor.
func (x *SubscriptionsExecutor) SupportedDeltas() []ir.OperationName {
	return []ir.OperationName{ir.OpAddSubscription, ir.OpUpdateSubscription, ir.OpRemoveSubscription}
}

// Pending implements engine.Executor.
func (x *SubscriptionsExecutor) Pending() int { return x.queue.Len() }

// EnqueueDelta implements engine.Executor.
func (x *SubscriptionsExecutor) EnqueueDelta(d ir.Delta) {
	entry := subscriptionEntry{
		ID:        d.ID,
		Op:        d.Name,
		Owner:     x.capture(d.IdentityModelID),
		ModelID:   d.ModelID,
		CreatedAt: d.Timestamp,
	}
	if sub, ok := x.deps.Subscriptions.Subscription(d.ModelID); ok {
		entry.SubscriptionID = sub.SubscriptionID()
	}

	switch d.Name {
	case ir.OpAddSubscription:
		entry.Fields, _ = d.Value.(ir.Object)
		x.queue.Append(entry)
	case ir.OpUpdateSubscription:
		entry.Fields = ir.Object{d.Property: d.Value}
		x.enqueueUpdate(entry)
	case ir.OpRemoveSubscription:
		if id, ok := d.Value.(ir.String); ok && id != "" {
			entry.SubscriptionID = string(id)
		}
		x.enqueueRemove(entry)
	default:
		x.logger.Warn("unsupported delta", "operation", d.Name, "delta", d.ID)
	}
}

func (x *SubscriptionsExecutor) enqueueUpdate(entry subscriptionEntry) {
	x.queue.Mutate(func(entries []subscriptionEntry, inFlight func(string) bool) []subscriptionEntry {
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			if e.ModelID != entry.ModelID {
				continue
			}
			if e.Op != ir.OpUpdateSubscription || inFlight(e.ID) {
				break
			}
			merged := e
			merged.Fields = e.Fields.Merge(entry.Fields)
			entries[i] = merged
			return entries
		}
		return append(entries, entry)
	})
}

func (x *SubscriptionsExecutor) enqueueRemove(entry subscriptionEntry) {
	x.queue.Mutate(func(entries []subscriptionEntry, inFlight func(string) bool) []subscriptionEntry {
		kept := entries[:0]
		cancelledAdd := false
		addInFlight := false
		for _, e := range entries {
			if e.ModelID != entry.ModelID {
				kept = append(kept, e)
				continue
			}
			if e.SubscriptionID != "" && entry.SubscriptionID == "" {
				entry.SubscriptionID = e.SubscriptionID
			}
			if inFlight(e.ID) {
				addInFlight = addInFlight || e.Op == ir.OpAddSubscription
				kept = append(kept, e)
				continue
			}
			cancelledAdd = cancelledAdd || e.Op == ir.OpAddSubscription
			x.logger.Debug("cancelled by deletion", "entry", e.ID, "operation", e.Op)
		}
		if cancelledAdd && !addInFlight && entry.SubscriptionID == "" {
			x.logger.Debug("subscription never created, dropping deletion", "model", entry.ModelID)
			return kept
		}
		return append(kept, entry)
	})
}

// Process implements engine.Executor.
func (x *SubscriptionsExecutor) Process(ctx context.Context, opts engine.ProcessOptions) error {
	return x.pass(ctx, opts, func(ctx context.Context) error {
		claimed := claimOrdered(x.queue, subscriptionEntry.key, func(e subscriptionEntry) bool {
			return x.readyEntry(e, opts)
		})
		return sendInOrder(ctx, x.queue, claimed, subscriptionEntry.key, x.send)
	})
}

func (x *SubscriptionsExecutor) subscriptionID(e subscriptionEntry) (string, bool) {
	if e.SubscriptionID != "" {
		return e.SubscriptionID, true
	}
	sub, ok := x.deps.Subscriptions.Subscription(e.ModelID)
	if !ok {
		return "", false
	}
	id := sub.SubscriptionID()
	return id, id != ""
}

func (x *SubscriptionsExecutor) readyEntry(e subscriptionEntry, opts engine.ProcessOptions) bool {
	if e.Op == ir.OpAddSubscription {
		return x.ready(e.Owner, opts)
	}

	subID, known := x.subscriptionID(e)
	if !known {
		// Wait for the id while the model exists; otherwise let send drop it.
		_, exists := x.deps.Subscriptions.Subscription(e.ModelID)
		return !exists
	}
	t, _ := x.resolve(e.Owner)
	if !opts.Matches(t.externalID) {
		return false
	}
	if _, ok := x.authorize(t.externalID); !ok {
		return false
	}
	return x.accessible(subID)
}

func (x *SubscriptionsExecutor) send(ctx context.Context, e subscriptionEntry) bool {
	t, res := x.resolve(e.Owner)
	var req *transport.Request

	switch e.Op {
	case ir.OpAddSubscription:
		if res == orphaned {
			x.logger.Debug("dropping subscription for unknown user", "entry", e.ID)
			x.queue.Complete(e.ID)
			return true
		}
		req = &transport.Request{
			Kind:   transport.KindCreateSubscription,
			Method: http.MethodPost,
			Path:   x.userPath(t.onesignalID, "subscriptions"),
			Body:   ir.Object{"subscription": e.Fields.Clone()},
		}

	default:
		subID, known := x.subscriptionID(e)
		if !known {
			if _, exists := x.deps.Subscriptions.Subscription(e.ModelID); exists {
				x.queue.Release(e.ID)
				return false
			}
			x.logger.Debug("dropping change for subscription never created", "entry", e.ID, "operation", e.Op)
			x.queue.Complete(e.ID)
			return true
		}
		if e.Op == ir.OpRemoveSubscription {
			req = &transport.Request{
				Kind:   transport.KindDeleteSubscription,
				Method: http.MethodDelete,
				Path:   x.appPath("subscriptions", subID),
			}
		} else {
			req = &transport.Request{
				Kind:   transport.KindUpdateSubscription,
				Method: http.MethodPatch,
				Path:   x.appPath("subscriptions", subID),
				Body:   ir.Object{"subscription": e.Fields.Clone()},
			}
		}
	}

	jwt, ok := x.authorize(t.externalID)
	if !ok {
		x.queue.Release(e.ID)
		return false
	}
	req.ID = e.ID
	req.JWT = jwt

	resp, class, err := x.execute(ctx, req)
	if class == transport.Missing && e.Op == ir.OpRemoveSubscription {
		// Already gone remotely.
		class = transport.Success
	}
	if class != transport.Success {
		return !x.fail(x.queue, e.ID, req.Kind, t, jwt, class, err)
	}

	if e.Op == ir.OpAddSubscription {
		x.created(e, resp)
	}
	x.queue.Complete(e.ID)
	x.recordConsistency(t.onesignalID, resp)
	x.logger.Debug("subscription change sent", "kind", req.Kind, "model", e.ModelID)
	return true
}

// created records the server id of a new subscription on the model and on
// every queued change of it, and arms the cool-off gate for the id.
func (x *SubscriptionsExecutor) created(e subscriptionEntry, resp *transport.Response) {
	var subID string
	if sub, ok := resp.Body.GetObject("subscription"); ok {
		subID, _ = sub.GetString("id")
	}
	if subID == "" {
		subID, _ = resp.Body.GetString("id")
	}
	if subID == "" {
		x.logger.Warn("subscription created without an id", "model", e.ModelID)
		return
	}

	x.deps.NewRecords.Add(subID, false)
	if sub, ok := x.deps.Subscriptions.Subscription(e.ModelID); ok {
		sub.AssignID(subID)
	}
	x.queue.Mutate(func(entries []subscriptionEntry, _ func(string) bool) []subscriptionEntry {
		for i := range entries {
			if entries[i].ModelID == e.ModelID && entries[i].SubscriptionID == "" {
				entries[i].SubscriptionID = subID
			}
		}
		return entries
	})
}

// Owns reports whether a queued entry belongs to identityModelID.
func (x *SubscriptionsExecutor) Owns(identityModelID string) bool {
	for _, e := range x.queue.Entries() {
		if e.Owner.IdentityModelID == identityModelID {
			return true
		}
	}
	return false
}
