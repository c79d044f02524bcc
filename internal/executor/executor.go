// Package executor implements the per-domain executors that turn queued
// deltas and requests into network calls: identity aliases, user
// properties, subscriptions, custom events, the user lifecycle and live
// activity tokens.
//
// Every executor follows the same discipline:
//
//   - Work is kept in an engine.Queue that is persisted after every
//     structural change.
//   - A processing pass claims eligible entries (not in flight, gates
//     open) and sends them. Concurrent passes with the same scope are
//     coalesced through singleflight; passes with different scopes are
//     kept apart by the queue's in-flight markers, so an entry is never
//     sent twice in parallel.
//   - Outcomes are resolved locally: success removes (or marks) the
//     entry, retryable failures leave it queued, client errors drop it and
//     authentication failures invalidate the identity's token and keep it.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/usersync/internal/auth"
	"github.com/roach88/usersync/internal/clock"
	"github.com/roach88/usersync/internal/consistency"
	"github.com/roach88/usersync/internal/engine"
	"github.com/roach88/usersync/internal/model"
	"github.com/roach88/usersync/internal/store"
	"github.com/roach88/usersync/internal/transport"
)

// IdentityResolver finds identity models by model id. Executors resolve
// the current onesignal id and external id through it at send time.
type IdentityResolver interface {
	Identity(modelID string) (*model.Identity, bool)
}

// SubscriptionResolver finds subscription models by model id.
type SubscriptionResolver interface {
	Subscription(modelID string) (*model.Subscription, bool)
}

// Deps are the collaborators shared by every executor.
type Deps struct {
	AppID  string
	Client transport.Client
	KV     store.KV

	Gate        *auth.Gate
	NewRecords  *engine.NewRecords
	Consistency *consistency.Manager

	Identities    IdentityResolver
	Subscriptions SubscriptionResolver

	Clock  clock.Clock
	Seq    *clock.Sequence
	IDs    engine.IDGenerator
	Logger *slog.Logger

	// PushSubscriptionID returns the device's push subscription id, or ""
	// while it is unknown.
	PushSubscriptionID func() string
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Seq == nil {
		d.Seq = clock.NewSequence()
	}
	if d.IDs == nil {
		d.IDs = engine.UUIDv7Generator{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.KV == nil {
		d.KV = store.NewMemory()
	}
	if d.Gate == nil {
		d.Gate = auth.NewGate(auth.RequirementOff, d.Clock, d.Logger)
	}
	if d.NewRecords == nil {
		d.NewRecords = engine.NewNewRecords(d.Clock, engine.DefaultCoolOff)
	}
	if d.Identities == nil {
		d.Identities = noModels{}
	}
	if d.Subscriptions == nil {
		d.Subscriptions = noModels{}
	}
	if d.PushSubscriptionID == nil {
		d.PushSubscriptionID = func() string { return "" }
	}
	return d
}

type noModels struct{}

func (noModels) Identity(string) (*model.Identity, bool)         { return nil, false }
func (noModels) Subscription(string) (*model.Subscription, bool) { return nil, false }

// Owner identifies the user an entry belongs to. The ids are captured when
// the entry is created and used as a fallback when the identity model is
// no longer resolvable (the user switched meanwhile).
type Owner struct {
	IdentityModelID string `cbor:"identity_model_id"`
	OnesignalID     string `cbor:"onesignal_id,omitempty"`
	ExternalID      string `cbor:"external_id,omitempty"`
}

// resolution is the outcome of resolving an Owner at send time.
type resolution int

const (
	resolved resolution = iota
	// waiting: the identity exists but has no onesignal id yet.
	waiting
	// orphaned: the identity is gone and no onesignal id was ever known.
	orphaned
)

// target is a resolved Owner.
type target struct {
	onesignalID string
	externalID  string
}

// base carries what every executor shares: dependencies, a component
// logger and pass coalescing.
type base struct {
	name   string
	deps   Deps
	logger *slog.Logger
	flight singleflight.Group
}

func (b *base) init(name string, deps Deps) {
	b.name = name
	b.deps = deps.withDefaults()
	b.logger = b.deps.Logger.With("component", "executor", "executor", name)
}

// Name returns the executor name.
func (b *base) Name() string { return b.name }

// capture snapshots the ids of identityModelID for a new entry.
func (b *base) capture(identityModelID string) Owner {
	o := Owner{IdentityModelID: identityModelID}
	if m, ok := b.deps.Identities.Identity(identityModelID); ok {
		o.OnesignalID = m.OnesignalID()
		o.ExternalID = m.ExternalID()
	}
	return o
}

// resolve returns the ids to use when sending an entry owned by o. The
// live identity model wins over the captured ids.
func (b *base) resolve(o Owner) (target, resolution) {
	t := target{onesignalID: o.OnesignalID, externalID: o.ExternalID}
	m, ok := b.deps.Identities.Identity(o.IdentityModelID)
	if ok {
		if id := m.OnesignalID(); id != "" {
			t.onesignalID = id
		}
		t.externalID = m.ExternalID()
	}
	switch {
	case t.onesignalID != "":
		return t, resolved
	case ok:
		return t, waiting
	}
	return t, orphaned
}

// pass runs fn at most once at a time per scope. A caller arriving while a
// pass with the same scope is running waits for that pass instead of
// starting another.
func (b *base) pass(ctx context.Context, opts engine.ProcessOptions, fn func(ctx context.Context) error) error {
	key := "all"
	if opts.Scoped {
		key = "identity:" + opts.ExternalID
	}
	_, err, _ := b.flight.Do(key, func() (interface{}, error) {
		return nil, fn(ctx)
	})
	return err
}

// authorize consults the JWT gate for externalID.
func (b *base) authorize(externalID string) (string, bool) {
	return b.deps.Gate.CanSend(externalID)
}

// ready reports whether an entry owned by o may be sent in a pass with
// opts. Orphaned entries are ready so that send can drop them.
func (b *base) ready(o Owner, opts engine.ProcessOptions) bool {
	t, res := b.resolve(o)
	switch res {
	case orphaned:
		return true
	case waiting:
		return false
	}
	if !opts.Matches(t.externalID) {
		return false
	}
	if _, ok := b.authorize(t.externalID); !ok {
		return false
	}
	return b.accessible(t.onesignalID)
}

// accessible reports whether every id has left its cool-off window.
func (b *base) accessible(ids ...string) bool {
	for _, id := range ids {
		if !b.deps.NewRecords.CanAccess(id) {
			return false
		}
	}
	return true
}

func (b *base) execute(ctx context.Context, req *transport.Request) (*transport.Response, transport.Class, error) {
	if req.SubscriptionID == "" {
		req.SubscriptionID = b.deps.PushSubscriptionID()
	}
	resp, err := b.deps.Client.Execute(ctx, req)
	class := transport.Classify(err)
	if class == transport.Success && resp == nil {
		resp = &transport.Response{}
	}
	return resp, class, err
}

// recordConsistency stores any read-your-writes token in a write response.
func (b *base) recordConsistency(onesignalID string, resp *transport.Response) {
	if b.deps.Consistency == nil || resp == nil {
		return
	}
	b.deps.Consistency.RecordResponse(onesignalID, resp.Body)
}

// settler is the part of engine.Queue needed to resolve a failed send.
type settler interface {
	Release(id string)
	Complete(id string) bool
}

// fail resolves a non-successful outcome. It reports whether the entry is
// still queued.
func (b *base) fail(q settler, entryID, kind string, t target, jwt string, class transport.Class, err error) bool {
	switch class {
	case transport.Retryable:
		b.logger.Info("request failed, will retry", "kind", kind, "entry", entryID, "error", err)
		q.Release(entryID)
		return true

	case transport.AuthError:
		if jwt != "" {
			b.deps.Gate.Invalidate(t.externalID, jwt, err.Error())
			b.logger.Warn("request unauthorized, holding for a new token",
				"kind", kind, "entry", entryID, "external_id", t.externalID)
			q.Release(entryID)
			return true
		}
	}

	b.logger.Warn("request rejected, dropping", "kind", kind, "entry", entryID, "class", class, "error", err)
	q.Complete(entryID)
	return false
}

// claimOrdered claims the entries of q that are ready to send, keeping
// per-key order: an entry is held back while an earlier entry with the
// same key is in flight or not ready. ready is evaluated outside the queue
// lock, since the gates it consults may notify listeners.
func claimOrdered[T engine.Entry](q *engine.Queue[T], key func(T) string, ready func(T) bool) []T {
	ok := make(map[string]bool)
	for _, e := range q.Entries() {
		if !q.IsInFlight(e.EntryID()) && ready(e) {
			ok[e.EntryID()] = true
		}
	}

	blocked := make(map[string]bool)
	return q.Claim(func(e T, inFlight bool) bool {
		k := key(e)
		if blocked[k] {
			return false
		}
		if inFlight || !ok[e.EntryID()] {
			blocked[k] = true
			return false
		}
		return true
	})
}

func (b *base) userPath(onesignalID string, rest ...string) string {
	p := fmt.Sprintf("/apps/%s/users/by/%s/%s", b.deps.AppID, model.AliasOnesignalID, url.PathEscape(onesignalID))
	for _, r := range rest {
		p += "/" + url.PathEscape(r)
	}
	return p
}

func (b *base) appPath(rest ...string) string {
	p := "/apps/" + b.deps.AppID
	for _, r := range rest {
		p += "/" + url.PathEscape(r)
	}
	return p
}

// sendInOrder sends claimed entries one at a time. send reports whether
// the entry left the queue; when it did not, later entries with the same
// key are released unsent. Once ctx is done every remaining entry is
// released.
func sendInOrder[T engine.Entry](ctx context.Context, q *engine.Queue[T], claimed []T, key func(T) string, send func(context.Context, T) bool) error {
	stalled := make(map[string]bool)
	for _, e := range claimed {
		k := key(e)
		if ctx.Err() != nil || stalled[k] {
			q.Release(e.EntryID())
			continue
		}
		if !send(ctx, e) {
			stalled[k] = true
		}
	}
	return ctx.Err()
}
