package executor

import (
	"context"
	"net/http"
	"time"

	"github.com/roach88/usersync/internal/auth"
	"github.com/roach88/usersync/internal/engine"
	"github.com/roach88/usersync/internal/ir"
	"github.com/roach88/usersync/internal/model"
	"github.com/roach88/usersync/internal/transport"
)

// UserState is the session side of the user lifecycle.
type UserState interface {
	// CreatePayload returns the body of a create-user request for the
	// identity model. It reports false when the identity is gone.
	CreatePayload(identityModelID string) (ir.Object, bool)

	// HydrateUser applies a user object returned by the server
	// ({"identity": ..., "properties": ..., "subscriptions": [...]}).
	HydrateUser(identityModelID string, user ir.Object)

	// IsCurrent reports whether identityModelID is the current user.
	IsCurrent(identityModelID string) bool
}

type userOp string

const (
	userCreate   userOp = "create"
	userIdentify userOp = "identify"
	userFetch    userOp = "fetch"
)

type userEntry struct {
	ID    string `cbor:"id"`
	Op    userOp `cbor:"op"`
	Owner Owner  `cbor:"owner"`

	// Source is the anonymous user an identify attaches ExternalID to.
	Source     Owner  `cbor:"source,omitempty"`
	ExternalID string `cbor:"external_id,omitempty"`

	CreatedAt time.Time `cbor:"created_at"`
}

func (e userEntry) EntryID() string { return e.ID }

// UserExecutor creates, identifies and fetches users.
//
// Unlike the other executors it is strictly sequential: entries are sent
// head first, one at a time, and a head that cannot be sent holds back
// everything behind it.
type UserExecutor struct {
	base
	queue *engine.Queue[userEntry]
	state UserState
}

var _ engine.Executor = (*UserExecutor)(nil)

// NewUserExecutor creates the executor and restores its queue.
func NewUserExecutor(deps Deps, state UserState) *UserExecutor {
	x := &UserExecutor{state: state}
	x.init("user", deps)
	x.queue = engine.NewQueue[userEntry](x.name, x.deps.KV, x.deps.Logger)
	return x
}

// SupportedDeltas implements engine.Executor. User requests are queued
// directly, not through deltas.
func (x *UserExecutor) SupportedDeltas() []ir.OperationName { return nil }

// EnqueueDelta implements engine.Executor.
func (x *UserExecutor) EnqueueDelta(d ir.Delta) {
	x.logger.Warn("unexpected delta", "operation", d.Name, "delta", d.ID)
}

// Pending implements engine.Executor.
func (x *UserExecutor) Pending() int { return x.queue.Len() }

// EnqueueCreate queues creation of the user owned by identityModelID.
func (x *UserExecutor) EnqueueCreate(identityModelID string) {
	x.queue.Append(x.entry(userCreate, identityModelID))
}

// EnqueueIdentify queues attaching externalID to the anonymous user
// sourceModelID. On success the user owned by identityModelID takes over
// the anonymous user's onesignal id.
func (x *UserExecutor) EnqueueIdentify(identityModelID, sourceModelID, externalID string) {
	e := x.entry(userIdentify, identityModelID)
	e.Source = x.capture(sourceModelID)
	e.ExternalID = externalID
	x.queue.Append(e)
}

// EnqueueFetch queues a refresh of the user owned by identityModelID. An
// unsent fetch for the same user makes it a no-op.
func (x *UserExecutor) EnqueueFetch(identityModelID string) {
	fetch := x.entry(userFetch, identityModelID)
	x.queue.Mutate(func(entries []userEntry, inFlight func(string) bool) []userEntry {
		for _, e := range entries {
			if e.Op == userFetch && e.Owner.IdentityModelID == identityModelID && !inFlight(e.ID) {
				return entries
			}
		}
		return append(entries, fetch)
	})
}

func (x *UserExecutor) entry(op userOp, identityModelID string) userEntry {
	return userEntry{
		ID:        x.deps.IDs.Generate(),
		Op:        op,
		Owner:     x.capture(identityModelID),
		CreatedAt: x.deps.Clock.Now(),
	}
}

// Process implements engine.Executor.
func (x *UserExecutor) Process(ctx context.Context, opts engine.ProcessOptions) error {
	return x.pass(ctx, opts, func(ctx context.Context) error {
		for ctx.Err() == nil {
			head, ok := x.claimHead(opts)
			if !ok {
				break
			}
			if queued := x.send(ctx, head); queued {
				break
			}
		}
		return ctx.Err()
	})
}

// claimHead claims the first entry if nothing is in flight and the entry
// may be sent now.
func (x *UserExecutor) claimHead(opts engine.ProcessOptions) (userEntry, bool) {
	entries := x.queue.Entries()
	if len(entries) == 0 || x.queue.InFlightCount() > 0 {
		return userEntry{}, false
	}
	head := entries[0]
	if !x.readyEntry(head, opts) {
		return userEntry{}, false
	}

	busy := false
	claimed := x.queue.Claim(func(e userEntry, inFlight bool) bool {
		if inFlight {
			busy = true
			return false
		}
		return !busy && e.ID == head.ID
	})
	if len(claimed) == 0 {
		return userEntry{}, false
	}
	return claimed[0], true
}

func (x *UserExecutor) readyEntry(e userEntry, opts engine.ProcessOptions) bool {
	switch e.Op {
	case userCreate:
		t, res := x.resolve(e.Owner)
		if res == orphaned {
			return true
		}
		if !opts.Matches(t.externalID) {
			return false
		}
		if x.anonymousUnderVerification(t) {
			return true
		}
		_, ok := x.authorize(t.externalID)
		return ok

	case userIdentify:
		if !opts.Matches(e.ExternalID) {
			return false
		}
		if _, ok := x.authorize(e.ExternalID); !ok {
			return false
		}
		src, res := x.resolve(e.Source)
		switch res {
		case orphaned:
			return true
		case waiting:
			return false
		}
		return x.accessible(src.onesignalID)
	}

	return x.ready(e.Owner, opts)
}

// anonymousUnderVerification reports whether t is an anonymous user while
// identity verification is required. Such users are never created
// remotely: no token can be issued for them.
func (x *UserExecutor) anonymousUnderVerification(t target) bool {
	return t.externalID == "" && x.deps.Gate.Requirement() == auth.RequirementOn
}

// send resolves the claimed head. It reports whether the entry is still
// queued, which ends the pass.
func (x *UserExecutor) send(ctx context.Context, e userEntry) bool {
	switch e.Op {
	case userCreate:
		return x.create(ctx, e)
	case userIdentify:
		return x.identify(ctx, e)
	case userFetch:
		return x.fetch(ctx, e)
	}
	x.logger.Warn("dropping unknown user request", "entry", e.ID, "op", e.Op)
	x.queue.Complete(e.ID)
	return false
}

func (x *UserExecutor) create(ctx context.Context, e userEntry) bool {
	t, _ := x.resolve(e.Owner)
	payload, ok := x.state.CreatePayload(e.Owner.IdentityModelID)
	if !ok {
		x.logger.Debug("dropping create for unknown user", "entry", e.ID)
		x.queue.Complete(e.ID)
		return false
	}
	if x.anonymousUnderVerification(t) {
		x.logger.Debug("identity verification required, dropping anonymous create", "entry", e.ID)
		x.queue.Complete(e.ID)
		return false
	}
	jwt, ok := x.authorize(t.externalID)
	if !ok {
		x.queue.Release(e.ID)
		return true
	}

	req := &transport.Request{
		ID:     e.ID,
		Kind:   transport.KindCreateUser,
		Method: http.MethodPost,
		Path:   x.appPath("users"),
		Body:   payload,
		JWT:    jwt,
	}
	resp, class, err := x.execute(ctx, req)
	if class != transport.Success {
		return x.fail(x.queue, e.ID, req.Kind, t, jwt, class, err)
	}

	// Arm the cool-off before hydrating: once another executor can see
	// the new ids it must also see that they are new.
	identity, _ := resp.Body.GetObject("identity")
	onesignalID, _ := identity.GetString(model.AliasOnesignalID)
	x.deps.NewRecords.Add(onesignalID, false)
	subs, _ := resp.Body.GetArray("subscriptions")
	for _, v := range subs {
		if sub, ok := v.(ir.Object); ok {
			id, _ := sub.GetString("id")
			x.deps.NewRecords.Add(id, false)
		}
	}
	x.state.HydrateUser(e.Owner.IdentityModelID, resp.Body)
	x.queue.Complete(e.ID)
	x.recordConsistency(onesignalID, resp)
	x.logger.Info("user created", "onesignal_id", onesignalID, "external_id", t.externalID)

	if t.externalID != "" {
		x.EnqueueFetch(e.Owner.IdentityModelID)
	}
	return false
}

func (x *UserExecutor) identify(ctx context.Context, e userEntry) bool {
	src, res := x.resolve(e.Source)
	if res == orphaned {
		x.logger.Info("anonymous user unknown, creating instead of identifying", "entry", e.ID)
		return x.compensate(ctx, e)
	}
	jwt, ok := x.authorize(e.ExternalID)
	if !ok {
		x.queue.Release(e.ID)
		return true
	}

	req := &transport.Request{
		ID:     e.ID,
		Kind:   transport.KindIdentifyUser,
		Method: http.MethodPatch,
		Path:   x.userPath(src.onesignalID, "identity"),
		Body:   ir.Object{"identity": ir.Object{model.AliasExternalID: ir.String(e.ExternalID)}},
		JWT:    jwt,
	}
	resp, class, err := x.execute(ctx, req)
	switch class {
	case transport.Success:
	case transport.Conflict:
		x.logger.Info("external id belongs to another user, creating", "external_id", e.ExternalID)
		return x.compensate(ctx, e)
	default:
		return x.fail(x.queue, e.ID, req.Kind, target{onesignalID: src.onesignalID, externalID: e.ExternalID}, jwt, class, err)
	}

	// The backend treats the identified user as new for propagation.
	x.deps.NewRecords.Add(src.onesignalID, true)
	x.state.HydrateUser(e.Owner.IdentityModelID, ir.Object{"identity": ir.Object{
		model.AliasOnesignalID: ir.String(src.onesignalID),
		model.AliasExternalID:  ir.String(e.ExternalID),
	}})
	x.queue.Complete(e.ID)
	x.recordConsistency(src.onesignalID, resp)
	x.logger.Info("user identified", "onesignal_id", src.onesignalID, "external_id", e.ExternalID)

	x.EnqueueFetch(e.Owner.IdentityModelID)
	return false
}

// compensate turns the claimed identify into a create for the same local
// user, in place, and sends it right away.
func (x *UserExecutor) compensate(ctx context.Context, e userEntry) bool {
	create := e
	create.Op = userCreate
	create.Source = Owner{}
	create.ExternalID = ""
	if !x.queue.Replace(create) {
		x.queue.Release(e.ID)
		return false
	}
	return x.create(ctx, create)
}

func (x *UserExecutor) fetch(ctx context.Context, e userEntry) bool {
	t, res := x.resolve(e.Owner)
	if res != resolved {
		x.logger.Debug("dropping fetch for unknown user", "entry", e.ID)
		x.queue.Complete(e.ID)
		return false
	}
	jwt, ok := x.authorize(t.externalID)
	if !ok {
		x.queue.Release(e.ID)
		return true
	}

	req := &transport.Request{
		ID:     e.ID,
		Kind:   transport.KindFetchUser,
		Method: http.MethodGet,
		Path:   x.userPath(t.onesignalID),
		JWT:    jwt,
	}
	resp, class, err := x.execute(ctx, req)
	if class != transport.Success {
		return x.fail(x.queue, e.ID, req.Kind, t, jwt, class, err)
	}

	x.queue.Complete(e.ID)
	if !x.state.IsCurrent(e.Owner.IdentityModelID) {
		x.logger.Debug("user changed during fetch, discarding response", "onesignal_id", t.onesignalID)
		return false
	}
	x.state.HydrateUser(e.Owner.IdentityModelID, resp.Body)
	return false
}

// Owns reports whether a queued entry belongs to identityModelID, either
// as the user it acts on or as the source of an identify.
func (x *UserExecutor) Owns(identityModelID string) bool {
	for _, e := range x.queue.Entries() {
		if e.Owner.IdentityModelID == identityModelID || e.Source.IdentityModelID == identityModelID {
			return true
		}
	}
	return false
}
