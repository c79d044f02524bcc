package executor

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/usersync/internal/engine"
	"github.com/roach88/usersync/internal/ir"
	"github.com/roach88/usersync/internal/transport"
)

// DefaultEventConcurrency bounds parallel custom event requests.
const DefaultEventConcurrency = 4

type eventEntry struct {
	ID         string    `cbor:"id"`
	Owner      Owner     `cbor:"owner"`
	Name       string    `cbor:"name"`
	Payload    ir.Object `cbor:"payload,omitempty"`
	OccurredAt time.Time `cbor:"occurred_at"`
}

func (e eventEntry) EntryID() string { return e.ID }

// CustomEventsExecutor sends tracked events. Events are never batched:
// each one is its own request, and requests for different events run in
// parallel.
type CustomEventsExecutor struct {
	base
	queue       *engine.Queue[eventEntry]
	concurrency int
}

var _ engine.Executor = (*CustomEventsExecutor)(nil)

// NewCustomEventsExecutor creates the executor and restores its queue.
func NewCustomEventsExecutor(deps Deps) *CustomEventsExecutor {
	x := &CustomEventsExecutor{concurrency: DefaultEventConcurrency}
	x.init("custom_events", deps)
	x.queue = engine.NewQueue[eventEntry](x.name, x.deps.KV, x.deps.Logger)
	return x
}

// SupportedDeltas implements engine.Executor.
func (x *CustomEventsExecutor) SupportedDeltas() []ir.OperationName {
	return []ir.OperationName{ir.OpTrackEvent}
}

// EnqueueDelta implements engine.Executor. The event name travels in
// Property and the payload in Value.
func (x *CustomEventsExecutor) EnqueueDelta(d ir.Delta) {
	payload, _ := d.Value.(ir.Object)
	x.queue.Append(eventEntry{
		ID:         d.ID,
		Owner:      x.capture(d.IdentityModelID),
		Name:       d.Property,
		Payload:    payload,
		OccurredAt: d.Timestamp,
	})
}

// Pending implements engine.Executor.
func (x *CustomEventsExecutor) Pending() int { return x.queue.Len() }

// Process implements engine.Executor.
func (x *CustomEventsExecutor) Process(ctx context.Context, opts engine.ProcessOptions) error {
	return x.pass(ctx, opts, func(ctx context.Context) error {
		claimed := claimOrdered(x.queue, eventEntry.EntryID, func(e eventEntry) bool {
			return x.ready(e.Owner, opts)
		})

		var g errgroup.Group
		g.SetLimit(x.concurrency)
		for _, e := range claimed {
			if ctx.Err() != nil {
				x.queue.Release(e.ID)
				continue
			}
			g.Go(func() error {
				x.send(ctx, e)
				return nil
			})
		}
		_ = g.Wait()
		return ctx.Err()
	})
}

func (x *CustomEventsExecutor) send(ctx context.Context, e eventEntry) {
	t, res := x.resolve(e.Owner)
	if res == orphaned {
		x.logger.Debug("dropping event for unknown user", "entry", e.ID, "event", e.Name)
		x.queue.Complete(e.ID)
		return
	}
	jwt, ok := x.authorize(t.externalID)
	if !ok {
		x.queue.Release(e.ID)
		return
	}

	event := ir.Object{
		"name":         ir.String(e.Name),
		"onesignal_id": ir.String(t.onesignalID),
		"timestamp":    ir.String(e.OccurredAt.UTC().Format(time.RFC3339Nano)),
	}
	if t.externalID != "" {
		event["external_id"] = ir.String(t.externalID)
	}
	if len(e.Payload) > 0 {
		event["payload"] = e.Payload.Clone()
	}

	req := &transport.Request{
		ID:     e.ID,
		Kind:   transport.KindCustomEvent,
		Method: http.MethodPost,
		Path:   x.appPath("custom_events"),
		Body:   ir.Object{"events": ir.Array{event}},
		JWT:    jwt,
	}
	_, class, err := x.execute(ctx, req)
	if class != transport.Success {
		x.fail(x.queue, e.ID, req.Kind, t, jwt, class, err)
		return
	}
	x.queue.Complete(e.ID)
	x.logger.Debug("event sent", "entry", e.ID, "event", e.Name)
}

// Owns reports whether a queued event belongs to identityModelID.
func (x *CustomEventsExecutor) Owns(identityModelID string) bool {
	for _, e := range x.queue.Entries() {
		if e.Owner.IdentityModelID == identityModelID {
			return true
		}
	}
	return false
}
