package executor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/usersync/internal/engine"
	"github.com/roach88/usersync/internal/ir"
	"github.com/roach88/usersync/internal/transport"
)

// DefaultPollInterval is how often pending live activity requests are
// retried without a new mutation.
const DefaultPollInterval = 30 * time.Second

// DefaultActivityConcurrency bounds the requests one pass sends at once.
const DefaultActivityConcurrency = 4

// ActivityKind selects the variant of an ActivityRequest.
type ActivityKind string

const (
	ActivitySetUpdateToken    ActivityKind = "set_update_token"
	ActivityRemoveUpdateToken ActivityKind = "remove_update_token"
	ActivitySetStartToken     ActivityKind = "set_start_token"
	ActivityRemoveStartToken  ActivityKind = "remove_start_token"
	ActivityReceipt           ActivityKind = "receive_receipt"
)

// ActivityRequest is a keyed live activity request. Update tokens are
// keyed by activity id, start tokens by activity type and receipts by
// notification id; each cache holds at most one request per key.
type ActivityRequest struct {
	ID   string       `cbor:"id"`
	Kind ActivityKind `cbor:"kind"`
	Key  string       `cbor:"key"`

	// ActivityID is the activity a receipt belongs to.
	ActivityID string `cbor:"activity_id,omitempty"`
	Token      string `cbor:"token,omitempty"`

	// Successful marks a set request the server accepted. It stays cached
	// so it can be reasserted when the push subscription changes.
	Successful bool `cbor:"successful"`

	CreatedAt time.Time `cbor:"created_at"`
	// Seq orders requests created at the same instant.
	Seq int64 `cbor:"seq"`
}

func (r ActivityRequest) EntryID() string { return r.ID }

// forgetWhenSuccessful reports whether the request leaves the cache once
// the server accepted it.
func (r ActivityRequest) forgetWhenSuccessful() bool {
	switch r.Kind {
	case ActivitySetUpdateToken, ActivitySetStartToken:
		return false
	}
	return true
}

// Supersedes reports whether r replaces old, a cached request with the
// same key. A request identical to the cached one never does. Otherwise
// the newer request wins, and of two requests created at the same
// instant the one submitted last wins.
func (r ActivityRequest) Supersedes(old ActivityRequest) bool {
	if r.Kind == old.Kind && r.Token == old.Token && r.ActivityID == old.ActivityID {
		return false
	}
	if r.CreatedAt.Equal(old.CreatedAt) {
		return r.Seq > old.Seq
	}
	return r.CreatedAt.After(old.CreatedAt)
}

// LiveActivityExecutor sends live activity tokens and receive receipts.
//
// Requests are queued when built rather than from deltas, and a pass is
// started right away. A poll loop retries pending requests. These
// requests identify the device by its push subscription and are not held
// by the JWT gate.
type LiveActivityExecutor struct {
	base
	updates  *engine.Queue[ActivityRequest]
	starts   *engine.Queue[ActivityRequest]
	receipts *engine.Queue[ActivityRequest]

	interval time.Duration

	mu   sync.Mutex
	busy map[string]string // cache key -> in-flight request id

	kick   chan struct{} // Requests an immediate pass (buffered, size 1)
	cancel context.CancelFunc
	done   chan struct{}
}

var _ engine.Executor = (*LiveActivityExecutor)(nil)

// NewLiveActivityExecutor creates the executor and restores its caches.
func NewLiveActivityExecutor(deps Deps, pollInterval time.Duration) *LiveActivityExecutor {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	x := &LiveActivityExecutor{
		interval: pollInterval,
		busy:     make(map[string]string),
		kick:     make(chan struct{}, 1),
	}
	x.init("live_activities", deps)
	x.updates = engine.NewQueue[ActivityRequest]("live_activity_update_tokens", x.deps.KV, x.deps.Logger)
	x.starts = engine.NewQueue[ActivityRequest]("live_activity_start_tokens", x.deps.KV, x.deps.Logger)
	x.receipts = engine.NewQueue[ActivityRequest]("live_activity_receipts", x.deps.KV, x.deps.Logger)

	// New requests must sort after restored ones.
	for _, q := range x.caches() {
		for _, r := range q.Entries() {
			x.deps.Seq.Observe(r.Seq)
		}
	}
	return x
}

func (x *LiveActivityExecutor) caches() []*engine.Queue[ActivityRequest] {
	return []*engine.Queue[ActivityRequest]{x.updates, x.starts, x.receipts}
}

func (x *LiveActivityExecutor) cacheFor(kind ActivityKind) *engine.Queue[ActivityRequest] {
	switch kind {
	case ActivitySetUpdateToken, ActivityRemoveUpdateToken:
		return x.updates
	case ActivitySetStartToken, ActivityRemoveStartToken:
		return x.starts
	}
	return x.receipts
}

// SupportedDeltas implements engine.Executor.
func (x *LiveActivityExecutor) SupportedDeltas() []ir.OperationName { return nil }

// EnqueueDelta implements engine.Executor.
func (x *LiveActivityExecutor) EnqueueDelta(d ir.Delta) {
	x.logger.Warn("unexpected delta", "operation", d.Name, "delta", d.ID)
}

// Pending returns the number of cached requests not yet accepted.
func (x *LiveActivityExecutor) Pending() int {
	n := 0
	for _, q := range x.caches() {
		for _, r := range q.Entries() {
			if !r.Successful {
				n++
			}
		}
	}
	return n
}

// SetUpdateToken caches the update token of an activity.
func (x *LiveActivityExecutor) SetUpdateToken(activityID, token string) bool {
	return x.Append(x.request(ActivitySetUpdateToken, activityID, token))
}

// RemoveUpdateToken unregisters the update token of an activity.
func (x *LiveActivityExecutor) RemoveUpdateToken(activityID string) bool {
	return x.Append(x.request(ActivityRemoveUpdateToken, activityID, ""))
}

// SetStartToken caches the push-to-start token of an activity type.
func (x *LiveActivityExecutor) SetStartToken(activityType, token string) bool {
	return x.Append(x.request(ActivitySetStartToken, activityType, token))
}

// RemoveStartToken unregisters the push-to-start token of an activity type.
func (x *LiveActivityExecutor) RemoveStartToken(activityType string) bool {
	return x.Append(x.request(ActivityRemoveStartToken, activityType, ""))
}

// Received reports that a live activity update was delivered.
func (x *LiveActivityExecutor) Received(activityID, notificationID string) bool {
	r := x.request(ActivityReceipt, notificationID, "")
	r.ActivityID = activityID
	return x.Append(r)
}

func (x *LiveActivityExecutor) request(kind ActivityKind, key, token string) ActivityRequest {
	return ActivityRequest{
		ID:        x.deps.IDs.Generate(),
		Kind:      kind,
		Key:       key,
		Token:     token,
		CreatedAt: x.deps.Clock.Now(),
		Seq:       x.deps.Seq.Next(),
	}
}

// Append caches r unless the cached request for its key is identical or
// newer, and requests a pass. It reports whether r was cached. A request
// it replaces that is already in flight completes without touching the
// cache.
func (x *LiveActivityExecutor) Append(r ActivityRequest) bool {
	accepted := true
	x.cacheFor(r.Kind).Mutate(func(entries []ActivityRequest, _ func(string) bool) []ActivityRequest {
		for i, old := range entries {
			if old.Key != r.Key {
				continue
			}
			if !r.Supersedes(old) {
				accepted = false
				return entries
			}
			entries[i] = r
			return entries
		}
		return append(entries, r)
	})

	if !accepted {
		x.logger.Debug("request superseded by cached one", "kind", r.Kind, "key", r.Key)
		return false
	}
	x.requestPass()
	return true
}

// SubscriptionChanged marks every cached token as not yet accepted so
// they are sent again for the new push subscription.
func (x *LiveActivityExecutor) SubscriptionChanged() {
	reset := func(entries []ActivityRequest, _ func(string) bool) []ActivityRequest {
		for i := range entries {
			entries[i].Successful = false
		}
		return entries
	}
	x.updates.Mutate(reset)
	x.starts.Mutate(reset)
	x.requestPass()
}

// UpdateTokens returns the cached update token requests.
func (x *LiveActivityExecutor) UpdateTokens() []ActivityRequest { return x.updates.Entries() }

// StartTokens returns the cached start token requests.
func (x *LiveActivityExecutor) StartTokens() []ActivityRequest { return x.starts.Entries() }

// Receipts returns the cached receive receipts.
func (x *LiveActivityExecutor) Receipts() []ActivityRequest { return x.receipts.Entries() }

func (x *LiveActivityExecutor) requestPass() {
	select {
	case x.kick <- struct{}{}:
	default:
	}
}

// Process implements engine.Executor. Passes scoped to one identity have
// nothing to do here.
func (x *LiveActivityExecutor) Process(ctx context.Context, opts engine.ProcessOptions) error {
	if opts.Scoped {
		return nil
	}
	return x.pass(ctx, opts, func(ctx context.Context) error {
		subID := x.deps.PushSubscriptionID()
		if subID == "" || !x.accessible(subID) {
			return nil
		}

		var g errgroup.Group
		g.SetLimit(DefaultActivityConcurrency)
		for _, q := range x.caches() {
			for _, r := range x.claim(q) {
				if ctx.Err() != nil {
					x.finish(q, r, false)
					continue
				}
				g.Go(func() error {
					x.send(ctx, q, r, subID)
					return nil
				})
			}
		}
		_ = g.Wait()
		return ctx.Err()
	})
}

func (x *LiveActivityExecutor) claim(q *engine.Queue[ActivityRequest]) []ActivityRequest {
	x.mu.Lock()
	defer x.mu.Unlock()

	return q.Claim(func(r ActivityRequest, inFlight bool) bool {
		if inFlight || r.Successful {
			return false
		}
		if _, busy := x.busy[cacheKey(r)]; busy {
			return false
		}
		x.busy[cacheKey(r)] = r.ID
		return true
	})
}

func cacheKey(r ActivityRequest) string {
	switch r.Kind {
	case ActivitySetUpdateToken, ActivityRemoveUpdateToken:
		return "update/" + r.Key
	case ActivitySetStartToken, ActivityRemoveStartToken:
		return "start/" + r.Key
	}
	return "receipt/" + r.Key
}

// finish clears the in-flight state of r. When accepted, a request that
// is forgotten on success leaves the cache and a set request is marked
// successful; neither happens if r was superseded meanwhile. A request
// that replaced r while it was in flight is started right away.
func (x *LiveActivityExecutor) finish(q *engine.Queue[ActivityRequest], r ActivityRequest, accepted bool) {
	switch {
	case !accepted:
		q.Release(r.ID)
	case r.forgetWhenSuccessful():
		q.Complete(r.ID)
	default:
		q.Mutate(func(entries []ActivityRequest, _ func(string) bool) []ActivityRequest {
			for i := range entries {
				if entries[i].ID == r.ID {
					entries[i].Successful = true
				}
			}
			return entries
		})
		q.Release(r.ID)
	}

	x.mu.Lock()
	if x.busy[cacheKey(r)] == r.ID {
		delete(x.busy, cacheKey(r))
	}
	x.mu.Unlock()

	if x.superseded(q, r) {
		x.requestPass()
	}
}

// superseded reports whether q holds a different unsent request for the
// key of r.
func (x *LiveActivityExecutor) superseded(q *engine.Queue[ActivityRequest], r ActivityRequest) bool {
	for _, e := range q.Entries() {
		if e.ID != r.ID && !e.Successful && cacheKey(e) == cacheKey(r) {
			return true
		}
	}
	return false
}

func (x *LiveActivityExecutor) send(ctx context.Context, q *engine.Queue[ActivityRequest], r ActivityRequest, subID string) {
	req := x.build(r, subID)
	_, class, err := x.execute(ctx, req)
	switch class {
	case transport.Success:
		x.logger.Debug("live activity request sent", "kind", r.Kind, "key", r.Key)
		x.finish(q, r, true)
	case transport.Retryable:
		x.logger.Info("live activity request failed, will retry", "kind", r.Kind, "key", r.Key, "error", err)
		x.finish(q, r, false)
	default:
		x.logger.Warn("live activity request rejected, dropping", "kind", r.Kind, "key", r.Key, "class", class, "error", err)
		q.Complete(r.ID)
		x.finish(q, r, false)
	}
}

func (x *LiveActivityExecutor) build(r ActivityRequest, subID string) *transport.Request {
	req := &transport.Request{ID: r.ID, SubscriptionID: subID}
	startPath := x.appPath("users", "by", "subscriptions", subID, "activities", "activity_type", r.Key, "token")

	switch r.Kind {
	case ActivitySetUpdateToken:
		req.Kind = transport.KindSetUpdateToken
		req.Method = http.MethodPost
		req.Path = x.appPath("live_activities", r.Key, "token")
		req.Body = ir.Object{
			"subscription_id": ir.String(subID),
			"push_token":      ir.String(r.Token),
			"device_type":     ir.Int(0),
		}
	case ActivityRemoveUpdateToken:
		req.Kind = transport.KindRemoveUpdateToken
		req.Method = http.MethodDelete
		req.Path = x.appPath("live_activities", r.Key, "token", subID)
	case ActivitySetStartToken:
		req.Kind = transport.KindSetStartToken
		req.Method = http.MethodPut
		req.Path = startPath
		req.Body = ir.Object{"token": ir.String(r.Token)}
	case ActivityRemoveStartToken:
		req.Kind = transport.KindRemoveStartToken
		req.Method = http.MethodDelete
		req.Path = startPath
	case ActivityReceipt:
		req.Kind = transport.KindReceiveReceipt
		req.Method = http.MethodPost
		req.Path = x.appPath("live_activities", r.ActivityID, "receive_receipts")
		req.Body = ir.Object{
			"notification_id": ir.String(r.Key),
			"subscription_id": ir.String(subID),
		}
	}
	return req
}

// Start launches the poll loop. It returns immediately.
func (x *LiveActivityExecutor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	x.cancel = cancel
	x.done = make(chan struct{})

	ticker := x.deps.Clock.NewTicker(x.interval)
	go func() {
		defer close(x.done)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-x.kick:
			}
			if err := x.Process(ctx, engine.ProcessOptions{InBackground: true}); err != nil && ctx.Err() == nil {
				x.logger.Warn("live activity pass failed", "error", err)
			}
		}
	}()
}

// Stop ends the poll loop and waits for it to exit.
func (x *LiveActivityExecutor) Stop() {
	if x.cancel != nil {
		x.cancel()
		<-x.done
		x.cancel = nil
	}
}
