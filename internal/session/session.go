// Package session assembles a complete sync session: model stores, the
// operation repo with its six executors, the JWT and cool-off gates and
// the read-your-writes token manager.
//
// A Session is an explicit value. Several sessions may live in one
// process; each owns its own stores, queues and background loops.
//
// Thread-safety: every exported method is safe for concurrent use.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/usersync/internal/auth"
	"github.com/roach88/usersync/internal/clock"
	"github.com/roach88/usersync/internal/config"
	"github.com/roach88/usersync/internal/consistency"
	"github.com/roach88/usersync/internal/engine"
	"github.com/roach88/usersync/internal/executor"
	"github.com/roach88/usersync/internal/ir"
	"github.com/roach88/usersync/internal/model"
	"github.com/roach88/usersync/internal/store"
	"github.com/roach88/usersync/internal/transport"
)

// Option configures a Session.
type Option func(*options)

type options struct {
	clock  clock.Clock
	logger *slog.Logger
	ids    engine.IDGenerator
}

// WithClock sets the clock used by gates, queues and background loops.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithIDGenerator sets the generator for request ids that do not come
// from a delta.
func WithIDGenerator(g engine.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// Session is one sync engine instance.
type Session struct {
	cfg    config.Config
	clock  clock.Clock
	logger *slog.Logger

	kv     store.KV
	ownsKV bool
	client transport.Client

	identities    *model.Store[*model.Identity]
	properties    *model.Store[*model.Properties]
	subscriptions *model.Store[*model.Subscription]

	gate        *auth.Gate
	records     *engine.NewRecords
	consistency *consistency.Manager
	repo        *engine.OperationRepo

	identityX      *executor.IdentityExecutor
	propertiesX    *executor.PropertiesExecutor
	subscriptionsX *executor.SubscriptionsExecutor
	eventsX        *executor.CustomEventsExecutor
	userX          *executor.UserExecutor
	liveX          *executor.LiveActivityExecutor

	// switching serialises user switches against each other.
	switching sync.Mutex

	mu      sync.Mutex
	current string                     // identity model id of the current user
	known   map[string]*model.Identity // current user plus those with queued work
	owners  map[string]string          // properties model id -> identity model id
	pushID  string

	cancel context.CancelFunc
	unsubs []func()
}

// New builds a session from cfg. A nil kv opens cfg.Database and the
// session closes it in Close. A nil client talks HTTP to cfg.APIBaseURL.
func New(cfg config.Config, kv store.KV, client transport.Client, opts ...Option) (*Session, error) {
	o := options{clock: clock.Real(), logger: slog.Default(), ids: engine.UUIDv7Generator{}}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.AppID == "" {
		return nil, fmt.Errorf("session: app id is required")
	}

	s := &Session{
		cfg:    cfg,
		clock:  o.clock,
		logger: o.logger.With("component", "session", "app_id", cfg.AppID),
		kv:     kv,
		client: client,
		known:  make(map[string]*model.Identity),
		owners: make(map[string]string),
	}
	if s.kv == nil {
		opened, err := store.OpenKV(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("session: open database: %w", err)
		}
		s.kv = opened
		s.ownsKV = true
	}
	if s.client == nil {
		s.client = transport.NewHTTPClient(cfg.APIBaseURL, ir.SDKVersion, cfg.RequestTimeout.Std(), cfg.BreakerConfig(), nil, o.logger)
	}

	s.identities = model.NewIdentityStore(s.kv, o.logger)
	s.properties = model.NewPropertiesStore(s.kv, o.logger)
	s.subscriptions = model.NewSubscriptionStore(s.kv, o.logger)

	s.gate = auth.NewGate(cfg.Requirement(), s.clock, o.logger)
	s.records = engine.NewNewRecords(s.clock, cfg.CoolOff.Std())
	s.consistency = consistency.NewManager(consistency.DefaultTTL)
	s.repo = engine.NewOperationRepo(
		engine.WithFlushInterval(cfg.FlushInterval.Std()),
		engine.WithClock(s.clock),
		engine.WithLogger(o.logger),
	)

	deps := executor.Deps{
		AppID:              cfg.AppID,
		Client:             s.client,
		KV:                 s.kv,
		Gate:               s.gate,
		NewRecords:         s.records,
		Consistency:        s.consistency,
		Identities:         resolver{s},
		Subscriptions:      resolver{s},
		Clock:              s.clock,
		Seq:                clock.NewSequence(),
		IDs:                o.ids,
		Logger:             o.logger,
		PushSubscriptionID: s.PushSubscriptionID,
	}
	s.identityX = executor.NewIdentityExecutor(deps)
	s.propertiesX = executor.NewPropertiesExecutor(deps)
	s.subscriptionsX = executor.NewSubscriptionsExecutor(deps)
	s.eventsX = executor.NewCustomEventsExecutor(deps)
	s.userX = executor.NewUserExecutor(deps, userState{s})
	s.liveX = executor.NewLiveActivityExecutor(deps, cfg.LiveActivityPollInterval.Std())

	// User lifecycle passes assign the ids and cool-off windows every
	// other executor checks, so they finish first.
	if err := s.repo.RegisterLeader(s.userX); err != nil {
		s.closeOwned()
		return nil, fmt.Errorf("session: register %s: %w", s.userX.Name(), err)
	}
	for _, e := range []engine.Executor{s.identityX, s.propertiesX, s.subscriptionsX, s.eventsX, s.liveX} {
		if err := s.repo.Register(e); err != nil {
			s.closeOwned()
			return nil, fmt.Errorf("session: register %s: %w", e.Name(), err)
		}
	}

	s.restoreUser()
	s.wire()
	return s, nil
}

// restoreUser adopts the persisted current user, or starts an anonymous
// one when there is none.
func (s *Session) restoreUser() {
	identities := s.identities.Models()
	if len(identities) == 0 {
		anon := model.NewIdentity()
		s.install(anon, model.NewProperties())
		s.userX.EnqueueCreate(anon.ID())
		s.logger.Info("started anonymous user", "identity", anon.ID())
		return
	}

	current := identities[0]
	s.mu.Lock()
	s.current = current.ID()
	s.known[current.ID()] = current
	s.mu.Unlock()

	props, ok := s.properties.Get(current.ID())
	if !ok {
		props = model.NewProperties()
		s.properties.Add(current.ID(), props, true)
	}
	s.mu.Lock()
	s.owners[props.ID()] = current.ID()
	s.mu.Unlock()
	s.logger.Info("restored user", "identity", current.ID(), "onesignal_id", current.OnesignalID())
}

// install makes identity and props the current user. Both are added as
// hydrating so no deltas are produced for the swap itself.
func (s *Session) install(identity *model.Identity, props *model.Properties) {
	s.mu.Lock()
	s.current = identity.ID()
	s.known[identity.ID()] = identity
	s.owners[props.ID()] = identity.ID()
	s.mu.Unlock()

	s.identities.Add(identity.ID(), identity, true)
	s.properties.Add(identity.ID(), props, true)
}

// wire turns local model changes into deltas.
func (s *Session) wire() {
	s.unsubs = append(s.unsubs,
		s.identities.OnUpdated(s.onIdentityChange),
		s.properties.OnUpdated(s.onPropertiesChange),
		s.subscriptions.OnAdded(s.onSubscriptionAdded),
		s.subscriptions.OnRemoved(s.onSubscriptionRemoved),
		s.subscriptions.OnUpdated(s.onSubscriptionChange),
		s.gate.OnUpdated(s.repo.FlushIdentityAsync),
		s.gate.OnRequirement(func(auth.Requirement) { s.repo.RequestFlush() }),
	)
}

func (s *Session) onIdentityChange(c model.Change) {
	if c.Hydrating {
		return
	}
	name := ir.OpAddAliases
	if ir.IsNull(c.Value) {
		name = ir.OpRemoveAlias
	}
	id := c.Model.ID()
	s.enqueue(ir.NewDelta(name, id, id, c.Property, c.Value, s.clock.Now()))
}

func (s *Session) onPropertiesChange(c model.Change) {
	if c.Hydrating {
		return
	}
	s.mu.Lock()
	owner, ok := s.owners[c.Model.ID()]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("properties change for unknown user", "model", c.Model.ID())
		return
	}
	s.enqueue(ir.NewDelta(ir.OpUpdateProperties, owner, c.Model.ID(), c.Property, c.Value, s.clock.Now()))
}

func (s *Session) onSubscriptionAdded(ev model.StoreEvent[*model.Subscription]) {
	if ev.Hydrating {
		return
	}
	fields := ev.Model.Snapshot().Properties
	delete(fields, model.PropertySubscriptionID)
	s.enqueue(ir.NewDelta(ir.OpAddSubscription, s.CurrentIdentityID(), ev.Model.ID(), "", fields, s.clock.Now()))
}

func (s *Session) onSubscriptionRemoved(ev model.StoreEvent[*model.Subscription]) {
	if ev.Hydrating {
		return
	}
	var id ir.Value = ir.Null{}
	if sub := ev.Model.SubscriptionID(); sub != "" {
		id = ir.String(sub)
	}
	s.enqueue(ir.NewDelta(ir.OpRemoveSubscription, s.CurrentIdentityID(), ev.Model.ID(), "", id, s.clock.Now()))
}

func (s *Session) onSubscriptionChange(c model.Change) {
	if c.Hydrating {
		return
	}
	s.enqueue(ir.NewDelta(ir.OpUpdateSubscription, s.CurrentIdentityID(), c.Model.ID(), c.Property, c.Value, s.clock.Now()))
}

func (s *Session) enqueue(d ir.Delta) {
	if err := s.repo.Enqueue(d); err != nil {
		return
	}
	s.repo.RequestFlush()
}

// Start launches the background flush loop, the live activity poll loop
// and token expiry cleanup. It returns immediately.
func (s *Session) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.consistency.Start(ctx)
	s.repo.Start(ctx)
	s.liveX.Start(ctx)
	s.repo.RequestFlush()
}

// Stop halts the background loops and waits for them to exit.
func (s *Session) Stop() {
	s.liveX.Stop()
	s.repo.Stop()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Close stops the session and releases the database when the session
// opened it.
func (s *Session) Close() error {
	s.Stop()
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	return s.closeOwned()
}

func (s *Session) closeOwned() error {
	if !s.ownsKV {
		return nil
	}
	s.ownsKV = false
	return s.kv.Close()
}

// Flush processes every executor's queue once and waits for the passes
// to finish. Previous users left without queued work are then forgotten.
func (s *Session) Flush(ctx context.Context) error {
	err := s.repo.Flush(ctx)
	s.prune()
	return err
}

// Wait blocks until scoped flushes triggered by token updates have
// finished.
func (s *Session) Wait() {
	s.repo.Wait()
}

// Pending returns the number of queued entries across every executor.
func (s *Session) Pending() int {
	return s.repo.Pending()
}

// CurrentIdentityID returns the identity model id of the current user.
func (s *Session) CurrentIdentityID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Identity returns the current user's identity model.
func (s *Session) Identity() *model.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.known[s.current]
}

// Properties returns the current user's properties model.
func (s *Session) Properties() *model.Properties {
	props, _ := s.properties.Get(s.CurrentIdentityID())
	return props
}

// Subscriptions returns the current user's email and SMS subscriptions.
func (s *Session) Subscriptions() []*model.Subscription {
	return s.subscriptions.Models()
}

// Gate exposes the identity verification gate.
func (s *Session) Gate() *auth.Gate { return s.gate }

// NewRecords exposes the cool-off gate.
func (s *Session) NewRecords() *engine.NewRecords { return s.records }

// Consistency exposes the read-your-writes tokens.
func (s *Session) Consistency() *consistency.Manager { return s.consistency }

// LiveActivities exposes the live activity executor's caches.
func (s *Session) LiveActivities() *executor.LiveActivityExecutor { return s.liveX }

// prune forgets every identity other than the current one that no queued
// entry refers to. The queues are read without holding s.mu, since
// executors resolve owners while their queue is locked.
func (s *Session) prune() {
	s.mu.Lock()
	var stale []string
	for id := range s.known {
		if id != s.current {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()

	owning := []interface{ Owns(string) bool }{s.userX, s.identityX, s.propertiesX, s.subscriptionsX, s.eventsX}
	stale = slices.DeleteFunc(stale, func(id string) bool {
		return slices.ContainsFunc(owning, func(x interface{ Owns(string) bool }) bool { return x.Owns(id) })
	})
	if len(stale) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range stale {
		if id == s.current {
			continue
		}
		delete(s.known, id)
		maps.DeleteFunc(s.owners, func(_, owner string) bool { return owner == id })
	}
	s.logger.Debug("forgot previous users", "count", len(stale))
}

// resolver lets executors look up models by id, including identities of
// users that are no longer current.
type resolver struct{ s *Session }

func (r resolver) Identity(modelID string) (*model.Identity, bool) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.known[modelID]
	return m, ok
}

func (r resolver) Subscription(modelID string) (*model.Subscription, bool) {
	return r.s.subscriptions.Get(modelID)
}
