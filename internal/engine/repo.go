package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/usersync/internal/clock"
	"github.com/roach88/usersync/internal/ir"
)

// DefaultFlushInterval is how often the background loop flushes.
const DefaultFlushInterval = 5 * time.Second

// OperationRepo routes deltas to executors and drives flushing.
//
// A flush runs the leading executors one after another, then every other
// executor in parallel. Work the others gate on, like server ids and
// cool-off windows, is therefore settled before they look at it.
//
// Thread-safety model:
//   - Register(), RegisterLeader(): call during setup, before Start
//   - Enqueue(), Flush(), FlushIdentity(), RequestFlush(): any goroutine
//   - Start()/Stop(): once each
type OperationRepo struct {
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger

	mu        sync.RWMutex
	leaders   []Executor
	executors []Executor
	routes    map[ir.OperationName]Executor

	kick    chan struct{} // Requests an immediate background flush (buffered, size 1)
	cancel  context.CancelFunc
	done    chan struct{}
	pending sync.WaitGroup
}

// RepoOption configures an OperationRepo.
type RepoOption func(*OperationRepo)

// WithFlushInterval sets the background flush interval.
func WithFlushInterval(d time.Duration) RepoOption {
	return func(r *OperationRepo) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithClock sets the clock driving the flush ticker.
func WithClock(c clock.Clock) RepoOption {
	return func(r *OperationRepo) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RepoOption {
	return func(r *OperationRepo) { r.logger = l }
}

// NewOperationRepo creates a repo with no executors.
func NewOperationRepo(opts ...RepoOption) *OperationRepo {
	r := &OperationRepo{
		clock:    clock.Real(),
		interval: DefaultFlushInterval,
		logger:   slog.Default(),
		routes:   make(map[ir.OperationName]Executor),
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "operation_repo")
	return r
}

// Register adds an executor and routes its declared operation names to it.
func (r *OperationRepo) Register(e Executor) error {
	return r.register(e, false)
}

// RegisterLeader is Register for an executor whose pass must finish
// before the other executors start theirs.
func (r *OperationRepo) RegisterLeader(e Executor) error {
	return r.register(e, true)
}

func (r *OperationRepo) register(e Executor, leader bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range e.SupportedDeltas() {
		if existing, ok := r.routes[name]; ok {
			return NewDuplicateRouteError(string(name), existing.Name())
		}
	}
	for _, name := range e.SupportedDeltas() {
		r.routes[name] = e
	}
	if leader {
		r.leaders = append(r.leaders, e)
	} else {
		r.executors = append(r.executors, e)
	}
	return nil
}

// Executors returns the registered executors, leaders first, each group
// in registration order.
func (r *OperationRepo) Executors() []Executor {
	leaders, rest := r.stages()
	return append(leaders, rest...)
}

func (r *OperationRepo) stages() (leaders, rest []Executor) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	leaders = make([]Executor, len(r.leaders), len(r.leaders)+len(r.executors))
	copy(leaders, r.leaders)
	rest = make([]Executor, len(r.executors))
	copy(rest, r.executors)
	return leaders, rest
}

// Enqueue hands d to the executor registered for its name. A delta with
// no executor is logged and dropped; the returned error is informational.
func (r *OperationRepo) Enqueue(d ir.Delta) error {
	r.mu.RLock()
	e, ok := r.routes[d.Name]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("dropping delta with no executor", "operation", d.Name, "delta", d.ID)
		return NewUnknownOperationError(string(d.Name))
	}

	r.logger.Debug("delta enqueued", "operation", d.Name, "delta", d.ID, "executor", e.Name())
	e.EnqueueDelta(d)
	return nil
}

// Flush processes every executor's queue and waits for all passes to
// finish.
func (r *OperationRepo) Flush(ctx context.Context) error {
	return r.process(ctx, ProcessOptions{})
}

// FlushIdentity processes only entries owned by externalID.
func (r *OperationRepo) FlushIdentity(ctx context.Context, externalID string) error {
	return r.process(ctx, ProcessOptions{Scoped: true, ExternalID: externalID})
}

// FlushIdentityAsync runs FlushIdentity in the background. Wait blocks
// until every such flush has returned.
func (r *OperationRepo) FlushIdentityAsync(externalID string) {
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		if err := r.FlushIdentity(context.Background(), externalID); err != nil {
			r.logger.Warn("scoped flush failed", "error", err)
		}
	}()
}

// Wait blocks until background flushes started by FlushIdentityAsync
// have finished.
func (r *OperationRepo) Wait() {
	r.pending.Wait()
}

func (r *OperationRepo) process(ctx context.Context, opts ProcessOptions) error {
	leaders, rest := r.stages()
	for _, e := range leaders {
		if err := e.Process(ctx, opts); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, e := range rest {
		g.Go(func() error {
			return e.Process(ctx, opts)
		})
	}
	return g.Wait()
}

// RequestFlush asks the background loop to flush as soon as possible.
// Multiple requests before the loop wakes coalesce into one flush.
func (r *OperationRepo) RequestFlush() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Pending returns the total number of queued entries across executors.
func (r *OperationRepo) Pending() int {
	total := 0
	for _, e := range r.Executors() {
		total += e.Pending()
	}
	return total
}

// Start launches the background flush loop. It returns immediately.
func (r *OperationRepo) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	ticker := r.clock.NewTicker(r.interval)
	go func() {
		defer close(r.done)
		defer ticker.Stop()

		r.logger.Info("flush loop starting", "interval", r.interval)
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("flush loop stopped")
				return
			case <-ticker.C:
			case <-r.kick:
			}
			if err := r.process(ctx, ProcessOptions{InBackground: true}); err != nil && ctx.Err() == nil {
				r.logger.Warn("background flush failed", "error", err)
			}
		}
	}()
}

// Stop cancels the background loop and waits for it to exit, then waits
// for outstanding scoped flushes.
func (r *OperationRepo) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
		r.cancel = nil
	}
	r.pending.Wait()
}
