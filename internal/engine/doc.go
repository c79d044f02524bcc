// Package engine implements the operation pipeline shared by every domain
// executor.
//
// ARCHITECTURE:
//
// Delta routing:
// The OperationRepo maps each operation name to the executor that
// declared it. Enqueue hands a delta to that executor; unknown names are
// logged and dropped.
//
// Flushing:
// Flush asks every executor to process its queue, in parallel across
// executors. A timer loop flushes on an interval and on demand. Flush may
// be called from any goroutine at any time; executors guarantee that an
// entry already in flight is never sent a second time in parallel.
//
// Queues:
// Each executor keeps its pending work in a Queue. The queue is persisted
// through a store.KV after every structural change, and entries claimed
// for sending are tracked in memory so concurrent passes skip them.
//
// Gates:
// NewRecords holds ids the server created moments ago. Requests that
// reference such an id wait until the cool-off window has elapsed.
package engine
