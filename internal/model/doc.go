// Package model holds the observable records that describe the current
// user: identity aliases, properties and subscriptions.
//
// Every mutation goes through a concrete model's setter, which updates the
// in-memory state and synchronously fires a Change. A Change carries a
// Hydrating flag: server-driven updates applied through Hydrate set it, so
// listeners that turn changes into outbound deltas can ignore them.
//
// Models live in a Store, which persists its whole map through a store.KV
// before notifying its own listeners.
package model
