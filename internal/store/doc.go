// Package store provides the durable key/value layer behind model stores,
// executor queues and live activity caches.
//
// Two implementations satisfy KV:
//   - SQLite: a single-table database opened with WAL journaling
//   - Memory: a map of encoded bytes, used by tests and by sessions
//     configured with database ":memory:"
//
// Values are encoded with internal/codec (deterministic CBOR), so both
// implementations round-trip exactly the same bytes. A record that fails
// to decode is reported as an error; callers decide whether to fail open.
//
// The SQLite database runs in WAL mode with synchronous=NORMAL and a
// five second busy timeout. Schema changes are numbered migrations
// tracked in PRAGMA user_version.
package store
