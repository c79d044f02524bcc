// Package harness runs YAML scenarios against a complete session.
//
// Each scenario gets a fresh session with an in-memory store, a fake
// clock starting at 2026-01-01T00:00:00Z and a scripted backend that
// answers 200 with an empty object unless a reply rule matches.
//
// # Scenario Format
//
//	name: login_identifies_anonymous_user
//	description: "What this scenario validates"
//	config:
//	  identity_verification: "on"
//	replies:
//	  - kind: create_user
//	    body: { identity: { onesignal_id: os-anon } }
//	    times: 1
//	steps:
//	  - action: flush
//	  - action: advance
//	    args: { duration: 5s }
//	  - action: login
//	    args: { external_id: alice }
//	assertions:
//	  - type: request_count
//	    kind: identify_user
//	    count: 1
//	  - type: final_state
//	    field: onesignal_id
//	    expect: os-anon
//
// # Assertion Types
//
//   - request_count: exactly N requests of a kind were sent
//   - request_order: the first request of each listed kind appears in order
//   - request_contains: some request of a kind matches path, jwt and a body subset
//   - final_state: a field of the final session state equals a value
//
// # Determinism
//
// Steps run one at a time and every step settles before the next. Within
// a step the executors send in parallel, so the trace lists each step's
// requests sorted rather than in arrival order. Custom event timestamps
// come from the fake clock and request ids from a sequential generator,
// so traces are byte-identical across runs and suitable for golden files.
package harness
