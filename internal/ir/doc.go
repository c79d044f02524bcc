// Package ir defines the value and delta representation that flows through
// the synchronization pipeline.
//
// Application code hands the SDK arbitrary Go values (tag values, custom
// event payloads, alias ids). They are converted exactly once, at the API
// boundary, into the sealed Value type system. Anything without a JSON
// mapping (time.Time, funcs, channels, NaN) is rejected there with a
// *ValidationError and never reaches a queue.
//
// This package imports nothing internal except codec. All other internal
// packages import ir.
package ir
