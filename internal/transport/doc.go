// Package transport defines the network client the executors talk to and
// the classification of its results.
//
// Executors never inspect raw errors: Classify maps every outcome to one
// of Success, Retryable, ClientError, AuthError, Conflict or Missing, and
// each executor resolves its queue entry from that class alone.
package transport
