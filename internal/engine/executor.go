package engine

import (
	"context"

	"github.com/roach88/usersync/internal/ir"
)

// ProcessOptions narrows a processing pass.
type ProcessOptions struct {
	// InBackground marks passes started by the flush timer rather than by
	// an explicit caller.
	InBackground bool

	// ExternalID, when Scoped is set, restricts the pass to entries that
	// belong to this identity. Used to resend only the requests a fresh
	// JWT unblocks.
	ExternalID string
	Scoped     bool
}

// Matches reports whether an entry owned by externalID is part of the
// pass.
func (o ProcessOptions) Matches(externalID string) bool {
	return !o.Scoped || o.ExternalID == externalID
}

// Executor turns one domain's queued work into network requests.
//
// EnqueueDelta must not block on the network. Process sends every
// eligible entry and waits for the responses; it only returns an error
// when ctx is cancelled; request failures are resolved inside the
// executor according to their classification.
type Executor interface {
	Name() string
	SupportedDeltas() []ir.OperationName
	EnqueueDelta(d ir.Delta)
	Process(ctx context.Context, opts ProcessOptions) error
	Pending() int
}
