package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/usersync/internal/auth"
	"github.com/roach88/usersync/internal/engine"
	"github.com/roach88/usersync/internal/ir"
	"github.com/roach88/usersync/internal/testutil"
	"github.com/roach88/usersync/internal/transport"
)

func TestJWT_UpdateResendsOnlyThatIdentity(t *testing.T) {
	f := newFixture(t)
	f.gate.SetRequirement(auth.RequirementOn)
	f.gate.UpdateToken("alice", "alice-1")
	f.gate.UpdateToken("bob", "bob-1")

	var mu sync.Mutex
	invalidated := map[string]int{}
	f.gate.OnInvalidated(func(inv auth.Invalidation) {
		mu.Lock()
		defer mu.Unlock()
		invalidated[inv.ExternalID]++
	})

	// Every rejection waits until all three requests are out, so the
	// first 401 cannot hold back alice's second event.
	hold := make(chan struct{})
	f.client.On(testutil.Match{JWT: "alice-1"}, testutil.Reply{Status: 401, Times: 2, Hold: hold})
	f.client.On(testutil.Match{JWT: "bob-1"}, testutil.Reply{Status: 401, Times: 1, Hold: hold})

	x := NewCustomEventsExecutor(f.deps())
	alice := f.user("os-a", "alice")
	bob := f.user("os-b", "bob")
	x.EnqueueDelta(f.delta(ir.OpTrackEvent, alice, "", "one", nil))
	x.EnqueueDelta(f.delta(ir.OpTrackEvent, alice, "", "two", nil))
	x.EnqueueDelta(f.delta(ir.OpTrackEvent, bob, "", "three", nil))

	done := make(chan error, 1)
	go func() { done <- x.Process(context.Background(), engine.ProcessOptions{}) }()
	require.Eventually(t, func() bool { return f.client.Count(transport.KindCustomEvent) == 3 }, time.Second, time.Millisecond)
	close(hold)
	require.NoError(t, <-done)

	assert.Equal(t, 3, x.Pending(), "auth failures stay queued")
	assert.Equal(t, map[string]int{"alice": 1, "bob": 1}, invalidated, "one event per identity")
	assert.Equal(t, auth.TokenRequiredInvalid, f.gate.State("alice"))

	process(t, x)
	assert.Equal(t, 3, f.client.Count(transport.KindCustomEvent), "invalid tokens hold every request")

	f.gate.UpdateToken("alice", "alice-2")
	require.NoError(t, x.Process(context.Background(), engine.ProcessOptions{Scoped: true, ExternalID: "alice"}))

	reqs := f.client.Requests()
	require.Len(t, reqs, 5)
	for _, r := range reqs[3:] {
		assert.Contains(t, r.Path, "custom_events")
		assert.Equal(t, "alice-2", r.JWT)
	}
	assert.Equal(t, 1, x.Pending(), "bob's request is untouched")

	f.gate.UpdateToken("bob", "bob-2")
	process(t, x)
	reqs = f.client.Requests()
	require.Len(t, reqs, 6)
	assert.Equal(t, "bob-2", reqs[5].JWT)
	assert.Equal(t, 0, x.Pending())
}

func TestJWT_StaleTokenRejectionDoesNotInvalidateNewToken(t *testing.T) {
	f := newFixture(t)
	f.gate.SetRequirement(auth.RequirementOn)
	f.gate.UpdateToken("alice", "alice-1")
	f.client.On(testutil.Match{}, testutil.Reply{Status: 401, Times: 1})

	x := NewPropertiesExecutor(f.deps())
	alice := f.user("os-a", "alice")
	x.EnqueueDelta(f.delta(ir.OpUpdateProperties, alice, "props", "language", ir.String("en")))

	f.gate.UpdateToken("alice", "alice-2")
	require.False(t, f.gate.Invalidate("alice", "alice-1", "stale"))

	process(t, x)
	assert.Equal(t, auth.TokenRequiredInvalid, f.gate.State("alice"))
	assert.Equal(t, 1, x.Pending())
}

func TestJWT_UnknownRequirementHoldsEverything(t *testing.T) {
	f := newFixture(t)
	f.gate.SetRequirement(auth.RequirementUnknown)

	x := NewIdentityExecutor(f.deps())
	alice := f.user("os-a", "")
	x.EnqueueDelta(f.delta(ir.OpAddAliases, alice, alice.ID(), "crm", ir.String("1")))
	process(t, x)
	assert.Empty(t, f.client.Requests())

	f.gate.SetRequirement(auth.RequirementOff)
	process(t, x)
	assert.Equal(t, 1, f.client.Count(transport.KindAddAliases))
	assert.Empty(t, f.client.Requests()[0].JWT)
}
