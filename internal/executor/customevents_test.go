package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/usersync/internal/ir"
	"github.com/roach88/usersync/internal/testutil"
	"github.com/roach88/usersync/internal/transport"
)

func TestCustomEventsExecutor_OneRequestPerEvent(t *testing.T) {
	f := newFixture(t)
	x := NewCustomEventsExecutor(f.deps())
	alice := f.user("os-1", "alice")

	x.EnqueueDelta(f.delta(ir.OpTrackEvent, alice, "", "purchase", ir.Object{"sku": ir.String("a")}))
	x.EnqueueDelta(f.delta(ir.OpTrackEvent, alice, "", "purchase", ir.Object{"sku": ir.String("b")}))
	x.EnqueueDelta(f.delta(ir.OpTrackEvent, alice, "", "signup", nil))
	process(t, x)

	reqs := f.client.RequestsOf(transport.KindCustomEvent)
	require.Len(t, reqs, 3)

	skus := map[string]bool{}
	for _, r := range reqs {
		assert.Equal(t, "/apps/app/custom_events", r.Path)
		events, ok := r.Body.GetArray("events")
		require.True(t, ok)
		require.Len(t, events, 1)

		event := events[0].(ir.Object)
		ext, _ := event.GetString("external_id")
		assert.Equal(t, "alice", ext)
		os, _ := event.GetString("onesignal_id")
		assert.Equal(t, "os-1", os)
		if payload, ok := event.GetObject("payload"); ok {
			sku, _ := payload.GetString("sku")
			skus[sku] = true
		}
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, skus)
	assert.Equal(t, 0, x.Pending())
}

func TestCustomEventsExecutor_FailureOnlyAffectsThatEvent(t *testing.T) {
	f := newFixture(t)
	x := NewCustomEventsExecutor(f.deps())
	alice := f.user("os-1", "")
	f.client.On(testutil.Match{}, testutil.Reply{Status: 502, Times: 1})

	x.EnqueueDelta(f.delta(ir.OpTrackEvent, alice, "", "one", nil))
	x.EnqueueDelta(f.delta(ir.OpTrackEvent, alice, "", "two", nil))
	process(t, x)
	assert.Equal(t, 1, x.Pending())

	process(t, x)
	assert.Equal(t, 3, f.client.Count(transport.KindCustomEvent))
	assert.Equal(t, 0, x.Pending())
}
