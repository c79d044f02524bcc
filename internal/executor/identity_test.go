package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/usersync/internal/engine"
	"github.com/roach88/usersync/internal/ir"
	"github.com/roach88/usersync/internal/testutil"
	"github.com/roach88/usersync/internal/transport"
)

func TestIdentityExecutor_AddAndRemoveAreNotMerged(t *testing.T) {
	f := newFixture(t)
	x := NewIdentityExecutor(f.deps())
	alice := f.user("os-1", "")

	x.EnqueueDelta(f.delta(ir.OpRemoveAlias, alice, alice.ID(), "crm", ir.Null{}))
	x.EnqueueDelta(f.delta(ir.OpAddAliases, alice, alice.ID(), "crm", ir.String("42")))
	process(t, x)

	assert.Equal(t,
		"DELETE /apps/app/users/by/onesignal_id/os-1/identity/crm\n"+
			`PATCH /apps/app/users/by/onesignal_id/os-1/identity {"identity":{"crm":"42"}}`+"\n",
		f.client.Trace())
	assert.Equal(t, 0, x.Pending())
}

func TestIdentityExecutor_RetryableFailureHoldsLaterChangesOfSameLabel(t *testing.T) {
	f := newFixture(t)
	x := NewIdentityExecutor(f.deps())
	alice := f.user("os-1", "")
	f.client.On(testutil.Match{Method: "PATCH"}, testutil.Reply{Status: 503, Times: 1})

	x.EnqueueDelta(f.delta(ir.OpAddAliases, alice, alice.ID(), "crm", ir.String("1")))
	x.EnqueueDelta(f.delta(ir.OpRemoveAlias, alice, alice.ID(), "crm", ir.Null{}))
	x.EnqueueDelta(f.delta(ir.OpAddAliases, alice, alice.ID(), "other", ir.String("2")))
	process(t, x)

	assert.Equal(t, []string{transport.KindAddAliases, transport.KindAddAliases}, f.client.Kinds())
	assert.Equal(t, 2, x.Pending())

	process(t, x)
	assert.Equal(t, []string{
		transport.KindAddAliases, transport.KindAddAliases,
		transport.KindAddAliases, transport.KindRemoveAlias,
	}, f.client.Kinds())
	assert.Equal(t, 0, x.Pending())
}

func TestIdentityExecutor_ClientErrorDrops(t *testing.T) {
	f := newFixture(t)
	x := NewIdentityExecutor(f.deps())
	alice := f.user("os-1", "")
	f.client.On(testutil.Match{}, testutil.Reply{Status: 409})

	x.EnqueueDelta(f.delta(ir.OpAddAliases, alice, alice.ID(), "crm", ir.String("taken")))
	process(t, x)
	process(t, x)

	assert.Equal(t, 1, f.client.Count(transport.KindAddAliases))
	assert.Equal(t, 0, x.Pending())
}

func TestIdentityExecutor_WaitsForOnesignalID(t *testing.T) {
	f := newFixture(t)
	x := NewIdentityExecutor(f.deps())
	anon := f.user("", "")

	x.EnqueueDelta(f.delta(ir.OpAddAliases, anon, anon.ID(), "crm", ir.String("42")))
	process(t, x)
	assert.Empty(t, f.client.Requests())

	anon.Hydrate(ir.Object{"onesignal_id": ir.String("os-9")})
	process(t, x)

	reqs := f.client.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/apps/app/users/by/onesignal_id/os-9/identity", reqs[0].Path)
}

func TestIdentityExecutor_CoolOffGate(t *testing.T) {
	f := newFixture(t)
	x := NewIdentityExecutor(f.deps())
	fresh := f.user("os-new", "")
	f.records.Add("os-new", false)

	x.EnqueueDelta(f.delta(ir.OpAddAliases, fresh, fresh.ID(), "crm", ir.String("42")))
	process(t, x)
	assert.Empty(t, f.client.Requests(), "no request inside the cool-off window")

	f.clock.Advance(engine.DefaultCoolOff - 1)
	process(t, x)
	assert.Empty(t, f.client.Requests())

	f.clock.Advance(1)
	process(t, x)
	process(t, x)
	assert.Equal(t, 1, f.client.Count(transport.KindAddAliases))
}

func TestIdentityExecutor_RecordsReadYourWritesToken(t *testing.T) {
	f := newFixture(t)
	x := NewIdentityExecutor(f.deps())
	alice := f.user("os-1", "")
	f.client.On(testutil.Match{}, testutil.Reply{Body: ir.Object{
		"ryw_token": ir.String("tok"),
		"ryw_delay": ir.Int(250),
	}})

	x.EnqueueDelta(f.delta(ir.OpAddAliases, alice, alice.ID(), "crm", ir.String("42")))
	process(t, x)

	tok, ok := f.ryw.Get("os-1")
	require.True(t, ok)
	assert.Equal(t, "tok", tok.Token)
}
