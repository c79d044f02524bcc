package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/usersync/internal/ir"
	"github.com/roach88/usersync/internal/transport"
)

func TestScriptedClient_DefaultOK(t *testing.T) {
	c := NewScriptedClient()

	resp, err := c.Execute(context.Background(), &transport.Request{Kind: "k", Method: "GET", Path: "/x"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, ir.Object{}, resp.Body)
	assert.Equal(t, []string{"k"}, c.Kinds())
}

func TestScriptedClient_RulesInOrderWithTimes(t *testing.T) {
	c := NewScriptedClient().
		On(Match{Kind: "k"}, Reply{Status: 500, Times: 1}).
		On(Match{Kind: "k"}, Reply{Status: 202, Body: ir.Object{"ok": ir.Bool(true)}})

	_, err := c.Execute(context.Background(), &transport.Request{Kind: "k"})
	assert.Equal(t, transport.Retryable, transport.Classify(err))

	resp, err := c.Execute(context.Background(), &transport.Request{Kind: "k"})
	require.NoError(t, err)
	assert.Equal(t, 202, resp.StatusCode)
	assert.Equal(t, 2, c.Count("k"))
}

func TestScriptedClient_MatchesJWT(t *testing.T) {
	c := NewScriptedClient().On(Match{JWT: "old"}, Reply{Status: 401})

	_, err := c.Execute(context.Background(), &transport.Request{Kind: "k", JWT: "old"})
	assert.Equal(t, transport.AuthError, transport.Classify(err))

	resp, err := c.Execute(context.Background(), &transport.Request{Kind: "k", JWT: "new"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestScriptedClient_NetworkError(t *testing.T) {
	boom := errors.New("boom")
	c := NewScriptedClient().On(Match{PathContains: "/users"}, Reply{Err: boom})

	_, err := c.Execute(context.Background(), &transport.Request{Path: "/apps/a/users"})
	assert.ErrorIs(t, err, boom)
}

func TestScriptedClient_HoldRespectsContext(t *testing.T) {
	hold := make(chan struct{})
	c := NewScriptedClient().On(Match{}, Reply{Hold: hold})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Execute(ctx, &transport.Request{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScriptedClient_Trace(t *testing.T) {
	c := NewScriptedClient()
	_, _ = c.Execute(context.Background(), &transport.Request{
		Method: "PATCH",
		Path:   "/apps/a/users/by/onesignal_id/os-1",
		Body:   ir.Object{"properties": ir.Object{"tags": ir.Object{"k": ir.String("v")}}},
	})
	_, _ = c.Execute(context.Background(), &transport.Request{Method: "GET", Path: "/apps/a/users/by/onesignal_id/os-1"})

	assert.Equal(t,
		"PATCH /apps/a/users/by/onesignal_id/os-1 {\"properties\":{\"tags\":{\"k\":\"v\"}}}\n"+
			"GET /apps/a/users/by/onesignal_id/os-1\n",
		c.Trace())
}
