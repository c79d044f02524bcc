package auth

import (
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/usersync/internal/testutil"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub": "user-a",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestGate_RequirementOffAlwaysSends(t *testing.T) {
	g := NewGate(RequirementOff, testutil.NewFakeClock(), nil)

	token, ok := g.CanSend("user-a")
	assert.True(t, ok)
	assert.Empty(t, token)
	assert.Equal(t, NoTokenRequired, g.State("user-a"))
}

func TestGate_RequirementUnknownHolds(t *testing.T) {
	g := NewGate(RequirementUnknown, testutil.NewFakeClock(), nil)
	g.UpdateToken("user-a", "token-a")

	_, ok := g.CanSend("user-a")
	assert.False(t, ok)

	var resolved []Requirement
	g.OnRequirement(func(r Requirement) { resolved = append(resolved, r) })
	g.SetRequirement(RequirementOn)
	g.SetRequirement(RequirementOn)

	assert.Equal(t, []Requirement{RequirementOn}, resolved)
	token, ok := g.CanSend("user-a")
	assert.True(t, ok)
	assert.Equal(t, "token-a", token)
}

func TestGate_StateMachine(t *testing.T) {
	g := NewGate(RequirementOn, testutil.NewFakeClock(), nil)

	assert.Equal(t, TokenRequiredNoToken, g.State("user-a"))
	_, ok := g.CanSend("user-a")
	assert.False(t, ok)

	g.UpdateToken("user-a", "token-a")
	assert.Equal(t, TokenRequiredValid, g.State("user-a"))

	require.True(t, g.Invalidate("user-a", "token-a", "unauthorized"))
	assert.Equal(t, TokenRequiredInvalid, g.State("user-a"))
	_, ok = g.CanSend("user-a")
	assert.False(t, ok)

	g.UpdateToken("user-a", "token-a2")
	assert.Equal(t, TokenRequiredValid, g.State("user-a"))
}

func TestGate_InvalidationFiresOncePerEpisode(t *testing.T) {
	g := NewGate(RequirementOn, testutil.NewFakeClock(), nil)
	var events []Invalidation
	g.OnInvalidated(func(inv Invalidation) { events = append(events, inv) })

	g.UpdateToken("user-a", "token-a")
	assert.True(t, g.Invalidate("user-a", "token-a", "401"))
	assert.False(t, g.Invalidate("user-a", "token-a", "401"))

	require.Len(t, events, 1)
	assert.Equal(t, Invalidation{ExternalID: "user-a", Reason: "401"}, events[0])

	g.UpdateToken("user-a", "token-b")
	assert.True(t, g.Invalidate("user-a", "token-b", "401"))
	assert.Len(t, events, 2)
}

func TestGate_StaleTokenRejectionIgnored(t *testing.T) {
	g := NewGate(RequirementOn, testutil.NewFakeClock(), nil)
	g.UpdateToken("user-a", "token-new")

	assert.False(t, g.Invalidate("user-a", "token-old", "401"))
	assert.Equal(t, TokenRequiredValid, g.State("user-a"))
}

func TestGate_InvalidateIgnoredWhenNotRequired(t *testing.T) {
	g := NewGate(RequirementOff, testutil.NewFakeClock(), nil)
	g.UpdateToken("user-a", "token-a")
	assert.False(t, g.Invalidate("user-a", "token-a", "401"))
}

func TestGate_IdentitiesAreIndependent(t *testing.T) {
	g := NewGate(RequirementOn, testutil.NewFakeClock(), nil)
	g.UpdateToken("user-a", "token-a")
	g.UpdateToken("user-b", "token-b")
	g.Invalidate("user-a", "token-a", "401")
	g.Invalidate("user-b", "token-b", "401")

	var updated []string
	g.OnUpdated(func(id string) { updated = append(updated, id) })
	g.UpdateToken("user-a", "token-a2")

	assert.Equal(t, []string{"user-a"}, updated)
	_, okA := g.CanSend("user-a")
	_, okB := g.CanSend("user-b")
	assert.True(t, okA)
	assert.False(t, okB)
}

func TestGate_ExpiredJWTInvalidatedOnCanSend(t *testing.T) {
	clk := testutil.NewFakeClock()
	g := NewGate(RequirementOn, clk, nil)
	var events []Invalidation
	g.OnInvalidated(func(inv Invalidation) { events = append(events, inv) })

	g.UpdateToken("user-a", signedToken(t, clk.Now().Add(time.Minute)))

	_, ok := g.CanSend("user-a")
	assert.True(t, ok)

	clk.Advance(time.Minute)
	_, ok = g.CanSend("user-a")
	assert.False(t, ok)
	_, ok = g.CanSend("user-a")
	assert.False(t, ok)

	require.Len(t, events, 1)
	assert.Equal(t, "token expired", events[0].Reason)
	assert.Equal(t, TokenRequiredInvalid, g.State("user-a"))
}

func TestGate_OpaqueTokenNeverExpires(t *testing.T) {
	clk := testutil.NewFakeClock()
	g := NewGate(RequirementOn, clk, nil)
	g.UpdateToken("user-a", "not-a-jwt")

	clk.Advance(24 * time.Hour)
	token, ok := g.CanSend("user-a")
	assert.True(t, ok)
	assert.Equal(t, "not-a-jwt", token)
}

func TestParseRequirement(t *testing.T) {
	tests := []struct {
		in   string
		want Requirement
		ok   bool
	}{
		{"off", RequirementOff, true},
		{"", RequirementOff, true},
		{"on", RequirementOn, true},
		{"unknown", RequirementUnknown, true},
		{"maybe", RequirementUnknown, false},
	}
	for _, tt := range tests {
		got, ok := ParseRequirement(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
	}
}
