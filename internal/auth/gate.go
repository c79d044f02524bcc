// Package auth implements the identity verification gate consulted by
// every executor before it sends a request.
package auth

import (
	"log/slog"
	"sync"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/roach88/usersync/internal/clock"
	"github.com/roach88/usersync/internal/model"
)

// Requirement says whether the app requires identity verification.
type Requirement int

const (
	// RequirementUnknown holds every request until the requirement is known.
	RequirementUnknown Requirement = iota
	RequirementOff
	RequirementOn
)

func (r Requirement) String() string {
	switch r {
	case RequirementOff:
		return "off"
	case RequirementOn:
		return "on"
	}
	return "unknown"
}

// ParseRequirement maps "off", "on" and "unknown" to a Requirement.
func ParseRequirement(s string) (Requirement, bool) {
	switch s {
	case "off", "":
		return RequirementOff, true
	case "on":
		return RequirementOn, true
	case "unknown":
		return RequirementUnknown, true
	}
	return RequirementUnknown, false
}

// State is the token state of one identity.
type State int

const (
	NoTokenRequired State = iota
	TokenRequiredNoToken
	TokenRequiredValid
	TokenRequiredInvalid
)

func (s State) String() string {
	switch s {
	case NoTokenRequired:
		return "no_token_required"
	case TokenRequiredNoToken:
		return "token_required_no_token"
	case TokenRequiredValid:
		return "token_required_valid"
	case TokenRequiredInvalid:
		return "token_required_invalid"
	}
	return "unknown"
}

// Invalidation is fired when an identity's token stops being usable.
type Invalidation struct {
	ExternalID string
	Reason     string
}

type tokenState struct {
	token   string
	invalid bool
}

// Gate tracks JWTs per external id.
//
// An identity whose token was invalidated stays blocked until UpdateToken
// supplies a new one. Each invalidation episode fires exactly one
// Invalidation event, however many requests fail with the same token.
//
// Thread-safety: all methods are safe for concurrent use. Events are
// delivered outside the gate's lock.
type Gate struct {
	clock  clock.Clock
	logger *slog.Logger

	mu          sync.Mutex
	requirement Requirement
	tokens      map[string]*tokenState

	invalidated model.EventProducer[Invalidation]
	updated     model.EventProducer[string]
	resolved    model.EventProducer[Requirement]
}

// NewGate creates a gate with the given requirement.
func NewGate(req Requirement, c clock.Clock, logger *slog.Logger) *Gate {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		clock:       c,
		logger:      logger.With("component", "jwt_gate"),
		requirement: req,
		tokens:      make(map[string]*tokenState),
	}
}

// Requirement returns the current requirement.
func (g *Gate) Requirement() Requirement {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requirement
}

// SetRequirement changes the requirement and notifies OnRequirement
// listeners, which typically trigger a flush of held requests.
func (g *Gate) SetRequirement(req Requirement) {
	g.mu.Lock()
	changed := g.requirement != req
	g.requirement = req
	g.mu.Unlock()

	if changed {
		g.logger.Info("identity verification requirement changed", "requirement", req)
		g.resolved.Fire(req)
	}
}

// State returns the token state of externalID.
func (g *Gate) State(externalID string) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateLocked(externalID)
}

func (g *Gate) stateLocked(externalID string) State {
	if g.requirement != RequirementOn {
		return NoTokenRequired
	}
	ts, ok := g.tokens[externalID]
	switch {
	case !ok || ts.token == "":
		return TokenRequiredNoToken
	case ts.invalid:
		return TokenRequiredInvalid
	}
	return TokenRequiredValid
}

// UpdateToken stores a new token for externalID and marks it valid.
// OnUpdated listeners fire so that requests held for this identity can be
// resent.
func (g *Gate) UpdateToken(externalID, token string) {
	if externalID == "" {
		return
	}
	g.mu.Lock()
	g.tokens[externalID] = &tokenState{token: token}
	g.mu.Unlock()

	g.logger.Debug("token updated", "external_id", externalID)
	g.updated.Fire(externalID)
}

// CanSend reports whether a request for externalID may be sent, and the
// token to attach. With the requirement off no token is attached. An
// expired token is invalidated on the spot.
func (g *Gate) CanSend(externalID string) (string, bool) {
	g.mu.Lock()
	switch g.requirement {
	case RequirementOff:
		g.mu.Unlock()
		return "", true
	case RequirementUnknown:
		g.mu.Unlock()
		return "", false
	}

	ts, ok := g.tokens[externalID]
	if !ok || ts.token == "" || ts.invalid {
		g.mu.Unlock()
		return "", false
	}
	if g.expired(ts.token) {
		ts.invalid = true
		g.mu.Unlock()
		g.fireInvalidated(externalID, "token expired")
		return "", false
	}
	token := ts.token
	g.mu.Unlock()
	return token, true
}

// Invalidate records that the server rejected tokenUsed for externalID.
// The identity is marked invalid and an Invalidation fires, but only if
// tokenUsed is still the current token and it was not already invalid:
// a rejection of an older token, or a second rejection in the same
// episode, is ignored. It reports whether an event fired.
func (g *Gate) Invalidate(externalID, tokenUsed, reason string) bool {
	g.mu.Lock()
	if g.requirement != RequirementOn {
		g.mu.Unlock()
		return false
	}
	ts, ok := g.tokens[externalID]
	if !ok || ts.invalid || ts.token != tokenUsed {
		g.mu.Unlock()
		return false
	}
	ts.invalid = true
	g.mu.Unlock()

	g.fireInvalidated(externalID, reason)
	return true
}

func (g *Gate) fireInvalidated(externalID, reason string) {
	g.logger.Warn("token invalidated", "external_id", externalID, "reason", reason)
	g.invalidated.Fire(Invalidation{ExternalID: externalID, Reason: reason})
}

// expired reads the exp claim without verifying the signature. Tokens
// that are not JWTs, or carry no exp, never expire locally.
func (g *Gate) expired(token string) bool {
	claims := gojwt.MapClaims{}
	if _, _, err := gojwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !g.clock.Now().Before(exp.Time)
}

// OnInvalidated registers fn for invalidation events.
func (g *Gate) OnInvalidated(fn func(Invalidation)) func() {
	return g.invalidated.Subscribe(fn)
}

// OnUpdated registers fn for token updates. fn receives the external id.
func (g *Gate) OnUpdated(fn func(externalID string)) func() {
	return g.updated.Subscribe(fn)
}

// OnRequirement registers fn for requirement changes.
func (g *Gate) OnRequirement(fn func(Requirement)) func() {
	return g.resolved.Subscribe(fn)
}
