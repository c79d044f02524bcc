// Package consistency records read-your-writes tokens returned by write
// requests, so a reader of server state (message fetch, user fetch) can
// wait until its own writes are visible.
package consistency

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/roach88/usersync/internal/ir"
)

// DefaultTTL bounds how long a token is remembered.
const DefaultTTL = 5 * time.Minute

// Token is a read-your-writes marker for one user.
type Token struct {
	Token string
	// Delay the reader should wait before trusting a read.
	Delay time.Duration
}

// Manager holds the latest token per onesignal id.
//
// Thread-safety: all methods are safe for concurrent use.
type Manager struct {
	cache *ttlcache.Cache[string, Token]
}

// NewManager creates a manager whose tokens expire after ttl.
func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cache := ttlcache.New[string, Token](
		ttlcache.WithTTL[string, Token](ttl),
		// reading a token must not keep it alive
		ttlcache.WithDisableTouchOnHit[string, Token](),
	)
	return &Manager{cache: cache}
}

// Start runs expired-item cleanup until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	go m.cache.Start()
	go func() {
		<-ctx.Done()
		m.cache.Stop()
	}()
}

// Set stores tok for onesignalID, replacing any earlier token.
func (m *Manager) Set(onesignalID string, tok Token) {
	if onesignalID == "" || tok.Token == "" {
		return
	}
	m.cache.Set(onesignalID, tok, ttlcache.DefaultTTL)
}

// Get returns the token for onesignalID if it has not expired.
func (m *Manager) Get(onesignalID string) (Token, bool) {
	item := m.cache.Get(onesignalID)
	if item == nil {
		return Token{}, false
	}
	return item.Value(), true
}

// Remove forgets the token for onesignalID.
func (m *Manager) Remove(onesignalID string) {
	m.cache.Delete(onesignalID)
}

// Len returns the number of stored tokens, including expired ones not yet
// cleaned up.
func (m *Manager) Len() int {
	return m.cache.Len()
}

// RecordResponse extracts ryw_token and ryw_delay (milliseconds) from a
// write response body. It reports whether a token was recorded.
func (m *Manager) RecordResponse(onesignalID string, body ir.Object) bool {
	token, ok := body.GetString("ryw_token")
	if !ok || token == "" || onesignalID == "" {
		return false
	}

	var delay time.Duration
	switch d := body["ryw_delay"].(type) {
	case ir.Int:
		delay = time.Duration(d) * time.Millisecond
	case ir.Float:
		delay = time.Duration(float64(d) * float64(time.Millisecond))
	}

	m.Set(onesignalID, Token{Token: token, Delay: delay})
	return true
}
