package engine

import (
	"sync"
	"time"

	"github.com/roach88/usersync/internal/clock"
)

// DefaultCoolOff is the delay after server-side creation before requests
// may reference a new id.
const DefaultCoolOff = 5 * time.Second

// NewRecords tracks ids the server created recently.
//
// State is in memory only. A new process starts with no entries, so every
// id is accessible immediately after a restart.
type NewRecords struct {
	clock   clock.Clock
	coolOff time.Duration

	mu      sync.Mutex
	records map[string]time.Time
}

// NewNewRecords creates an empty gate.
func NewNewRecords(c clock.Clock, coolOff time.Duration) *NewRecords {
	if c == nil {
		c = clock.Real()
	}
	return &NewRecords{
		clock:   c,
		coolOff: coolOff,
		records: make(map[string]time.Time),
	}
}

// Add records now as the creation time of key. An existing time is only
// replaced when overwrite is true.
func (n *NewRecords) Add(key string, overwrite bool) {
	if key == "" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.records[key]; exists && !overwrite {
		return
	}
	n.records[key] = n.clock.Now()
}

// CanAccess reports whether requests may reference key. Keys never added,
// and the empty key, are always accessible. Records are kept after their
// window closes, so a later Add without overwrite stays a no-op.
func (n *NewRecords) CanAccess(key string) bool {
	if key == "" {
		return true
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	createdAt, ok := n.records[key]
	if !ok {
		return true
	}
	return !n.clock.Now().Before(createdAt.Add(n.coolOff))
}

// CoolOff returns the configured window.
func (n *NewRecords) CoolOff() time.Duration {
	return n.coolOff
}
