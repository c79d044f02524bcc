package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/roach88/usersync/internal/ir"
	"github.com/roach88/usersync/internal/transport"
)

// Reply is a scripted response.
type Reply struct {
	// Status is the HTTP status. Zero means 200.
	Status int
	Body   ir.Object

	// Err, when set, is returned instead of a response (network failure).
	Err error

	// Times limits how often the reply is used. Zero means forever.
	Times int

	// Hold, when set, blocks the request until the channel is closed or
	// the request context ends.
	Hold <-chan struct{}
}

// Match selects requests. Empty fields match anything.
type Match struct {
	Kind   string
	Method string
	// PathContains matches a substring of the request path.
	PathContains string
	// JWT matches the token attached to the request.
	JWT string
}

func (m Match) matches(r *transport.Request) bool {
	if m.Kind != "" && m.Kind != r.Kind {
		return false
	}
	if m.Method != "" && m.Method != r.Method {
		return false
	}
	if m.PathContains != "" && !strings.Contains(r.Path, m.PathContains) {
		return false
	}
	if m.JWT != "" && m.JWT != r.JWT {
		return false
	}
	return true
}

type rule struct {
	match Match
	reply Reply
	used  int
}

// ScriptedClient is a transport.Client that records every request and
// answers from scripted rules. The first matching rule with uses left
// wins; requests matching no rule get 200 with an empty body.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ScriptedClient struct {
	mu       sync.Mutex
	rules    []*rule
	requests []*transport.Request
	inFlight int
	peak     int
}

var _ transport.Client = (*ScriptedClient)(nil)

// NewScriptedClient creates a client with no rules.
func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{}
}

// On adds a rule.
func (c *ScriptedClient) On(m Match, r Reply) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, &rule{match: m, reply: r})
	return c
}

// Reset removes every rule and recorded request.
func (c *ScriptedClient) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = nil
	c.requests = nil
	c.peak = 0
}

// Execute implements transport.Client.
func (c *ScriptedClient) Execute(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	c.mu.Lock()
	copied := *req
	copied.Body = req.Body.Clone()
	c.requests = append(c.requests, &copied)
	c.inFlight++
	if c.inFlight > c.peak {
		c.peak = c.inFlight
	}

	reply := Reply{}
	for _, r := range c.rules {
		if r.match.matches(req) && (r.reply.Times == 0 || r.used < r.reply.Times) {
			r.used++
			reply = r.reply
			break
		}
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}()

	if reply.Hold != nil {
		select {
		case <-reply.Hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if reply.Err != nil {
		return nil, reply.Err
	}
	status := reply.Status
	if status == 0 {
		status = 200
	}
	body := reply.Body.Clone()
	if body == nil {
		body = ir.Object{}
	}
	if status < 200 || status > 299 {
		return nil, &transport.HTTPError{StatusCode: status, Body: body, Message: fmt.Sprintf("scripted %d", status)}
	}
	return &transport.Response{StatusCode: status, Body: body}, nil
}

// Requests returns every recorded request in arrival order.
func (c *ScriptedClient) Requests() []*transport.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*transport.Request, len(c.requests))
	copy(out, c.requests)
	return out
}

// RequestsOf returns the recorded requests of one kind.
func (c *ScriptedClient) RequestsOf(kind string) []*transport.Request {
	var out []*transport.Request
	for _, r := range c.Requests() {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// Count returns how many requests of kind were recorded.
func (c *ScriptedClient) Count(kind string) int {
	return len(c.RequestsOf(kind))
}

// Kinds returns the kind of every recorded request in order.
func (c *ScriptedClient) Kinds() []string {
	reqs := c.Requests()
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.Kind
	}
	return out
}

// PeakInFlight returns the largest number of requests that were being
// executed at the same time.
func (c *ScriptedClient) PeakInFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peak
}

// Trace renders each request as "METHOD path body" with the body in
// canonical JSON, one line per request.
func (c *ScriptedClient) Trace() string {
	var b strings.Builder
	for _, r := range c.Requests() {
		b.WriteString(r.Method)
		b.WriteByte(' ')
		b.WriteString(r.Path)
		if r.Body != nil {
			body, err := ir.MarshalCanonical(r.Body)
			if err != nil {
				body = []byte(err.Error())
			}
			b.WriteByte(' ')
			b.Write(body)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
