package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/usersync/internal/ir"
	"github.com/roach88/usersync/internal/transport"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string   // Assertion type for categorization
	Expected string   // Human-readable expected outcome
	Actual   string   // Human-readable actual outcome
	Requests []string // Every request, for context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nRequests:\n")
	for i, r := range e.Requests {
		fmt.Fprintf(&buf, "  [%d] %s\n", i+1, r)
	}
	return buf.String()
}

func evaluate(a Assertion, reqs []*transport.Request, result *Result) error {
	switch a.Type {
	case AssertRequestCount:
		return assertRequestCount(reqs, a)
	case AssertRequestOrder:
		return assertRequestOrder(reqs, a)
	case AssertRequestContains:
		return assertRequestContains(reqs, a)
	case AssertFinalState:
		return assertFinalState(result.State, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func rendered(reqs []*transport.Request) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.Kind + " " + renderRequest(r)
	}
	return out
}

// assertRequestCount checks that exactly Count requests of Kind were sent.
func assertRequestCount(reqs []*transport.Request, a Assertion) error {
	n := 0
	for _, r := range reqs {
		if r.Kind == a.Kind {
			n++
		}
	}
	if n == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertRequestCount,
		Expected: fmt.Sprintf("%d %s request(s)", a.Count, a.Kind),
		Actual:   fmt.Sprintf("%d", n),
		Requests: rendered(reqs),
	}
}

// assertRequestOrder checks that the first request of each kind appears
// in the listed order. Other requests may come in between.
func assertRequestOrder(reqs []*transport.Request, a Assertion) error {
	first := make(map[string]int)
	for i, r := range reqs {
		if _, ok := first[r.Kind]; !ok {
			first[r.Kind] = i + 1
		}
	}

	prev := 0
	for _, kind := range a.Kinds {
		pos, ok := first[kind]
		if !ok {
			return &AssertionError{
				Type:     AssertRequestOrder,
				Expected: fmt.Sprintf("%s in order %v", kind, a.Kinds),
				Actual:   "not sent",
				Requests: rendered(reqs),
			}
		}
		if pos < prev {
			return &AssertionError{
				Type:     AssertRequestOrder,
				Expected: fmt.Sprintf("order %v", a.Kinds),
				Actual:   fmt.Sprintf("%s sent at position %d, before position %d", kind, pos, prev),
				Requests: rendered(reqs),
			}
		}
		prev = pos
	}
	return nil
}

// assertRequestContains checks that some request of Kind matches Path,
// JWT and a subset of Body.
func assertRequestContains(reqs []*transport.Request, a Assertion) error {
	var want ir.Value
	if a.Body != nil {
		v, err := ir.FromAny(a.Body)
		if err != nil {
			return fmt.Errorf("request_contains body: %w", err)
		}
		want = v
	}

	for _, r := range reqs {
		if r.Kind != a.Kind {
			continue
		}
		if a.Path != "" && r.Path != a.Path {
			continue
		}
		if a.JWT != "" && r.JWT != a.JWT {
			continue
		}
		if want != nil && !subset(want, r.Body) {
			continue
		}
		return nil
	}

	return &AssertionError{
		Type:     AssertRequestContains,
		Expected: fmt.Sprintf("%s request path=%q jwt=%q body containing %v", a.Kind, a.Path, a.JWT, a.Body),
		Actual:   "not found",
		Requests: rendered(reqs),
	}
}

// subset reports whether want is contained in got: objects match when
// every key of want matches in got, everything else must be equal.
func subset(want, got ir.Value) bool {
	wantObj, ok := want.(ir.Object)
	if !ok {
		return ir.Equal(want, got)
	}
	gotObj, ok := got.(ir.Object)
	if !ok {
		return false
	}
	for k, v := range wantObj {
		g, ok := gotObj[k]
		if !ok || !subset(v, g) {
			return false
		}
	}
	return true
}

// assertFinalState compares one final state field.
func assertFinalState(state map[string]any, a Assertion) error {
	want, err := ir.FromAny(a.Expect)
	if err != nil {
		return fmt.Errorf("final_state expect: %w", err)
	}
	got, err := ir.FromAny(state[a.Field])
	if err != nil {
		return fmt.Errorf("final_state %s: %w", a.Field, err)
	}
	if ir.Equal(want, got) {
		return nil
	}
	return &AssertionError{
		Type:     AssertFinalState,
		Expected: fmt.Sprintf("%s = %v", a.Field, a.Expect),
		Actual:   fmt.Sprintf("%v", state[a.Field]),
	}
}
