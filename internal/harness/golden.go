package harness

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// RenderTrace renders a result's trace in the golden file format: one
// header line per step followed by its requests, indented.
func RenderTrace(name string, result *Result) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", name)
	for _, ev := range result.Trace {
		fmt.Fprintf(&b, "%d. %s\n", ev.Step, ev.Action)
		for _, r := range ev.Requests {
			fmt.Fprintf(&b, "   %s\n", r)
		}
	}
	return []byte(b.String())
}

// RunWithGolden executes a scenario and compares the trace against
// testdata/golden/{scenario.Name}.golden. A failed scenario fails t.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	if !result.Pass {
		t.Errorf("scenario %s failed:\n%s", scenario.Name, strings.Join(result.Errors, "\n"))
	}
	AssertGolden(t, scenario.Name, result)
	return nil
}

// AssertGolden compares an existing result's trace against a golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, RenderTrace(name, result))
}
