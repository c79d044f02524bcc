package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenarios runs every scenario under testdata/scenarios against its
// golden trace.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -run TestScenarios -update
func TestScenarios(t *testing.T) {
	scenarios, err := LoadScenarios("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, scenarios)

	for _, s := range scenarios {
		t.Run(s.Name, func(t *testing.T) {
			require.NoError(t, RunWithGolden(t, s))
		})
	}
}

func TestRenderTrace(t *testing.T) {
	result := NewResult()
	result.AddStep(1, "add_tag key=k value=v", nil)
	result.AddStep(2, "flush", []string{"POST /apps/app/users {}", "PATCH /x {}"})

	want := "# demo\n" +
		"1. add_tag key=k value=v\n" +
		"2. flush\n" +
		"   POST /apps/app/users {}\n" +
		"   PATCH /x {}\n"
	assert.Equal(t, want, string(RenderTrace("demo", result)))
	assert.Equal(t, []string{"POST /apps/app/users {}", "PATCH /x {}"}, result.Requests())
}
