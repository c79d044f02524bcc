package harness

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: "One flush"
steps:
  - action: flush
assertions:
  - type: request_count
    kind: create_user
    count: 1
`

func TestParseScenario_Valid(t *testing.T) {
	s, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)
	assert.Equal(t, "minimal", s.Name)
	require.Len(t, s.Steps, 1)
	assert.Equal(t, ActionFlush, s.Steps[0].Action)
	require.Len(t, s.Assertions, 1)
	assert.Equal(t, 1, s.Assertions[0].Count)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing name",
			content: "description: d\nsteps: [{action: flush}]\nassertions: [{type: request_count, kind: create_user}]",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			content: "name: n\nsteps: [{action: flush}]\nassertions: [{type: request_count, kind: create_user}]",
			wantErr: "description is required",
		},
		{
			name:    "no steps",
			content: "name: n\ndescription: d\nassertions: [{type: request_count, kind: create_user}]",
			wantErr: "steps list is required",
		},
		{
			name:    "no assertions",
			content: "name: n\ndescription: d\nsteps: [{action: flush}]",
			wantErr: "assertions list is required",
		},
		{
			name:    "unknown action",
			content: "name: n\ndescription: d\nsteps: [{action: dance}]\nassertions: [{type: request_count, kind: create_user}]",
			wantErr: `steps[0]: unknown action "dance"`,
		},
		{
			name:    "missing argument",
			content: "name: n\ndescription: d\nsteps: [{action: login}]\nassertions: [{type: request_count, kind: create_user}]",
			wantErr: `login: argument "external_id" is required`,
		},
		{
			name:    "bad duration",
			content: "name: n\ndescription: d\nsteps: [{action: advance, args: {duration: soon}}]\nassertions: [{type: request_count, kind: create_user}]",
			wantErr: "advance:",
		},
		{
			name:    "unknown assertion type",
			content: "name: n\ndescription: d\nsteps: [{action: flush}]\nassertions: [{type: vibes}]",
			wantErr: `unknown assertion type "vibes"`,
		},
		{
			name:    "unknown final state field",
			content: "name: n\ndescription: d\nsteps: [{action: flush}]\nassertions: [{type: final_state, field: mood, expect: x}]",
			wantErr: `unknown final_state field "mood"`,
		},
		{
			name:    "request_order without kinds",
			content: "name: n\ndescription: d\nsteps: [{action: flush}]\nassertions: [{type: request_order}]",
			wantErr: "kinds list is required",
		},
		{
			name:    "unknown field",
			content: "name: n\ndescription: d\nflow: []\nsteps: [{action: flush}]\nassertions: [{type: request_count, kind: create_user}]",
			wantErr: "failed to parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenarios_SortedByFileName(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.yaml", "a.yaml"} {
		content := strings.Replace(minimalScenario, "name: minimal", "name: "+strings.TrimSuffix(name, ".yaml"), 1)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	scenarios, err := LoadScenarios(dir)
	require.NoError(t, err)
	require.Len(t, scenarios, 2)
	assert.Equal(t, "a", scenarios[0].Name)
	assert.Equal(t, "b", scenarios[1].Name)
}

func TestLoadScenarios_ReportsFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: x"), 0644))

	_, err := LoadScenarios(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yaml")
}
