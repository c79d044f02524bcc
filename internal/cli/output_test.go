package cli

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeResponse(t *testing.T, data []byte) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	return resp
}

func TestOutputFormatter_Success(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &buf}
	require.NoError(t, f.Success(map[string]int{"entries": 3}))

	resp := decodeResponse(t, buf.Bytes())
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"entries": float64(3)}, resp.Data)
	assert.Nil(t, resp.Error)

	buf.Reset()
	f.Format = "text"
	require.NoError(t, f.Success("config valid"))
	assert.Equal(t, "config valid\n", buf.String())
}

func TestOutputFormatter_Error(t *testing.T) {
	details := map[string]string{"path": "breaker.timeout"}

	tests := []struct {
		name    string
		format  string
		verbose bool
		want    []string
		notWant []string
	}{
		{"text", "text", false, []string{"Error [C003]: schema violation"}, []string{"Details:"}},
		{"text verbose", "text", true, []string{"Error [C003]", "Details: map[path:breaker.timeout]"}, nil},
		{"json", "json", false, []string{`"status":"error"`, `"code":"C003"`, `"path":"breaker.timeout"`}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			f := &OutputFormatter{Format: tt.format, Writer: &buf, Verbose: tt.verbose}
			require.NoError(t, f.Error("C003", "schema violation", details))
			for _, s := range tt.want {
				assert.Contains(t, buf.String(), s)
			}
			for _, s := range tt.notWant {
				assert.NotContains(t, buf.String(), s)
			}
		})
	}
}

func TestOutputFormatter_VerboseLogUsesErrWriter(t *testing.T) {
	var out, errOut bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &out, ErrWriter: &errOut}

	f.VerboseLog("queue %s", "user")
	assert.Empty(t, errOut.String())

	f.Verbose = true
	f.VerboseLog("queue %s", "user")
	assert.Equal(t, "queue user\n", errOut.String())
	assert.Empty(t, out.String())
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "missing dir")))
	assert.Equal(t, ExitFailure, GetExitCode(fmt.Errorf("wrapped: %w", NewExitError(ExitFailure, "failed"))))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))

	err := WrapExitError(ExitCommandError, "failed to open database", errors.New("locked"))
	assert.Equal(t, "failed to open database: locked", err.Error())
	assert.EqualError(t, errors.Unwrap(err), "locked")
}
