package cli

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/usersync/internal/store"
)

func seedQueues(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "usersync.db")
	st, err := store.Open(path)
	require.NoError(t, err)

	ctx := t.Context()
	require.NoError(t, st.Save(ctx, "operation_queue.properties", []map[string]any{
		{"id": "op-1", "deltas": 2, "tags": map[string]any{"k": "v"}},
	}))
	require.NoError(t, st.Save(ctx, "operation_queue.user", []map[string]any{
		{"id": "op-0", "kind": "create"},
	}))
	require.NoError(t, st.Save(ctx, "model_store.identity", []string{"ignored"}))
	require.NoError(t, st.Close())
	return path
}

func runRoot(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestQueueCommand_Text(t *testing.T) {
	path := seedQueues(t)

	out, _, err := runRoot(t, "queue", "--db", path)
	require.NoError(t, err)
	assert.Equal(t,
		"properties (1)\n"+
			"  op-1 deltas=2 tags={1}\n"+
			"user (1)\n"+
			"  op-0 kind=create\n",
		out)
}

func TestQueueCommand_FilterJSON(t *testing.T) {
	path := seedQueues(t)

	out, _, err := runRoot(t, "queue", "--db", path, "--executor", "user", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string      `json:"status"`
		Data   []QueueInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "user", resp.Data[0].Executor)
	assert.Equal(t, "op-0", resp.Data[0].Entries[0]["id"])
}

func TestQueueCommand_VerboseDiagnostics(t *testing.T) {
	path := seedQueues(t)

	_, errOut, err := runRoot(t, "queue", "--db", path, "--executor", "user", "-v")
	require.NoError(t, err)
	assert.Contains(t, errOut, "operation_queue.user: [")
	assert.Contains(t, errOut, `"op-0"`)
}

func TestQueueCommand_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, _, err := runRoot(t, "queue", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "No queued operations.")
}

func TestQueueCommand_MissingDatabase(t *testing.T) {
	_, _, err := runRoot(t, "queue", "--db", filepath.Join(t.TempDir(), "nope.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "database not found")
}

func TestDescribeEntry(t *testing.T) {
	got := describeEntry(map[string]any{
		"id":    "op-9",
		"owner": map[string]any{"identity_model_id": "m-1", "onesignal_id": "os-1"},
		"items": []any{1, 2, 3},
		"name":  "purchase",
	})
	assert.Equal(t, "op-9 items=[3] name=purchase owner={2}", got)
}
