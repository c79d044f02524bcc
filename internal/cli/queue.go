package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/usersync/internal/codec"
	"github.com/roach88/usersync/internal/engine"
	"github.com/roach88/usersync/internal/store"
)

// QueueOptions holds flags for the queue command.
type QueueOptions struct {
	*RootOptions
	Database string
	Executor string // only show this executor's queue
}

// QueueInfo describes one persisted executor queue.
type QueueInfo struct {
	Executor string           `json:"executor"`
	Entries  []map[string]any `json:"entries"`
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect persisted operation queues",
		Long: `Print the operation queues a session persisted in its SQLite database.

Each executor keeps its pending entries under its own key. Entries are
printed in queue order; --verbose adds the raw CBOR diagnostic notation.

Example:
  usersync queue --db ./usersync.db
  usersync queue --db ./usersync.db --executor properties --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueue(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Executor, "executor", "", "only show the queue of this executor")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runQueue(ctx context.Context, opts *QueueOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := opts.logger()

	// store.Open creates missing databases; inspecting one must not.
	if _, err := os.Stat(opts.Database); err != nil {
		return WrapExitError(ExitCommandError, "database not found", err)
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("error closing database", "error", err)
		}
	}()

	keys, err := st.Keys(ctx, engine.QueueKeyPrefix)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list queues", err)
	}
	sort.Strings(keys)

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}
	var queues []QueueInfo
	for _, key := range keys {
		name := strings.TrimPrefix(key, engine.QueueKeyPrefix)
		if opts.Executor != "" && name != opts.Executor {
			continue
		}

		var entries []map[string]any
		if _, err := st.Load(ctx, key, &entries); err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to decode queue %s", name), err)
		}
		if entries == nil {
			entries = []map[string]any{}
		}
		queues = append(queues, QueueInfo{Executor: name, Entries: entries})
		logger.Debug("queue loaded", "executor", name, "entries", len(entries))

		if opts.Verbose {
			raw, err := st.Raw(ctx, key)
			if err == nil {
				if diag, err := codec.Diagnose(raw); err == nil {
					out.VerboseLog("%s: %s", key, diag)
				}
			}
		}
	}

	if opts.Format == "json" {
		if queues == nil {
			queues = []QueueInfo{}
		}
		return out.Success(queues)
	}

	w := cmd.OutOrStdout()
	if len(queues) == 0 {
		fmt.Fprintln(w, "No queued operations.")
		return nil
	}
	for _, q := range queues {
		fmt.Fprintf(w, "%s (%d)\n", q.Executor, len(q.Entries))
		for _, e := range q.Entries {
			fmt.Fprintf(w, "  %s\n", describeEntry(e))
		}
	}
	return nil
}

// describeEntry renders an entry as "id key=value ...", nested values
// collapsed to their type.
func describeEntry(e map[string]any) string {
	keys := make([]string, 0, len(e))
	for k := range e {
		if k != "id" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := []string{fmt.Sprint(e["id"])}
	for _, k := range keys {
		switch v := e[k].(type) {
		case map[string]any:
			parts = append(parts, fmt.Sprintf("%s={%d}", k, len(v)))
		case []any:
			parts = append(parts, fmt.Sprintf("%s=[%d]", k, len(v)))
		default:
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	return strings.Join(parts, " ")
}
