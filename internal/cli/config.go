package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/usersync/internal/config"
)

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config <file>",
		Short: "Validate a config file and print the effective config",
		Long: `Validate a session config file against the schema and print the
effective configuration with defaults filled in.

Example:
  usersync config ./usersync.yaml
  usersync config ./usersync.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfig(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runConfig(opts *RootOptions, path string, cmd *cobra.Command) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	cfg, err := config.Load(path)
	if err != nil {
		var cerr *config.Error
		if !errors.As(err, &cerr) {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
		if cerr.Code == config.ErrCodeRead {
			return WrapExitError(ExitCommandError, "failed to read config", err)
		}
		var details any
		if cerr.Path != "" {
			details = map[string]string{"path": cerr.Path}
		}
		if err := out.Error(cerr.Code, cerr.Message, details); err != nil {
			return err
		}
		return WrapExitError(ExitFailure, "invalid config", err)
	}
	opts.logger().Debug("config loaded", "path", path, "app_id", cfg.AppID)

	data, err := cfg.Encode()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to encode config", err)
	}
	if opts.Format == "json" {
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to convert config: %w", err)
		}
		return out.Success(doc)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
