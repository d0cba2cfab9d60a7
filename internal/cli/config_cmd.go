package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/storaged-project/blivet-gui-sub000/internal/config"
)

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Args:  noArgs,
		Short: "Manage the blivetctl configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cfgCmd.AddCommand(
		&cobra.Command{
			Use:   "init",
			Args:  noArgs,
			Short: "Write a configuration file with the default settings.",
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := config.Init(opts.configPath); err != nil {
					if errors.Is(err, config.ErrExists) {
						return &usageError{err: fmt.Errorf("%s already exists", opts.configPath)}
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", opts.configPath)
				return nil
			},
		},
		&cobra.Command{
			Use:   "check",
			Args:  noArgs,
			Short: "Load and validate the configuration file.",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig(opts)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (engine %s, socket %s)\n", opts.configPath, cfg.Engine.Backend, cfg.Daemon.SocketPath())
				return nil
			},
		},
		&cobra.Command{
			Use:   "path",
			Args:  noArgs,
			Short: "Print the configuration file path.",
			RunE: func(cmd *cobra.Command, args []string) error {
				fmt.Fprintln(cmd.OutOrStdout(), opts.configPath)
				return nil
			},
		},
	)
	return cfgCmd
}
