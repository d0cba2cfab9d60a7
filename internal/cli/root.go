package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/storaged-project/blivet-gui-sub000/internal/paths"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	logLevel   string
}

// Run is the main CLI entry point. Returns an exit code.
func Run(args []string) int {
	root := newRootCommand()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(rootStderr, "blivetctl: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "blivetctl",
		Args:  noArgs,
		Short: "Inspect and change storage through a privileged daemon.",
		Long: "blivetctl starts a storage daemon with elevated privileges and drives it over\n" +
			"a private socket. Changes are queued as actions and only applied by commit.",
		Version:       buildVersion,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.SetOut(rootStdout)
	root.SetErr(rootStderr)
	root.SetIn(rootStdin)
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	root.PersistentFlags().StringVar(&opts.configPath, "config", paths.ConfigFile(), "config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (overrides the config file)")

	root.AddCommand(
		newDisksCommand(opts),
		newDevicesCommand(opts),
		newPingCommand(opts),
		newShellCommand(opts),
		newConfigCommand(opts),
	)
	return root
}

func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		return &usageError{err: err}
	}
	return nil
}
