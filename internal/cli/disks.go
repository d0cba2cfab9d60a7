package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDisksCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "disks",
		Args:    noArgs,
		Short:   "List the disks visible to the storage engine.",
		Example: "blivetctl disks",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, done, err := openSession(opts, nil)
			if err != nil {
				return err
			}
			defer done()
			return writeDisks(cmd.OutOrStdout(), c)
		},
	}
}

func newDevicesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "devices",
		Args:    noArgs,
		Short:   "List every device with its type, size and parents.",
		Example: "blivetctl devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, done, err := openSession(opts, nil)
			if err != nil {
				return err
			}
			defer done()
			return writeDevices(cmd.OutOrStdout(), c)
		},
	}
}

func newPingCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Args:  noArgs,
		Short: "Start a daemon and check that it answers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := connect(opts)
			if err != nil {
				return err
			}
			defer c.Quit() //nolint:errcheck

			pong, err := c.Control("ping")
			if err != nil {
				return err
			}
			version, err := c.Control("version")
			if err != nil {
				return err
			}
			handles, err := c.Control("handles")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%v (daemon %v, %v handles)\n", pong, version, handles)
			return nil
		},
	}
}
