package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newCancelCmd creates the "pingme cancel" subcommand.
func newCancelCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <request-id>",
		Short: "Cancel a pending request",
		Long:  "Removes a request from the daemon. A CLI still waiting on it exits with a CANCELLED error.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf)
			if err != nil {
				return err
			}
			c, err := dialDaemon(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			if err := c.Cancel(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("cancel: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	}
}
