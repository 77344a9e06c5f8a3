package main

import (
	"context"
	"fmt"
	"strings"

	"pingme/pkg/client"
	"pingme/pkg/config"

	"github.com/spf13/cobra"
)

// newSendCmd creates the "pingme send" subcommand.
func newSendCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "send <message>",
		Short: "Send a notification DM and return immediately",
		Long:  "Delivers a one-way notification. Exits 0 once Discord accepted the message.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Discord.DeliveryTimeout.D()+client.CeilingSlack)
			defer cancel()

			c, err := dialDaemon(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			if _, err := c.Send(ctx, strings.Join(args, " "), originInfo(gf)); err != nil {
				return fmt.Errorf("send: %w", err)
			}
			return nil
		},
	}
}

// dialDaemon connects to the daemon socket named by cfg.
func dialDaemon(ctx context.Context, cfg *config.Config) (*client.Client, error) {
	return client.Dial(ctx, cfg.SocketPath)
}
