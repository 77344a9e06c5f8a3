package main

import (
	"fmt"
	"os"
	"strings"

	"pingme/pkg/client"
	"pingme/pkg/protocol"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// askConfig holds the flags of the ask command.
type askConfig struct {
	options   string
	noWait    bool
	timeoutMs int64
}

// newAskCmd creates the "pingme ask" subcommand.
func newAskCmd(gf *globalFlags) *cobra.Command {
	var ac askConfig

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question by DM and print the answer",
		Long: "Sends a question and blocks until it is answered by a reply or a button click.\n" +
			"The answer is printed to stdout. With --no-wait the request id is printed instead.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf)
			if err != nil {
				return err
			}
			if ac.timeoutMs < 0 {
				return fmt.Errorf("--timeout must not be negative")
			}

			c, err := dialDaemon(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			opts := client.AskOptions{
				Options:        protocol.SplitOptions(ac.options),
				Timeout:        min(protocol.Millis(ac.timeoutMs), cfg.Ask.MaxTimeout.D()),
				DefaultTimeout: cfg.Ask.DefaultTimeout.D(),
				NoWait:         ac.noWait,
			}

			stop := func() {}
			if !ac.noWait {
				stop = newWaitIndicator(cmd.ErrOrStderr(), isatty.IsTerminal(os.Stderr.Fd())).Start("waiting for an answer")
			}
			res, err := c.Ask(cmd.Context(), strings.Join(args, " "), originInfo(gf), opts)
			stop()
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			if ac.noWait {
				fmt.Fprintln(cmd.OutOrStdout(), res.RequestID)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Answer)
			return nil
		},
	}

	cmd.Flags().StringVar(&ac.options, "options", "", "comma separated button labels (at most 5)")
	cmd.Flags().BoolVar(&ac.noWait, "no-wait", false, "print the request id and return without waiting")
	cmd.Flags().Int64Var(&ac.timeoutMs, "timeout", 0, "timeout in milliseconds (default from the daemon config)")

	return cmd
}
