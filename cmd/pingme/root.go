package main

import (
	"fmt"

	"pingme/internal/version"
	"pingme/pkg/config"

	"github.com/spf13/cobra"
)

// globalFlags are accepted by every subcommand.
type globalFlags struct {
	label      string
	session    string
	configPath string
}

// newRootCmd creates the root pingme command with all subcommands attached.
func newRootCmd() *cobra.Command {
	var gf globalFlags

	cmd := &cobra.Command{
		Use:           "pingme",
		Short:         "Reach a human over Discord from the command line",
		Long:          "pingme sends notifications and questions to you as Discord DMs.\nA background daemon owns the bot connection; 'pingme ask' blocks until you answer.",
		Version:       fmt.Sprintf("pingme %s", version.Full()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.StringVar(&gf.label, "label", "", "short label shown in the DM header (default $PINGME_LABEL)")
	pf.StringVar(&gf.session, "session", "", "agent session id used for recovery (default $PINGME_SESSION_ID or $CLAUDE_SESSION_ID)")
	pf.StringVar(&gf.configPath, "config", "", "config file (default $PINGME_HOME/config.toml)")

	cmd.AddCommand(
		newSendCmd(&gf),
		newAskCmd(&gf),
		newStatusCmd(&gf),
		newCancelCmd(&gf),
		newLogCmd(&gf),
		newDaemonCmd(&gf),
	)

	return cmd
}

// loadConfig reads and validates the configuration selected by --config.
func loadConfig(gf *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(gf.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
