package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"pingme/pkg/protocol"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// newStatusCmd creates the "pingme status" subcommand.
func newStatusCmd(gf *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <request-id>",
		Short: "Show the state of a request",
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

			st, err := c.Status(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}

			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			printStatus(w, st, newStatusTheme(isTerminal(w)))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status record")
	return cmd
}

// statusTheme styles the status table. The zero value renders plain text.
type statusTheme struct {
	key      lipgloss.Style
	pending  lipgloss.Style
	answered lipgloss.Style
	failed   lipgloss.Style
}

func newStatusTheme(color bool) statusTheme {
	if !color {
		plain := lipgloss.NewStyle()
		return statusTheme{key: plain, pending: plain, answered: plain, failed: plain}
	}
	return statusTheme{
		key:      lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		pending:  lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
		answered: lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		failed:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	}
}

func (t statusTheme) status(s protocol.Status) string {
	switch s {
	case protocol.StatusAnswered:
		return t.answered.Render(string(s))
	case protocol.StatusPending:
		return t.pending.Render(string(s))
	default:
		return t.failed.Render(string(s))
	}
}

// printStatus writes st as an aligned key/value table.
func printStatus(w io.Writer, st protocol.StatusPayload, theme statusTheme) {
	row := func(key, val string) {
		if val == "" {
			return
		}
		fmt.Fprintf(w, "%s %s\n", theme.key.Render(fmt.Sprintf("%-9s", key)), val)
	}

	row("request", st.RequestID)
	row("kind", string(st.Kind))
	row("status", theme.status(st.Status))
	row("message", st.Message)
	row("options", strings.Join(st.Options, ", "))
	row("discord", st.DiscordMessageID)
	row("answer", st.Response)
	if st.AnsweredAt > 0 {
		row("answered", formatMillis(st.AnsweredAt))
	}
	row("error", st.Error)
	row("created", formatMillis(st.CreatedAt))
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Local().Format(time.DateTime)
}

// isTerminal reports whether w is a terminal file.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
