package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"pingme/pkg/eventlog"

	"github.com/spf13/cobra"
)

// logConfig holds the flags of the log command.
type logConfig struct {
	requestID string
	eventType string
	limit     int
	follow    bool
}

// newLogCmd creates the "pingme log" subcommand.
func newLogCmd(gf *globalFlags) *cobra.Command {
	var lc logConfig

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the request lifecycle journal",
		Long:  "Prints journal events (created, delivered, answered, timed_out, ...) oldest first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf)
			if err != nil {
				return err
			}
			r, err := eventlog.NewReader(cfg.JournalPath())
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer func() { _ = r.Close() }()

			w := cmd.OutOrStdout()
			if lc.follow {
				return followLog(cmd.Context(), r, w, lc, time.Second)
			}
			return printLog(cmd.Context(), r, w, lc)
		},
	}

	cmd.Flags().StringVar(&lc.requestID, "request", "", "only events for this request id")
	cmd.Flags().StringVar(&lc.eventType, "type", "", "only events of this type")
	cmd.Flags().IntVar(&lc.limit, "limit", 20, "number of recent events to show (0 = all)")
	cmd.Flags().BoolVarP(&lc.follow, "follow", "f", false, "poll for new events every second")

	return cmd
}

// recentEvents returns the last lc.limit matching events in chronological order.
func recentEvents(ctx context.Context, r *eventlog.Reader, lc logConfig, after *time.Time) ([]eventlog.Event, error) {
	events, err := r.Query(ctx, eventlog.QueryOpts{
		RequestID: lc.requestID,
		EventType: lc.eventType,
		After:     after,
		Limit:     lc.limit,
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(events)
	return events, nil
}

func printLog(ctx context.Context, r *eventlog.Reader, w io.Writer, lc logConfig) error {
	events, err := recentEvents(ctx, r, lc, nil)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "no events found")
		return nil
	}
	for i := range events {
		formatEvent(w, &events[i])
	}
	return nil
}

// followLog prints the recent tail and then every newer event until ctx ends.
func followLog(ctx context.Context, r *eventlog.Reader, w io.Writer, lc logConfig, every time.Duration) error {
	events, err := recentEvents(ctx, r, lc, nil)
	if err != nil {
		return err
	}
	var lastID int64
	var since *time.Time
	for i := range events {
		formatEvent(w, &events[i])
	}
	if n := len(events); n > 0 {
		lastID = events[n-1].ID
		t := events[n-1].CreatedAt
		since = &t
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	poll := lc
	poll.limit = 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			newer, err := recentEvents(ctx, r, poll, since)
			if err != nil {
				return err
			}
			for i := range newer {
				// After is inclusive; skip rows already printed.
				if newer[i].ID <= lastID {
					continue
				}
				formatEvent(w, &newer[i])
				lastID = newer[i].ID
				t := newer[i].CreatedAt
				since = &t
			}
		}
	}
}

// formatEvent prints: timestamp | event type | request id | kind | payload
func formatEvent(w io.Writer, evt *eventlog.Event) {
	fmt.Fprintf(w, "%s | %-18s | %-36s | %-6s | %s\n",
		evt.CreatedAt.Local().Format("2006-01-02 15:04:05.000"), evt.Type, evt.RequestID, evt.Kind, evt.Payload)
}
