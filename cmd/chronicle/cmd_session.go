package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/chronicle/internal/state"
	"github.com/user/chronicle/internal/types"
)

var (
	sessionLimit int
	eventLimit   int
)

func init() {
	sessionListCmd.Flags().IntVarP(&sessionLimit, "limit", "n", 20, "maximum sessions to list")
	sessionShowCmd.Flags().IntVarP(&eventLimit, "events", "n", 50, "maximum recent events to show")
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect recorded sessions",
}

func formatDuration(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return (time.Duration(*ms) * time.Millisecond).Round(time.Second).String()
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx := context.Background()
		store, err := openStore(ctx, cfg, setupLogging(cfg))
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		list, err := store.ListSessions(ctx, sessionLimit)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "EXTERNAL ID\tPROJECT\tBRANCH\tEVENTS\tDURATION\tSTARTED")
		for _, s := range list {
			count, err := store.CountEventsForSession(ctx, s.ID)
			if err != nil {
				count = 0
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				s.ExternalID,
				orDash(s.ProjectPath),
				orDash(s.Branch),
				count,
				formatDuration(s.DurationMs),
				s.StartTime.Local().Format(time.DateTime),
			)
		}
		return w.Flush()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <external-id>",
	Short: "Show a session and its most recent events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx := context.Background()
		store, err := openStore(ctx, cfg, setupLogging(cfg))
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		s, err := store.GetSession(ctx, args[0])
		if errors.Is(err, state.ErrNotFound) {
			return fmt.Errorf("session not found: %s", args[0])
		}
		if err != nil {
			return err
		}
		events, err := store.TailEvents(ctx, s.ID, eventLimit)
		if err != nil {
			return fmt.Errorf("read events: %w", err)
		}

		u := newUI(os.Stdout)
		fmt.Fprintf(os.Stdout, "%s %s\n", u.Label("session:"), s.ExternalID)
		fmt.Fprintf(os.Stdout, "%s %s\n", u.Label("id:"), s.ID)
		fmt.Fprintf(os.Stdout, "%s %s\n", u.Label("project:"), orDash(s.ProjectPath))
		if s.Branch != "" {
			fmt.Fprintf(os.Stdout, "%s %s %s\n", u.Label("git:"), s.Branch, u.Dim(shortCommit(s.Commit)))
		}
		fmt.Fprintf(os.Stdout, "%s %s\n", u.Label("started:"), s.StartTime.Local().Format(time.DateTime))
		if s.EndTime != nil {
			fmt.Fprintf(os.Stdout, "%s %s (%s)\n", u.Label("ended:"), s.EndTime.Local().Format(time.DateTime), formatDuration(s.DurationMs))
		}
		if s.Orphan {
			fmt.Fprintln(os.Stdout, u.Warn("created from an event without a session start"))
		}
		fmt.Fprintln(os.Stdout)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTIME\tTYPE\tTOOL")
		for _, e := range events {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
				e.Sequence,
				e.Timestamp.Local().Format(time.TimeOnly),
				e.Type,
				toolName(e),
			)
		}
		return w.Flush()
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shortCommit(c string) string {
	if len(c) > 8 {
		return c[:8]
	}
	return c
}

func toolName(e *types.Event) string {
	if e.ToolName == nil {
		return "-"
	}
	return *e.ToolName
}
