package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"clipline/internal/jobqueue"
)

var errNoInspector = errors.New("the configured queue driver does not support inspection")

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the job queue",
	}

	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueStatsCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	queueCmd.AddCommand(newQueueHealthCommand(ctx))

	return queueCmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(rt *runtime) error {
				inspector := rt.Inspector()
				if inspector == nil {
					return errNoInspector
				}
				filter := make([]jobqueue.Status, 0, len(statuses))
				for _, s := range statuses {
					filter = append(filter, jobqueue.Status(strings.TrimSpace(s)))
				}
				records, err := inspector.List(cmd.Context(), filter...)
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, records)
				}
				if len(records) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				rows := make([][]string, 0, len(records))
				for _, r := range records {
					rows = append(rows, []string{
						r.ID,
						r.VideoID,
						titleCase(string(r.Status)),
						fmt.Sprintf("%d/%d", r.Attempt, r.MaxAttempts),
						r.UpdatedAt.Local().Format(time.DateTime),
						truncate(r.LastError, 48),
					})
				}
				printTable(cmd.OutOrStdout(), []string{"Job", "Video", "Status", "Attempts", "Updated", "Last error"}, rows, 3)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by status: pending, active, failed, done")
	return cmd
}

func newQueueStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count jobs per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(rt *runtime) error {
				inspector := rt.Inspector()
				if inspector == nil {
					return errNoInspector
				}
				stats, err := inspector.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					counts := make(map[string]int, len(stats))
					for s, n := range stats {
						counts[string(s)] = n
					}
					return writeJSON(cmd, counts)
				}
				rows := make([][]string, 0, len(stats))
				for _, s := range []jobqueue.Status{jobqueue.StatusPending, jobqueue.StatusActive, jobqueue.StatusFailed, jobqueue.StatusDone} {
					rows = append(rows, []string{titleCase(string(s)), strconv.Itoa(stats[s])})
				}
				printTable(cmd.OutOrStdout(), []string{"Status", "Count"}, rows, 1)
				return nil
			})
		},
	}
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [job-id...]",
		Short: "Move failed jobs back to pending (all failed jobs when no id is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(rt *runtime) error {
				inspector := rt.Inspector()
				if inspector == nil {
					return errNoInspector
				}
				updated, err := inspector.Retry(cmd.Context(), args...)
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, map[string]int64{"retried": updated})
				}
				if updated == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No failed jobs to retry")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Retried %d job(s)\n", updated)
				return nil
			})
		},
	}
}

func newQueueHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the queue backend is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(rt *runtime) error {
				inspector := rt.Inspector()
				if inspector == nil {
					return errNoInspector
				}
				healthErr := inspector.Health(cmd.Context())
				stats, statsErr := inspector.Stats(cmd.Context())
				if ctx.JSONMode() {
					resp := map[string]any{"driver": rt.cfg.Queue.Driver, "healthy": healthErr == nil}
					if healthErr != nil {
						resp["error"] = healthErr.Error()
					}
					if statsErr == nil {
						resp["summary"] = jobqueue.FormatStats(stats)
					}
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Driver: %s\n", rt.cfg.Queue.Driver)
				if rt.cfg.Queue.Driver == "sqlite" {
					fmt.Fprintf(out, "Database path: %s\n", rt.cfg.QueueDBPath())
				}
				fmt.Fprintf(out, "Reachable: %s\n", yesNo(healthErr == nil))
				if statsErr == nil {
					fmt.Fprintf(out, "Jobs: %s\n", jobqueue.FormatStats(stats))
				}
				if healthErr != nil {
					fmt.Fprintf(out, "Error: %s\n", healthErr)
					return healthErr
				}
				return nil
			})
		},
	}
}

func titleCase(s string) string {
	return cases.Title(language.English).String(s)
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}
