package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect the durable dispatch queue",
	}
	jobsCmd.AddCommand(&cobra.Command{
		Use:   "list <site-id>",
		Short: "List the jobs dispatched for a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd, func(c context.Context, h *storeHandle) error {
				jobs, err := h.queue.ListForSite(c, strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, jobs)
				}
				out := cmd.OutOrStdout()
				if len(jobs) == 0 {
					fmt.Fprintln(out, "No jobs")
					return nil
				}
				rows := make([][]string, 0, len(jobs))
				for _, j := range jobs {
					key := j.ItemKey
					if key == "" {
						key = "-"
					}
					rows = append(rows, []string{
						strconv.FormatInt(j.ID, 10),
						string(j.Kind),
						displayName(string(j.Stage)),
						key,
						displayName(string(j.Status)),
						fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts),
						j.UpdatedAt.Local().Format(time.DateTime),
						truncate(j.LastError, 60),
					})
				}
				fmt.Fprintln(out, renderTable([]tableColumn{
					{header: "ID", align: alignRight},
					{header: "Kind"},
					{header: "Stage"},
					{header: "Item"},
					{header: "Status"},
					{header: "Attempts", align: alignRight},
					{header: "Updated"},
					{header: "Last error"},
				}, rows, ""))
				return nil
			})
		},
	})
	jobsCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Count jobs per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd, func(c context.Context, h *storeHandle) error {
				stats, err := h.queue.Stats(c)
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, stats)
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				for _, line := range renderSectionHeader("Jobs", colorize) {
					fmt.Fprintln(out, line)
				}
				for _, st := range jobStatuses {
					fmt.Fprintln(out, renderStatusLine(displayName(string(st)), statusInfo, strconv.Itoa(stats[st]), colorize))
				}
				return nil
			})
		},
	})
	return jobsCmd
}

func truncate(value string, limit int) string {
	value = strings.TrimSpace(value)
	if len(value) <= limit {
		return value
	}
	return value[:limit-3] + "..."
}
