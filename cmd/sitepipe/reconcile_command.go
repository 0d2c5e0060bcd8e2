package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sitepipe/internal/daemonrun"
	"sitepipe/internal/reconcile"
)

func newReconcileCommand(ctx *commandContext) *cobra.Command {
	var siteID string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep over stale sites",
		Long: "Runs the same repair sweep the daemon runs periodically: stale claims are released,\n" +
			"completed stages are claimed and advanced, lost reports are corrected from artifact\n" +
			"evidence and unreported items are re-dispatched. Safe to run next to a live daemon.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withComponents(cmd, func(c context.Context, comps *daemonrun.Components) error {
				if id := strings.TrimSpace(siteID); id != "" {
					rec, err := comps.Store.Get(c, id)
					if err != nil {
						return err
					}
					action, err := comps.Reconciler.ProcessSite(c, rec)
					if err != nil {
						return err
					}
					if ctx.JSONMode() {
						return writeJSON(cmd, map[string]string{"site": id, "action": string(action)})
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Site %s: %s\n", id, action)
					return nil
				}

				report, err := comps.Reconciler.Sweep(c)
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, report)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Examined %d stale site(s) in %s; %d error(s)\n", report.Examined, report.Duration.Round(time.Millisecond), report.Errors)
				actions := make([]string, 0, len(report.Actions))
				for action := range report.Actions {
					actions = append(actions, string(action))
				}
				sort.Strings(actions)
				rows := make([][]string, 0, len(actions))
				for _, action := range actions {
					rows = append(rows, []string{displayName(action), strconv.Itoa(report.Actions[reconcile.Action(action)])})
				}
				if len(rows) > 0 {
					fmt.Fprintln(out, renderTable([]tableColumn{{header: "Action"}, {header: "Sites", align: alignRight}}, rows, ""))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&siteID, "site", "", "Reconcile only this site, even if it is not stale")
	return cmd
}
