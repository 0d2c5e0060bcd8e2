package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sitepipe/internal/sites"
	"sitepipe/internal/stage"
	"sitepipe/internal/status"
)

func newSitesCommand(ctx *commandContext) *cobra.Command {
	sitesCmd := &cobra.Command{
		Use:   "sites",
		Short: "Admit and inspect sites",
	}
	sitesCmd.AddCommand(newSitesAddCommand(ctx))
	sitesCmd.AddCommand(newSitesListCommand(ctx))
	sitesCmd.AddCommand(newSitesShowCommand(ctx))
	return sitesCmd
}

func newSitesAddCommand(ctx *commandContext) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "add <source>",
		Short: "Admit a site and dispatch its first stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd, func(c context.Context, h *storeHandle) error {
				adm, err := h.admitter().Admit(c, sites.NewSite{ID: id, Source: args[0]})
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					site, err := h.status.Site(c, adm.Record.ID)
					if err != nil {
						return err
					}
					return writeJSON(cmd, map[string]any{"site": site, "dispatched": adm.Dispatched})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Admitted site %s at %s (%d job(s) dispatched)\n",
					adm.Record.ID, adm.Record.CurrentStage, adm.Dispatched)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Site identifier (generated when empty)")
	return cmd
}

func newSitesListCommand(ctx *commandContext) *cobra.Command {
	var stages []string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sites",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := sites.ListFilter{Limit: limit}
			for _, raw := range stages {
				st := stage.Stage(strings.ToLower(strings.TrimSpace(raw)))
				if !st.Valid() {
					return fmt.Errorf("unknown stage %q", raw)
				}
				filter.Stages = append(filter.Stages, st)
			}
			return ctx.withStore(cmd, func(c context.Context, h *storeHandle) error {
				list, err := h.status.All(c, filter)
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, list)
				}
				out := cmd.OutOrStdout()
				if len(list) == 0 {
					fmt.Fprintln(out, "No sites")
					return nil
				}
				fmt.Fprintln(out, renderTable(siteColumns, siteRows(list), fmt.Sprintf("%d site(s)", len(list))))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&stages, "stage", nil, "Only sites in these stages")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of sites")
	return cmd
}

var siteColumns = []tableColumn{
	{header: "ID"},
	{header: "Stage"},
	{header: "State"},
	{header: "Progress", align: alignRight},
	{header: "Items", align: alignRight},
	{header: "Updated"},
}

func siteRows(list []status.SiteStatus) [][]string {
	rows := make([][]string, 0, len(list))
	for _, s := range list {
		items := "-"
		for _, c := range s.Counters {
			if c.Stage == s.Stage {
				items = fmt.Sprintf("%d/%d (%d failed)", c.Completed+c.Failed, c.Total, c.Failed)
			}
		}
		rows = append(rows, []string{
			s.ID,
			displayName(string(s.Stage)),
			displayName(string(s.State)),
			strconv.FormatFloat(s.Percent, 'f', 0, 64) + "%",
			items,
			s.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	return rows
}

func newSitesShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one site with per-stage counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd, func(c context.Context, h *storeHandle) error {
				site, err := h.status.Site(c, strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, site)
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				for _, line := range renderSectionHeader("Site "+site.ID, colorize) {
					fmt.Fprintln(out, line)
				}
				fmt.Fprintln(out, renderStatusLine("State", stateKind(site.State), displayName(string(site.State)), colorize))
				fmt.Fprintln(out, renderStatusLine("Stage", statusInfo, displayName(string(site.Stage)), colorize))
				if site.Source != "" {
					fmt.Fprintln(out, renderStatusLine("Source", statusInfo, site.Source, colorize))
				}
				fmt.Fprintln(out, renderStatusLine("Coordinator", statusInfo, "claimed: "+yesNo(site.CoordinatorClaimed), colorize))
				fmt.Fprintln(out, renderStatusLine("Started", statusInfo, site.StartedAt.Local().Format(time.DateTime), colorize))
				fmt.Fprintln(out, renderStatusLine("Updated", statusInfo, site.UpdatedAt.Local().Format(time.DateTime), colorize))
				if site.LastErrorMessage != "" {
					fmt.Fprintln(out, renderStatusLine("Last error", statusError,
						fmt.Sprintf("%s: %s", site.LastErrorStage, site.LastErrorMessage), colorize))
				}
				if len(site.Counters) > 0 {
					rows := make([][]string, 0, len(site.Counters))
					for _, ctr := range site.Counters {
						rows = append(rows, []string{
							displayName(string(ctr.Stage)),
							strconv.Itoa(ctr.Total),
							strconv.Itoa(ctr.Completed),
							strconv.Itoa(ctr.Failed),
						})
					}
					fmt.Fprintln(out, renderTable([]tableColumn{
						{header: "Stage"},
						{header: "Total", align: alignRight},
						{header: "Completed", align: alignRight},
						{header: "Failed", align: alignRight},
					}, rows, ""))
				}
				return nil
			})
		},
	}
}
