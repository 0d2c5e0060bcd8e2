package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newDBCommand(ctx *commandContext) *cobra.Command {
	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Database maintenance",
	}
	dbCmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check store health (schema, integrity, row counts)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd, func(c context.Context, h *storeHandle) error {
				resp, checkErr := h.store.CheckHealth(c)
				if ctx.JSONMode() {
					if err := writeJSON(cmd, resp); err != nil {
						return err
					}
					return checkErr
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Backend: %s\n", resp.Dialect)
				fmt.Fprintf(out, "Target: %s\n", resp.Target)
				fmt.Fprintf(out, "Schema version: %d\n", resp.SchemaVersion)
				fmt.Fprintf(out, "Integrity check: %s\n", resp.IntegrityCheck)
				fmt.Fprintf(out, "Total sites: %d\n", resp.TotalSites)
				if resp.Error != "" {
					fmt.Fprintf(out, "Error: %s\n", resp.Error)
				}
				return checkErr
			})
		},
	})
	return dbCmd
}
