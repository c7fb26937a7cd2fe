package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/HerbHall/subnetgrid/internal/grid"
	"github.com/HerbHall/subnetgrid/internal/services"
	"github.com/HerbHall/subnetgrid/internal/store"
	"github.com/HerbHall/subnetgrid/internal/traffic"
	"github.com/HerbHall/subnetgrid/pkg/models"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		limit  int
		output string
	)
	cmd := &cobra.Command{
		Use:       "history [scans|traffic]",
		Short:     "Show the local scan log or traffic results",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"scans", "traffic"},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := "scans"
			if len(args) == 1 {
				kind = args[0]
			}
			if kind != "scans" && kind != "traffic" {
				return fmt.Errorf("unknown history %q (want scans or traffic)", kind)
			}
			e, err := opts.load()
			if err != nil {
				return err
			}
			defer e.close()

			db, err := store.Open(e.v.GetString("data.dir"))
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			ctx := cmd.Context()
			listOpts := services.ListOptions{Limit: limit, SortOrder: "desc"}
			out := cmd.OutOrStdout()

			if kind == "traffic" {
				if err := db.Migrate(ctx, traffic.PluginName, services.TrafficMigrations); err != nil {
					return err
				}
				res, err := services.NewSQLiteTrafficRepository(db.DB()).List(ctx, listOpts)
				if err != nil {
					return err
				}
				if output == outputJSON {
					return writeJSON(out, res)
				}
				writeTrafficTests(out, res.Items)
				return nil
			}

			res, err := listScans(ctx, db, listOpts)
			if err != nil {
				return err
			}
			if output == outputJSON {
				return writeJSON(out, res)
			}
			writeScans(cmd, res.Items)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries to show")
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "output format: table or json")
	return cmd
}

func listScans(ctx context.Context, db *store.SQLiteStore, opts services.ListOptions) (*services.ListResult[models.ScanResult], error) {
	if err := db.Migrate(ctx, grid.Name, services.ScanMigrations); err != nil {
		return nil, err
	}
	return services.NewSQLiteScanRepository(db.DB()).List(ctx, opts)
}

func writeScans(cmd *cobra.Command, scans []models.ScanResult) {
	tw := newTabWriter(cmd.OutOrStdout())
	defer func() {
		_ = tw.Flush()
	}()
	fmt.Fprintln(tw, "STARTED\tSUBNET\tSTATUS\tTOTAL\tUP\tERROR")
	for _, s := range scans {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			ago(s.StartedAt), s.Subnet, s.Status, s.Total, s.Active, dash(s.Error))
	}
}
