package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/HerbHall/subnetgrid/internal/config"
	"github.com/HerbHall/subnetgrid/internal/grid"
	"github.com/HerbHall/subnetgrid/internal/mutation"
	"github.com/HerbHall/subnetgrid/internal/records"
	"github.com/HerbHall/subnetgrid/internal/store"
	"github.com/HerbHall/subnetgrid/pkg/plugin"
)

// openGrid initializes a grid plugin for one command. subnet overrides the
// configured one when set.
func openGrid(ctx context.Context, e *env, subnet string) (*grid.Plugin, func(), error) {
	client, err := e.client(nil)
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Open(e.v.GetString("data.dir"))
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	sub := viper.New()
	sub.Set("subnet", e.cfg.Sub("plugins.grid").GetString("subnet"))
	if subnet != "" {
		sub.Set("subnet", subnet)
	}

	g := grid.New(client, nil)
	if err := g.Init(ctx, plugin.Dependencies{
		Config: config.New(sub),
		Logger: e.logger.Named(grid.Name),
		Store:  db,
	}); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	cleanup := func() {
		_ = g.Stop(context.Background())
		_ = db.Close()
	}
	return g, cleanup, nil
}

func newScanCmd(opts *rootOptions) *cobra.Command {
	var (
		subnet string
		output string
		filter string
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan a subnet and print its address grid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validOutput(output); err != nil {
				return err
			}
			f, err := records.ParseFilter(filter)
			if err != nil {
				return err
			}
			e, err := opts.load()
			if err != nil {
				return err
			}
			defer e.close()

			g, cleanup, err := openGrid(cmd.Context(), e, subnet)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := g.Coordinator().StartScan(cmd.Context())
			if err != nil {
				return err
			}
			if output == outputTable {
				writeScanSummary(cmd.OutOrStdout(), res)
			}
			return writeRecords(cmd.OutOrStdout(), output, g.Records().List(f))
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&subnet, "subnet", "s", "", "subnet prefix to scan, e.g. 192.168.1 (default: plugins.grid.subnet)")
	flags.StringVarP(&output, "output", "o", outputTable, "output format: table, csv or json")
	flags.StringVar(&filter, "filter", string(records.FilterAll), "only show addresses with this status")
	return cmd
}

func newReserveCmd(opts *rootOptions) *cobra.Command {
	var req mutation.ReserveRequest
	cmd := &cobra.Command{
		Use:   "reserve <ip>",
		Short: "Reserve an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.load()
			if err != nil {
				return err
			}
			defer e.close()

			g, cleanup, err := openGrid(cmd.Context(), e, "")
			if err != nil {
				return err
			}
			defer cleanup()

			req.IP = args[0]
			if err := g.Gateway().Reserve(cmd.Context(), req); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s reserved for %s\n", req.IP, req.ReservedFor)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.ReservedFor, "for", "", "who or what the address is held for (required)")
	flags.StringVar(&req.Description, "description", "", "reservation description")
	flags.StringVar(&req.ReservedBy, "by", "", "who made the reservation")
	return cmd
}

func newReleaseCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "release <ip>",
		Short: "Release a reserved address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.load()
			if err != nil {
				return err
			}
			defer e.close()

			g, cleanup, err := openGrid(cmd.Context(), e, "")
			if err != nil {
				return err
			}
			defer cleanup()

			confirm := promptConfirmer(cmd.InOrStdin(), cmd.ErrOrStderr(), opts.yes)
			if err := g.Gateway().Release(cmd.Context(), args[0], confirm); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s released\n", args[0])
			return nil
		},
	}
}

func newClearCmd(opts *rootOptions) *cobra.Command {
	var resetOnly bool
	cmd := &cobra.Command{
		Use:   "clear <subnet>",
		Short: "Delete all backend data for a subnet",
		Long: "Delete all history and reservations the backend holds for a subnet.\n" +
			"With --reset-status only scan status is reset; history and reservations are kept.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.load()
			if err != nil {
				return err
			}
			defer e.close()

			g, cleanup, err := openGrid(cmd.Context(), e, "")
			if err != nil {
				return err
			}
			defer cleanup()

			out := cmd.OutOrStdout()
			if resetOnly {
				res, err := g.Gateway().ResetStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%d addresses reset\n", res.NodesReset)
				return nil
			}
			confirm := promptConfirmer(cmd.InOrStdin(), cmd.ErrOrStderr(), opts.yes)
			res, err := g.Gateway().ClearNetwork(cmd.Context(), args[0], confirm)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%d addresses deleted\n", res.NodesDeleted)
			return nil
		},
	}
	cmd.Flags().BoolVar(&resetOnly, "reset-status", false, "reset scan status instead of deleting")
	return cmd
}
