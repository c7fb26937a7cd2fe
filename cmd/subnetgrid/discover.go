package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/HerbHall/subnetgrid/internal/discovery"
)

func newDiscoverCmd(opts *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List the subnets visible to the backend host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.load()
			if err != nil {
				return err
			}
			defer e.close()

			client, err := e.client(nil)
			if err != nil {
				return err
			}
			nets, err := discovery.New(client, e.logger).Discover(cmd.Context())
			if err != nil {
				return err
			}
			if output == outputJSON {
				return writeJSON(cmd.OutOrStdout(), nets)
			}

			tw := newTabWriter(cmd.OutOrStdout())
			defer func() {
				_ = tw.Flush()
			}()
			fmt.Fprintln(tw, "SUBNET\tINTERFACE\tADDRESS\tGATEWAY\tPRIMARY")
			for _, n := range nets {
				primary := ""
				if n.IsPrimary {
					primary = "*"
				}
				fmt.Fprintf(tw, "%s.0/24\t%s\t%s\t%s\t%s\n", n.Subnet, n.Interface, n.IPAddress, dash(n.Gateway), primary)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "output format: table or json")
	return cmd
}
