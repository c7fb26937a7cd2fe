package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/HerbHall/subnetgrid/internal/backup"
)

func newBackupCmd(opts *rootOptions) *cobra.Command {
	var (
		output  string
		dataDir string
	)
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the local database and configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.load()
			if err != nil {
				return err
			}
			defer e.close()

			if dataDir == "" {
				dataDir = e.v.GetString("data.dir")
			}
			if output == "" {
				output = fmt.Sprintf("subnetgrid-backup-%s.tar.gz", time.Now().Format("20060102-150405"))
			}
			if err := backup.Backup(cmd.Context(), dataDir, e.v.ConfigFileUsed(), output); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup created: %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file path (default: subnetgrid-backup-{timestamp}.tar.gz)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory containing the database (default: data.dir)")
	return cmd
}

func newRestoreCmd(opts *rootOptions) *cobra.Command {
	var (
		dataDir string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "restore <archive>",
		Short: "Restore a backup archive into the data directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.load()
			if err != nil {
				return err
			}
			defer e.close()

			if dataDir == "" {
				dataDir = e.v.GetString("data.dir")
			}
			if force && !opts.yes {
				confirm := promptConfirmer(cmd.InOrStdin(), cmd.ErrOrStderr(), false)
				if !confirm(cmd.Context(), "overwrite the database in "+dataDir) {
					return fmt.Errorf("restore aborted")
				}
			}
			if err := backup.Restore(cmd.Context(), args[0], dataDir, force); err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restore complete: files restored to %s\n", dataDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "target directory (default: data.dir)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing files")
	return cmd
}
