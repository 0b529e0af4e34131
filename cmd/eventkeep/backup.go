package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eventkeep/eventkeep/internal/app"
)

var (
	backupKeep     int
	backupFetchDir string
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Snapshot the store to the configured backup target",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		a, closeApp, err := openBackupApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp()

		snap, err := a.Backup().Run(ctx)
		if err != nil {
			return err
		}
		out := map[string]interface{}{"snapshot": snap}
		if backupKeep > 0 {
			removed, err := a.Backup().Prune(ctx, backupKeep)
			if err != nil {
				return err
			}
			out["pruned"] = removed
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored snapshots, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		a, closeApp, err := openBackupApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp()

		snaps, err := a.Backup().List(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), snaps)
	},
}

var backupFetchCmd = &cobra.Command{
	Use:   "fetch <snapshot>...",
	Short: "Download snapshots into a local directory",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		a, closeApp, err := openBackupApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp()

		res, err := a.Backup().Fetch(ctx, args, backupFetchDir)
		if err != nil {
			return err
		}
		errs := make(map[string]string, len(res.Errors))
		for p, e := range res.Errors {
			errs[p] = e.Error()
		}
		if err := printJSON(cmd.OutOrStdout(), map[string]interface{}{
			"files":      res.LocalPaths,
			"errors":     errs,
			"downloads":  res.Downloads,
			"cache_hits": res.CacheHits,
		}); err != nil {
			return err
		}
		if len(errs) > 0 {
			return fmt.Errorf("%d snapshot(s) could not be fetched", len(errs))
		}
		return nil
	},
}

func init() {
	backupCmd.Flags().IntVar(&backupKeep, "keep", 0, "Delete all but the newest N snapshots after a successful backup (0 = keep all)")
	backupFetchCmd.Flags().StringVar(&backupFetchDir, "dir", ".", "Destination directory")

	backupCmd.AddCommand(backupListCmd, backupFetchCmd)
	rootCmd.AddCommand(backupCmd)
}

func openBackupApp(ctx context.Context) (*app.App, func(), error) {
	a, closeApp, err := openApp(ctx)
	if err != nil {
		return nil, nil, err
	}
	if a.Backup() == nil {
		closeApp()
		return nil, nil, fmt.Errorf("backups are not configured (set backup.type to local or s3)")
	}
	return a, closeApp, nil
}
