package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"authvault/internal/backup"
	apperrors "authvault/internal/errors"
)

func newBackupCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Capture, list, verify and clean up backup sets",
	}

	cmd.AddCommand(
		newBackupFullCmd(a),
		newBackupIncrementalCmd(a),
		newBackupListCmd(a),
		newBackupCleanupCmd(a),
		newBackupTestCmd(a),
		newBackupScheduleCmd(a),
	)

	return cmd
}

func newBackupFullCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "full",
		Short: "Capture a full backup of both stores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			manager, err := a.backupManager(ctx)
			if err != nil {
				return err
			}

			results, err := manager.PerformFullBackup(ctx)
			if err != nil {
				return err
			}

			printBackupResults(results)
			return nil
		},
	}
}

func newBackupIncrementalCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "incremental",
		Short: "Capture the changes since the most recent backup set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			manager, err := a.backupManager(ctx)
			if err != nil {
				return err
			}

			results, err := manager.PerformIncrementalBackup(ctx)
			if err != nil {
				return err
			}

			printBackupResults(results)
			return nil
		},
	}
}

func newBackupListCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List retained backup sets, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			manager, err := a.backupManager(ctx)
			if err != nil {
				return err
			}

			sets, err := manager.ListBackups(ctx)
			if err != nil {
				return err
			}
			if limit > 0 && len(sets) > limit {
				sets = sets[:limit]
			}

			if len(sets) == 0 {
				fmt.Println("No backup sets found.")
				return nil
			}

			headingStyle.Printf("%-32s %-12s %-22s %10s  %s\n", "SET ID", "TYPE", "CREATED", "SIZE", "STORES")
			for _, set := range sets {
				stores := ""
				for i, artifact := range set.Artifacts {
					if i > 0 {
						stores += ","
					}
					stores += string(artifact.Store)
				}
				fmt.Printf("%-32s %-12s %-22s %10s  %s\n",
					set.ID,
					set.Type,
					set.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					formatSize(set.TotalSize()),
					stores,
				)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "show at most N sets (0 = all)")

	return cmd
}

func newBackupCleanupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Apply the retention policy and delete expired backup sets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			manager, err := a.backupManager(ctx)
			if err != nil {
				return err
			}

			report, err := manager.CleanupOldBackups(ctx)
			if err != nil {
				return err
			}

			if len(report.Deleted) == 0 {
				okStyle.Println("Nothing to delete; all backup sets are within the retention policy.")
			} else {
				okStyle.Printf("Deleted %d backup set(s), %d retained (%s).\n",
					len(report.Deleted), report.Kept, report.Duration.Round(time.Millisecond))
			}
			return nil
		},
	}
}

func newBackupTestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Take a scratch backup, restore it into a scratch target and verify parity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			manager, err := a.backupManager(ctx)
			if err != nil {
				return err
			}

			report, err := manager.TestBackupRestore(ctx)
			if err != nil {
				return err
			}

			headingStyle.Printf("Backup self-test %s\n", report.SetID)
			for _, check := range report.Checks {
				if check.Passed {
					okStyle.Printf("  PASS  %s\n", check.Name)
				} else {
					errStyle.Printf("  FAIL  %s: %s\n", check.Name, check.Detail)
				}
			}

			if !report.Passed {
				return fmt.Errorf("backup self-test failed")
			}
			okStyle.Printf("All checks passed in %s.\n", report.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func newBackupScheduleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run the backup scheduler in the foreground until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			manager, err := a.backupManager(ctx)
			if err != nil {
				return err
			}

			scheduler, err := backup.NewScheduler(manager, a.cfg.Schedule, a.logger)
			if err != nil {
				return err
			}

			// On SIGINT/SIGTERM the handler stops the scheduler first,
			// then waits out any replication still in flight
			shutdown := apperrors.NewGracefulShutdownHandler()
			shutdown.RegisterShutdownFunc(func() error {
				if a.repl == nil {
					return nil
				}
				drainCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
				defer done()
				return a.repl.Shutdown(drainCtx)
			})
			shutdown.RegisterShutdownFunc(func() error {
				cancel()
				return nil
			})
			shutdown.Start()
			defer shutdown.Stop()

			fmt.Printf("Scheduler running: %s backups every %s. Press Ctrl+C to stop.\n",
				a.cfg.Schedule.Type, a.cfg.Schedule.Cadence)
			if err := scheduler.Run(ctx); err != nil {
				return err
			}

			shutdown.WaitForShutdown()
			okStyle.Println("Scheduler stopped.")
			return nil
		},
	}
}

func printBackupResults(results []backup.Result) {
	if len(results) == 0 {
		return
	}

	okStyle.Printf("Backup set %s completed.\n", results[0].SetID)
	for _, result := range results {
		fmt.Printf("  %-10s %-12s %10s  %s\n",
			result.Store, result.Type, formatSize(result.Size), result.Path)
	}
}

func formatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(size)/float64(div), "KMGTPE"[exp])
}
