package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"authvault/internal/backup"
	"authvault/internal/confirmation"
)

func newRestoreCmd(a *app) *cobra.Command {
	var (
		postgresOnly   bool
		redisOnly      bool
		dropExisting   bool
		flushExisting  bool
		targetDatabase string
		stopServices   bool
		autoApprove    bool
	)

	cmd := &cobra.Command{
		Use:   "restore <backup-id>",
		Short: "Restore one or both stores from a backup set",
		Long: `Restore loads a backup set's artifacts back into PostgreSQL and Redis.

By default both stores are restored. Use --postgres or --redis to restore a
single store. Destructive options (--drop-existing, --flush-existing) clear
the target before loading and require confirmation unless --yes is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			setID := args[0]

			if postgresOnly && redisOnly {
				return fmt.Errorf("--postgres and --redis are mutually exclusive; omit both to restore both stores")
			}

			manager, err := a.backupManager(ctx)
			if err != nil {
				return err
			}

			set, err := manager.GetBackup(ctx, setID)
			if err != nil {
				return err
			}

			opts := backup.RestoreOptions{
				Postgres:       postgresOnly,
				Redis:          redisOnly,
				DropExisting:   dropExisting,
				FlushExisting:  flushExisting,
				TargetDatabase: targetDatabase,
				StopServices:   stopServices,
			}

			confirmed, err := confirmation.NewService().ConfirmRestore(set, opts, autoApprove)
			if err != nil {
				return err
			}
			if !confirmed {
				warnStyle.Println("Restore aborted.")
				return nil
			}

			start := time.Now()
			if err := manager.RestoreFromBackup(ctx, setID, opts); err != nil {
				return err
			}

			okStyle.Printf("Restore of %s completed in %s.\n", setID, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().BoolVar(&postgresOnly, "postgres", false, "restore only the PostgreSQL store")
	cmd.Flags().BoolVar(&redisOnly, "redis", false, "restore only the Redis store")
	cmd.Flags().BoolVar(&dropExisting, "drop-existing", false, "drop the existing PostgreSQL schema before loading")
	cmd.Flags().BoolVar(&flushExisting, "flush-existing", false, "flush the existing Redis keyspace before loading")
	cmd.Flags().StringVar(&targetDatabase, "target-database", "", "restore PostgreSQL into this database instead of the configured one")
	cmd.Flags().BoolVar(&stopServices, "stop-services", false, "signal dependent services to pause while restoring")
	cmd.Flags().BoolVarP(&autoApprove, "yes", "y", false, "skip the confirmation prompt")

	return cmd
}
