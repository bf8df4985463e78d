package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"authvault/internal/backup"
	"authvault/internal/config"
	apperrors "authvault/internal/errors"
	"authvault/internal/logging"
	"authvault/internal/notify"
	"authvault/internal/recovery"
	"authvault/internal/replication"
)

// app carries the shared state every subcommand needs. It is built once in
// Execute and injected into the command constructors, so nothing in this
// package lives in a package-level singleton.
type app struct {
	cfg    *config.Config
	logger *logging.Logger

	backups  backup.Manager
	repl     replication.Manager
	notifier *notify.Notifier
}

// CLI output styles, degraded to plain text when stdout is not a terminal
var (
	headingStyle = color.New(color.FgCyan, color.Bold)
	okStyle      = color.New(color.FgGreen)
	warnStyle    = color.New(color.FgYellow)
	errStyle     = color.New(color.FgRed, color.Bold)
)

// Execute is the CLI entry point, called by main.main
func Execute() {
	a := &app{}
	root := newRootCmd(a)

	if err := root.Execute(); err != nil {
		errStyle.Fprintln(os.Stderr, apperrors.FormatUserError(err))
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	var (
		verbose bool
		quiet   bool
		noColor bool
	)

	root := &cobra.Command{
		Use:   "authvault",
		Short: "Backup, restore and cross-region replication for the auth platform's data stores",
		Long: `Authvault protects the auth platform's PostgreSQL and Redis stores.

It captures scheduled or on-demand backups (compressed, encrypted and
checksummed), enforces the retention policy, restores either store from any
retained set, executes disaster recovery plans, and mirrors every completed
backup to the configured target regions.

All settings come from AUTHVAULT_* environment variables; run
"authvault config show" to inspect the resolved configuration.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose && quiet {
				return fmt.Errorf("--verbose and --quiet flags are mutually exclusive")
			}
			if noColor || !isatty.IsTerminal(os.Stdout.Fd()) {
				color.NoColor = true
			}

			level := logging.LogLevelNormal
			if verbose {
				level = logging.LogLevelVerbose
			}
			if quiet {
				level = logging.LogLevelQuiet
			}
			logger, err := logging.NewLogger(logging.Config{Level: level, Output: os.Stderr})
			if err != nil {
				return err
			}
			a.logger = logger

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			a.cfg = cfg

			// "config validate" reports validation problems itself
			if cmd.Name() == "validate" || cmd.Name() == "show" {
				return nil
			}
			return cfg.Validate()
		},
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable color output")

	root.AddCommand(
		newBackupCmd(a),
		newRestoreCmd(a),
		newDisasterRecoveryCmd(a),
		newReplicationCmd(a),
		newConfigCmd(a),
	)

	return root
}

// backupManager builds the backup manager on first use. When cross-region
// replication is enabled the replication manager is created alongside it and
// registered as a completion listener, so every successful backup is
// mirrored without the commands having to remember to do it.
func (a *app) backupManager(ctx context.Context) (backup.Manager, error) {
	if a.backups != nil {
		return a.backups, nil
	}

	m, err := backup.NewManager(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	a.backups = m

	if a.cfg.CrossRegion.Enabled && len(a.cfg.CrossRegion.Targets) > 0 {
		a.repl = replication.NewManager(a.cfg, m, a.logger)
		m.RegisterCompletionListener(a.repl)
	}

	return a.backups, nil
}

// replicationManager returns the replication manager, creating the backup
// manager first if needed
func (a *app) replicationManager(ctx context.Context) (replication.Manager, error) {
	if a.repl == nil {
		if _, err := a.backupManager(ctx); err != nil {
			return nil, err
		}
	}
	if a.repl == nil {
		a.repl = replication.NewManager(a.cfg, a.backups, a.logger)
	}
	return a.repl, nil
}

func (a *app) notificationChannels() *notify.Notifier {
	if a.notifier == nil {
		a.notifier = notify.NewNotifier(a.cfg.Notifications, a.logger)
	}
	return a.notifier
}

func contextWithTimeout(cmd *cobra.Command, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(cmd.Context())
	}
	return context.WithTimeout(cmd.Context(), d)
}

// orchestrator wires the recovery plan executor from the app's collaborators
func (a *app) orchestrator(ctx context.Context) (recovery.Orchestrator, error) {
	backups, err := a.backupManager(ctx)
	if err != nil {
		return nil, err
	}

	notifier := a.notificationChannels()
	store := recovery.NewStore(a.cfg.Recovery.PlansDir)
	validator := recovery.NewStoreChecker(backup.NewStoreVerifier(a.cfg, a.logger), a.logger)
	failover := recovery.NewAnnouncingFailoverHook(notifier, a.logger)

	return recovery.NewOrchestrator(
		store,
		backups,
		validator,
		failover,
		notifier,
		a.logger,
		a.cfg.RecoveryRetryDelay(),
	), nil
}
