package backup

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"authvault/internal/config"
	"authvault/internal/logging"
)

// Scheduler runs backups on the configured cadence. Each scheduled run is
// followed by a retention pass so the store never grows without bound.
type Scheduler struct {
	manager Manager
	cfg     config.ScheduleConfig
	logger  *logging.Logger
	cron    *cron.Cron
}

// NewScheduler creates a scheduler for the given manager
func NewScheduler(manager Manager, cfg config.ScheduleConfig, logger *logging.Logger) (*Scheduler, error) {
	if cfg.Cadence == "" {
		return nil, NewConfigurationError("schedule cadence is required", nil)
	}
	if _, err := config.ParseCadence(cfg.Cadence); err != nil {
		return nil, NewConfigurationError("invalid schedule cadence", err)
	}

	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	return &Scheduler{
		manager: manager,
		cfg:     cfg,
		logger:  logger,
		cron:    cron.New(),
	}, nil
}

// Run schedules backups and blocks until the context is cancelled. An
// in-flight run finishes before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	cadence, err := config.ParseCadence(s.cfg.Cadence)
	if err != nil {
		return NewConfigurationError("invalid schedule cadence", err)
	}

	spec := fmt.Sprintf("@every %s", cadence)
	if _, err := s.cron.AddFunc(spec, func() { s.runOnce(ctx) }); err != nil {
		return NewConfigurationError("failed to register backup schedule", err)
	}

	s.logger.Infof("backup scheduler started: %s %s backups", s.cfg.Cadence, s.backupType())
	s.cron.Start()

	<-ctx.Done()

	// Stop returns a context that is done once running jobs complete
	<-s.cron.Stop().Done()
	s.logger.Info("backup scheduler stopped")

	return nil
}

func (s *Scheduler) runOnce(ctx context.Context) {
	var err error
	if s.backupType() == string(BackupTypeIncremental) {
		_, err = s.manager.PerformIncrementalBackup(ctx)
	} else {
		_, err = s.manager.PerformFullBackup(ctx)
	}
	if err != nil {
		s.logger.Errorf("scheduled backup failed: %v", err)
		return
	}

	if _, err := s.manager.CleanupOldBackups(ctx); err != nil {
		s.logger.Errorf("retention cleanup failed: %v", err)
	}
}

func (s *Scheduler) backupType() string {
	if s.cfg.Type == string(BackupTypeIncremental) {
		return string(BackupTypeIncremental)
	}
	return string(BackupTypeFull)
}
