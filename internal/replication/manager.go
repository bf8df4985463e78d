package replication

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"authvault/internal/backup"
	"authvault/internal/config"
	apperrors "authvault/internal/errors"
	"authvault/internal/logging"
)

// Manager mirrors completed backups to the configured target regions. It
// subscribes to backup completion, so wiring it up is
// backupManager.RegisterCompletionListener(replicationManager).
type Manager interface {
	backup.CompletionListener

	// ReplicateBackup queues one replication job addressed to every target
	// and triggers a drain
	ReplicateBackup(results []backup.Result) *Job

	// ForceSyncToAllTargets replicates the newest backup set immediately and
	// waits for the job to finish or ctx to expire
	ForceSyncToAllTargets(ctx context.Context) (*Job, error)

	// Status returns a snapshot of targets, queue depth and metrics
	Status() StatusReport

	// CurrentLag returns the worst lag in milliseconds among active targets
	// that have synced at least once
	CurrentLag() int64

	// Shutdown stops the health monitor and waits for the in-flight drain,
	// bounded by ctx
	Shutdown(ctx context.Context) error
}

type manager struct {
	cfg       config.CrossRegionConfig
	transport TargetTransport
	backups   backup.Manager
	logger    *logging.Logger

	mu       sync.Mutex
	targets  map[string]*Target
	jobs     map[string]*Job
	queue    []string
	draining bool
	stopped  bool

	totalDurationMS int64
	metrics         Metrics

	stopMonitor chan struct{}
	wg          sync.WaitGroup
}

const defaultMaxRetries = 3

// NewManager creates a replication manager with the production S3 transport
// and starts its health monitor
func NewManager(cfg *config.Config, backups backup.Manager, logger *logging.Logger) Manager {
	transport := NewS3Transport(cfg.CrossRegion.Targets)
	return NewManagerWithDependencies(cfg.CrossRegion, cfg.ReplicationInterval(), transport, backups, logger)
}

// NewManagerWithDependencies creates a replication manager with an explicit
// transport and health interval
func NewManagerWithDependencies(
	cfg config.CrossRegionConfig,
	healthInterval time.Duration,
	transport TargetTransport,
	backups backup.Manager,
	logger *logging.Logger,
) Manager {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	m := &manager{
		cfg:         cfg,
		transport:   transport,
		backups:     backups,
		logger:      logger,
		targets:     make(map[string]*Target, len(cfg.Targets)),
		jobs:        make(map[string]*Job),
		stopMonitor: make(chan struct{}),
	}

	for _, target := range cfg.Targets {
		m.targets[target.Region] = &Target{
			ID:       target.Region,
			Region:   target.Region,
			Endpoint: target.Endpoint,
			Bucket:   target.Bucket,
			Status:   TargetStatusActive,
		}
	}

	if cfg.Enabled && len(m.targets) > 0 {
		m.wg.Add(1)
		go m.monitorTargets(healthInterval)
	}

	return m
}

// BackupCompleted implements backup.CompletionListener
func (m *manager) BackupCompleted(set *backup.Set) {
	if !m.cfg.Enabled || len(m.targets) == 0 {
		return
	}
	m.ReplicateBackup(set.Artifacts)
}

// ReplicateBackup implements Manager
func (m *manager) ReplicateBackup(results []backup.Result) *Job {
	m.mu.Lock()

	maxRetries := m.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	job := &Job{
		ID:         "repl-" + uuid.New().String()[:8],
		Results:    results,
		Status:     JobStatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().UTC(),
	}
	for id := range m.targets {
		job.TargetIDs = append(job.TargetIDs, id)
	}
	sort.Strings(job.TargetIDs)

	m.jobs[job.ID] = job
	m.queue = append(m.queue, job.ID)
	m.mu.Unlock()

	m.logger.Debugf("queued replication job %s for %d targets", job.ID, len(job.TargetIDs))
	m.triggerDrain()

	return job
}

// triggerDrain starts the drain goroutine unless one is already running
func (m *manager) triggerDrain() {
	m.mu.Lock()
	if m.draining || m.stopped {
		m.mu.Unlock()
		return
	}
	m.draining = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.drain()
}

// drain processes the queue until it is empty. Only one drain runs at a time.
func (m *manager) drain() {
	defer m.wg.Done()

	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.draining = false
			m.mu.Unlock()
			return
		}
		jobID := m.queue[0]
		m.queue = m.queue[1:]
		job := m.jobs[jobID]
		job.Status = JobStatusProcessing
		m.mu.Unlock()

		m.processJob(job)
	}
}

// processJob attempts delivery to every target. Targets fail independently;
// a fully failed job goes back on the queue until its retry budget runs out.
func (m *manager) processJob(job *Job) {
	start := time.Now()
	succeeded := 0

	for _, targetID := range job.TargetIDs {
		if err := m.deliverToTarget(job, targetID); err != nil {
			m.logger.Warnf("replication job %s failed for target %s: %v", job.ID, targetID, err)
			continue
		}
		succeeded++
	}

	duration := time.Since(start)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics.Total++
	m.totalDurationMS += duration.Milliseconds()
	m.metrics.AvgDurationMS = m.totalDurationMS / m.metrics.Total
	m.metrics.LastRun = time.Now().UTC()

	switch {
	case succeeded == len(job.TargetIDs):
		job.Status = JobStatusCompleted
		m.metrics.Successful++
	case succeeded > 0:
		job.Status = JobStatusPartial
		m.metrics.Successful++
	default:
		m.metrics.Failed++
		job.Retries++
		if job.Retries <= job.MaxRetries {
			// whole-job retry: every target is attempted again
			job.Status = JobStatusPending
			m.queue = append(m.queue, job.ID)
			m.logger.Warnf("replication job %s re-queued (attempt %d of %d)",
				job.ID, job.Retries, job.MaxRetries)
		} else {
			job.Status = JobStatusFailed
			m.logger.Errorf("replication job %s failed permanently after %d retries",
				job.ID, job.MaxRetries)
		}
	}

	// a terminal job is destroyed; callers keep observing it through the
	// pointer ReplicateBackup handed out
	if job.Status != JobStatusPending {
		delete(m.jobs, job.ID)
	}
}

// deliverToTarget uploads every artifact of the job to one target. Any
// target not currently active fails immediately without touching the
// network; the health monitor is what brings an errored target back.
func (m *manager) deliverToTarget(job *Job, targetID string) error {
	m.mu.Lock()
	target, ok := m.targets[targetID]
	if !ok {
		m.mu.Unlock()
		return apperrors.NewAppError(apperrors.ErrorTypeConfiguration,
			fmt.Sprintf("unknown replication target %q", targetID), nil)
	}
	if target.Status != TargetStatusActive {
		m.mu.Unlock()
		return apperrors.NewAppError(apperrors.ErrorTypeTransientDelivery,
			fmt.Sprintf("target %s is %s", targetID, target.Status), nil)
	}
	snapshot := *target
	m.mu.Unlock()

	var deliverErr error
	for _, result := range job.Results {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		err := m.transport.Upload(ctx, snapshot, result)
		cancel()
		if err != nil {
			deliverErr = err
			break
		}
	}

	lag := m.jobLag(job)
	m.logger.LogReplicationDelivery(job.ID, snapshot.Region, lag, deliverErr)

	if deliverErr != nil {
		return deliverErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	target.LastSync = time.Now().UTC()
	target.LagMS = lag

	return nil
}

// jobLag measures how far behind the target is: the age of the newest
// artifact being delivered
func (m *manager) jobLag(job *Job) int64 {
	newest := job.CreatedAt
	for _, result := range job.Results {
		if result.CreatedAt.After(newest) {
			newest = result.CreatedAt
		}
	}
	return time.Since(newest).Milliseconds()
}

// monitorTargets pings every non-inactive target on a fixed interval and
// flips its status accordingly
func (m *manager) monitorTargets(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopMonitor:
			return
		case <-ticker.C:
			m.checkTargets()
		}
	}
}

func (m *manager) checkTargets() {
	m.mu.Lock()
	snapshots := make([]Target, 0, len(m.targets))
	for _, target := range m.targets {
		if target.Status == TargetStatusInactive {
			continue
		}
		snapshots = append(snapshots, *target)
	}
	m.mu.Unlock()

	for _, snapshot := range snapshots {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := m.transport.Ping(ctx, snapshot)
		cancel()

		m.mu.Lock()
		target, ok := m.targets[snapshot.ID]
		if !ok || target.Status == TargetStatusInactive {
			m.mu.Unlock()
			continue
		}
		if err != nil {
			if target.Status != TargetStatusError {
				m.logger.Warnf("replication target %s is unhealthy: %v", target.Region, err)
			}
			target.Status = TargetStatusError
		} else {
			if target.Status == TargetStatusError {
				m.logger.Infof("replication target %s recovered", target.Region)
			}
			target.Status = TargetStatusActive
		}
		m.mu.Unlock()
	}
}

// ForceSyncToAllTargets implements Manager
func (m *manager) ForceSyncToAllTargets(ctx context.Context) (*Job, error) {
	latest, err := m.backups.LatestSet(ctx)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.NewAppError(apperrors.ErrorTypeNotFound,
				"no backups available", err)
		}
		return nil, err
	}

	job := m.ReplicateBackup(latest.Artifacts)
	return job, m.waitForJob(ctx, job)
}

// waitForJob blocks until the job reaches a terminal status or ctx expires.
// The job itself may already be destroyed by then, so the handed-out pointer
// is observed instead of the jobs map.
func (m *manager) waitForJob(ctx context.Context, job *Job) error {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return apperrors.NewAppError(apperrors.ErrorTypeTimeout,
				fmt.Sprintf("replication job %s did not finish in time", job.ID), ctx.Err())
		case <-ticker.C:
			m.mu.Lock()
			status := job.Status
			m.mu.Unlock()

			switch status {
			case JobStatusCompleted, JobStatusPartial:
				return nil
			case JobStatusFailed:
				return apperrors.NewAppError(apperrors.ErrorTypeTransientDelivery,
					fmt.Sprintf("replication job %s failed on every target", job.ID), nil)
			}
		}
	}
}

// Status implements Manager
func (m *manager) Status() StatusReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := StatusReport{
		Enabled: m.cfg.Enabled,
		Targets: make([]Target, 0, len(m.targets)),
		Pending: len(m.queue),
		Metrics: m.metrics,
	}
	for _, target := range m.targets {
		report.Targets = append(report.Targets, *target)
	}
	report.Metrics.CurrentLagMS = m.currentLagLocked()

	return report
}

// CurrentLag implements Manager
func (m *manager) CurrentLag() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLagLocked()
}

func (m *manager) currentLagLocked() int64 {
	var worst int64
	for _, target := range m.targets {
		if target.Status != TargetStatusActive || target.LastSync.IsZero() {
			continue
		}
		if target.LagMS > worst {
			worst = target.LagMS
		}
	}
	return worst
}

// Shutdown implements Manager
func (m *manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopMonitor)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return apperrors.NewAppError(apperrors.ErrorTypeTimeout,
			"replication shutdown timed out with a drain in flight", ctx.Err())
	}
}
