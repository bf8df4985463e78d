package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"authvault/internal/backup"
	apperrors "authvault/internal/errors"
	"authvault/internal/notify"
)

type fakeManager struct {
	sets map[string]*backup.Set

	fullBackups        int
	incrementalBackups int
	backupErr          error

	restored   []string
	restoreErr error
	lastOpts   backup.RestoreOptions
}

func newFakeManager(setIDs ...string) *fakeManager {
	m := &fakeManager{sets: map[string]*backup.Set{}}
	for i, id := range setIDs {
		m.sets[id] = &backup.Set{
			ID:        id,
			Type:      backup.BackupTypeFull,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Minute),
		}
	}
	return m
}

func (m *fakeManager) PerformFullBackup(ctx context.Context) ([]backup.Result, error) {
	if m.backupErr != nil {
		return nil, m.backupErr
	}
	m.fullBackups++
	return []backup.Result{{SetID: "fresh"}}, nil
}

func (m *fakeManager) PerformIncrementalBackup(ctx context.Context) ([]backup.Result, error) {
	if m.backupErr != nil {
		return nil, m.backupErr
	}
	m.incrementalBackups++
	return []backup.Result{{SetID: "fresh"}}, nil
}

func (m *fakeManager) ListBackups(ctx context.Context) ([]*backup.Set, error) {
	var sets []*backup.Set
	for _, set := range m.sets {
		sets = append(sets, set)
	}
	return sets, nil
}

func (m *fakeManager) GetBackup(ctx context.Context, setID string) (*backup.Set, error) {
	set, ok := m.sets[setID]
	if !ok {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeNotFound,
			fmt.Sprintf("backup set %q not found", setID), nil)
	}
	return set, nil
}

func (m *fakeManager) LatestSet(ctx context.Context) (*backup.Set, error) {
	var latest *backup.Set
	for _, set := range m.sets {
		if latest == nil || set.CreatedAt.After(latest.CreatedAt) {
			latest = set
		}
	}
	if latest == nil {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeNotFound, "no backups available", nil)
	}
	return latest, nil
}

func (m *fakeManager) CleanupOldBackups(ctx context.Context) (*backup.CleanupReport, error) {
	return &backup.CleanupReport{}, nil
}

func (m *fakeManager) RestoreFromBackup(ctx context.Context, setID string, opts backup.RestoreOptions) error {
	if m.restoreErr != nil {
		return m.restoreErr
	}
	if _, ok := m.sets[setID]; !ok {
		return apperrors.NewAppError(apperrors.ErrorTypeNotFound,
			fmt.Sprintf("backup set %q not found", setID), nil)
	}
	m.restored = append(m.restored, setID)
	m.lastOpts = opts
	return nil
}

func (m *fakeManager) VerifyBackup(ctx context.Context, setID string) error { return nil }

func (m *fakeManager) TestBackupRestore(ctx context.Context) (*backup.SelfTestReport, error) {
	return &backup.SelfTestReport{Passed: true}, nil
}

func (m *fakeManager) RegisterCompletionListener(listener backup.CompletionListener) {}

type fakeValidator struct {
	calls []string
	fail  map[string]error
}

func (v *fakeValidator) RunCheck(ctx context.Context, name string, cfg ValidationStepConfig) error {
	v.calls = append(v.calls, name)
	if v.fail != nil {
		return v.fail[name]
	}
	return nil
}

type fakeFailover struct {
	regions []string
	err     error
}

func (f *fakeFailover) Failover(ctx context.Context, targetRegion string, metadata map[string]string) error {
	if f.err != nil {
		return f.err
	}
	f.regions = append(f.regions, targetRegion)
	return nil
}

type recordingChannel struct {
	alerts []notify.Alert
	err    error
}

func (c *recordingChannel) Send(ctx context.Context, alert notify.Alert) error {
	if c.err != nil {
		return c.err
	}
	c.alerts = append(c.alerts, alert)
	return nil
}

func (c *recordingChannel) Type() string  { return "recording" }
func (c *recordingChannel) Enabled() bool { return true }

type orchestratorFixture struct {
	store     *Store
	manager   *fakeManager
	validator *fakeValidator
	failover  *fakeFailover
	channel   *recordingChannel
	orch      Orchestrator
}

func newOrchestratorFixture(t *testing.T, plans ...*Plan) *orchestratorFixture {
	t.Helper()

	f := &orchestratorFixture{
		store:     NewStore(t.TempDir()),
		manager:   newFakeManager("set-1", "set-2"),
		validator: &fakeValidator{},
		failover:  &fakeFailover{},
		channel:   &recordingChannel{},
	}
	for _, plan := range plans {
		require.NoError(t, f.store.Save(plan))
	}

	f.orch = NewOrchestrator(
		f.store,
		f.manager,
		f.validator,
		f.failover,
		notify.NewNotifierWithChannels(nil, f.channel),
		nil,
		time.Millisecond,
	)
	return f
}

func failoverPlan() *Plan {
	return &Plan{
		ID:       "regional-failover",
		Name:     "Fail over to the standby region",
		Version:  "1",
		Priority: 1,
		Trigger:  Trigger{Type: TriggerManual},
		Steps: []Step{
			{
				ID:      "restore",
				Type:    StepTypeRestore,
				Order:   1,
				Restore: &RestoreStepConfig{DropExisting: true, FlushExisting: true},
			},
			{
				ID:         "verify",
				Type:       StepTypeValidation,
				Order:      2,
				DependsOn:  []string{"restore"},
				Validation: &ValidationStepConfig{Checks: []string{CheckHealth, CheckDataIntegrity}},
			},
			{
				ID:        "flip-traffic",
				Type:      StepTypeFailover,
				Order:     3,
				DependsOn: []string{"verify"},
				Failover:  &FailoverStepConfig{TargetRegion: "eu-west-1"},
			},
			{
				ID:        "announce",
				Type:      StepTypeNotification,
				Order:     4,
				DependsOn: []string{"flip-traffic"},
				Notification: &NotificationStepConfig{
					Severity: "critical",
					Title:    "Failover complete",
				},
			},
		},
	}
}

func TestExecutePlanSuccess(t *testing.T) {
	f := newOrchestratorFixture(t, failoverPlan())

	result, err := f.orch.ExecutePlan(context.Background(), "regional-failover", ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, RunStatusSucceeded, result.Status)
	require.Len(t, result.Steps, 4)
	for _, stepRun := range result.Steps {
		assert.Equal(t, RunStatusSucceeded, stepRun.Status, stepRun.StepID)
	}

	// restore without an explicit id goes to the most recent set
	assert.Equal(t, []string{"set-2"}, f.manager.restored)
	assert.True(t, f.manager.lastOpts.DropExisting)
	assert.Equal(t, []string{CheckHealth, CheckDataIntegrity}, f.validator.calls)
	assert.Equal(t, []string{"eu-west-1"}, f.failover.regions)
	require.Len(t, f.channel.alerts, 1)
	assert.Equal(t, "Failover complete", f.channel.alerts[0].Title)
	assert.Equal(t, notify.SeverityCritical, f.channel.alerts[0].Severity)
}

func TestExecutePlanPinnedBackupID(t *testing.T) {
	f := newOrchestratorFixture(t, failoverPlan())

	result, err := f.orch.ExecutePlan(context.Background(), "regional-failover",
		ExecuteOptions{BackupID: "set-1"})
	require.NoError(t, err)

	assert.Equal(t, RunStatusSucceeded, result.Status)
	assert.Equal(t, []string{"set-1"}, f.manager.restored)
}

func TestExecutePlanStepBackupIDWinsOverOptions(t *testing.T) {
	plan := failoverPlan()
	plan.Steps[0].Restore.BackupID = "set-1"
	f := newOrchestratorFixture(t, plan)

	_, err := f.orch.ExecutePlan(context.Background(), "regional-failover",
		ExecuteOptions{BackupID: "set-2"})
	require.NoError(t, err)

	assert.Equal(t, []string{"set-1"}, f.manager.restored)
}

func TestExecutePlanUnknownPlan(t *testing.T) {
	f := newOrchestratorFixture(t)

	result, err := f.orch.ExecutePlan(context.Background(), "missing", ExecuteOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Equal(t, RunStatusFailed, result.Status)
	assert.Empty(t, result.Steps)
}

func TestExecutePlanRetriesThenSucceeds(t *testing.T) {
	plan := failoverPlan()
	plan.Steps[2].Retries = 2
	f := newOrchestratorFixture(t, plan)

	attempts := 0
	f.failover.err = errors.New("standby not ready")
	flaky := &flakyFailover{inner: f.failover, failUntil: 2, attempts: &attempts}
	f.orch = NewOrchestrator(f.store, f.manager, f.validator, flaky,
		notify.NewNotifierWithChannels(nil, f.channel), nil, time.Millisecond)

	result, err := f.orch.ExecutePlan(context.Background(), "regional-failover", ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, RunStatusSucceeded, result.Status)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, result.Steps[2].Attempts)
}

type flakyFailover struct {
	inner     *fakeFailover
	failUntil int
	attempts  *int
}

func (f *flakyFailover) Failover(ctx context.Context, targetRegion string, metadata map[string]string) error {
	*f.attempts++
	if *f.attempts <= f.failUntil {
		return errors.New("standby not ready")
	}
	f.inner.err = nil
	return f.inner.Failover(ctx, targetRegion, metadata)
}

func TestExecutePlanFailureRunsRollbackInReverse(t *testing.T) {
	plan := failoverPlan()
	plan.RollbackSteps = []Step{
		{
			ID:      "rollback-restore",
			Type:    StepTypeRestore,
			Restore: &RestoreStepConfig{BackupID: "set-1"},
		},
		{
			ID:           "rollback-announce",
			Type:         StepTypeNotification,
			Notification: &NotificationStepConfig{Title: "Recovery aborted"},
		},
	}
	f := newOrchestratorFixture(t, plan)
	f.validator.fail = map[string]error{
		CheckHealth: apperrors.NewAppError(apperrors.ErrorTypeValidation, "postgres is not reachable", nil),
	}

	result, err := f.orch.ExecutePlan(context.Background(), "regional-failover", ExecuteOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `step "verify" failed`)

	// rollback ran, in reverse declaration order
	assert.Equal(t, RunStatusRolledBack, result.Status)
	assert.Contains(t, result.Error, "postgres is not reachable")
	require.Len(t, result.Steps, 4) // restore, verify, then two rollback steps
	assert.Equal(t, "rollback-announce", result.Steps[2].StepID)
	assert.Equal(t, "rollback-restore", result.Steps[3].StepID)

	// the failover step never ran
	assert.Empty(t, f.failover.regions)

	// rollback restored the pinned set after the initial restore
	assert.Equal(t, []string{"set-2", "set-1"}, f.manager.restored)
	require.Len(t, f.channel.alerts, 1)
	assert.Equal(t, "Recovery aborted", f.channel.alerts[0].Title)
}

func TestExecutePlanRollbackErrorsAreSecondary(t *testing.T) {
	plan := failoverPlan()
	plan.RollbackSteps = []Step{
		{
			ID:      "rollback-restore",
			Type:    StepTypeRestore,
			Restore: &RestoreStepConfig{BackupID: "no-such-set"},
		},
	}
	f := newOrchestratorFixture(t, plan)
	f.validator.fail = map[string]error{
		CheckHealth: errors.New("validation exploded"),
	}

	result, err := f.orch.ExecutePlan(context.Background(), "regional-failover", ExecuteOptions{})
	require.Error(t, err)

	// the primary failure stays the run error; rollback trouble is recorded
	// alongside it
	assert.Equal(t, RunStatusFailed, result.Status)
	assert.Contains(t, result.Error, "validation exploded")
	require.Len(t, result.RollbackErrors, 1)
	assert.Contains(t, result.RollbackErrors[0], `rollback step "rollback-restore"`)
}

func TestExecutePlanNotificationFailureIsNotFatal(t *testing.T) {
	f := newOrchestratorFixture(t, failoverPlan())
	f.channel.err = errors.New("webhook is down")

	result, err := f.orch.ExecutePlan(context.Background(), "regional-failover", ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, RunStatusSucceeded, result.Status)
	announce := result.Steps[3]
	assert.Equal(t, RunStatusSucceeded, announce.Status)
	assert.Contains(t, announce.Error, "notification delivery failed")
}

func TestExecutePlanMisorderedDependencyExecutesNothing(t *testing.T) {
	// a step depending on a later step cannot be saved, so plant the
	// broken file directly where the store reads it
	plan := failoverPlan()
	plan.Steps[0].DependsOn = []string{"announce"}
	f := newOrchestratorFixture(t)

	data, err := yaml.Marshal(plan)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(f.store.plansDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(f.store.plansDir, plan.ID+".yaml"), data, 0644))

	result, err := f.orch.ExecutePlan(context.Background(), "regional-failover", ExecuteOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ordered after")

	assert.Equal(t, RunStatusFailed, result.Status)
	assert.Empty(t, result.Steps)
	assert.Empty(t, f.manager.restored)
	assert.Empty(t, f.failover.regions)
}

func TestExecutePlanBackupStep(t *testing.T) {
	plan := &Plan{
		ID:      "pre-maintenance",
		Name:    "Snapshot before maintenance",
		Trigger: Trigger{Type: TriggerManual},
		Steps: []Step{
			{ID: "snapshot", Type: StepTypeBackup, Backup: &BackupStepConfig{Type: "full"}},
			{
				ID:        "snapshot-delta",
				Type:      StepTypeBackup,
				Order:     2,
				DependsOn: []string{"snapshot"},
				Backup:    &BackupStepConfig{Type: "incremental"},
			},
		},
	}
	f := newOrchestratorFixture(t, plan)

	result, err := f.orch.ExecutePlan(context.Background(), "pre-maintenance", ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, RunStatusSucceeded, result.Status)
	assert.Equal(t, 1, f.manager.fullBackups)
	assert.Equal(t, 1, f.manager.incrementalBackups)
}

func TestListPlansSortedByPriority(t *testing.T) {
	low := failoverPlan()
	low.ID = "zz-low-priority"
	low.Priority = 9
	f := newOrchestratorFixture(t, low, failoverPlan())

	plans, err := f.orch.ListPlans(context.Background())
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, "regional-failover", plans[0].ID)
	assert.Equal(t, "zz-low-priority", plans[1].ID)
}

func TestTestRecoveryProceduresAllPass(t *testing.T) {
	f := newOrchestratorFixture(t, failoverPlan())

	ok, err := f.orch.TestRecoveryProcedures(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTestRecoveryProceduresMissingBackupFails(t *testing.T) {
	plan := failoverPlan()
	plan.Steps[0].Restore.BackupID = "no-such-set"
	f := newOrchestratorFixture(t, plan)

	ok, err := f.orch.TestRecoveryProcedures(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}
