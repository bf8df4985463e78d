package recovery

import (
	"context"
	"fmt"
	"time"

	"authvault/internal/backup"
	apperrors "authvault/internal/errors"
	"authvault/internal/logging"
	"authvault/internal/notify"
)

// RunStatus tracks the lifecycle of one plan run
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusRunning    RunStatus = "running"
	RunStatusSucceeded  RunStatus = "succeeded"
	RunStatusFailed     RunStatus = "failed"
	RunStatusRolledBack RunStatus = "rolled_back"
)

// RunResult records the outcome of one plan run
type RunResult struct {
	PlanID         string        `json:"plan_id"`
	Status         RunStatus     `json:"status"`
	Steps          []StepRun     `json:"steps"`
	Error          string        `json:"error,omitempty"`
	RollbackErrors []string      `json:"rollback_errors,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
}

// StepRun records one step's execution within a run
type StepRun struct {
	StepID   string        `json:"step_id"`
	Type     StepType      `json:"type"`
	Status   RunStatus     `json:"status"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// ExecuteOptions tunes one plan execution
type ExecuteOptions struct {
	// BackupID pins restore steps without an explicit backup_id of their
	// own to a specific set instead of the most recent one
	BackupID string
}

// FailoverHook is the collaborator that actually moves traffic to another
// region. The orchestrator only sequences it.
type FailoverHook interface {
	Failover(ctx context.Context, targetRegion string, metadata map[string]string) error
}

// Validator runs one named validation check
type Validator interface {
	RunCheck(ctx context.Context, name string, cfg ValidationStepConfig) error
}

// Orchestrator executes disaster recovery plans
type Orchestrator interface {
	// ExecutePlan runs one plan to completion or rollback. The returned
	// RunResult is populated even when err is non-nil.
	ExecutePlan(ctx context.Context, planID string, opts ExecuteOptions) (*RunResult, error)

	// TestRecoveryProcedures dry-runs every plan and reports whether all of
	// them are executable. A failing plan yields false, not an error.
	TestRecoveryProcedures(ctx context.Context) (bool, error)

	// ListPlans returns the plans in the store, highest priority first
	ListPlans(ctx context.Context) ([]*Plan, error)
}

type orchestrator struct {
	store      *Store
	manager    backup.Manager
	validator  Validator
	failover   FailoverHook
	notifier   *notify.Notifier
	logger     *logging.Logger
	retryDelay time.Duration

	// defaultStepTimeout bounds steps that declare none
	defaultStepTimeout time.Duration
}

// NewOrchestrator creates a plan orchestrator
func NewOrchestrator(
	store *Store,
	manager backup.Manager,
	validator Validator,
	failover FailoverHook,
	notifier *notify.Notifier,
	logger *logging.Logger,
	retryDelay time.Duration,
) Orchestrator {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}

	return &orchestrator{
		store:              store,
		manager:            manager,
		validator:          validator,
		failover:           failover,
		notifier:           notifier,
		logger:             logger,
		retryDelay:         retryDelay,
		defaultStepTimeout: 10 * time.Minute,
	}
}

// ListPlans implements Orchestrator
func (o *orchestrator) ListPlans(ctx context.Context) ([]*Plan, error) {
	return o.store.List()
}

// ExecutePlan implements Orchestrator
func (o *orchestrator) ExecutePlan(ctx context.Context, planID string, opts ExecuteOptions) (*RunResult, error) {
	result := &RunResult{
		PlanID:    planID,
		Status:    RunStatusPending,
		StartedAt: time.Now().UTC(),
	}

	plan, err := o.store.Get(planID)
	if err != nil {
		result.Status = RunStatusFailed
		result.Error = err.Error()
		result.Duration = time.Since(result.StartedAt)
		return result, err
	}

	ordered, err := orderSteps(plan.Steps)
	if err != nil {
		// Invalid plan graph: fail before any step has run
		result.Status = RunStatusFailed
		result.Error = err.Error()
		result.Duration = time.Since(result.StartedAt)
		return result, err
	}

	result.Status = RunStatusRunning
	o.logger.Infof("executing recovery plan %s (%d steps)", planID, len(ordered))

	succeeded := make(map[string]bool, len(ordered))

	for i := range ordered {
		step := &ordered[i]

		if blocked := o.blockedBy(step, succeeded); blocked != "" {
			stepErr := apperrors.NewAppError(apperrors.ErrorTypeValidation,
				fmt.Sprintf("step %q cannot run: dependency %q did not succeed", step.ID, blocked), nil)
			result.Steps = append(result.Steps, StepRun{
				StepID: step.ID,
				Type:   step.Type,
				Status: RunStatusFailed,
				Error:  stepErr.Error(),
			})
			return o.failRun(ctx, plan, result, stepErr), stepErr
		}

		stepRun := o.executeStep(ctx, plan, step, opts)
		result.Steps = append(result.Steps, stepRun)

		if stepRun.Status == RunStatusSucceeded {
			succeeded[step.ID] = true
			continue
		}

		stepErr := fmt.Errorf("step %q failed after %d attempts: %s", step.ID, stepRun.Attempts, stepRun.Error)
		return o.failRun(ctx, plan, result, stepErr), stepErr
	}

	result.Status = RunStatusSucceeded
	result.Duration = time.Since(result.StartedAt)
	o.logger.Infof("recovery plan %s succeeded in %s", planID, result.Duration)

	return result, nil
}

// blockedBy returns the first dependency that has not succeeded, or ""
func (o *orchestrator) blockedBy(step *Step, succeeded map[string]bool) string {
	for _, dep := range step.DependsOn {
		if !succeeded[dep] {
			return dep
		}
	}
	return ""
}

// executeStep runs one step with its timeout and retry budget. Notification
// steps never fail the plan: a delivery failure is recorded on the step run
// but the status stays succeeded.
func (o *orchestrator) executeStep(ctx context.Context, plan *Plan, step *Step, opts ExecuteOptions) StepRun {
	run := StepRun{StepID: step.ID, Type: step.Type, Status: RunStatusRunning}
	start := time.Now()

	maxAttempts := step.Retries + 1
	if maxAttempts < 1 || step.Type == StepTypeNotification {
		maxAttempts = 1
	}

	retrier := apperrors.NewRetryHandler(apperrors.RetryConfig{
		MaxAttempts: maxAttempts,
		Delay:       o.retryDelay,
	})

	// the step's declared budget overrides error classification
	err := retrier.RetryAlways(ctx, func() error {
		run.Attempts++

		stepCtx, cancel := context.WithTimeout(ctx, step.EffectiveTimeout(o.defaultStepTimeout))
		defer cancel()

		err := o.dispatch(stepCtx, plan, step, opts)
		o.logger.LogStepExecution(plan.ID, step.ID, string(step.Type), run.Attempts,
			time.Since(start), err)
		return err
	})

	run.Duration = time.Since(start)
	if err == nil {
		run.Status = RunStatusSucceeded
		return run
	}

	if step.Type == StepTypeNotification {
		// Alerting must never take a recovery down with it
		run.Status = RunStatusSucceeded
		run.Error = fmt.Sprintf("notification delivery failed: %v", err)
		return run
	}

	run.Status = RunStatusFailed
	run.Error = err.Error()
	return run
}

// dispatch executes the step's typed config
func (o *orchestrator) dispatch(ctx context.Context, plan *Plan, step *Step, opts ExecuteOptions) error {
	switch step.Type {
	case StepTypeBackup:
		if step.Backup.Type == string(backup.BackupTypeIncremental) {
			_, err := o.manager.PerformIncrementalBackup(ctx)
			return err
		}
		_, err := o.manager.PerformFullBackup(ctx)
		return err

	case StepTypeRestore:
		setID := step.Restore.BackupID
		if setID == "" {
			setID = opts.BackupID
		}
		if setID == "" {
			latest, err := o.manager.LatestSet(ctx)
			if err != nil {
				return err
			}
			setID = latest.ID
		}
		return o.manager.RestoreFromBackup(ctx, setID, backup.RestoreOptions{
			Postgres:      step.Restore.Postgres,
			Redis:         step.Restore.Redis,
			DropExisting:  step.Restore.DropExisting,
			FlushExisting: step.Restore.FlushExisting,
		})

	case StepTypeFailover:
		if o.failover == nil {
			return apperrors.NewAppError(apperrors.ErrorTypeConfiguration,
				"no failover hook configured", nil)
		}
		return o.failover.Failover(ctx, step.Failover.TargetRegion, step.Failover.Metadata)

	case StepTypeValidation:
		for _, check := range step.Validation.Checks {
			if err := o.validator.RunCheck(ctx, check, *step.Validation); err != nil {
				return err
			}
		}
		return nil

	case StepTypeNotification:
		if o.notifier == nil || !o.notifier.HasChannels() {
			return nil
		}
		severity := notify.AlertSeverity(step.Notification.Severity)
		if severity == "" {
			severity = notify.SeverityInfo
		}
		alert := notify.NewAlert(severity, step.Notification.Title, step.Notification.Message)
		alert.Metadata = map[string]interface{}{"plan_id": plan.ID, "step_id": step.ID}
		return o.notifier.Send(ctx, alert)

	default:
		return apperrors.NewAppError(apperrors.ErrorTypeConfiguration,
			fmt.Sprintf("step %q has unknown type %q", step.ID, step.Type), nil)
	}
}

// failRun marks the run failed and executes rollback steps in reverse order.
// Rollback errors are recorded as secondary; the primary error is preserved.
func (o *orchestrator) failRun(ctx context.Context, plan *Plan, result *RunResult, primary error) *RunResult {
	result.Status = RunStatusFailed
	result.Error = primary.Error()

	if len(plan.RollbackSteps) > 0 {
		rolledBack := true
		for i := len(plan.RollbackSteps) - 1; i >= 0; i-- {
			step := &plan.RollbackSteps[i]
			stepRun := o.executeStep(ctx, plan, step, ExecuteOptions{})
			result.Steps = append(result.Steps, stepRun)
			if stepRun.Status != RunStatusSucceeded {
				rolledBack = false
				result.RollbackErrors = append(result.RollbackErrors,
					fmt.Sprintf("rollback step %q: %s", step.ID, stepRun.Error))
			}
		}
		if rolledBack {
			result.Status = RunStatusRolledBack
		}
	}

	result.Duration = time.Since(result.StartedAt)
	o.logger.Errorf("recovery plan %s failed: %v", plan.ID, primary)

	return result
}

// TestRecoveryProcedures implements Orchestrator
func (o *orchestrator) TestRecoveryProcedures(ctx context.Context) (bool, error) {
	plans, err := o.store.List()
	if err != nil {
		return false, err
	}

	allOK := true
	for _, plan := range plans {
		if err := o.testPlan(ctx, plan); err != nil {
			o.logger.Warnf("recovery plan %s failed its test: %v", plan.ID, err)
			allOK = false
		} else {
			o.logger.Infof("recovery plan %s passed its test", plan.ID)
		}
	}

	return allOK, nil
}

// testPlan checks a plan is executable without touching the stores: the step
// graph must resolve, and every restore step pinned to a backup id must point
// at a set that exists.
func (o *orchestrator) testPlan(ctx context.Context, plan *Plan) error {
	ordered, err := orderSteps(plan.Steps)
	if err != nil {
		return err
	}

	for i := range ordered {
		step := &ordered[i]
		if step.Type != StepTypeRestore || step.Restore.BackupID == "" {
			continue
		}
		if _, err := o.manager.GetBackup(ctx, step.Restore.BackupID); err != nil {
			return fmt.Errorf("step %q references backup %q: %w", step.ID, step.Restore.BackupID, err)
		}
	}

	return nil
}
