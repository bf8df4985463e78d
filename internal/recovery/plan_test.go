package recovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "authvault/internal/errors"
)

func validPlan() *Plan {
	return &Plan{
		ID:       "regional-outage",
		Name:     "Regional outage recovery",
		Version:  "1",
		Priority: 1,
		Trigger:  Trigger{Type: TriggerManual},
		Steps: []Step{
			{
				ID:      "restore-stores",
				Type:    StepTypeRestore,
				Order:   1,
				Restore: &RestoreStepConfig{DropExisting: true, FlushExisting: true},
			},
			{
				ID:         "verify",
				Type:       StepTypeValidation,
				Order:      2,
				DependsOn:  []string{"restore-stores"},
				Validation: &ValidationStepConfig{Checks: []string{CheckHealth}},
			},
		},
	}
}

func TestPlanValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *Plan)
		wantErr string
	}{
		{
			name:   "valid plan",
			mutate: func(p *Plan) {},
		},
		{
			name:    "missing id",
			mutate:  func(p *Plan) { p.ID = "" },
			wantErr: "plan id is required",
		},
		{
			name:    "no steps",
			mutate:  func(p *Plan) { p.Steps = nil },
			wantErr: "plan has no steps",
		},
		{
			name:    "missing trigger type",
			mutate:  func(p *Plan) { p.Trigger.Type = "" },
			wantErr: "trigger type is required",
		},
		{
			name:    "unknown trigger type",
			mutate:  func(p *Plan) { p.Trigger.Type = "on-full-moon" },
			wantErr: `unknown trigger type "on-full-moon"`,
		},
		{
			name: "duplicate step ids",
			mutate: func(p *Plan) {
				p.Steps[1].ID = p.Steps[0].ID
				p.Steps[1].DependsOn = nil
			},
			wantErr: `duplicate step id "restore-stores"`,
		},
		{
			name: "two config blocks on one step",
			mutate: func(p *Plan) {
				p.Steps[0].Backup = &BackupStepConfig{Type: "full"}
			},
			wantErr: "exactly one config block",
		},
		{
			name: "config does not match type",
			mutate: func(p *Plan) {
				p.Steps[0].Restore = nil
				p.Steps[0].Backup = &BackupStepConfig{Type: "full"}
			},
			wantErr: `config does not match its type "restore"`,
		},
		{
			name: "failover without target region",
			mutate: func(p *Plan) {
				p.Steps[0] = Step{
					ID:       "flip",
					Type:     StepTypeFailover,
					Failover: &FailoverStepConfig{},
				}
				p.Steps[1].DependsOn = []string{"flip"}
			},
			wantErr: `step "flip" config does not match its type`,
		},
		{
			name: "notification without title",
			mutate: func(p *Plan) {
				p.Steps[0] = Step{
					ID:           "page",
					Type:         StepTypeNotification,
					Notification: &NotificationStepConfig{Message: "details"},
				}
				p.Steps[1].DependsOn = []string{"page"}
			},
			wantErr: `step "page" config does not match its type`,
		},
		{
			name: "steps sharing an order value",
			mutate: func(p *Plan) {
				p.Steps[1].Order = p.Steps[0].Order
			},
			wantErr: `steps "restore-stores" and "verify" share order 1`,
		},
		{
			name: "dependency ordered after its dependent",
			mutate: func(p *Plan) {
				p.Steps[0].Order = 5
			},
			wantErr: `step "verify" depends on "restore-stores" but is not ordered after it`,
		},
		{
			name: "broken rollback step",
			mutate: func(p *Plan) {
				p.RollbackSteps = []Step{{ID: "undo", Type: StepTypeBackup}}
			},
			wantErr: "rollback:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := validPlan()
			tt.mutate(plan)

			err := plan.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.GetErrorType(err))
			}
		})
	}
}

func TestStepEffectiveTimeout(t *testing.T) {
	step := Step{}
	assert.Equal(t, time.Minute, step.EffectiveTimeout(time.Minute))

	step.Timeout = 5 * time.Second
	assert.Equal(t, 5*time.Second, step.EffectiveTimeout(time.Minute))
}

func TestStoreSaveAndList(t *testing.T) {
	store := NewStore(t.TempDir())

	second := validPlan()
	second.ID = "secondary"
	second.Priority = 2
	require.NoError(t, store.Save(second))

	first := validPlan()
	require.NoError(t, store.Save(first))

	plans, err := store.List()
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, "regional-outage", plans[0].ID)
	assert.Equal(t, "secondary", plans[1].ID)
}

func TestStoreGet(t *testing.T) {
	store := NewStore(t.TempDir())
	require.NoError(t, store.Save(validPlan()))

	plan, err := store.Get("regional-outage")
	require.NoError(t, err)
	assert.Equal(t, "Regional outage recovery", plan.Name)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, StepTypeValidation, plan.Steps[1].Type)
	assert.Equal(t, []string{CheckHealth}, plan.Steps[1].Validation.Checks)
}

func TestStoreGetNotFound(t *testing.T) {
	store := NewStore(t.TempDir())

	_, err := store.Get("no-such-plan")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestStoreListMissingDirectory(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "does-not-exist"))

	plans, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, plans)
}

func TestStoreListBrokenFileFailsListing(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, store.Save(validPlan()))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("{not yaml"), 0644))

	_, err := store.List()
	assert.Error(t, err)
}

func TestStoreSaveRejectsInvalidPlan(t *testing.T) {
	store := NewStore(t.TempDir())

	plan := validPlan()
	plan.ID = ""
	err := store.Save(plan)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.GetErrorType(err))
}

func TestStoreListIgnoresNonYAMLFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, store.Save(validPlan()))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("notes"), 0644))

	plans, err := store.List()
	require.NoError(t, err)
	assert.Len(t, plans, 1)
}
