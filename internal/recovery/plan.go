package recovery

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "authvault/internal/errors"
)

// TriggerType says how a plan run is initiated
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerAutomatic TriggerType = "automatic"
)

// StepType identifies what a plan step does
type StepType string

const (
	StepTypeBackup       StepType = "backup"
	StepTypeRestore      StepType = "restore"
	StepTypeFailover     StepType = "failover"
	StepTypeValidation   StepType = "validation"
	StepTypeNotification StepType = "notification"
)

// Plan is one disaster recovery procedure, loaded from a YAML file
type Plan struct {
	ID            string   `yaml:"id" json:"id"`
	Name          string   `yaml:"name" json:"name"`
	Version       string   `yaml:"version" json:"version"`
	Priority      int      `yaml:"priority" json:"priority"`
	Trigger       Trigger  `yaml:"trigger" json:"trigger"`
	Steps         []Step   `yaml:"steps" json:"steps"`
	RollbackSteps []Step   `yaml:"rollback_steps,omitempty" json:"rollback_steps,omitempty"`
	Notifications []string `yaml:"notifications,omitempty" json:"notifications,omitempty"`
}

// Trigger describes when a plan should run
type Trigger struct {
	Type       TriggerType `yaml:"type" json:"type"`
	Conditions []string    `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

// Step is one unit of work in a plan. Exactly one of the config fields must
// be set, matching Type.
type Step struct {
	ID        string        `yaml:"id" json:"id"`
	Type      StepType      `yaml:"type" json:"type"`
	Order     int           `yaml:"order" json:"order"`
	DependsOn []string      `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retries   int           `yaml:"retries,omitempty" json:"retries,omitempty"`

	Backup       *BackupStepConfig       `yaml:"backup,omitempty" json:"backup,omitempty"`
	Restore      *RestoreStepConfig      `yaml:"restore,omitempty" json:"restore,omitempty"`
	Failover     *FailoverStepConfig     `yaml:"failover,omitempty" json:"failover,omitempty"`
	Validation   *ValidationStepConfig   `yaml:"validation,omitempty" json:"validation,omitempty"`
	Notification *NotificationStepConfig `yaml:"notification,omitempty" json:"notification,omitempty"`
}

// BackupStepConfig makes the step capture a fresh backup
type BackupStepConfig struct {
	Type string `yaml:"type" json:"type"` // full or incremental
}

// RestoreStepConfig makes the step restore a backup set
type RestoreStepConfig struct {
	BackupID      string `yaml:"backup_id,omitempty" json:"backup_id,omitempty"` // empty = most recent
	Postgres      bool   `yaml:"postgres,omitempty" json:"postgres,omitempty"`
	Redis         bool   `yaml:"redis,omitempty" json:"redis,omitempty"`
	DropExisting  bool   `yaml:"drop_existing,omitempty" json:"drop_existing,omitempty"`
	FlushExisting bool   `yaml:"flush_existing,omitempty" json:"flush_existing,omitempty"`
}

// FailoverStepConfig makes the step hand traffic to another region
type FailoverStepConfig struct {
	TargetRegion string            `yaml:"target_region" json:"target_region"`
	Metadata     map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// ValidationStepConfig makes the step run named checks against the stores
type ValidationStepConfig struct {
	Checks    []string      `yaml:"checks" json:"checks"` // health, data-integrity
	Timeout   time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MinTables int64         `yaml:"min_tables,omitempty" json:"min_tables,omitempty"`
	MinKeys   int64         `yaml:"min_keys,omitempty" json:"min_keys,omitempty"`
}

// NotificationStepConfig makes the step alert operators
type NotificationStepConfig struct {
	Severity string `yaml:"severity,omitempty" json:"severity,omitempty"`
	Title    string `yaml:"title" json:"title"`
	Message  string `yaml:"message,omitempty" json:"message,omitempty"`
}

// Validate checks the plan's structural invariants. Step graph validity is
// checked separately by the planner.
func (p *Plan) Validate() error {
	var problems []string

	if p.ID == "" {
		problems = append(problems, "plan id is required")
	}
	if len(p.Steps) == 0 {
		problems = append(problems, "plan has no steps")
	}

	switch p.Trigger.Type {
	case TriggerManual, TriggerAutomatic:
	case "":
		problems = append(problems, "trigger type is required")
	default:
		problems = append(problems, fmt.Sprintf("unknown trigger type %q", p.Trigger.Type))
	}

	seen := map[string]bool{}
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.ID == "" {
			problems = append(problems, fmt.Sprintf("step %d has no id", i))
			continue
		}
		if seen[step.ID] {
			problems = append(problems, fmt.Sprintf("duplicate step id %q", step.ID))
		}
		seen[step.ID] = true

		if err := step.validateConfig(); err != nil {
			problems = append(problems, err.Error())
		}
	}

	// order values must be unique and a step must come after everything it
	// depends on, so the declared ordering and the dependency graph can
	// never disagree
	orderOf := map[string]int{}
	byOrder := map[int]string{}
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.ID == "" {
			continue
		}
		if other, taken := byOrder[step.Order]; taken {
			problems = append(problems, fmt.Sprintf("steps %q and %q share order %d", other, step.ID, step.Order))
		} else {
			byOrder[step.Order] = step.ID
		}
		orderOf[step.ID] = step.Order
	}
	for i := range p.Steps {
		step := &p.Steps[i]
		for _, dep := range step.DependsOn {
			depOrder, known := orderOf[dep]
			if !known {
				// unknown dependencies are reported by the planner
				continue
			}
			if depOrder >= step.Order {
				problems = append(problems, fmt.Sprintf("step %q depends on %q but is not ordered after it", step.ID, dep))
			}
		}
	}

	for i := range p.RollbackSteps {
		if err := p.RollbackSteps[i].validateConfig(); err != nil {
			problems = append(problems, fmt.Sprintf("rollback: %s", err.Error()))
		}
	}

	if len(problems) > 0 {
		return apperrors.NewAppError(apperrors.ErrorTypeValidation,
			fmt.Sprintf("invalid plan %q: %s", p.ID, strings.Join(problems, "; ")), nil)
	}

	return nil
}

// validateConfig checks that exactly one step config is set and matches Type
func (s *Step) validateConfig() error {
	configs := 0
	if s.Backup != nil {
		configs++
	}
	if s.Restore != nil {
		configs++
	}
	if s.Failover != nil {
		configs++
	}
	if s.Validation != nil {
		configs++
	}
	if s.Notification != nil {
		configs++
	}

	if configs != 1 {
		return fmt.Errorf("step %q must carry exactly one config block, has %d", s.ID, configs)
	}

	match := false
	switch s.Type {
	case StepTypeBackup:
		match = s.Backup != nil
	case StepTypeRestore:
		match = s.Restore != nil
	case StepTypeFailover:
		match = s.Failover != nil && s.Failover.TargetRegion != ""
	case StepTypeValidation:
		match = s.Validation != nil && len(s.Validation.Checks) > 0
	case StepTypeNotification:
		match = s.Notification != nil && s.Notification.Title != ""
	default:
		return fmt.Errorf("step %q has unknown type %q", s.ID, s.Type)
	}

	if !match {
		return fmt.Errorf("step %q config does not match its type %q", s.ID, s.Type)
	}

	return nil
}

// EffectiveTimeout returns the step timeout or the given default
func (s *Step) EffectiveTimeout(fallback time.Duration) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return fallback
}

// Store loads recovery plans from a directory of YAML files
type Store struct {
	plansDir string
}

// NewStore creates a plan store over the given directory
func NewStore(plansDir string) *Store {
	return &Store{plansDir: plansDir}
}

// List loads every plan in the directory, sorted by priority then id. A file
// that fails to parse fails the whole listing so a broken plan cannot hide.
func (s *Store) List() ([]*Plan, error) {
	entries, err := os.ReadDir(s.plansDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration,
			fmt.Sprintf("failed to read plans directory %s", s.plansDir), err)
	}

	var plans []*Plan
	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}

		plan, err := s.loadFile(filepath.Join(s.plansDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}

	sort.Slice(plans, func(i, j int) bool {
		if plans[i].Priority != plans[j].Priority {
			return plans[i].Priority < plans[j].Priority
		}
		return plans[i].ID < plans[j].ID
	})

	return plans, nil
}

// Get loads one plan by id
func (s *Store) Get(planID string) (*Plan, error) {
	plans, err := s.List()
	if err != nil {
		return nil, err
	}

	for _, plan := range plans {
		if plan.ID == planID {
			return plan, nil
		}
	}

	return nil, apperrors.NewAppError(apperrors.ErrorTypeNotFound,
		fmt.Sprintf("recovery plan %q not found", planID), nil)
}

// Save writes a plan back to the directory as <id>.yaml
func (s *Store) Save(plan *Plan) error {
	if err := plan.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(s.plansDir, 0755); err != nil {
		return apperrors.NewAppError(apperrors.ErrorTypeConfiguration,
			"failed to create plans directory", err)
	}

	data, err := yaml.Marshal(plan)
	if err != nil {
		return apperrors.NewAppError(apperrors.ErrorTypeValidation,
			"failed to serialize plan", err)
	}

	path := filepath.Join(s.plansDir, plan.ID+".yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return apperrors.NewAppError(apperrors.ErrorTypeConfiguration,
			"failed to write plan file", err)
	}

	return nil
}

func (s *Store) loadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration,
			fmt.Sprintf("failed to read plan file %s", path), err)
	}

	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration,
			fmt.Sprintf("failed to parse plan file %s", path), err)
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}

	return &plan, nil
}

func isYAMLFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
