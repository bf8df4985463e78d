package replication

import (
	"time"

	"authvault/internal/backup"
)

// TargetStatus tracks whether a replication target is usable
type TargetStatus string

const (
	TargetStatusActive   TargetStatus = "active"
	TargetStatusInactive TargetStatus = "inactive"
	TargetStatusError    TargetStatus = "error"
)

// Target is one remote region backups are mirrored to
type Target struct {
	ID       string       `json:"id"`
	Region   string       `json:"region"`
	Endpoint string       `json:"endpoint"`
	Bucket   string       `json:"bucket"`
	Status   TargetStatus `json:"status"`
	LastSync time.Time    `json:"last_sync,omitempty"`
	LagMS    int64        `json:"lag_ms"`
}

// JobStatus tracks a replication job through the queue
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusPartial    JobStatus = "partial"
	JobStatusFailed     JobStatus = "failed"
)

// Job is one unit of replication work: a backup set's results addressed to
// every configured target
type Job struct {
	ID         string          `json:"id"`
	Results    []backup.Result `json:"results"`
	TargetIDs  []string        `json:"target_ids"`
	Status     JobStatus       `json:"status"`
	Retries    int             `json:"retries"`
	MaxRetries int             `json:"max_retries"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Metrics aggregates replication outcomes since startup
type Metrics struct {
	Total         int64     `json:"total"`
	Successful    int64     `json:"successful"`
	Failed        int64     `json:"failed"`
	AvgDurationMS int64     `json:"avg_duration_ms"`
	CurrentLagMS  int64     `json:"current_lag_ms"`
	LastRun       time.Time `json:"last_run,omitempty"`
}

// StatusReport is a point-in-time snapshot for operators
type StatusReport struct {
	Enabled bool     `json:"enabled"`
	Targets []Target `json:"targets"`
	Pending int      `json:"pending_jobs"`
	Metrics Metrics  `json:"metrics"`
}
