package backup

import (
	"time"
)

// StoreKind identifies which protected store an artifact belongs to
type StoreKind string

const (
	StoreKindPostgres StoreKind = "postgres"
	StoreKindRedis    StoreKind = "redis"
)

// BackupType distinguishes full from incremental backups
type BackupType string

const (
	BackupTypeFull        BackupType = "full"
	BackupTypeIncremental BackupType = "incremental"
)

// Result is the immutable record of one completed backup artifact. It is
// created once per artifact by the Manager and never mutated afterwards;
// replication jobs and recovery steps hold read-only references to it.
type Result struct {
	ID          string          `json:"id"`
	SetID       string          `json:"set_id"`
	Store       StoreKind       `json:"store"`
	Type        BackupType      `json:"type"`
	Path        string          `json:"path"`
	Size        int64           `json:"size"`
	Duration    time.Duration   `json:"duration"`
	Checksum    string          `json:"checksum"`
	Compressed  bool            `json:"compressed"`
	Compression CompressionType `json:"compression,omitempty"`
	Encrypted   bool            `json:"encrypted"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Set groups the artifacts produced by one full or incremental invocation,
// identified by the backup id shared across its artifacts.
type Set struct {
	ID        string     `json:"id"`
	Type      BackupType `json:"type"`
	Artifacts []Result   `json:"artifacts"`
	CreatedAt time.Time  `json:"created_at"`
}

// TotalSize returns the combined byte size of all artifacts in the set
func (s *Set) TotalSize() int64 {
	var total int64
	for _, artifact := range s.Artifacts {
		total += artifact.Size
	}
	return total
}

// Artifact returns the artifact for the given store, or nil if the set does
// not contain one.
func (s *Set) Artifact(store StoreKind) *Result {
	for i := range s.Artifacts {
		if s.Artifacts[i].Store == store {
			return &s.Artifacts[i]
		}
	}
	return nil
}

// RestoreOptions controls which stores are restored and how
type RestoreOptions struct {
	Postgres       bool
	Redis          bool
	DropExisting   bool
	FlushExisting  bool
	TargetDatabase string
	StopServices   bool
}

// Stores returns the store kinds selected for restore. When neither flag is
// set, both stores are restored.
func (ro *RestoreOptions) Stores() []StoreKind {
	if !ro.Postgres && !ro.Redis {
		return []StoreKind{StoreKindPostgres, StoreKindRedis}
	}

	var stores []StoreKind
	if ro.Postgres {
		stores = append(stores, StoreKindPostgres)
	}
	if ro.Redis {
		stores = append(stores, StoreKindRedis)
	}
	return stores
}

// Destructive reports whether the restore resets existing data first
func (ro *RestoreOptions) Destructive() bool {
	return ro.DropExisting || ro.FlushExisting
}

// DumpOptions is passed to the artifact store adapter for one dump invocation
type DumpOptions struct {
	Type BackupType
	// Since is set for incremental dumps to bound the captured changes.
	// Zero for full dumps.
	Since time.Time
}

// RestoreTargetOptions is passed to the artifact store adapter for one
// restore invocation
type RestoreTargetOptions struct {
	// TargetDatabase overrides the configured database name; used by the
	// self-test to restore into an isolated scratch database.
	TargetDatabase string
}
