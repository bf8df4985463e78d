package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds the complete backup subsystem configuration. It is resolved
// from environment variables once at process start and validated before any
// command executes.
type Config struct {
	Postgres      PostgresConfig      `mapstructure:"postgres" yaml:"postgres"`
	Redis         RedisConfig         `mapstructure:"redis" yaml:"redis"`
	Storage       StorageConfig       `mapstructure:"storage" yaml:"storage"`
	Schedule      ScheduleConfig      `mapstructure:"schedule" yaml:"schedule"`
	Retention     RetentionConfig     `mapstructure:"retention" yaml:"retention"`
	Compression   CompressionConfig   `mapstructure:"compression" yaml:"compression"`
	Encryption    EncryptionConfig    `mapstructure:"encryption" yaml:"encryption"`
	CrossRegion   CrossRegionConfig   `mapstructure:"cross_region" yaml:"cross_region"`
	Notifications NotificationsConfig `mapstructure:"notifications" yaml:"notifications"`
	Recovery      RecoveryConfig      `mapstructure:"recovery" yaml:"recovery"`
}

// PostgresConfig holds connection settings for the protected relational store
type PostgresConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Database string `mapstructure:"database" yaml:"database"`
	SSLMode  string `mapstructure:"ssl_mode" yaml:"ssl_mode"`
}

// DSN returns the connection string for the gorm postgres driver
func (pc *PostgresConfig) DSN() string {
	return pc.DSNFor(pc.Database)
}

// DSNFor returns a connection string for another database on the same server
func (pc *PostgresConfig) DSNFor(database string) string {
	sslMode := pc.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		pc.Host, pc.Port, pc.Username, pc.Password, database, sslMode)
}

// RedisConfig holds connection settings for the protected key-value store
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// StorageConfig defines where backup artifacts are written. Local storage is
// always required; a remote provider mirrors completed artifacts off-host.
type StorageConfig struct {
	Local  LocalStorageConfig  `mapstructure:"local" yaml:"local"`
	Remote RemoteStorageConfig `mapstructure:"remote" yaml:"remote"`
}

// LocalStorageConfig for local file system artifact storage
type LocalStorageConfig struct {
	BasePath string `mapstructure:"base_path" yaml:"base_path"`
}

// RemoteStorageConfig for an optional remote artifact mirror
type RemoteStorageConfig struct {
	Enabled  bool         `mapstructure:"enabled" yaml:"enabled"`
	Provider string       `mapstructure:"provider" yaml:"provider"` // s3, gcs, azure
	S3       *S3Config    `mapstructure:"s3,omitempty" yaml:"s3,omitempty"`
	GCS      *GCSConfig   `mapstructure:"gcs,omitempty" yaml:"gcs,omitempty"`
	Azure    *AzureConfig `mapstructure:"azure,omitempty" yaml:"azure,omitempty"`
}

// S3Config for Amazon S3 or S3-compatible storage
type S3Config struct {
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Region    string `mapstructure:"region" yaml:"region"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
}

// GCSConfig for Google Cloud Storage
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	CredentialsPath string `mapstructure:"credentials_path" yaml:"credentials_path"`
	ProjectID       string `mapstructure:"project_id" yaml:"project_id"`
}

// AzureConfig for Azure Blob Storage
type AzureConfig struct {
	AccountName   string `mapstructure:"account_name" yaml:"account_name"`
	AccountKey    string `mapstructure:"account_key" yaml:"account_key"`
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
}

// ScheduleConfig defines the backup cadence for scheduled runs
type ScheduleConfig struct {
	Cadence string `mapstructure:"cadence" yaml:"cadence"` // e.g. "6h", "30m", "1d"
	Type    string `mapstructure:"type" yaml:"type"`       // full or incremental
}

// RetentionConfig defines backup retention policy
type RetentionConfig struct {
	Days       int `mapstructure:"days" yaml:"days"`
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
}

// CompressionConfig defines artifact compression settings
type CompressionConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Algorithm string `mapstructure:"algorithm" yaml:"algorithm"` // gzip, lz4, zstd
	Level     int    `mapstructure:"level" yaml:"level"`
}

// EncryptionConfig defines artifact encryption settings
type EncryptionConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Algorithm string `mapstructure:"algorithm" yaml:"algorithm"` // aes-256-gcm
	KeySource string `mapstructure:"key_source" yaml:"key_source"`
	KeyEnvVar string `mapstructure:"key_env_var" yaml:"key_env_var"`
	KeyPath   string `mapstructure:"key_path" yaml:"key_path"`
}

// CrossRegionConfig defines cross-region replication settings
type CrossRegionConfig struct {
	Enabled          bool           `mapstructure:"enabled" yaml:"enabled"`
	Targets          []TargetConfig `mapstructure:"targets" yaml:"targets"`
	ReplicationDelay string         `mapstructure:"replication_delay" yaml:"replication_delay"`
	MaxRetries       int            `mapstructure:"max_retries" yaml:"max_retries"`
}

// TargetConfig defines one replication target region
type TargetConfig struct {
	Region    string `mapstructure:"region" yaml:"region"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
}

// NotificationsConfig defines alert delivery channels
type NotificationsConfig struct {
	WebhookURL      string `mapstructure:"webhook_url" yaml:"webhook_url"`
	SlackWebhookURL string `mapstructure:"slack_webhook_url" yaml:"slack_webhook_url"`
	FilePath        string `mapstructure:"file_path" yaml:"file_path"`
}

// RecoveryConfig defines disaster recovery orchestrator settings
type RecoveryConfig struct {
	PlansDir   string `mapstructure:"plans_dir" yaml:"plans_dir"`
	RetryDelay string `mapstructure:"retry_delay" yaml:"retry_delay"`
}

// Validate validates the resolved configuration. It returns a single error
// describing every problem found so operators can fix them in one pass.
// Nothing is applied on failure.
func (c *Config) Validate() error {
	var errs []string

	if c.Postgres.Host == "" {
		errs = append(errs, "postgres: host is required")
	}
	if c.Postgres.Database == "" {
		errs = append(errs, "postgres: database name is required")
	}
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr is required")
	}

	if c.Storage.Local.BasePath == "" {
		errs = append(errs, "storage: local base path is required")
	}

	if c.Storage.Remote.Enabled {
		if err := c.Storage.Remote.validate(); err != nil {
			errs = append(errs, fmt.Sprintf("storage: %v", err))
		}
	}

	if c.Schedule.Cadence != "" {
		if _, err := ParseCadence(c.Schedule.Cadence); err != nil {
			errs = append(errs, fmt.Sprintf("schedule: %v", err))
		}
	}
	if c.Schedule.Type != "" && c.Schedule.Type != "full" && c.Schedule.Type != "incremental" {
		errs = append(errs, fmt.Sprintf("schedule: invalid type %q (expected full or incremental)", c.Schedule.Type))
	}

	if c.Retention.Days <= 0 {
		errs = append(errs, "retention: days must be positive")
	}
	if c.Retention.MaxBackups <= 0 {
		errs = append(errs, "retention: max_backups must be positive")
	}

	if c.Compression.Enabled {
		switch c.Compression.Algorithm {
		case "", "gzip", "lz4", "zstd":
		default:
			errs = append(errs, fmt.Sprintf("compression: unsupported algorithm %q", c.Compression.Algorithm))
		}
	}

	if c.Encryption.Enabled {
		if err := c.Encryption.validate(); err != nil {
			errs = append(errs, fmt.Sprintf("encryption: %v", err))
		}
	}

	if c.CrossRegion.Enabled {
		if len(c.CrossRegion.Targets) == 0 {
			errs = append(errs, "cross_region: at least one target region is required")
		}
		for i, target := range c.CrossRegion.Targets {
			if target.Region == "" {
				errs = append(errs, fmt.Sprintf("cross_region: target %d is missing a region", i))
			}
			if target.AccessKey == "" || target.SecretKey == "" {
				errs = append(errs, fmt.Sprintf("cross_region: target %q is missing credentials", target.Region))
			}
			if target.Bucket == "" {
				errs = append(errs, fmt.Sprintf("cross_region: target %q is missing a bucket", target.Region))
			}
		}
		if c.CrossRegion.ReplicationDelay != "" {
			if _, err := ParseCadence(c.CrossRegion.ReplicationDelay); err != nil {
				errs = append(errs, fmt.Sprintf("cross_region: %v", err))
			}
		}
		if c.CrossRegion.MaxRetries < 0 {
			errs = append(errs, "cross_region: max_retries cannot be negative")
		}
	}

	if c.Recovery.RetryDelay != "" {
		if _, err := ParseCadence(c.Recovery.RetryDelay); err != nil {
			errs = append(errs, fmt.Sprintf("recovery: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func (rc *RemoteStorageConfig) validate() error {
	switch rc.Provider {
	case "s3":
		if rc.S3 == nil || rc.S3.Bucket == "" || rc.S3.AccessKey == "" || rc.S3.SecretKey == "" {
			return fmt.Errorf("s3 remote storage requires bucket and credentials")
		}
	case "gcs":
		if rc.GCS == nil || rc.GCS.Bucket == "" || rc.GCS.CredentialsPath == "" {
			return fmt.Errorf("gcs remote storage requires bucket and credentials path")
		}
	case "azure":
		if rc.Azure == nil || rc.Azure.AccountName == "" || rc.Azure.AccountKey == "" || rc.Azure.ContainerName == "" {
			return fmt.Errorf("azure remote storage requires account name, key and container")
		}
	default:
		return fmt.Errorf("unsupported remote storage provider %q", rc.Provider)
	}
	return nil
}

func (ec *EncryptionConfig) validate() error {
	switch ec.Algorithm {
	case "", "aes-256-gcm":
	default:
		return fmt.Errorf("unsupported algorithm %q", ec.Algorithm)
	}

	switch ec.KeySource {
	case "env":
		if ec.KeyEnvVar == "" {
			return fmt.Errorf("key_env_var is required when key_source is env")
		}
		if os.Getenv(ec.KeyEnvVar) == "" {
			return fmt.Errorf("environment variable %s is not set", ec.KeyEnvVar)
		}
	case "file":
		if ec.KeyPath == "" {
			return fmt.Errorf("key_path is required when key_source is file")
		}
		if _, err := os.Stat(ec.KeyPath); err != nil {
			return fmt.Errorf("key file %s is not readable: %w", ec.KeyPath, err)
		}
	case "":
		return fmt.Errorf("key_source is required when encryption is enabled")
	default:
		return fmt.Errorf("unsupported key_source %q", ec.KeySource)
	}
	return nil
}

// ReplicationInterval returns the parsed health-monitoring interval with a
// one-minute floor so a misconfigured short delay cannot busy-probe targets.
func (c *Config) ReplicationInterval() time.Duration {
	interval, err := ParseCadence(c.CrossRegion.ReplicationDelay)
	if err != nil || interval < time.Minute {
		return time.Minute
	}
	return interval
}

// RecoveryRetryDelay returns the parsed fixed delay between recovery step
// retry attempts.
func (c *Config) RecoveryRetryDelay() time.Duration {
	delay, err := ParseCadence(c.Recovery.RetryDelay)
	if err != nil || delay <= 0 {
		return 5 * time.Second
	}
	return delay
}

// ParseCadence parses a cadence string such as "6h", "30m" or "1d". The "d"
// suffix is handled here because time.ParseDuration does not accept days.
func ParseCadence(cadence string) (time.Duration, error) {
	cadence = strings.TrimSpace(cadence)
	if cadence == "" {
		return 0, fmt.Errorf("cadence cannot be empty")
	}

	if strings.HasSuffix(cadence, "d") {
		var days int
		if _, err := fmt.Sscanf(cadence, "%dd", &days); err != nil || days <= 0 {
			return 0, fmt.Errorf("invalid cadence format %q", cadence)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}

	duration, err := time.ParseDuration(cadence)
	if err != nil {
		return 0, fmt.Errorf("invalid cadence format %q", cadence)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("cadence must be positive, got %q", cadence)
	}

	return duration, nil
}
