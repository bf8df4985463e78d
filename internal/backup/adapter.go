package backup

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"authvault/internal/config"
)

// ArtifactStoreAdapter executes the engine-specific dump and restore tooling
// for one protected store. Implementations invoke external processes and are
// injected into the Manager so tests can substitute fakes.
type ArtifactStoreAdapter interface {
	// Store identifies the protected store this adapter serves
	Store() StoreKind

	// Dump produces the raw artifact bytes for one backup invocation
	Dump(ctx context.Context, opts DumpOptions) ([]byte, error)

	// Restore loads artifact bytes back into the store
	Restore(ctx context.Context, data []byte, opts RestoreTargetOptions) error

	// Reset destructively clears the store before a restore. For the
	// relational store this drops and recreates the public schema; for the
	// key-value store it flushes the database.
	Reset(ctx context.Context, opts RestoreTargetOptions) error
}

// PostgresAdapter dumps and restores the relational store by shelling out to
// pg_dump and psql.
type PostgresAdapter struct {
	cfg config.PostgresConfig
}

// NewPostgresAdapter creates an adapter for the configured Postgres instance
func NewPostgresAdapter(cfg config.PostgresConfig) *PostgresAdapter {
	return &PostgresAdapter{cfg: cfg}
}

// Store implements ArtifactStoreAdapter
func (pa *PostgresAdapter) Store() StoreKind {
	return StoreKindPostgres
}

// Dump runs pg_dump and returns the SQL dump bytes. Incremental dumps carry
// data only; schema is assumed stable between full backups.
func (pa *PostgresAdapter) Dump(ctx context.Context, opts DumpOptions) ([]byte, error) {
	args := []string{
		"--host", pa.cfg.Host,
		"--port", strconv.Itoa(pa.cfg.Port),
		"--username", pa.cfg.Username,
		"--dbname", pa.cfg.Database,
		"--no-password",
	}
	if opts.Type == BackupTypeIncremental {
		args = append(args, "--data-only")
	}

	cmd := exec.CommandContext(ctx, "pg_dump", args...)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+pa.cfg.Password)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, NewArtifactError(fmt.Sprintf("pg_dump failed: %s", stderr.String()), err)
	}

	return stdout.Bytes(), nil
}

// Restore pipes the dump through psql into the target database
func (pa *PostgresAdapter) Restore(ctx context.Context, data []byte, opts RestoreTargetOptions) error {
	database := pa.cfg.Database
	if opts.TargetDatabase != "" {
		database = opts.TargetDatabase
	}

	cmd := exec.CommandContext(ctx, "psql",
		"--host", pa.cfg.Host,
		"--port", strconv.Itoa(pa.cfg.Port),
		"--username", pa.cfg.Username,
		"--dbname", database,
		"--no-password",
		"--set", "ON_ERROR_STOP=1",
	)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+pa.cfg.Password)
	cmd.Stdin = bytes.NewReader(data)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return NewRestoreError(fmt.Sprintf("psql restore failed: %s", stderr.String()), err)
	}

	return nil
}

// Reset drops and recreates the public schema so a subsequent restore starts
// from an empty database.
func (pa *PostgresAdapter) Reset(ctx context.Context, opts RestoreTargetOptions) error {
	database := pa.cfg.Database
	if opts.TargetDatabase != "" {
		database = opts.TargetDatabase
	}

	cmd := exec.CommandContext(ctx, "psql",
		"--host", pa.cfg.Host,
		"--port", strconv.Itoa(pa.cfg.Port),
		"--username", pa.cfg.Username,
		"--dbname", database,
		"--no-password",
		"--command", "DROP SCHEMA public CASCADE; CREATE SCHEMA public;",
	)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+pa.cfg.Password)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return NewRestoreError(fmt.Sprintf("schema reset failed: %s", stderr.String()), err)
	}

	return nil
}

// RedisAdapter dumps and restores the key-value store via redis-cli. The RDB
// snapshot mechanism has no incremental mode, so incremental backups capture
// a full snapshot as well.
type RedisAdapter struct {
	cfg config.RedisConfig
}

// NewRedisAdapter creates an adapter for the configured Redis instance
func NewRedisAdapter(cfg config.RedisConfig) *RedisAdapter {
	return &RedisAdapter{cfg: cfg}
}

// Store implements ArtifactStoreAdapter
func (ra *RedisAdapter) Store() StoreKind {
	return StoreKindRedis
}

// Dump streams an RDB snapshot to stdout via redis-cli --rdb
func (ra *RedisAdapter) Dump(ctx context.Context, opts DumpOptions) ([]byte, error) {
	args := ra.baseArgs()
	args = append(args, "--rdb", "-")

	cmd := exec.CommandContext(ctx, "redis-cli", args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, NewArtifactError(fmt.Sprintf("redis-cli rdb dump failed: %s", stderr.String()), err)
	}

	return stdout.Bytes(), nil
}

// Restore replays an RDB snapshot through redis-cli --pipe
func (ra *RedisAdapter) Restore(ctx context.Context, data []byte, opts RestoreTargetOptions) error {
	args := ra.baseArgs()
	args = append(args, "--pipe")

	cmd := exec.CommandContext(ctx, "redis-cli", args...)
	cmd.Stdin = bytes.NewReader(data)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return NewRestoreError(fmt.Sprintf("redis-cli restore failed: %s", stderr.String()), err)
	}

	return nil
}

// Reset flushes the configured database
func (ra *RedisAdapter) Reset(ctx context.Context, opts RestoreTargetOptions) error {
	args := ra.baseArgs()
	args = append(args, "FLUSHDB")

	cmd := exec.CommandContext(ctx, "redis-cli", args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return NewRestoreError(fmt.Sprintf("redis flush failed: %s", stderr.String()), err)
	}

	return nil
}

func (ra *RedisAdapter) baseArgs() []string {
	args := []string{"-u", "redis://" + ra.cfg.Addr, "-n", strconv.Itoa(ra.cfg.DB)}
	if ra.cfg.Password != "" {
		args = append(args, "-a", ra.cfg.Password)
	}
	return args
}
