package backup

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authvault/internal/config"
	"authvault/internal/logging"
)

// fakeAdapter stands in for the external dump and restore tooling
type fakeAdapter struct {
	store     StoreKind
	dumpData  []byte
	dumpErr   error
	restored  [][]byte
	resets    int
	lastOpts  DumpOptions
	targetDBs []string
}

func (fa *fakeAdapter) Store() StoreKind { return fa.store }

func (fa *fakeAdapter) Dump(ctx context.Context, opts DumpOptions) ([]byte, error) {
	fa.lastOpts = opts
	if fa.dumpErr != nil {
		return nil, fa.dumpErr
	}
	return fa.dumpData, nil
}

func (fa *fakeAdapter) Restore(ctx context.Context, data []byte, opts RestoreTargetOptions) error {
	fa.restored = append(fa.restored, data)
	fa.targetDBs = append(fa.targetDBs, opts.TargetDatabase)
	return nil
}

func (fa *fakeAdapter) Reset(ctx context.Context, opts RestoreTargetOptions) error {
	fa.resets++
	return nil
}

func newTestManager(t *testing.T) (Manager, *fakeAdapter, *fakeAdapter) {
	t.Helper()

	cfg := &config.Config{
		Postgres: config.PostgresConfig{Host: "localhost", Port: 5432, Database: "authdb"},
		Redis:    config.RedisConfig{Addr: "localhost:6379"},
		Storage: config.StorageConfig{
			Local: config.LocalStorageConfig{BasePath: t.TempDir()},
		},
		Retention:   config.RetentionConfig{Days: 7, MaxBackups: 3},
		Compression: config.CompressionConfig{Enabled: true, Algorithm: "gzip", Level: 6},
	}

	local, err := NewLocalStorage(cfg.Storage.Local)
	require.NoError(t, err)

	pgAdapter := &fakeAdapter{store: StoreKindPostgres, dumpData: []byte("-- postgres dump\nCREATE TABLE users (id int);")}
	redisAdapter := &fakeAdapter{store: StoreKindRedis, dumpData: []byte("REDIS0011-rdb-payload")}

	adapters := map[StoreKind]ArtifactStoreAdapter{
		StoreKindPostgres: pgAdapter,
		StoreKindRedis:    redisAdapter,
	}

	mgr := NewManagerWithDependencies(cfg, adapters, local, nil, logging.NewDefaultLogger())
	return mgr, pgAdapter, redisAdapter
}

func TestFullBackupProducesArtifactPerStore(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	results, err := mgr.PerformFullBackup(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)

	stores := map[StoreKind]bool{}
	for _, result := range results {
		stores[result.Store] = true
		assert.Equal(t, BackupTypeFull, result.Type)
		assert.True(t, result.Compressed)
		assert.NotEmpty(t, result.Checksum)
		assert.Positive(t, result.Size)
		assert.Equal(t, results[0].SetID, result.SetID, "artifacts share one set id")
	}
	assert.True(t, stores[StoreKindPostgres])
	assert.True(t, stores[StoreKindRedis])

	sets, err := mgr.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Len(t, sets[0].Artifacts, 2)
}

func TestIncrementalFallsBackToFullWithoutBaseline(t *testing.T) {
	mgr, pgAdapter, _ := newTestManager(t)

	results, err := mgr.PerformIncrementalBackup(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, BackupTypeFull, results[0].Type)
	assert.Equal(t, BackupTypeFull, pgAdapter.lastOpts.Type)
	assert.True(t, pgAdapter.lastOpts.Since.IsZero())
}

func TestIncrementalUsesLatestSetAsBaseline(t *testing.T) {
	mgr, pgAdapter, _ := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.PerformFullBackup(ctx)
	require.NoError(t, err)

	results, err := mgr.PerformIncrementalBackup(ctx)
	require.NoError(t, err)

	assert.Equal(t, BackupTypeIncremental, results[0].Type)
	assert.Equal(t, BackupTypeIncremental, pgAdapter.lastOpts.Type)
	assert.False(t, pgAdapter.lastOpts.Since.IsZero())
}

func TestBackupFailsWhenStoreDumpFails(t *testing.T) {
	mgr, pgAdapter, _ := newTestManager(t)
	pgAdapter.dumpErr = NewArtifactError("pg_dump exploded", nil)

	_, err := mgr.PerformFullBackup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres")

	// A failed run must not leave a listed set behind
	sets, listErr := mgr.ListBackups(context.Background())
	require.NoError(t, listErr)
	assert.Empty(t, sets)
}

func TestRestoreRoundTrip(t *testing.T) {
	mgr, pgAdapter, redisAdapter := newTestManager(t)
	ctx := context.Background()

	results, err := mgr.PerformFullBackup(ctx)
	require.NoError(t, err)
	setID := results[0].SetID

	err = mgr.RestoreFromBackup(ctx, setID, RestoreOptions{})
	require.NoError(t, err)

	require.Len(t, pgAdapter.restored, 1)
	assert.Equal(t, pgAdapter.dumpData, pgAdapter.restored[0], "restore hands back the original dump bytes")
	require.Len(t, redisAdapter.restored, 1)
	assert.Equal(t, redisAdapter.dumpData, redisAdapter.restored[0])
	assert.Zero(t, pgAdapter.resets)
}

func TestRestoreDestructiveResetsFirst(t *testing.T) {
	mgr, pgAdapter, redisAdapter := newTestManager(t)
	ctx := context.Background()

	results, err := mgr.PerformFullBackup(ctx)
	require.NoError(t, err)

	err = mgr.RestoreFromBackup(ctx, results[0].SetID, RestoreOptions{
		DropExisting:  true,
		FlushExisting: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, pgAdapter.resets)
	assert.Equal(t, 1, redisAdapter.resets)
}

func TestRestoreSingleStore(t *testing.T) {
	mgr, pgAdapter, redisAdapter := newTestManager(t)
	ctx := context.Background()

	results, err := mgr.PerformFullBackup(ctx)
	require.NoError(t, err)

	err = mgr.RestoreFromBackup(ctx, results[0].SetID, RestoreOptions{Postgres: true})
	require.NoError(t, err)

	assert.Len(t, pgAdapter.restored, 1)
	assert.Empty(t, redisAdapter.restored)
}

// fakeServiceController records stop/start ordering around a restore
type fakeServiceController struct {
	events  []string
	stopErr error
}

func (f *fakeServiceController) StopServices(ctx context.Context) error {
	f.events = append(f.events, "stop")
	return f.stopErr
}

func (f *fakeServiceController) StartServices(ctx context.Context) error {
	f.events = append(f.events, "start")
	return nil
}

func TestRestoreStopServicesBracketsTheRestore(t *testing.T) {
	mgr, pgAdapter, _ := newTestManager(t)
	services := &fakeServiceController{}
	mgr.(*manager).services = services
	ctx := context.Background()

	results, err := mgr.PerformFullBackup(ctx)
	require.NoError(t, err)

	err = mgr.RestoreFromBackup(ctx, results[0].SetID, RestoreOptions{StopServices: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"stop", "start"}, services.events)
	assert.Len(t, pgAdapter.restored, 1)
}

func TestRestoreAbortsWhenServicesCannotStop(t *testing.T) {
	mgr, pgAdapter, redisAdapter := newTestManager(t)
	services := &fakeServiceController{stopErr: fmt.Errorf("supervisor unreachable")}
	mgr.(*manager).services = services
	ctx := context.Background()

	results, err := mgr.PerformFullBackup(ctx)
	require.NoError(t, err)

	err = mgr.RestoreFromBackup(ctx, results[0].SetID, RestoreOptions{StopServices: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to stop application services")
	assert.Empty(t, pgAdapter.restored)
	assert.Empty(t, redisAdapter.restored)
}

func TestRestoreStopServicesWithoutControllerStillRestores(t *testing.T) {
	mgr, pgAdapter, _ := newTestManager(t)
	ctx := context.Background()

	results, err := mgr.PerformFullBackup(ctx)
	require.NoError(t, err)

	// pausing is delegated to the platform; the restore itself proceeds
	err = mgr.RestoreFromBackup(ctx, results[0].SetID, RestoreOptions{StopServices: true})
	require.NoError(t, err)
	assert.Len(t, pgAdapter.restored, 1)
}

func TestRestoreUnknownBackup(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	err := mgr.RestoreFromBackup(context.Background(), "backup-nonexistent", RestoreOptions{})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestVerifyBackupDetectsCorruption(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	results, err := mgr.PerformFullBackup(ctx)
	require.NoError(t, err)
	setID := results[0].SetID

	require.NoError(t, mgr.VerifyBackup(ctx, setID))

	// Corrupt one artifact on disk
	impl := mgr.(*manager)
	first := results[0]
	filename := artifactFilename(first.Store, first.Compression, first.Encrypted)
	_, err = impl.local.StoreArtifact(ctx, setID, filename, []byte("corrupted bytes"))
	require.NoError(t, err)

	err = mgr.VerifyBackup(ctx, setID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verification")
}

// fakeTableCounter answers parity queries by database name
type fakeTableCounter struct {
	counts map[string]int64 // database -> table count
	errs   map[string]error
	calls  []string
}

func (f *fakeTableCounter) PostgresTableCount(ctx context.Context, dsn string) (int64, error) {
	f.calls = append(f.calls, dsn)
	for database, err := range f.errs {
		if strings.Contains(dsn, "dbname="+database+" ") {
			return 0, err
		}
	}
	for database, count := range f.counts {
		if strings.Contains(dsn, "dbname="+database+" ") {
			return count, nil
		}
	}
	return 0, fmt.Errorf("no fixture for dsn %q", dsn)
}

func TestSelfTestTakesFreshScratchBackup(t *testing.T) {
	mgr, pgAdapter, _ := newTestManager(t)
	mgr.(*manager).tables = &fakeTableCounter{counts: map[string]int64{
		"authdb":          12,
		"authdb_selftest": 12,
	}}
	ctx := context.Background()

	report, err := mgr.TestBackupRestore(ctx)
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Equal(t, "ok", report.Stores[StoreKindPostgres])
	assert.Equal(t, "ok", report.Stores[StoreKindRedis])

	// a fresh full dump, restored only into the sidecar database
	assert.Equal(t, BackupTypeFull, pgAdapter.lastOpts.Type)
	require.Len(t, pgAdapter.targetDBs, 1)
	assert.Equal(t, "authdb_selftest", pgAdapter.targetDBs[0], "self-test must not touch the production database")

	// the scratch run leaves no stored set behind
	sets, err := mgr.ListBackups(ctx)
	require.NoError(t, err)
	assert.Empty(t, sets)

	names := make([]string, 0, len(report.Checks))
	for _, check := range report.Checks {
		names = append(names, check.Name)
	}
	assert.Contains(t, names, "postgres table parity")
}

func TestSelfTestFailsOnTableParityMismatch(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	mgr.(*manager).tables = &fakeTableCounter{counts: map[string]int64{
		"authdb":          12,
		"authdb_selftest": 7,
	}}

	report, err := mgr.TestBackupRestore(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Passed)
	assert.Equal(t, "failed", report.Stores[StoreKindPostgres])

	var parity *SelfTestCheck
	for i := range report.Checks {
		if report.Checks[i].Name == "postgres table parity" {
			parity = &report.Checks[i]
		}
	}
	require.NotNil(t, parity)
	assert.False(t, parity.Passed)
	assert.Contains(t, parity.Detail, "scratch database has 7 tables, production has 12")
}

func TestSelfTestFailsOnEmptyRedisDump(t *testing.T) {
	mgr, _, redisAdapter := newTestManager(t)
	redisAdapter.dumpData = nil

	report, err := mgr.TestBackupRestore(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Passed)
	assert.Equal(t, "failed", report.Stores[StoreKindRedis])
}

func TestCompletionListenersRunInRegistrationOrder(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	var order []string
	mgr.RegisterCompletionListener(CompletionListenerFunc(func(set *Set) {
		order = append(order, "first")
	}))
	mgr.RegisterCompletionListener(CompletionListenerFunc(func(set *Set) {
		order = append(order, "second")
	}))

	_, err := mgr.PerformFullBackup(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestCompletionListenerPanicDoesNotAbortRun(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	notified := false
	mgr.RegisterCompletionListener(CompletionListenerFunc(func(set *Set) {
		panic("listener bug")
	}))
	mgr.RegisterCompletionListener(CompletionListenerFunc(func(set *Set) {
		notified = true
	}))

	_, err := mgr.PerformFullBackup(context.Background())
	require.NoError(t, err)
	assert.True(t, notified, "later listeners still run after a panic")
}

func TestListenersNotNotifiedOnFailedRun(t *testing.T) {
	mgr, pgAdapter, _ := newTestManager(t)
	pgAdapter.dumpErr = fmt.Errorf("dump failed")

	notified := false
	mgr.RegisterCompletionListener(CompletionListenerFunc(func(set *Set) {
		notified = true
	}))

	_, err := mgr.PerformFullBackup(context.Background())
	require.Error(t, err)
	assert.False(t, notified)
}

func TestCleanupOldBackupsNeverDeletesNewest(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	var lastSetID string
	for i := 0; i < 5; i++ {
		results, err := mgr.PerformFullBackup(ctx)
		require.NoError(t, err)
		lastSetID = results[0].SetID
	}

	report, err := mgr.CleanupOldBackups(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Deleted, 2, "five sets minus max_backups of three")
	assert.Equal(t, 3, report.Kept)
	assert.NotContains(t, report.Deleted, lastSetID)

	// A second pass deletes nothing
	report, err = mgr.CleanupOldBackups(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Deleted)
}

func TestLatestSetEmptyStore(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	_, err := mgr.LatestSet(context.Background())
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestEncryptedBackupRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	t.Setenv("AUTHVAULT_TEST_KEY", key)

	cfg := &config.Config{
		Postgres: config.PostgresConfig{Host: "localhost", Port: 5432, Database: "authdb"},
		Redis:    config.RedisConfig{Addr: "localhost:6379"},
		Storage: config.StorageConfig{
			Local: config.LocalStorageConfig{BasePath: t.TempDir()},
		},
		Retention:   config.RetentionConfig{Days: 7, MaxBackups: 3},
		Compression: config.CompressionConfig{Enabled: true, Algorithm: "zstd", Level: 3},
		Encryption: config.EncryptionConfig{
			Enabled:   true,
			KeySource: "env",
			KeyEnvVar: "AUTHVAULT_TEST_KEY",
		},
	}

	local, err := NewLocalStorage(cfg.Storage.Local)
	require.NoError(t, err)

	pgAdapter := &fakeAdapter{store: StoreKindPostgres, dumpData: []byte("-- secret dump")}
	redisAdapter := &fakeAdapter{store: StoreKindRedis, dumpData: []byte("rdb")}

	mgr := NewManagerWithDependencies(cfg, map[StoreKind]ArtifactStoreAdapter{
		StoreKindPostgres: pgAdapter,
		StoreKindRedis:    redisAdapter,
	}, local, nil, logging.NewDefaultLogger())

	ctx := context.Background()
	results, err := mgr.PerformFullBackup(ctx)
	require.NoError(t, err)
	assert.True(t, results[0].Encrypted)

	// Raw artifact bytes on disk must not contain the plaintext
	filename := artifactFilename(StoreKindPostgres, CompressionTypeZstd, true)
	var raw []byte
	for _, result := range results {
		if result.Store == StoreKindPostgres {
			raw, err = local.RetrieveArtifact(ctx, result.SetID, filename)
			require.NoError(t, err)
		}
	}
	assert.NotContains(t, string(raw), "secret dump")

	require.NoError(t, mgr.RestoreFromBackup(ctx, results[0].SetID, RestoreOptions{Postgres: true}))
	require.Len(t, pgAdapter.restored, 1)
	assert.Equal(t, pgAdapter.dumpData, pgAdapter.restored[0])
}
