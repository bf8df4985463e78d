package backup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authvault/internal/config"
)

func newTestLocalStorage(t *testing.T) *LocalStorage {
	t.Helper()
	storage, err := NewLocalStorage(config.LocalStorageConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	return storage
}

func TestLocalStorageArtifactRoundTrip(t *testing.T) {
	storage := newTestLocalStorage(t)
	ctx := context.Background()

	data := []byte("artifact payload")
	path, err := storage.StoreArtifact(ctx, "backup-20260830-abcd1234", "postgres.sql", data)
	require.NoError(t, err)
	assert.NotEmpty(t, path)

	loaded, err := storage.RetrieveArtifact(ctx, "backup-20260830-abcd1234", "postgres.sql")
	require.NoError(t, err)
	assert.Equal(t, data, loaded)
}

func TestLocalStorageArtifactNotFound(t *testing.T) {
	storage := newTestLocalStorage(t)

	_, err := storage.RetrieveArtifact(context.Background(), "backup-missing", "postgres.sql")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestLocalStorageSetMetadataRoundTrip(t *testing.T) {
	storage := newTestLocalStorage(t)
	ctx := context.Background()

	set := &Set{
		ID:        "backup-20260830-abcd1234",
		Type:      BackupTypeFull,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Artifacts: []Result{
			{
				ID:        "backup-20260830-abcd1234-postgres",
				SetID:     "backup-20260830-abcd1234",
				Store:     StoreKindPostgres,
				Type:      BackupTypeFull,
				Path:      "/tmp/postgres.sql",
				Size:      1024,
				Checksum:  "abc",
				CreatedAt: time.Now().UTC().Truncate(time.Second),
			},
		},
	}

	require.NoError(t, storage.StoreSetMetadata(ctx, set))

	loaded, err := storage.RetrieveSetMetadata(ctx, set.ID)
	require.NoError(t, err)
	assert.Equal(t, set.ID, loaded.ID)
	assert.Equal(t, set.Type, loaded.Type)
	require.Len(t, loaded.Artifacts, 1)
	assert.Equal(t, StoreKindPostgres, loaded.Artifacts[0].Store)
}

func TestLocalStorageListSetsNewestFirst(t *testing.T) {
	storage := newTestLocalStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, id := range []string{"backup-older", "backup-newest", "backup-middle"} {
		offsets := []time.Duration{-3 * time.Hour, -1 * time.Hour, -2 * time.Hour}
		set := &Set{ID: id, Type: BackupTypeFull, CreatedAt: now.Add(offsets[i])}
		require.NoError(t, storage.StoreSetMetadata(ctx, set))
	}

	sets, err := storage.ListSets(ctx)
	require.NoError(t, err)
	require.Len(t, sets, 3)
	assert.Equal(t, "backup-newest", sets[0].ID)
	assert.Equal(t, "backup-middle", sets[1].ID)
	assert.Equal(t, "backup-older", sets[2].ID)
}

func TestLocalStorageDeleteSet(t *testing.T) {
	storage := newTestLocalStorage(t)
	ctx := context.Background()

	set := &Set{ID: "backup-doomed", Type: BackupTypeFull, CreatedAt: time.Now().UTC()}
	require.NoError(t, storage.StoreSetMetadata(ctx, set))
	_, err := storage.StoreArtifact(ctx, set.ID, "postgres.sql", []byte("data"))
	require.NoError(t, err)

	require.NoError(t, storage.DeleteSet(ctx, set.ID))

	_, err = storage.RetrieveSetMetadata(ctx, set.ID)
	assert.True(t, IsNotFound(err))

	err = storage.DeleteSet(ctx, set.ID)
	assert.True(t, IsNotFound(err))
}

func TestLocalStorageHealthCheck(t *testing.T) {
	storage := newTestLocalStorage(t)
	assert.NoError(t, storage.HealthCheck(context.Background()))
}

func TestSanitizeSetID(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"backup-20260830-abcd1234", "backup-20260830-abcd1234"},
		{"../escape", "__escape"},
		{"a/b\\c", "a_b_c"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, sanitizeSetID(tt.input))
	}
}
