package backup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"authvault/internal/config"
)

// verifierWithMockDB wires the store verifier to a sqlmock-backed gorm
// connection. Redis points at a closed port so its report is predictable.
func verifierWithMockDB(t *testing.T) (*StoreVerifier, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		Postgres: config.PostgresConfig{Host: "mocked", Database: "authdb"},
		Redis:    config.RedisConfig{Addr: "127.0.0.1:1"},
	}

	verifier := NewStoreVerifier(cfg, nil)
	verifier.openDB = func(dsn string) (*gorm.DB, error) {
		return gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{
			DisableAutomaticPing: true,
			Logger:               gormlogger.Default.LogMode(gormlogger.Silent),
		})
	}

	return verifier, mock
}

func TestPostgresTableCount(t *testing.T) {
	verifier, mock := verifierWithMockDB(t)

	mock.ExpectPing()
	mock.ExpectQuery("SELECT count").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(9))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tables, err := verifier.PostgresTableCount(ctx, "host=mocked dbname=authdb_selftest ")
	require.NoError(t, err)
	assert.Equal(t, int64(9), tables)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyStoresPostgresReport(t *testing.T) {
	verifier, mock := verifierWithMockDB(t)

	mock.ExpectPing()
	mock.ExpectQuery("SELECT count").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(17))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reports, err := verifier.VerifyStores(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 2)

	pg := reports[0]
	assert.Equal(t, StoreKindPostgres, pg.Store)
	assert.True(t, pg.Reachable)
	assert.Equal(t, int64(17), pg.Tables)
	assert.Empty(t, pg.Detail)

	// redis is pointed at a closed port
	rd := reports[1]
	assert.Equal(t, StoreKindRedis, rd.Store)
	assert.False(t, rd.Reachable)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyStoresEmptyDatabaseIsReachable(t *testing.T) {
	verifier, mock := verifierWithMockDB(t)

	mock.ExpectPing()
	mock.ExpectQuery("SELECT count").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	reports, err := verifier.VerifyStores(context.Background())
	require.NoError(t, err)

	pg := reports[0]
	assert.True(t, pg.Reachable)
	assert.Zero(t, pg.Tables)
	assert.Contains(t, pg.Detail, "has no tables")
}

func TestVerifyStoresPostgresPingFailure(t *testing.T) {
	verifier, mock := verifierWithMockDB(t)

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	reports, err := verifier.VerifyStores(context.Background())
	require.NoError(t, err)

	pg := reports[0]
	assert.False(t, pg.Reachable)
	assert.Contains(t, pg.Detail, "ping failed")
}

func TestVerifyStoresConnectionFailure(t *testing.T) {
	verifier, _ := verifierWithMockDB(t)
	verifier.openDB = func(dsn string) (*gorm.DB, error) {
		return nil, errors.New("no route to host")
	}

	reports, err := verifier.VerifyStores(context.Background())
	require.NoError(t, err)
	assert.False(t, reports[0].Reachable)
	assert.Contains(t, reports[0].Detail, "connection failed")
}

func TestHealthy(t *testing.T) {
	assert.True(t, Healthy([]StoreReport{
		{Store: StoreKindPostgres, Reachable: true},
		{Store: StoreKindRedis, Reachable: true},
	}))
	assert.False(t, Healthy([]StoreReport{
		{Store: StoreKindPostgres, Reachable: true},
		{Store: StoreKindRedis, Reachable: false},
	}))
	assert.True(t, Healthy(nil))
}
