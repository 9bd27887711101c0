package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/swarmflow/workflow/history"
)

// =============================================================================
// 🧪 PoolManager 测试
// =============================================================================

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *gorm.DB) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)

	return mockDB, mock, gormDB
}

func testPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}
}

func TestNewPoolManager(t *testing.T) {
	mockDB, _, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop())
	require.NoError(t, err)

	assert.Same(t, gormDB, manager.DB())
	assert.Equal(t, "postgres", manager.Driver())
	assert.Equal(t, 10, manager.Stats().MaxOpenConnections)
}

func TestNewPoolManager_NilDB(t *testing.T) {
	_, err := NewPoolManager(nil, testPoolConfig(), nil)
	assert.Error(t, err)
}

func TestPoolManager_Ping(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop())
	require.NoError(t, err)

	mock.ExpectPing()
	assert.NoError(t, manager.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	assert.Error(t, manager.Ping(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_Close(t *testing.T) {
	_, mock, gormDB := setupTestDB(t)

	manager, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop())
	require.NoError(t, err)

	mock.ExpectClose()
	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	assert.ErrorIs(t, manager.Ping(context.Background()), ErrPoolClosed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_MonitorReportsStats(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	reports := make(chan string, 8)
	cfg := testPoolConfig()
	cfg.HealthCheckInterval = 10 * time.Millisecond
	cfg.OnStats = func(driver string, stats sql.DBStats) {
		select {
		case reports <- driver:
		default:
		}
	}
	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	for i := 0; i < 3; i++ {
		mock.ExpectPing()
	}

	manager, err := NewPoolManager(gormDB, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return mock.ExpectationsWereMet() == nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "postgres", <-reports, "a failed ping is not reported")

	mock.ExpectClose()
	require.NoError(t, manager.Close())
}

func TestPoolConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  PoolConfig
		wantErr bool
	}{
		{name: "valid config", config: testPoolConfig()},
		{name: "default config", config: DefaultPoolConfig()},
		{name: "invalid max open conns", config: PoolConfig{MaxOpenConns: 0, MaxIdleConns: 5}, wantErr: true},
		{name: "invalid max idle conns", config: PoolConfig{MaxOpenConns: 10, MaxIdleConns: 0}, wantErr: true},
		{name: "idle > open", config: PoolConfig{MaxOpenConns: 5, MaxIdleConns: 10}, wantErr: true},
		{name: "negative interval", config: PoolConfig{MaxOpenConns: 5, MaxIdleConns: 5, HealthCheckInterval: -time.Second}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDialector_Unsupported(t *testing.T) {
	_, err := Dialector("oracle", "dsn")
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestOpen_RejectsInvalidPool(t *testing.T) {
	_, err := Open("postgres", "host=unused", PoolConfig{MaxOpenConns: 1, MaxIdleConns: 4}, nil)
	assert.ErrorContains(t, err, "max_idle_conns must not exceed max_open_conns")
}

func TestOpen_SQLiteBacksHistoryStore(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "history.db")
	pool, err := Open("sqlite", dsn, DefaultPoolConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer pool.Close()

	assert.Equal(t, 1, pool.Stats().MaxOpenConnections)
	assert.Equal(t, "sqlite", pool.Driver())
	require.NoError(t, pool.Ping(context.Background()))

	store := history.NewGormStore(pool.DB(), zap.NewNop())
	ctx := context.Background()
	require.NoError(t, store.AutoMigrate(ctx))
	require.NoError(t, store.Append(ctx, history.ExecutionRecord{
		ID:        "rec-1",
		Kind:      history.KindRun,
		Timestamp: time.Now(),
		Status:    history.StatusSuccess,
		Metadata:  map[string]string{history.MetaRunID: "run-1"},
	}))

	recs, err := store.ByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "rec-1", recs[0].ID)
}
