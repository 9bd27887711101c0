package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store := NewGormStore(db, zap.NewNop())
	require.NoError(t, store.AutoMigrate(context.Background()))
	return store
}

func TestGormStore_AppendAndRecent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, ExecutionRecord{
			ID:         fmt.Sprintf("r%d", i),
			Kind:       KindStep,
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			DurationMs: int64(i * 100),
			Status:     StatusSuccess,
			Metadata:   map[string]string{MetaStep: "node", MetaRunID: "run-1"},
		}))
	}

	recent, err := store.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "r2", recent[0].ID)
	assert.Equal(t, "r4", recent[2].ID)
	assert.Equal(t, "node", recent[2].Step())
	assert.Equal(t, KindStep, recent[2].Kind)

	byRun, err := store.ByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, byRun, 5)

	n, err := store.DeleteBefore(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestGormStore_LoadIntoHistory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	writer := New(DefaultConfig(), nil, WithStore(store))
	require.NoError(t, writer.RecordRun(ctx, ExecutionRecord{DurationMs: 1200, Status: StatusFailure, ErrorType: "PROVIDER_ERROR"}))
	require.NoError(t, writer.RecordRun(ctx, ExecutionRecord{DurationMs: 800, Status: StatusSuccess}))

	reader := New(DefaultConfig(), nil, WithStore(store))
	require.NoError(t, reader.Load(ctx))
	assert.Equal(t, 2, reader.Len())
	assert.InDelta(t, 0.5, reader.AnalyzeTrends().FailureRate, 1e-9)
	require.Len(t, reader.AnalyzeErrorPatterns(), 1)
}
