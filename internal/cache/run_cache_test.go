package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func TestRunCache_PutFetch(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer manager.Close()

	ctx := context.Background()
	rc := NewRunCache(manager, time.Hour)

	var got snapshot
	found, err := rc.Fetch(ctx, "missing", &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, rc.Put(ctx, "run-1", snapshot{ID: "run-1", Status: "completed"}))
	assert.True(t, mr.Exists("swarmflow:run:run-1"))

	found, err = rc.Fetch(ctx, "run-1", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, snapshot{ID: "run-1", Status: "completed"}, got)

	mr.FastForward(2 * time.Hour)
	found, err = rc.Fetch(ctx, "run-1", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRunCache_Forget(t *testing.T) {
	_, manager := setupTestRedis(t)
	defer manager.Close()

	ctx := context.Background()
	rc := NewRunCache(manager, 0)
	require.NoError(t, rc.Put(ctx, "run-2", snapshot{ID: "run-2"}))
	require.NoError(t, rc.Forget(ctx, "run-2"))

	var got snapshot
	found, err := rc.Fetch(ctx, "run-2", &got)
	require.NoError(t, err)
	assert.False(t, found)
}
