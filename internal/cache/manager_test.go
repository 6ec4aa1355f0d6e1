package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Manager 测试
// =============================================================================

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)

	config := Config{
		Addr:       mr.Addr(),
		DefaultTTL: time.Minute,
	}
	manager, err := NewManager(config, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	return mr, manager
}

func TestNewManager_ConnectFailure(t *testing.T) {
	_, err := NewManager(Config{Addr: "127.0.0.1:1"}, nil)
	assert.Error(t, err)
}

func TestManager_SetAndGet(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "test-key", "test-value", time.Minute))

	value, err := manager.Get(ctx, "test-key")
	require.NoError(t, err)
	assert.Equal(t, "test-value", value)
}

func TestManager_GetMiss(t *testing.T) {
	_, manager := setupTestRedis(t)

	value, err := manager.Get(context.Background(), "non-existent")
	assert.True(t, IsCacheMiss(err))
	assert.Empty(t, value)
}

func TestManager_DefaultTTL(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "k", "v", 0))
	assert.Equal(t, time.Minute, mr.TTL("k"))

	mr.FastForward(2 * time.Minute)
	_, err := manager.Get(ctx, "k")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_Delete(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "test-key", "test-value", time.Minute))
	require.NoError(t, manager.Delete(ctx, "test-key"))
	require.NoError(t, manager.Delete(ctx))

	_, err := manager.Get(ctx, "test-key")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_JSONRoundTrip(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	type summary struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}

	require.NoError(t, manager.SetJSON(ctx, "s1", summary{ID: "s1", State: "stopped"}, time.Minute))

	var got summary
	require.NoError(t, manager.GetJSON(ctx, "s1", &got))
	assert.Equal(t, summary{ID: "s1", State: "stopped"}, got)

	require.NoError(t, manager.Set(ctx, "bad", "{not json", time.Minute))
	assert.Error(t, manager.GetJSON(ctx, "bad", &got))
}

func TestManager_PushRecent(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "a"} {
		require.NoError(t, manager.PushRecent(ctx, "recent", id, 3))
	}
	vals, err := manager.Recent(ctx, "recent", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "b"}, vals, "re-pushed values move to the front without duplicates")

	require.NoError(t, manager.PushRecent(ctx, "recent", "d", 3))
	vals, err = manager.Recent(ctx, "recent", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "a", "c"}, vals)
}

func TestManager_Ping(t *testing.T) {
	mr, manager := setupTestRedis(t)
	assert.NoError(t, manager.Ping(context.Background()))

	mr.Close()
	assert.Error(t, manager.Ping(context.Background()))
}

func TestManager_ClosedOperations(t *testing.T) {
	_, manager := setupTestRedis(t)
	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	ctx := context.Background()
	assert.ErrorIs(t, manager.Set(ctx, "k", "v", 0), ErrClosed)
	_, err := manager.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, manager.Ping(ctx), ErrClosed)
	assert.ErrorIs(t, manager.PushRecent(ctx, "r", "v", 1), ErrClosed)
}

func TestManager_HealthCheckLoopStops(t *testing.T) {
	mr := miniredis.RunT(t)
	manager, err := NewManager(Config{Addr: mr.Addr(), HealthCheckInterval: 5 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		_ = manager.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not stop the health check loop")
	}
}
