// ABOUTME: Tests for the store and Redis typing slots
// ABOUTME: Redis tests run only when a test server address is configured

package presence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/support-sync/internal/store"
)

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("SUPPORTSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SUPPORTSYNC_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())
	return rdb
}

func TestRedisSlot_SetWatchClear(t *testing.T) {
	rdb := redisClient(t)
	slot := NewRedisSlot(rdb, time.Second, nil)
	convID := "test-" + uuid.NewString()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := slot.Watch(ctx, convID)

	first := <-changes
	require.NoError(t, first.Err)
	assert.Nil(t, first.State)

	require.NoError(t, slot.Set(ctx, convID, store.TypingState{UserID: agent.ID, UserName: "Agent", IsTyping: true}))
	snap := <-changes
	require.NoError(t, snap.Err)
	require.NotNil(t, snap.State)
	assert.Equal(t, agent.ID, snap.State.UserID)
	assert.False(t, snap.State.UpdatedAt.IsZero())

	ttl, err := rdb.PTTL(ctx, redisKey(convID)).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, 2*time.Second)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, slot.Clear(ctx, convID))
	snap = <-changes
	require.NoError(t, snap.Err)
	assert.Nil(t, snap.State)
}

func TestRedisSlot_WithCoordinator(t *testing.T) {
	rdb := redisClient(t)
	slot := NewRedisSlot(rdb, time.Second, nil)
	convID := "test-" + uuid.NewString()

	me := New(slot, Options{ConversationID: convID, Self: alice, Timeout: time.Second, Debounce: 10 * time.Millisecond})
	defer me.Close()
	them := New(slot, Options{ConversationID: convID, Self: agent, Timeout: time.Second, Debounce: 10 * time.Millisecond})
	defer them.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seen := me.Observe(ctx)
	assert.Nil(t, next(t, seen))

	require.NoError(t, them.Start(ctx))
	v := next(t, seen)
	require.NotNil(t, v)
	assert.Equal(t, agent.ID, v.UserID)
}
