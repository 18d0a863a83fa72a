// ABOUTME: Tests for the typing coordinator
// ABOUTME: Covers immediate writes, throttled refresh, auto-clear, and observation

package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/support-sync/internal/store"
)

var (
	alice = store.Identity{ID: "user-1", Email: "alice@example.com", DisplayName: "Alice"}
	agent = store.Identity{ID: "admin-1", Email: "agent@example.com", DisplayName: "Agent"}
)

// countingSlot records writes on top of a StoreSlot.
type countingSlot struct {
	*StoreSlot
	mu     sync.Mutex
	sets   int
	clears int
}

func (s *countingSlot) Set(ctx context.Context, convID string, st store.TypingState) error {
	s.mu.Lock()
	s.sets++
	s.mu.Unlock()
	return s.StoreSlot.Set(ctx, convID, st)
}

func (s *countingSlot) Clear(ctx context.Context, convID string) error {
	s.mu.Lock()
	s.clears++
	s.mu.Unlock()
	return s.StoreSlot.Clear(ctx, convID)
}

func (s *countingSlot) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets, s.clears
}

func newSlot(t *testing.T) (*store.MemoryStore, *countingSlot) {
	t.Helper()
	ms := store.NewMemoryStore()
	t.Cleanup(func() { ms.Close() })
	return ms, &countingSlot{StoreSlot: NewStoreSlot(ms)}
}

func newCoordinator(t *testing.T, slot Slot, self store.Identity, timeout, debounce time.Duration) *Coordinator {
	t.Helper()
	c := New(slot, Options{ConversationID: "conv-1", Self: self, Timeout: timeout, Debounce: debounce})
	t.Cleanup(c.Close)
	return c
}

func TestCoordinator_StartWritesImmediately(t *testing.T) {
	ms, slot := newSlot(t)
	c := newCoordinator(t, slot, alice, time.Second, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Start(ctx))

	sets, _ := slot.counts()
	assert.Equal(t, 1, sets)
	assert.True(t, c.Typing())

	snap := <-ms.WatchTyping(ctx, "conv-1")
	require.NotNil(t, snap.State)
	assert.Equal(t, alice.ID, snap.State.UserID)
	assert.Equal(t, "Alice", snap.State.UserName)
	assert.True(t, snap.State.IsTyping)
	assert.False(t, snap.State.UpdatedAt.IsZero())
}

func TestCoordinator_RefreshWhileTyping(t *testing.T) {
	_, slot := newSlot(t)
	c := newCoordinator(t, slot, alice, 40*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.NoError(t, c.Start(ctx))
		time.Sleep(5 * time.Millisecond)
	}

	sets, clears := slot.counts()
	assert.GreaterOrEqual(t, sets, 3)
	assert.Less(t, sets, 20)
	assert.Zero(t, clears)
}

func TestCoordinator_AutoClear(t *testing.T) {
	_, slot := newSlot(t)
	c := newCoordinator(t, slot, alice, 20*time.Millisecond, time.Second)

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return !c.Typing() }, time.Second, time.Millisecond)
	_, clears := slot.counts()
	assert.Equal(t, 1, clears)
}

func TestCoordinator_StopIsDebounced(t *testing.T) {
	_, slot := newSlot(t)
	c := newCoordinator(t, slot, alice, time.Second, 30*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	for range 5 {
		c.Stop()
		require.NoError(t, c.Start(ctx))
	}
	time.Sleep(60 * time.Millisecond)
	_, clears := slot.counts()
	assert.Zero(t, clears)

	c.Stop()
	require.Eventually(t, func() bool {
		_, clears := slot.counts()
		return clears == 1
	}, time.Second, time.Millisecond)
	assert.False(t, c.Typing())
}

func TestCoordinator_CloseClears(t *testing.T) {
	ms, slot := newSlot(t)
	c := New(slot, Options{ConversationID: "conv-1", Self: alice, Timeout: time.Second})
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	c.Close()
	c.Close()

	snap := <-ms.WatchTyping(ctx, "conv-1")
	assert.Nil(t, snap.State)
	_, clears := slot.counts()
	assert.Equal(t, 1, clears)

	// Calls after Close write nothing.
	require.NoError(t, c.Start(ctx))
	sets, _ := slot.counts()
	assert.Equal(t, 1, sets)
}

func next(t *testing.T, ch <-chan *store.TypingState) *store.TypingState {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "observer closed")
		return v
	case <-time.After(time.Second):
		t.Fatal("no presence update")
		return nil
	}
}

func TestCoordinator_ObserveFiltersSelf(t *testing.T) {
	_, slot := newSlot(t)
	me := newCoordinator(t, slot, alice, time.Second, 10*time.Millisecond)
	them := newCoordinator(t, slot, agent, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seen := me.Observe(ctx)

	assert.Nil(t, next(t, seen))

	require.NoError(t, me.Start(ctx))
	require.NoError(t, them.Start(ctx))
	v := next(t, seen)
	require.NotNil(t, v)
	assert.Equal(t, agent.ID, v.UserID)

	them.Stop()
	assert.Nil(t, next(t, seen))
}

func TestCoordinator_ObserveHidesStale(t *testing.T) {
	ms, slot := newSlot(t)
	c := newCoordinator(t, slot, alice, 20*time.Millisecond, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, ms.SetTyping(ctx, "conv-1", store.TypingState{
		UserID: agent.ID, UserName: "Agent", IsTyping: true,
		UpdatedAt: time.Now().Add(-time.Minute),
	}))
	seen := c.Observe(ctx)
	assert.Nil(t, next(t, seen))

	// A fresh entry is shown, then hidden once it ages past twice the timeout.
	require.NoError(t, ms.SetTyping(ctx, "conv-1", store.TypingState{
		UserID: agent.ID, UserName: "Agent", IsTyping: true, UpdatedAt: time.Now(),
	}))
	require.NotNil(t, next(t, seen))
	assert.Nil(t, next(t, seen))
}
