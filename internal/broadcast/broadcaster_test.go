// ABOUTME: Tests for the generic fan-out broadcaster
// ABOUTME: Covers delivery, exclusion, drop vs coalesce on slow subscribers, and cleanup

package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestBroadcaster_FanOut(t *testing.T) {
	b := New[string](nil, Options{})
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "conv-1")
	ch2, _ := b.Subscribe(t.Context(), "conv-1")
	other, _ := b.Subscribe(t.Context(), "conv-2")

	b.Publish("conv-1", "hello", "")

	assert.Equal(t, "hello", receive(t, ch1))
	assert.Equal(t, "hello", receive(t, ch2))
	select {
	case v := <-other:
		t.Fatalf("unexpected value on other key: %v", v)
	default:
	}
}

func TestBroadcaster_Exclude(t *testing.T) {
	b := New[int](nil, Options{})
	defer b.Close()

	ch1, id1 := b.Subscribe(t.Context(), "k")
	ch2, _ := b.Subscribe(t.Context(), "k")

	b.Publish("k", 7, id1)
	assert.Equal(t, 7, receive(t, ch2))
	select {
	case <-ch1:
		t.Fatal("excluded subscriber received value")
	default:
	}
}

func TestBroadcaster_DropsForSlowSubscriber(t *testing.T) {
	b := New[int](nil, Options{Buffer: 2})
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "k")
	for i := range 5 {
		b.Publish("k", i, "")
	}

	assert.Equal(t, 0, receive(t, ch))
	assert.Equal(t, 1, receive(t, ch))
	select {
	case v := <-ch:
		t.Fatalf("expected later values dropped, got %d", v)
	default:
	}
}

func TestBroadcaster_CoalesceKeepsNewest(t *testing.T) {
	b := New[int](nil, Options{Coalesce: true})
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "k")
	for i := range 5 {
		b.Publish("k", i, "")
	}
	assert.Equal(t, 4, receive(t, ch))
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := New[int](nil, Options{})
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "k")
	require.Equal(t, 1, b.Subscribers("k"))

	cancel()
	require.Eventually(t, func() bool { return b.Subscribers("k") == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestBroadcaster_CloseClosesAll(t *testing.T) {
	b := New[int](nil, Options{})
	ch, _ := b.Subscribe(t.Context(), "k")
	b.Close()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := b.Subscribe(t.Context(), "k")
	_, ok = <-late
	assert.False(t, ok)
}

func TestBroadcaster_ConcurrentPublish(t *testing.T) {
	b := New[int](nil, Options{Buffer: 1000})
	defer b.Close()
	ch, _ := b.Subscribe(t.Context(), "k")

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				b.Publish("k", i*100+j, "")
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ch, 500)
}
