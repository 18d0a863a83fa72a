// ABOUTME: Tests for the sliding-window rate limiter
// ABOUTME: Uses a fake clock to check windowing, retry-after, and per-key isolation

package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestWindow(limit int, window time.Duration) (*Window, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewWindowWithClock(limit, window, c.Now), c
}

func TestWindow_LimitsAndRecovers(t *testing.T) {
	w, c := newTestWindow(10, 60*time.Second)

	for range 10 {
		assert.False(t, w.IsLimited())
		w.Record()
	}
	assert.True(t, w.IsLimited())
	assert.Equal(t, 0, w.Remaining())

	c.Advance(61 * time.Second)
	assert.False(t, w.IsLimited())
	assert.Equal(t, 10, w.Remaining())
}

func TestWindow_Slides(t *testing.T) {
	w, c := newTestWindow(3, 10*time.Second)

	w.Record()
	c.Advance(4 * time.Second)
	w.Record()
	c.Advance(4 * time.Second)
	w.Record()
	require.True(t, w.IsLimited())

	c.Advance(2 * time.Second) // first action is now exactly 10s old
	assert.False(t, w.IsLimited())
	assert.Equal(t, 1, w.Remaining())
}

func TestWindow_TryRecord(t *testing.T) {
	w, _ := newTestWindow(2, time.Minute)

	assert.True(t, w.TryRecord())
	assert.True(t, w.TryRecord())
	assert.False(t, w.TryRecord())
	assert.Equal(t, 0, w.Remaining())
}

func TestWindow_RetryAfter(t *testing.T) {
	w, c := newTestWindow(2, time.Minute)
	assert.Zero(t, w.RetryAfter())

	w.Record()
	c.Advance(20 * time.Second)
	w.Record()

	assert.Equal(t, 40*time.Second, w.RetryAfter())
}

func TestWindow_RemainingNeverNegative(t *testing.T) {
	w, _ := newTestWindow(2, time.Minute)
	for range 5 {
		w.Record()
	}
	assert.Equal(t, 0, w.Remaining())
}

func TestWindow_Reset(t *testing.T) {
	w, _ := newTestWindow(1, time.Minute)
	w.Record()
	require.True(t, w.IsLimited())
	w.Reset()
	assert.False(t, w.IsLimited())
}

func TestWindow_Concurrent(t *testing.T) {
	w := NewWindow(50, time.Minute)
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w.TryRecord() {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, accepted)
}

func TestRegistry_IsolatesKeys(t *testing.T) {
	r := NewRegistry(1, time.Minute)

	r.For("u1", "send").Record()
	assert.True(t, r.For("u1", "send").IsLimited())
	assert.False(t, r.For("u2", "send").IsLimited())
	assert.False(t, r.For("u1", "react").IsLimited())
	assert.Same(t, r.For("u1", "send"), r.For("u1", "send"))
}
