// ABOUTME: Sliding-window action counter with lazy expiry and an injectable clock
// ABOUTME: Registry keeps one window per user:action key

package ratelimit

import (
	"sync"
	"time"
)

// Window is a sliding-window rate limiter. It is safe for concurrent use.
type Window struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	actions []time.Time // ascending
}

// NewWindow creates a limiter allowing limit actions per window.
func NewWindow(limit int, window time.Duration) *Window {
	return NewWindowWithClock(limit, window, time.Now)
}

// NewWindowWithClock is NewWindow with a caller-supplied clock.
func NewWindowWithClock(limit int, window time.Duration, now func() time.Time) *Window {
	return &Window{limit: limit, window: window, now: now}
}

// pruneLocked drops actions outside the trailing window. Must hold mu.
func (w *Window) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.actions) && !w.actions[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.actions = append(w.actions[:0], w.actions[i:]...)
	}
}

// Record timestamps one action, whether or not the window is full.
func (w *Window) Record() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.pruneLocked(now)
	w.actions = append(w.actions, now)
}

// TryRecord records an action only if the window is not full.
func (w *Window) TryRecord() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.pruneLocked(now)
	if len(w.actions) >= w.limit {
		return false
	}
	w.actions = append(w.actions, now)
	return true
}

// IsLimited reports whether the trailing window holds limit or more actions.
func (w *Window) IsLimited() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(w.now())
	return len(w.actions) >= w.limit
}

// Remaining returns max(0, limit - actions in window).
func (w *Window) Remaining() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(w.now())
	return max(0, w.limit-len(w.actions))
}

// RetryAfter returns how long until the oldest action leaves the window,
// or zero when not limited.
func (w *Window) RetryAfter() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.pruneLocked(now)
	if len(w.actions) < w.limit {
		return 0
	}
	return w.actions[len(w.actions)-w.limit].Add(w.window).Sub(now)
}

// Reset forgets every recorded action.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.actions = nil
}

// Registry manages windows for different users and actions.
type Registry struct {
	mu      sync.Mutex
	windows map[string]*Window
	limit   int
	window  time.Duration
	now     func() time.Time
}

// NewRegistry creates a registry whose windows share limit and window.
func NewRegistry(limit int, window time.Duration) *Registry {
	return &Registry{
		windows: make(map[string]*Window),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// For returns the window for userID and action, creating it on first use.
func (r *Registry) For(userID, action string) *Window {
	key := userID + ":" + action

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.windows[key]
	if !ok {
		w = NewWindowWithClock(r.limit, r.window, r.now)
		r.windows[key] = w
	}
	return w
}
