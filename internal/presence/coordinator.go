// ABOUTME: Typing presence coordinator: immediate start, throttled refresh, debounced stop
// ABOUTME: Observe filters self and stale entries from the shared slot

package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/support-sync/internal/store"
)

// clearTimeout bounds deletes issued from timers and Close.
const clearTimeout = 5 * time.Second

// Slot is the shared typing slot for conversations.
type Slot interface {
	Set(ctx context.Context, convID string, st store.TypingState) error
	Clear(ctx context.Context, convID string) error
	Watch(ctx context.Context, convID string) <-chan store.TypingSnapshot
}

// Options configures a Coordinator.
type Options struct {
	ConversationID string
	Self           store.Identity
	Timeout        time.Duration
	Debounce       time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// Coordinator publishes the local user's typing state and observes others'.
type Coordinator struct {
	slot     Slot
	convID   string
	self     store.Identity
	timeout  time.Duration
	debounce time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	typing    bool
	gen       uint64 // bumped on every Start/Stop; timers from older generations do nothing
	autoClear *time.Timer
	stopTimer *time.Timer
	refresh   *rate.Limiter
	closed    bool
}

// New creates a Coordinator.
func New(slot Slot, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Debounce <= 0 {
		opts.Debounce = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		slot:     slot,
		convID:   opts.ConversationID,
		self:     opts.Self,
		timeout:  opts.Timeout,
		debounce: opts.Debounce,
		logger:   logger.With("component", "presence", "conversation_id", opts.ConversationID),
		now:      opts.Now,
		refresh:  rate.NewLimiter(rate.Every(opts.Timeout/2), 1),
	}
}

// Start reports that the local user is typing.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	if c.stopTimer != nil {
		c.stopTimer.Stop()
		c.stopTimer = nil
	}
	first := !c.typing
	allowed := c.refresh.Allow()
	c.typing = true
	c.armAutoClearLocked(gen)
	c.mu.Unlock()

	if !first && !allowed {
		return nil
	}
	return c.slot.Set(ctx, c.convID, store.TypingState{
		UserID:   c.self.ID,
		UserName: c.self.DisplayName,
		IsTyping: true,
	})
}

// Stop reports that the local user stopped typing. The slot is cleared after
// the debounce unless Start is called again first.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.typing {
		return
	}
	c.gen++
	gen := c.gen
	if c.autoClear != nil {
		c.autoClear.Stop()
		c.autoClear = nil
	}
	if c.stopTimer != nil {
		c.stopTimer.Stop()
	}
	c.stopTimer = time.AfterFunc(c.debounce, func() { c.expire(gen, "debounced stop") })
}

// Typing reports whether the local user is currently marked as typing.
func (c *Coordinator) Typing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing
}

// Close stops timers and deletes the slot. Failures are ignored.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	c.typing = false
	if c.autoClear != nil {
		c.autoClear.Stop()
	}
	if c.stopTimer != nil {
		c.stopTimer.Stop()
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), clearTimeout)
	defer cancel()
	if err := c.slot.Clear(ctx, c.convID); err != nil {
		c.logger.Debug("presence cleanup failed", "error", err)
	}
}

func (c *Coordinator) armAutoClearLocked(gen uint64) {
	if c.autoClear != nil {
		c.autoClear.Stop()
	}
	c.autoClear = time.AfterFunc(c.timeout, func() { c.expire(gen, "auto-clear") })
}

func (c *Coordinator) expire(gen uint64, reason string) {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.typing = false
	c.autoClear = nil
	c.stopTimer = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), clearTimeout)
	defer cancel()
	if err := c.slot.Clear(ctx, c.convID); err != nil {
		c.logger.Warn("failed to clear typing state", "reason", reason, "error", err)
	}
}

// Observe streams the visible remote typist, or nil when nobody is. Values
// repeat only when the visible typist changes.
func (c *Coordinator) Observe(ctx context.Context) <-chan *store.TypingState {
	out := make(chan *store.TypingState, 1)
	in := c.slot.Watch(ctx, c.convID)
	staleAfter := 2 * c.timeout

	go func() {
		defer close(out)

		var (
			timer   *time.Timer
			expiry  <-chan time.Time
			visible *store.TypingState
			emitted bool
		)
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		emit := func(v *store.TypingState) bool {
			if emitted && sameTypist(visible, v) {
				visible = v
				return true
			}
			emitted = true
			visible = v
			select {
			case out <- v:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-in:
				if !ok {
					return
				}
				if snap.Err != nil {
					c.logger.Warn("typing listener failed", "error", snap.Err)
					emit(nil)
					return
				}
				if timer != nil {
					timer.Stop()
					expiry = nil
				}
				v := c.visible(snap.State, staleAfter)
				if v != nil {
					timer = time.NewTimer(v.UpdatedAt.Add(staleAfter).Sub(c.now()))
					expiry = timer.C
				}
				if !emit(v) {
					return
				}
			case <-expiry:
				expiry = nil
				if !emit(nil) {
					return
				}
			}
		}
	}()
	return out
}

// visible returns st if a remote observer should show it.
func (c *Coordinator) visible(st *store.TypingState, staleAfter time.Duration) *store.TypingState {
	if st == nil || !st.IsTyping || st.UserID == c.self.ID {
		return nil
	}
	if c.now().Sub(st.UpdatedAt) > staleAfter {
		return nil
	}
	out := *st
	return &out
}

func sameTypist(a, b *store.TypingState) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.UserID == b.UserID && a.UserName == b.UserName
}
