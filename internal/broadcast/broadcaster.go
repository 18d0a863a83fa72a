// ABOUTME: Generic in-memory fan-out broadcaster with per-key subscriber sets
// ABOUTME: Non-blocking publish; coalescing mode keeps only the newest value per subscriber

package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DefaultBuffer is the channel buffer for each subscriber when not coalescing.
const DefaultBuffer = 64

// Options configures a Broadcaster.
type Options struct {
	// Buffer is the per-subscriber channel size. Ignored when Coalesce is set.
	Buffer int
	// Coalesce replaces an undelivered value with the newer one instead of
	// dropping the newer one. Channels have a buffer of one.
	Coalesce bool
}

// Broadcaster provides pub/sub of T values by key.
type Broadcaster[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan T // key -> subID -> ch
	buffer      int
	coalesce    bool
	closed      bool
	logger      *slog.Logger
}

// New creates a broadcaster. Pass nil logger for default.
func New[T any](logger *slog.Logger, opts Options) *Broadcaster[T] {
	if logger == nil {
		logger = slog.Default()
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if opts.Coalesce {
		buffer = 1
	}
	return &Broadcaster[T]{
		subscribers: make(map[string]map[string]chan T),
		buffer:      buffer,
		coalesce:    opts.Coalesce,
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for key. The subscription is removed and
// its channel closed when ctx is cancelled.
func (b *Broadcaster[T]) Subscribe(ctx context.Context, key string) (<-chan T, string) {
	subID := uuid.New().String()
	ch := make(chan T, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[string]chan T)
	}
	b.subscribers[key][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "key", key, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(key, subID)
	}()

	return ch, subID
}

// Publish sends v to every subscriber of key except excludeSubID.
// Callers that use coalescing must publish from a single goroutine.
func (b *Broadcaster[T]) Publish(key string, v T, excludeSubID string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers[key] {
		if excludeSubID != "" && id == excludeSubID {
			continue
		}
		select {
		case ch <- v:
			continue
		default:
		}

		if !b.coalesce {
			b.logger.Debug("dropped value for slow subscriber", "key", key, "sub_id", id)
			continue
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

// Subscribers returns the number of subscribers for key.
func (b *Broadcaster[T]) Subscribers(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[key])
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster[T]) Unsubscribe(key, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[key]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, key)
	}

	b.logger.Debug("subscriber removed", "key", key, "sub_id", subID)
}

// Close closes every subscriber channel. Later subscriptions get a closed channel.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}
	b.closed = true
}
