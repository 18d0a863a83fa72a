// ABOUTME: Typing slot backends: the remote store document and a Redis TTL key
// ABOUTME: RedisSlot publishes a change notice on every write so watchers re-read the key

package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/support-sync/internal/store"
)

// StoreSlot keeps the slot in the remote store's typing/current document.
type StoreSlot struct {
	store store.TypingStore
}

// NewStoreSlot wraps a TypingStore.
func NewStoreSlot(s store.TypingStore) *StoreSlot {
	return &StoreSlot{store: s}
}

func (s *StoreSlot) Set(ctx context.Context, convID string, st store.TypingState) error {
	return s.store.SetTyping(ctx, convID, st)
}

func (s *StoreSlot) Clear(ctx context.Context, convID string) error {
	return s.store.ClearTyping(ctx, convID)
}

func (s *StoreSlot) Watch(ctx context.Context, convID string) <-chan store.TypingSnapshot {
	return s.store.WatchTyping(ctx, convID)
}

// RedisSlot keeps the slot in a Redis key with a TTL of twice the typing
// timeout, so a writer that vanished cannot leave it behind.
type RedisSlot struct {
	rdb    *redis.Client
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewRedisSlot creates a Redis-backed slot. timeout is the typing timeout.
func NewRedisSlot(rdb *redis.Client, timeout time.Duration, logger *slog.Logger) *RedisSlot {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSlot{
		rdb:    rdb,
		ttl:    2 * timeout,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With("component", "presence.redis"),
	}
}

func redisKey(convID string) string {
	return "support:typing:" + convID
}

func redisChannel(convID string) string {
	return redisKey(convID) + ":changes"
}

func (s *RedisSlot) Set(ctx context.Context, convID string, st store.TypingState) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = s.now()
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding typing state: %w", err)
	}
	if err := s.rdb.Set(ctx, redisKey(convID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("writing typing state: %w", err)
	}
	return s.notify(ctx, convID)
}

func (s *RedisSlot) Clear(ctx context.Context, convID string) error {
	if err := s.rdb.Del(ctx, redisKey(convID)).Err(); err != nil {
		return fmt.Errorf("clearing typing state: %w", err)
	}
	return s.notify(ctx, convID)
}

func (s *RedisSlot) notify(ctx context.Context, convID string) error {
	if err := s.rdb.Publish(ctx, redisChannel(convID), "changed").Err(); err != nil {
		return fmt.Errorf("publishing typing change: %w", err)
	}
	return nil
}

func (s *RedisSlot) read(ctx context.Context, convID string) (*store.TypingState, error) {
	data, err := s.rdb.Get(ctx, redisKey(convID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st store.TypingState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decoding typing state: %w", err)
	}
	return &st, nil
}

// Watch subscribes to change notices and re-reads the key for each one,
// starting with the current value.
func (s *RedisSlot) Watch(ctx context.Context, convID string) <-chan store.TypingSnapshot {
	out := make(chan store.TypingSnapshot, 1)

	go func() {
		defer close(out)

		ps := s.rdb.Subscribe(ctx, redisChannel(convID))
		defer ps.Close()

		send := func(snap store.TypingSnapshot) bool {
			select {
			case out <- snap:
				return true
			case <-ctx.Done():
				return false
			}
		}

		// Wait for the subscription before the first read so no change is missed.
		if _, err := ps.Receive(ctx); err != nil {
			if ctx.Err() == nil {
				send(store.TypingSnapshot{Err: fmt.Errorf("subscribing to typing changes: %w", err)})
			}
			return
		}

		st, err := s.read(ctx, convID)
		if !send(store.TypingSnapshot{State: st, Err: err}) || err != nil {
			return
		}

		changes := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				st, err := s.read(ctx, convID)
				if err != nil && ctx.Err() != nil {
					return
				}
				if !send(store.TypingSnapshot{State: st, Err: err}) || err != nil {
					return
				}
			}
		}
	}()
	return out
}
