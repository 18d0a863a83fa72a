// ABOUTME: Generic backward cursor pager with an in-flight guard and generation counter
// ABOUTME: Stale fetches from before a Reset are discarded

package pagination

import (
	"context"
	"errors"
	"sync"

	"github.com/2389/support-sync/internal/store"
)

// ErrStale means the pager was reset while the fetch was running.
var ErrStale = errors.New("pagination: stale fetch discarded")

// FetchFunc returns up to limit items strictly older than after, newest first.
// A nil after means the newest page.
type FetchFunc[T any] func(ctx context.Context, limit int, after *store.Cursor) ([]T, error)

// CursorFunc returns the cursor position of an item.
type CursorFunc[T any] func(T) store.Cursor

// Pager tracks one backward pagination track.
type Pager[T any] struct {
	mu       sync.Mutex
	fetch    FetchFunc[T]
	cursorOf CursorFunc[T]
	initial  int
	pageSize int

	cursor   *store.Cursor
	hasMore  bool
	inFlight bool
	gen      uint64
}

// NewPager creates a pager. initial is the size of the first page, pageSize
// the size of every later one.
func NewPager[T any](fetch FetchFunc[T], cursorOf CursorFunc[T], initial, pageSize int) *Pager[T] {
	if initial <= 0 {
		initial = pageSize
	}
	return &Pager[T]{
		fetch:    fetch,
		cursorOf: cursorOf,
		initial:  initial,
		pageSize: pageSize,
	}
}

// Load fetches the newest page and positions the cursor after it. It resets
// any earlier position.
func (p *Pager[T]) Load(ctx context.Context) ([]T, error) {
	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.cursor = nil
	p.hasMore = false
	p.inFlight = true
	p.mu.Unlock()

	items, err := p.fetch(ctx, p.initial, nil)
	return p.settle(gen, items, err, p.initial)
}

// LoadMore fetches the next older page. It returns nil, nil when there is
// nothing to do.
func (p *Pager[T]) LoadMore(ctx context.Context) ([]T, error) {
	p.mu.Lock()
	if p.cursor == nil || p.inFlight || !p.hasMore {
		p.mu.Unlock()
		return nil, nil
	}
	p.inFlight = true
	gen := p.gen
	after := *p.cursor
	p.mu.Unlock()

	items, err := p.fetch(ctx, p.pageSize, &after)
	return p.settle(gen, items, err, p.pageSize)
}

func (p *Pager[T]) settle(gen uint64, items []T, err error, requested int) ([]T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != p.gen {
		return nil, ErrStale
	}
	p.inFlight = false
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		c := p.cursorOf(items[len(items)-1])
		p.cursor = &c
	}
	p.hasMore = len(items) == requested
	return items, nil
}

// Seed positions the cursor from a first page fetched elsewhere, such as a
// live subscription. It only applies while no cursor is held, so later
// live arrivals never move an established cursor.
func (p *Pager[T]) Seed(items []T, requested int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cursor != nil || p.inFlight || len(items) == 0 {
		return false
	}
	c := p.cursorOf(items[len(items)-1])
	p.cursor = &c
	p.hasMore = len(items) == requested
	return true
}

// Reset forgets the position and discards any fetch in flight.
func (p *Pager[T]) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	p.cursor = nil
	p.hasMore = false
	p.inFlight = false
}

// HasMore reports whether an older page may exist.
func (p *Pager[T]) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMore
}

// Loading reports whether a fetch is in flight.
func (p *Pager[T]) Loading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// Cursor returns the current position, or nil.
func (p *Pager[T]) Cursor() *store.Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cursor == nil {
		return nil
	}
	c := *p.cursor
	return &c
}
