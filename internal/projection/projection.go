// ABOUTME: Single-writer projection of a conversation and its messages from store listeners
// ABOUTME: Merges the live tail with older pages and publishes immutable State values

package projection

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/support-sync/internal/apperr"
	"github.com/2389/support-sync/internal/broadcast"
	"github.com/2389/support-sync/internal/metrics"
	"github.com/2389/support-sync/internal/pagination"
	"github.com/2389/support-sync/internal/store"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("projection closed")

// Source is the store surface the projection reads.
type Source interface {
	WatchConversation(ctx context.Context, id string) <-chan store.ConversationSnapshot
	WatchMessages(ctx context.Context, convID string, limit int) <-chan store.MessagesSnapshot
	ListMessages(ctx context.Context, convID string, limit int, after *store.Cursor) ([]store.Message, error)
	ListPinned(ctx context.Context, convID string) ([]store.Message, error)
}

// State is a point-in-time view of the conversation. Readers must not modify it.
type State struct {
	Conversation *store.Conversation
	Messages     []store.Message // ascending by timestamp
	Pinned       []store.Message
	HasMore      bool
	Loading      bool
	Err          error
	LastReadAt   time.Time
	// UnreadFrom is the index in Messages of the first message from someone
	// else newer than LastReadAt, or -1.
	UnreadFrom int
	Version    uint64
}

// Options configures a Projection.
type Options struct {
	ConversationID string
	Self           store.Identity
	LiveLimit      int
	PageSize       int
	LastReadAt     time.Time

	// OnConfirmed runs on the projection goroutine after every live snapshot.
	// The pipeline's Reconcile is the intended hook. It must not block.
	OnConfirmed func([]store.Message)

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type event interface{}

type liveEvent struct {
	gen  uint64
	msgs []store.Message
	err  error
}

type convEvent struct {
	gen  uint64
	conv *store.Conversation
	err  error
}

type pinnedEvent struct {
	gen  uint64
	msgs []store.Message
	err  error
}

type olderEvent struct {
	msgs []store.Message
}

type seenEvent struct {
	at time.Time
}

type restartEvent struct {
	done chan struct{}
}

// Projection serves the confirmed state of one conversation.
type Projection struct {
	opts    Options
	src     Source
	pager   *pagination.Pager[store.Message]
	events  chan event
	bc      *broadcast.Broadcaster[State]
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.RWMutex
	current State

	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the run goroutine.
	gen       uint64
	subCancel context.CancelFunc
	conv      *store.Conversation
	known     map[string]store.Message
	pinned    map[string]store.Message
	err       error
	lastRead  time.Time
	seeded    bool
	version   uint64
}

// New starts a projection. Call Close to stop it.
func New(src Source, opts Options) *Projection {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.LiveLimit <= 0 {
		opts.LiveLimit = 10
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 10
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Projection{
		opts:     opts,
		src:      src,
		pager:    pagination.NewMessagePager(src, opts.ConversationID, opts.LiveLimit, opts.PageSize),
		events:   make(chan event, 16),
		bc:       broadcast.New[State](logger, broadcast.Options{Coalesce: true}),
		metrics:  opts.Metrics,
		logger:   logger.With("component", "projection", "conversation_id", opts.ConversationID),
		cancel:   cancel,
		done:     make(chan struct{}),
		known:    make(map[string]store.Message),
		pinned:   make(map[string]store.Message),
		lastRead: opts.LastReadAt,
	}
	p.current = State{UnreadFrom: -1, LastReadAt: opts.LastReadAt, Loading: true}

	p.subscribe(ctx)
	go p.run(ctx)
	return p
}

// State returns the latest published state.
func (p *Projection) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Subscribe streams states as they change. Only the newest undelivered
// state is kept per subscriber.
func (p *Projection) Subscribe(ctx context.Context) <-chan State {
	ch, _ := p.bc.Subscribe(ctx, "")
	return ch
}

// LoadOlder fetches the next older page and merges it. It returns the number
// of messages fetched; zero when there was nothing to load.
func (p *Projection) LoadOlder(ctx context.Context) (int, error) {
	page, err := p.pager.LoadMore(ctx)
	if err != nil {
		if errors.Is(err, pagination.ErrStale) {
			return 0, err
		}
		return 0, apperr.Network("projection.load_older", err)
	}
	if len(page) == 0 {
		p.post(olderEvent{})
		return 0, nil
	}
	if err := p.post(olderEvent{msgs: page}); err != nil {
		return 0, err
	}
	return len(page), nil
}

// MarkSeen moves the read marker forward to at.
func (p *Projection) MarkSeen(at time.Time) {
	_ = p.post(seenEvent{at: at})
}

// Restart tears down the subscriptions, clears any listener error, and starts
// new ones. An older-page fetch in flight is discarded.
func (p *Projection) Restart(ctx context.Context) error {
	done := make(chan struct{})
	if err := p.post(restartEvent{done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrClosed
	}
}

// Close stops the projection and releases subscribers.
func (p *Projection) Close() {
	p.cancel()
	<-p.done
	p.bc.Close()
}

func (p *Projection) post(ev event) error {
	select {
	case p.events <- ev:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

// subscribe starts listeners under a fresh generation. Run goroutine only,
// or before it starts.
func (p *Projection) subscribe(parent context.Context) {
	if p.subCancel != nil {
		p.subCancel()
	}
	p.gen++
	gen := p.gen
	ctx, cancel := context.WithCancel(parent)
	p.subCancel = cancel
	convID := p.opts.ConversationID

	msgs := p.src.WatchMessages(ctx, convID, p.opts.LiveLimit)
	go func() {
		for snap := range msgs {
			if !p.forward(ctx, liveEvent{gen: gen, msgs: snap.Messages, err: snap.Err}) {
				return
			}
		}
	}()

	convs := p.src.WatchConversation(ctx, convID)
	go func() {
		for snap := range convs {
			if !p.forward(ctx, convEvent{gen: gen, conv: snap.Conversation, err: snap.Err}) {
				return
			}
		}
	}()

	go func() {
		pins, err := p.src.ListPinned(ctx, convID)
		p.forward(ctx, pinnedEvent{gen: gen, msgs: pins, err: err})
	}()
}

func (p *Projection) forward(ctx context.Context, ev event) bool {
	select {
	case p.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Projection) run(ctx context.Context) {
	defer close(p.done)
	defer func() {
		if p.subCancel != nil {
			p.subCancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.events:
			p.apply(ctx, ev)
			p.publish()
		}
	}
}

func (p *Projection) apply(ctx context.Context, ev event) {
	switch e := ev.(type) {
	case liveEvent:
		if e.gen != p.gen {
			return
		}
		if e.err != nil {
			p.fail("messages", e.err)
			return
		}
		for _, m := range e.msgs {
			p.known[m.ID] = m
			p.trackPin(m)
		}
		if !p.seeded {
			p.seeded = true
			p.pager.Seed(e.msgs, p.opts.LiveLimit)
		}
		if p.opts.OnConfirmed != nil {
			p.opts.OnConfirmed(e.msgs)
		}

	case convEvent:
		if e.gen != p.gen {
			return
		}
		if e.err != nil {
			p.fail("conversation", e.err)
			return
		}
		p.conv = e.conv

	case pinnedEvent:
		if e.gen != p.gen {
			return
		}
		if e.err != nil {
			p.logger.Warn("failed to load pinned messages", "error", e.err)
			return
		}
		clear(p.pinned)
		for _, m := range e.msgs {
			p.pinned[m.ID] = m
		}

	case olderEvent:
		for _, m := range e.msgs {
			if _, ok := p.known[m.ID]; !ok {
				p.known[m.ID] = m
			}
		}

	case seenEvent:
		if e.at.After(p.lastRead) {
			p.lastRead = e.at
		}

	case restartEvent:
		p.logger.Info("restarting subscriptions")
		p.err = nil
		p.seeded = false
		p.pager.Reset()
		p.subscribe(ctx)
		close(e.done)
	}
}

func (p *Projection) fail(what string, err error) {
	if p.err != nil {
		return
	}
	p.err = apperr.Listener("projection."+what, err)
	p.metrics.ListenerError()
	p.logger.Error("listener failed", "listener", what, "error", err)
}

func (p *Projection) trackPin(m store.Message) {
	if m.IsPinned {
		p.pinned[m.ID] = m
	} else {
		delete(p.pinned, m.ID)
	}
}

func (p *Projection) publish() {
	msgs := make([]store.Message, 0, len(p.known))
	for _, m := range p.known {
		msgs = append(msgs, m.Clone())
	}
	sortAscending(msgs)

	pinned := make([]store.Message, 0, len(p.pinned))
	for _, m := range p.pinned {
		pinned = append(pinned, m.Clone())
	}
	sortAscending(pinned)

	unread := -1
	for i, m := range msgs {
		if m.Sender.ID != p.opts.Self.ID && m.Timestamp.After(p.lastRead) {
			unread = i
			break
		}
	}

	var conv *store.Conversation
	if p.conv != nil {
		c := p.conv.Clone()
		conv = &c
	}

	p.version++
	s := State{
		Conversation: conv,
		Messages:     msgs,
		Pinned:       pinned,
		HasMore:      p.pager.HasMore(),
		Loading:      !p.seeded && p.err == nil,
		Err:          p.err,
		LastReadAt:   p.lastRead,
		UnreadFrom:   unread,
		Version:      p.version,
	}

	p.mu.Lock()
	p.current = s
	p.mu.Unlock()
	p.bc.Publish("", s, "")
}

func sortAscending(msgs []store.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}
