// ABOUTME: Session-lifetime manager wiring store, pipelines, offline queue, and mutations
// ABOUTME: Hands out one Conversation handle per open conversation id

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/support-sync/internal/config"
	"github.com/2389/support-sync/internal/dedupe"
	"github.com/2389/support-sync/internal/metrics"
	"github.com/2389/support-sync/internal/mutation"
	"github.com/2389/support-sync/internal/offline"
	"github.com/2389/support-sync/internal/pagination"
	"github.com/2389/support-sync/internal/pipeline"
	"github.com/2389/support-sync/internal/presence"
	"github.com/2389/support-sync/internal/ratelimit"
	"github.com/2389/support-sync/internal/sanitize"
	"github.com/2389/support-sync/internal/search"
	"github.com/2389/support-sync/internal/store"
)

const (
	dedupeTTL  = 24 * time.Hour
	dedupeSize = 10000
	sendAction = "send"
)

// ErrClosed is returned after the manager is closed.
var ErrClosed = errors.New("session closed")

// LocalStore is client-local persistence. local.Store implements it.
type LocalStore interface {
	offline.QueueStore
	SaveDraft(ctx context.Context, convID, content string) error
	LoadDraft(ctx context.Context, convID string) (string, error)
	ClearDraft(ctx context.Context, convID string) error
}

// Deps are the collaborators a Manager is built from.
type Deps struct {
	Config  *config.Config
	Store   store.Store
	Sender  pipeline.Sender
	Slot    presence.Slot // optional; defaults to the store's typing document
	Local   LocalStore    // optional; drafts and queue stay in memory without it
	Offline bool          // start disconnected
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Manager is the session-lifetime context.
type Manager struct {
	cfg      *config.Config
	identity store.Identity
	role     store.Role
	store    store.Store
	sender   pipeline.Sender
	slot     presence.Slot
	local    LocalStore
	limits   *ratelimit.Registry
	offline  *offline.Manager
	dedupe   *dedupe.Cache
	engine   *mutation.Engine
	metrics  *metrics.Metrics
	base     *slog.Logger // unscoped; handed to components that scope themselves
	logger   *slog.Logger

	mu        sync.Mutex
	pipelines map[string]*pipeline.Pipeline
	convs     map[string]*Conversation
	closed    bool
}

// NewManager wires a session.
func NewManager(deps Deps) (*Manager, error) {
	if deps.Config == nil || deps.Store == nil || deps.Sender == nil {
		return nil, fmt.Errorf("session: config, store, and sender are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config

	m := &Manager{
		cfg: cfg,
		identity: store.Identity{
			ID:          cfg.Identity.ID,
			Email:       cfg.Identity.Email,
			DisplayName: cfg.Identity.DisplayName,
		},
		role:      store.Role(cfg.Identity.Role),
		store:     deps.Store,
		sender:    deps.Sender,
		slot:      deps.Slot,
		local:     deps.Local,
		limits:    ratelimit.NewRegistry(cfg.RateLimit.Limit, cfg.RateLimit.Window),
		dedupe:    dedupe.New(dedupeTTL, dedupeSize),
		metrics:   deps.Metrics,
		base:      logger,
		logger:    logger.With("component", "session"),
		pipelines: make(map[string]*pipeline.Pipeline),
		convs:     make(map[string]*Conversation),
	}
	if m.slot == nil {
		m.slot = presence.NewStoreSlot(deps.Store)
	}

	m.engine = mutation.New(deps.Store, mutation.Options{
		MaxPins:    cfg.Messages.MaxPins,
		EditWindow: cfg.Messages.EditWindow,
		MaxEdits:   cfg.Messages.MaxEdits,
		MaxLength:  cfg.Messages.MaxLength,
		Metrics:    deps.Metrics,
		Logger:     logger,
	})

	offOpts := offline.Options{
		SettleDelay: cfg.Offline.SettleDelay,
		Deliver:     m.deliverQueued,
		Offline:     deps.Offline,
		Metrics:     deps.Metrics,
		Logger:      logger,
	}
	if deps.Local != nil {
		offOpts.Persist = deps.Local
	}
	// A restored queue may start flushing inside offline.New; deliverQueued
	// blocks on mu until m.offline is set.
	m.mu.Lock()
	off, err := offline.New(offOpts)
	if err != nil {
		m.mu.Unlock()
		m.dedupe.Close()
		return nil, err
	}
	m.offline = off
	m.mu.Unlock()
	return m, nil
}

// Identity is the local participant.
func (m *Manager) Identity() store.Identity { return m.identity }

// Role is the local participant's role.
func (m *Manager) Role() store.Role { return m.role }

// Engine exposes the mutation engine.
func (m *Manager) Engine() *mutation.Engine { return m.engine }

// Offline exposes the connection and offline queue manager.
func (m *Manager) Offline() *offline.Manager { return m.offline }

// SetOnline reports a connectivity change.
func (m *Manager) SetOnline(online bool) { m.offline.SetOnline(online) }

// RateLimitRemaining is how many sends are left in the current window.
func (m *Manager) RateLimitRemaining() int {
	return m.limits.For(m.identity.ID, sendAction).Remaining()
}

// Start opens a new conversation with subject and returns its handle.
func (m *Manager) Start(ctx context.Context, subject string) (*Conversation, error) {
	conv, err := m.engine.OpenConversation(ctx, m.identity, subject)
	if err != nil {
		return nil, err
	}
	return m.Open(ctx, conv.ID)
}

// Open returns the handle for convID, creating it on first use.
func (m *Manager) Open(ctx context.Context, convID string) (*Conversation, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if c, ok := m.convs[convID]; ok {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	draft := ""
	if m.local != nil {
		d, err := m.local.LoadDraft(ctx, convID)
		if err != nil {
			m.logger.Warn("failed to load draft", "conversation_id", convID, "error", err)
		}
		draft = d
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if c, ok := m.convs[convID]; ok {
		return c, nil
	}
	c := newConversation(m, convID, m.pipelineLocked(convID), draft)
	m.convs[convID] = c
	return c, nil
}

// Conversations returns a paged conversation list that refreshes its rows
// after local mutations. Call release when the list is no longer shown.
func (m *Manager) Conversations(filter pagination.ConversationFilter) (list *pagination.ConversationList, release func()) {
	if m.role == store.RoleUser && filter.UserID == "" {
		filter.UserID = m.identity.ID
	}
	l := pagination.NewConversationList(m.store, filter, m.cfg.Pagination.ConversationPage)
	m.engine.AddObserver(l)
	var once sync.Once
	return l, func() { once.Do(func() { m.engine.RemoveObserver(l) }) }
}

// Templates lists canned replies.
func (m *Manager) Templates(ctx context.Context) ([]store.Template, error) {
	return m.store.ListTemplates(ctx)
}

// Search looks for query across conversations.
func (m *Manager) Search(ctx context.Context, conversationIDs []string, query string, maxResults int) ([]search.Result, error) {
	return search.Messages(ctx, m.store, conversationIDs, query, search.Options{MaxResults: maxResults})
}

// Close closes every handle and stops background work.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	convs := make([]*Conversation, 0, len(m.convs))
	for _, c := range m.convs {
		convs = append(convs, c)
	}
	m.mu.Unlock()

	for _, c := range convs {
		c.Close()
	}
	m.offline.Close()
	m.engine.Wait()

	m.mu.Lock()
	for _, p := range m.pipelines {
		p.Close()
	}
	m.mu.Unlock()
	m.dedupe.Close()
}

func (m *Manager) forget(convID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.convs, convID)
}

// pipelineLocked returns the pipeline for convID. Pipelines outlive handles
// so failed sends stay retryable after a handle is closed.
func (m *Manager) pipelineLocked(convID string) *pipeline.Pipeline {
	if p, ok := m.pipelines[convID]; ok {
		return p
	}
	cfg := m.cfg
	p := pipeline.New(pipeline.Options{
		ConversationID: convID,
		Identity:       m.identity,
		Role:           m.role,
		Sender:         m.sender,
		Batch:          m.store,
		Offline:        m.offline,
		Limiter:        m.limits.For(m.identity.ID, sendAction),
		Dedupe:         m.dedupe,
		MaxLength:      cfg.Messages.MaxLength,
		Attachments: sanitize.Limits{
			MaxCount:         cfg.Messages.MaxAttachments,
			MaxBytes:         cfg.Messages.MaxAttachmentBytes,
			AllowedMimeTypes: cfg.Messages.AllowedMimeTypes,
		},
		Retry: pipeline.RetryPolicy{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay,
			MaxDelay:   cfg.Retry.MaxDelay,
			Jitter:     cfg.Retry.Jitter,
		},
		Metrics: m.metrics,
		Logger:  m.base,
	})
	m.pipelines[convID] = p
	return p
}

// deliverQueued is the offline flush callback.
func (m *Manager) deliverQueued(ctx context.Context, p store.PendingMessage) error {
	m.mu.Lock()
	pipe := m.pipelineLocked(p.ConversationID)
	m.mu.Unlock()
	return pipe.Deliver(ctx, p)
}
