// ABOUTME: In-memory Store with snapshot listeners, used by tests and the dev server
// ABOUTME: Mirrors the remote store's ordering, cursor, batch, and array-union semantics

package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Reads return copies; listeners get the
// latest snapshot (intermediate snapshots may be coalesced, never reordered).
type MemoryStore struct {
	mu            sync.Mutex
	now           func() time.Time
	closed        bool
	conversations map[string]*Conversation
	messages      map[string]map[string]*Message // keyed by conversation ID, then message ID
	audit         map[string][]AuditEntry
	typing        map[string]*TypingState
	templates     map[string]*Template

	msgWatchers    map[string][]*watcher[MessagesSnapshot]
	convWatchers   map[string][]*watcher[ConversationSnapshot]
	typingWatchers map[string][]*watcher[TypingSnapshot]
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the clock used for server-assigned timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

type watcher[T any] struct {
	ch    chan T
	limit int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		now:            func() time.Time { return time.Now().UTC() },
		conversations:  make(map[string]*Conversation),
		messages:       make(map[string]map[string]*Message),
		audit:          make(map[string][]AuditEntry),
		typing:         make(map[string]*TypingState),
		templates:      make(map[string]*Template),
		msgWatchers:    make(map[string][]*watcher[MessagesSnapshot]),
		convWatchers:   make(map[string][]*watcher[ConversationSnapshot]),
		typingWatchers: make(map[string][]*watcher[TypingSnapshot]),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// offer replaces any undelivered value with v. Callers hold m.mu, which makes
// them the only sender, so the final send never blocks.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- v
}

func register[T any](m *MemoryStore, set map[string][]*watcher[T], key string, limit int, initial func() T) *watcher[T] {
	w := &watcher[T]{ch: make(chan T, 1), limit: limit}
	if m.closed {
		close(w.ch)
		return w
	}
	set[key] = append(set[key], w)
	offer(w.ch, initial())
	return w
}

func unregister[T any](set map[string][]*watcher[T], key string, w *watcher[T]) bool {
	ws := set[key]
	for i, cand := range ws {
		if cand == w {
			set[key] = append(ws[:i:i], ws[i+1:]...)
			if len(set[key]) == 0 {
				delete(set, key)
			}
			return true
		}
	}
	return false
}

func (m *MemoryStore) releaseOnDone(ctx context.Context, release func() bool, ch func()) {
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if release() {
			ch()
		}
	}()
}

// Close terminates every listener.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, ws := range m.msgWatchers {
		for _, w := range ws {
			close(w.ch)
		}
	}
	for _, ws := range m.convWatchers {
		for _, w := range ws {
			close(w.ch)
		}
	}
	for _, ws := range m.typingWatchers {
		for _, w := range ws {
			close(w.ch)
		}
	}
	clear(m.msgWatchers)
	clear(m.convWatchers)
	clear(m.typingWatchers)
	return nil
}

// BreakListeners delivers err to every listener of convID and closes them,
// simulating a subscription failure.
func (m *MemoryStore) BreakListeners(convID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.msgWatchers[convID] {
		offer(w.ch, MessagesSnapshot{Err: err})
		close(w.ch)
	}
	for _, w := range m.convWatchers[convID] {
		offer(w.ch, ConversationSnapshot{Err: err})
		close(w.ch)
	}
	delete(m.msgWatchers, convID)
	delete(m.convWatchers, convID)
}

// Conversations

// CreateConversation stores a new conversation, assigning an ID and defaults.
func (m *MemoryStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if _, ok := m.conversations[conv.ID]; ok {
		return fmt.Errorf("conversation %s: %w", conv.ID, ErrConflict)
	}
	if conv.Status == "" {
		conv.Status = ConversationOpen
	}
	if conv.Priority == "" {
		conv.Priority = PriorityNormal
	}
	now := m.now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}

	c := conv.Clone()
	m.conversations[c.ID] = &c
	m.notifyConversationLocked(c.ID)
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MemoryStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := c.Clone()
	return &out, nil
}

// UpdateConversation applies patch to an existing conversation.
func (m *MemoryStore) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if patch.Status != nil {
		c.Status = *patch.Status
	}
	if patch.Priority != nil {
		c.Priority = *patch.Priority
	}
	if patch.Subject != nil {
		c.Subject = *patch.Subject
	}
	if patch.Tags != nil {
		c.Tags = append([]Tag(nil), (*patch.Tags)...)
	}
	if patch.Metrics != nil {
		c.Metrics = *patch.Metrics
	}
	if patch.ResetUnread != nil {
		if *patch.ResetUnread == RoleAdmin {
			c.UnreadCount.Admin = 0
		} else {
			c.UnreadCount.User = 0
		}
	}
	c.UpdatedAt = patch.UpdatedAt
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = m.now()
	}

	m.notifyConversationLocked(id)
	return nil
}

// ListConversations returns conversations ordered by UpdatedAt descending.
func (m *MemoryStore) ListConversations(ctx context.Context, q ConversationQuery) ([]Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		if q.UserID != "" && c.UserID != q.UserID {
			continue
		}
		if q.Status != "" && c.Status != q.Status {
			continue
		}
		if !q.After.olderThan(c.UpdatedAt, c.ID) {
			continue
		}
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return newer(out[i].UpdatedAt, out[i].ID, out[j].UpdatedAt, out[j].ID)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// WatchConversation streams the conversation document on every change.
func (m *MemoryStore) WatchConversation(ctx context.Context, id string) <-chan ConversationSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := register(m, m.convWatchers, id, 0, func() ConversationSnapshot { return m.conversationSnapshotLocked(id) })
	m.releaseOnDone(ctx, func() bool { return unregister(m.convWatchers, id, w) }, func() { close(w.ch) })
	return w.ch
}

func (m *MemoryStore) conversationSnapshotLocked(id string) ConversationSnapshot {
	c, ok := m.conversations[id]
	if !ok {
		return ConversationSnapshot{}
	}
	out := c.Clone()
	return ConversationSnapshot{Conversation: &out}
}

func (m *MemoryStore) notifyConversationLocked(id string) {
	for _, w := range m.convWatchers[id] {
		offer(w.ch, m.conversationSnapshotLocked(id))
	}
}

// Messages

// WatchMessages streams the newest limit messages of a conversation, newest first.
func (m *MemoryStore) WatchMessages(ctx context.Context, convID string, limit int) <-chan MessagesSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := register(m, m.msgWatchers, convID, limit, func() MessagesSnapshot {
		return MessagesSnapshot{Messages: m.pageLocked(convID, limit, nil)}
	})
	m.releaseOnDone(ctx, func() bool { return unregister(m.msgWatchers, convID, w) }, func() { close(w.ch) })
	return w.ch
}

func (m *MemoryStore) notifyMessagesLocked(convID string) {
	for _, w := range m.msgWatchers[convID] {
		offer(w.ch, MessagesSnapshot{Messages: m.pageLocked(convID, w.limit, nil)})
	}
}

// pageLocked returns up to limit messages strictly older than after, newest first.
func (m *MemoryStore) pageLocked(convID string, limit int, after *Cursor) []Message {
	msgs := m.messages[convID]
	out := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		if after.olderThan(msg.Timestamp, msg.ID) {
			out = append(out, msg.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return newer(out[i].Timestamp, out[i].ID, out[j].Timestamp, out[j].ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ListMessages returns up to limit messages strictly older than after, newest first.
func (m *MemoryStore) ListMessages(ctx context.Context, convID string, limit int, after *Cursor) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pageLocked(convID, limit, after), nil
}

// GetMessage retrieves a single message.
func (m *MemoryStore) GetMessage(ctx context.Context, convID, msgID string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[convID][msgID]
	if !ok {
		return nil, ErrNotFound
	}
	out := msg.Clone()
	return &out, nil
}

// CreateMessage stores one message and updates the conversation summary.
func (m *MemoryStore) CreateMessage(ctx context.Context, convID string, msg Message) (Message, error) {
	created, err := m.CreateMessages(ctx, convID, []Message{msg})
	if err != nil {
		return Message{}, err
	}
	return created[0], nil
}

// CreateMessages stores msgs atomically: either all are written or none are.
func (m *MemoryStore) CreateMessages(ctx context.Context, convID string, msgs []Message) ([]Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	if len(msgs) > MaxBatchMessages {
		return nil, fmt.Errorf("%d messages plus the conversation update: %w", len(msgs), ErrBatchTooLarge)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[convID]
	if !ok {
		return nil, ErrNotFound
	}

	existing := m.messages[convID]
	now := m.now()
	prepared := make([]Message, len(msgs))
	seen := make(map[string]bool, len(msgs))
	for i, msg := range msgs {
		msg = msg.Clone()
		if msg.ID == "" || IsTempID(msg.ID) {
			msg.ID = uuid.NewString()
		}
		if _, dup := existing[msg.ID]; dup || seen[msg.ID] {
			return nil, fmt.Errorf("message %s: %w", msg.ID, ErrConflict)
		}
		seen[msg.ID] = true
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now.Add(time.Duration(i) * BatchTimestampStep)
		}
		msg.ConversationID = convID
		msg.Status = StatusConfirmed
		prepared[i] = msg
	}

	if existing == nil {
		existing = make(map[string]*Message)
		m.messages[convID] = existing
	}
	for i := range prepared {
		stored := prepared[i].Clone()
		existing[stored.ID] = &stored
		applyArrival(conv, stored)
	}

	m.notifyMessagesLocked(convID)
	m.notifyConversationLocked(convID)
	return prepared, nil
}

// applyArrival updates the denormalized conversation fields for a new message.
func applyArrival(conv *Conversation, msg Message) {
	if conv.LastMessage == nil || !msg.Timestamp.Before(conv.LastMessage.Timestamp) {
		conv.LastMessage = &MessageSummary{
			Content:    msg.Content,
			SenderID:   msg.Sender.ID,
			SenderRole: msg.SenderRole,
			Timestamp:  msg.Timestamp,
		}
	}
	if msg.Timestamp.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.Timestamp
	}
	if msg.SenderRole == RoleAdmin {
		conv.UnreadCount.User++
	} else {
		conv.UnreadCount.Admin++
		ts := msg.Timestamp
		conv.LastUserMessageAt = &ts
	}
}

// UpdateMessage applies patch to an existing message.
func (m *MemoryStore) UpdateMessage(ctx context.Context, convID, msgID string, patch MessagePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[convID][msgID]
	if !ok {
		return ErrNotFound
	}
	if patch.AppendEdit != nil {
		msg.EditHistory = append(msg.EditHistory, *patch.AppendEdit)
	}
	if patch.Content != nil {
		msg.Content = *patch.Content
	}
	if patch.EditedAt != nil {
		t := *patch.EditedAt
		msg.EditedAt = &t
	}
	for _, id := range patch.AddReadBy {
		if !slices.Contains(msg.ReadBy, id) {
			msg.ReadBy = append(msg.ReadBy, id)
		}
	}
	if patch.ReadAt != nil {
		t := *patch.ReadAt
		msg.ReadAt = &t
	}

	m.notifyMessagesLocked(convID)
	return nil
}

// AddReaction appends r unless an identical element is already present,
// matching array-union semantics. Identity is whole-value equality.
func (m *MemoryStore) AddReaction(ctx context.Context, convID, msgID string, r Reaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[convID][msgID]
	if !ok {
		return ErrNotFound
	}
	for _, existing := range msg.Reactions {
		if existing.Emoji == r.Emoji && existing.UserID == r.UserID &&
			existing.UserName == r.UserName && existing.CreatedAt.Equal(r.CreatedAt) {
			return nil
		}
	}
	msg.Reactions = append(msg.Reactions, r)
	m.notifyMessagesLocked(convID)
	return nil
}

// SetReactions replaces the reaction list.
func (m *MemoryStore) SetReactions(ctx context.Context, convID, msgID string, reactions []Reaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[convID][msgID]
	if !ok {
		return ErrNotFound
	}
	msg.Reactions = append([]Reaction(nil), reactions...)
	m.notifyMessagesLocked(convID)
	return nil
}

// PinMessage pins msgID if fewer than maxPins messages are pinned.
// Pinning an already pinned message is a no-op.
func (m *MemoryStore) PinMessage(ctx context.Context, convID, msgID, pinnedBy string, at time.Time, maxPins int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.messages[convID]
	msg, ok := msgs[msgID]
	if !ok {
		return ErrNotFound
	}
	if msg.IsPinned {
		return nil
	}
	pinned := 0
	for _, other := range msgs {
		if other.IsPinned {
			pinned++
		}
	}
	if pinned >= maxPins {
		return fmt.Errorf("%d of %d pinned: %w", pinned, maxPins, ErrPinLimit)
	}

	msg.IsPinned = true
	msg.PinnedBy = pinnedBy
	t := at
	msg.PinnedAt = &t
	m.notifyMessagesLocked(convID)
	return nil
}

// UnpinMessage clears the pin fields.
func (m *MemoryStore) UnpinMessage(ctx context.Context, convID, msgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[convID][msgID]
	if !ok {
		return ErrNotFound
	}
	msg.IsPinned = false
	msg.PinnedBy = ""
	msg.PinnedAt = nil
	m.notifyMessagesLocked(convID)
	return nil
}

// ListPinned returns pinned messages, earliest pin first.
func (m *MemoryStore) ListPinned(ctx context.Context, convID string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Message
	for _, msg := range m.messages[convID] {
		if msg.IsPinned {
			out = append(out, msg.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PinnedAt == nil || out[j].PinnedAt == nil {
			return out[i].ID < out[j].ID
		}
		return out[i].PinnedAt.Before(*out[j].PinnedAt)
	})
	return out, nil
}

// Audit

// AppendAudit appends an entry, assigning ID and timestamp when missing.
func (m *MemoryStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[entry.ConversationID]; !ok {
		return ErrNotFound
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = m.now()
	}
	e := *entry
	if entry.Metadata != nil {
		e.Metadata = make(map[string]string, len(entry.Metadata))
		for k, v := range entry.Metadata {
			e.Metadata[k] = v
		}
	}
	m.audit[e.ConversationID] = append(m.audit[e.ConversationID], e)
	return nil
}

// ListAudit returns audit entries newest first, strictly older than after.
func (m *MemoryStore) ListAudit(ctx context.Context, convID string, limit int, after *Cursor) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []AuditEntry
	for _, e := range m.audit[convID] {
		if after.olderThan(e.Timestamp, e.ID) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return newer(out[i].Timestamp, out[i].ID, out[j].Timestamp, out[j].ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Typing

// SetTyping overwrites the presence slot. A zero UpdatedAt takes the store clock.
func (m *MemoryStore) SetTyping(ctx context.Context, convID string, state TypingState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = m.now()
	}
	m.typing[convID] = &state
	m.notifyTypingLocked(convID)
	return nil
}

// ClearTyping deletes the presence slot.
func (m *MemoryStore) ClearTyping(ctx context.Context, convID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.typing, convID)
	m.notifyTypingLocked(convID)
	return nil
}

// WatchTyping streams the presence slot on every change.
func (m *MemoryStore) WatchTyping(ctx context.Context, convID string) <-chan TypingSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := register(m, m.typingWatchers, convID, 0, func() TypingSnapshot { return m.typingSnapshotLocked(convID) })
	m.releaseOnDone(ctx, func() bool { return unregister(m.typingWatchers, convID, w) }, func() { close(w.ch) })
	return w.ch
}

func (m *MemoryStore) typingSnapshotLocked(convID string) TypingSnapshot {
	s, ok := m.typing[convID]
	if !ok {
		return TypingSnapshot{}
	}
	out := *s
	return TypingSnapshot{State: &out}
}

func (m *MemoryStore) notifyTypingLocked(convID string) {
	for _, w := range m.typingWatchers[convID] {
		offer(w.ch, m.typingSnapshotLocked(convID))
	}
}

// Templates

// CreateTemplate stores a canned reply.
func (m *MemoryStore) CreateTemplate(ctx context.Context, t *Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.now()
	}
	tc := *t
	m.templates[tc.ID] = &tc
	return nil
}

// ListTemplates returns all templates ordered by title.
func (m *MemoryStore) ListTemplates(ctx context.Context) ([]Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Template, 0, len(m.templates))
	for _, t := range m.templates {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
