// ABOUTME: Conversation handle scoped to one conversation id
// ABOUTME: Composes confirmed, pending, and queued messages into one view and owns typing and drafts

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/support-sync/internal/offline"
	"github.com/2389/support-sync/internal/pagination"
	"github.com/2389/support-sync/internal/pipeline"
	"github.com/2389/support-sync/internal/presence"
	"github.com/2389/support-sync/internal/projection"
	"github.com/2389/support-sync/internal/store"
)

// draftTimeout bounds each draft persistence write.
const draftTimeout = 5 * time.Second

// View is everything a conversation screen renders.
type View struct {
	Conversation *store.Conversation
	// Messages holds confirmed messages ascending, then pending sends, then
	// queued offline entries for this conversation.
	Messages   []store.Message
	Pinned     []store.Message
	HasMore    bool
	Loading    bool
	Err        error
	UnreadFrom int
	Connection offline.State
	// RateLimitRemaining is sends left in the current window.
	RateLimitRemaining int
}

// Conversation is the per-conversation handle.
type Conversation struct {
	id       string
	mgr      *Manager
	pipe     *pipeline.Pipeline
	proj     *projection.Projection
	typing   *presence.Coordinator
	logger   *slog.Logger
	debounce time.Duration

	mu         sync.Mutex
	draft      string
	draftDirty bool
	draftTimer *time.Timer
	closed     bool
}

func newConversation(m *Manager, convID string, pipe *pipeline.Pipeline, draft string) *Conversation {
	cfg := m.cfg
	c := &Conversation{
		id:       convID,
		mgr:      m,
		pipe:     pipe,
		logger:   m.logger.With("conversation_id", convID),
		debounce: cfg.Drafts.SaveDebounce,
		draft:    draft,
	}
	c.proj = projection.New(m.store, projection.Options{
		ConversationID: convID,
		Self:           m.identity,
		LiveLimit:      cfg.Pagination.MessageInitial,
		PageSize:       cfg.Pagination.MessagePage,
		OnConfirmed:    func(msgs []store.Message) { pipe.Reconcile(msgs) },
		Metrics:        m.metrics,
		Logger:         m.base,
	})
	c.typing = presence.New(m.slot, presence.Options{
		ConversationID: convID,
		Self:           m.identity,
		Timeout:        cfg.Typing.Timeout,
		Debounce:       cfg.Typing.Debounce,
		Logger:         m.base,
	})
	return c
}

// ID is the conversation id.
func (c *Conversation) ID() string { return c.id }

// Send delivers content. The draft is cleared and the typing indicator
// stopped once the message is accepted, queued, or confirmed.
func (c *Conversation) Send(ctx context.Context, content string, attachments []store.Attachment) (store.Message, error) {
	msg, err := c.pipe.Send(ctx, content, attachments)
	if err != nil || msg.ID == "" {
		return msg, err
	}
	c.typing.Stop()
	c.clearDraft()
	if msg.Status == store.StatusConfirmed && c.mgr.role == store.RoleAdmin {
		c.recordAdminReply(msg.Timestamp)
	}
	return msg, nil
}

// SendBatch writes several messages atomically.
func (c *Conversation) SendBatch(ctx context.Context, contents []string) ([]store.Message, error) {
	msgs, err := c.pipe.SendBatch(ctx, contents)
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 && c.mgr.role == store.RoleAdmin {
		c.recordAdminReply(msgs[len(msgs)-1].Timestamp)
	}
	return msgs, nil
}

// Retry resends a failed message. Queued offline entries are requeued;
// failed pipeline sends are redelivered under their original id.
func (c *Conversation) Retry(ctx context.Context, id string) (store.Message, error) {
	for _, q := range c.mgr.offline.Pending() {
		if q.ID == id && q.ConversationID == c.id {
			if err := c.mgr.offline.Retry(id); err != nil {
				return store.Message{}, err
			}
			msg := queuedMessage(q, c.mgr.identity, c.mgr.role)
			msg.Status = store.StatusQueued
			return msg, nil
		}
	}
	return c.pipe.Retry(ctx, id)
}

// Discard drops a failed message from pending or the offline queue.
func (c *Conversation) Discard(id string) bool {
	if c.pipe.Discard(id) {
		return true
	}
	return c.mgr.offline.Remove(id)
}

// LastError is the error of the most recent failed delivery of id.
func (c *Conversation) LastError(id string) error {
	return c.pipe.LastError(id)
}

// View composes the current state.
func (c *Conversation) View() View {
	return c.compose(c.proj.State(), c.pipe.Pending(), c.mgr.offline.Pending(), c.mgr.offline.State())
}

// Watch streams views whenever the confirmed state, pending sends, or the
// offline queue change. Only the newest undelivered view is kept.
func (c *Conversation) Watch(ctx context.Context) <-chan View {
	states := c.proj.Subscribe(ctx)
	pending := c.pipe.Subscribe(ctx)
	events := c.mgr.offline.Subscribe(ctx)

	out := make(chan View, 1)
	go func() {
		defer close(out)
		st := c.proj.State()
		pend := c.pipe.Pending()
		queue := c.mgr.offline.Pending()
		conn := c.mgr.offline.State()
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-states:
				if !ok {
					return
				}
				st = s
			case p, ok := <-pending:
				if !ok {
					return
				}
				pend = p
			case ev, ok := <-events:
				if !ok {
					return
				}
				queue, conn = ev.Queue, ev.State
			}
			v := c.compose(st, pend, queue, conn)
			select {
			case <-out:
			default:
			}
			out <- v
		}
	}()
	return out
}

// LoadOlder fetches the next older page of confirmed messages.
func (c *Conversation) LoadOlder(ctx context.Context) (int, error) {
	return c.proj.LoadOlder(ctx)
}

// Restart re-establishes the live subscriptions after a listener error.
func (c *Conversation) Restart(ctx context.Context) error {
	return c.proj.Restart(ctx)
}

// Typing reports local keystroke activity.
func (c *Conversation) Typing(ctx context.Context) error {
	return c.typing.Start(ctx)
}

// StopTyping schedules the typing indicator to clear.
func (c *Conversation) StopTyping() {
	c.typing.Stop()
}

// Typists streams the other participant's typing state; nil means nobody.
func (c *Conversation) Typists(ctx context.Context) <-chan *store.TypingState {
	return c.typing.Observe(ctx)
}

// Draft is the unsent input text.
func (c *Conversation) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// SetDraft records unsent input. Persistence is debounced.
func (c *Conversation) SetDraft(content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.draft = content
	c.draftDirty = true
	if c.draftTimer != nil {
		c.draftTimer.Stop()
	}
	c.draftTimer = time.AfterFunc(c.debounce, c.flushDraft)
}

// MarkRead marks messageIDs read by the local participant.
func (c *Conversation) MarkRead(ctx context.Context, messageIDs []string) error {
	if err := c.mgr.engine.MarkRead(ctx, c.id, c.mgr.identity, c.mgr.role, messageIDs); err != nil {
		return err
	}
	c.proj.MarkSeen(time.Now())
	return nil
}

// UpdateStatus changes the conversation status.
func (c *Conversation) UpdateStatus(ctx context.Context, status store.ConversationStatus) error {
	return c.mgr.engine.UpdateStatus(ctx, c.id, c.mgr.identity, status)
}

// UpdatePriority changes the conversation priority.
func (c *Conversation) UpdatePriority(ctx context.Context, priority store.Priority) error {
	return c.mgr.engine.UpdatePriority(ctx, c.id, c.mgr.identity, priority)
}

// UpdateTags replaces the conversation's tags.
func (c *Conversation) UpdateTags(ctx context.Context, tags []store.Tag) error {
	return c.mgr.engine.UpdateTags(ctx, c.id, c.mgr.identity, tags)
}

// React adds or removes the local participant's emoji on msgID.
func (c *Conversation) React(ctx context.Context, msgID, emoji string, add bool) error {
	if add {
		return c.mgr.engine.AddReaction(ctx, c.id, msgID, c.mgr.identity, emoji)
	}
	return c.mgr.engine.RemoveReaction(ctx, c.id, msgID, c.mgr.identity, emoji)
}

// Pin pins msgID.
func (c *Conversation) Pin(ctx context.Context, msgID string) error {
	return c.mgr.engine.PinMessage(ctx, c.id, msgID, c.mgr.identity)
}

// Unpin unpins msgID.
func (c *Conversation) Unpin(ctx context.Context, msgID string) error {
	return c.mgr.engine.UnpinMessage(ctx, c.id, msgID, c.mgr.identity)
}

// Edit replaces the content of one of the local participant's messages.
func (c *Conversation) Edit(ctx context.Context, msgID, content string) error {
	return c.mgr.engine.EditMessage(ctx, c.id, msgID, c.mgr.identity, content)
}

// AuditLog returns a pager over the conversation's audit entries, newest first.
func (c *Conversation) AuditLog() *pagination.Pager[store.AuditEntry] {
	return pagination.NewAuditPager(c.mgr.engine, c.id, c.mgr.cfg.Pagination.ConversationPage)
}

// Close persists the draft and stops the projection and typing coordinator.
func (c *Conversation) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.draftTimer != nil {
		c.draftTimer.Stop()
	}
	c.mu.Unlock()

	c.flushDraft()
	c.typing.Close()
	c.proj.Close()
	c.mgr.forget(c.id)
}

func (c *Conversation) compose(st projection.State, pending []store.Message, queue []store.PendingMessage, conn offline.State) View {
	msgs := make([]store.Message, 0, len(st.Messages)+len(pending)+len(queue))
	msgs = append(msgs, st.Messages...)
	msgs = append(msgs, pending...)
	for _, q := range queue {
		if q.ConversationID == c.id {
			msgs = append(msgs, queuedMessage(q, c.mgr.identity, c.mgr.role))
		}
	}
	return View{
		Conversation:       st.Conversation,
		Messages:           msgs,
		Pinned:             st.Pinned,
		HasMore:            st.HasMore,
		Loading:            st.Loading,
		Err:                st.Err,
		UnreadFrom:         st.UnreadFrom,
		Connection:         conn,
		RateLimitRemaining: c.mgr.RateLimitRemaining(),
	}
}

func (c *Conversation) clearDraft() {
	c.mu.Lock()
	c.draft = ""
	c.draftDirty = false
	if c.draftTimer != nil {
		c.draftTimer.Stop()
	}
	c.mu.Unlock()

	if c.mgr.local == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), draftTimeout)
	defer cancel()
	if err := c.mgr.local.ClearDraft(ctx, c.id); err != nil {
		c.logger.Warn("failed to clear draft", "error", err)
	}
}

func (c *Conversation) flushDraft() {
	c.mu.Lock()
	if !c.draftDirty {
		c.mu.Unlock()
		return
	}
	content := c.draft
	c.draftDirty = false
	c.mu.Unlock()

	if c.mgr.local == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), draftTimeout)
	defer cancel()
	if err := c.mgr.local.SaveDraft(ctx, c.id, content); err != nil {
		c.logger.Warn("failed to save draft", "error", err)
	}
}

func (c *Conversation) recordAdminReply(at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), draftTimeout)
	defer cancel()
	if err := c.mgr.engine.RecordAdminReply(ctx, c.id, at); err != nil {
		c.logger.Warn("failed to record admin reply", "error", err)
	}
}

func queuedMessage(q store.PendingMessage, self store.Identity, role store.Role) store.Message {
	return store.Message{
		ID:              q.ID,
		ConversationID:  q.ConversationID,
		Sender:          self,
		SenderRole:      role,
		Content:         q.Content,
		Timestamp:       q.Timestamp,
		Attachments:     append([]store.Attachment(nil), q.Attachments...),
		ClientMessageID: pipeline.IdempotencyKey(q.ID),
		Status:          q.Status,
	}
}
