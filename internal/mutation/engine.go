// ABOUTME: Mutation engine for conversations and messages with audit logging
// ABOUTME: Enforces reaction uniqueness, pin limits, and edit window/count rules

package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/support-sync/internal/apperr"
	"github.com/2389/support-sync/internal/metrics"
	"github.com/2389/support-sync/internal/sanitize"
	"github.com/2389/support-sync/internal/store"
)

// auditTimeout bounds background audit writes.
const auditTimeout = 5 * time.Second

// Store is the store surface the engine writes through.
type Store interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	UpdateConversation(ctx context.Context, id string, patch store.ConversationPatch) error

	GetMessage(ctx context.Context, convID, msgID string) (*store.Message, error)
	UpdateMessage(ctx context.Context, convID, msgID string, patch store.MessagePatch) error
	AddReaction(ctx context.Context, convID, msgID string, r store.Reaction) error
	SetReactions(ctx context.Context, convID, msgID string, reactions []store.Reaction) error
	PinMessage(ctx context.Context, convID, msgID, pinnedBy string, at time.Time, maxPins int) error
	UnpinMessage(ctx context.Context, convID, msgID string) error

	AppendAudit(ctx context.Context, entry *store.AuditEntry) error
	ListAudit(ctx context.Context, convID string, limit int, after *store.Cursor) ([]store.AuditEntry, error)
}

// Observer is told about every conversation the engine changes.
type Observer interface {
	ConversationChanged(conv store.Conversation)
}

// Options configures an Engine.
type Options struct {
	MaxPins    int
	EditWindow time.Duration
	MaxEdits   int
	MaxLength  int
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Now        func() time.Time
}

// Engine applies mutations.
type Engine struct {
	store   Store
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.RWMutex
	observers []Observer

	wg sync.WaitGroup
}

// New creates an Engine. Pass nil logger for default.
func New(s Store, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.MaxPins <= 0 {
		opts.MaxPins = 5
	}
	if opts.EditWindow <= 0 {
		opts.EditWindow = 15 * time.Minute
	}
	if opts.MaxEdits <= 0 {
		opts.MaxEdits = 5
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = 2000
	}
	return &Engine{
		store:   s,
		opts:    opts,
		metrics: opts.Metrics,
		logger:  logger.With("component", "mutation"),
		now:     opts.Now,
	}
}

// AddObserver registers o for conversation change notifications.
func (e *Engine) AddObserver(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

// RemoveObserver unregisters o. Unknown observers are ignored.
func (e *Engine) RemoveObserver(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = slices.DeleteFunc(e.observers, func(x Observer) bool { return x == o })
}

// Wait blocks until background audit writes finish.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Conversations

// OpenConversation creates a conversation owned by actor.
func (e *Engine) OpenConversation(ctx context.Context, actor store.Identity, subject string) (*store.Conversation, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, apperr.Validation("mutation.open", "subject is required")
	}

	now := e.now()
	conv := &store.Conversation{
		UserID:       actor.ID,
		Participants: []store.Identity{actor},
		Status:       store.ConversationOpen,
		Priority:     store.PriorityNormal,
		Subject:      subject,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	e.auditAsync(&store.AuditEntry{
		ConversationID: conv.ID,
		Action:         store.AuditConversationCreated,
		NewValue:       subject,
		Actor:          actor,
	})
	e.notify(*conv)
	return conv, nil
}

// UpdateStatus moves a conversation to status. A move to resolved is audited
// as conversation_resolved.
func (e *Engine) UpdateStatus(ctx context.Context, convID string, actor store.Identity, status store.ConversationStatus) error {
	const op = "mutation.status"
	if !status.Valid() {
		return apperr.Validationf(op, "unknown status %q", status)
	}

	conv, err := e.conversation(ctx, op, convID)
	if err != nil {
		return err
	}
	if conv.Status == status {
		return nil
	}

	old := conv.Status
	now := e.now()
	if err := e.store.UpdateConversation(ctx, convID, store.ConversationPatch{Status: &status, UpdatedAt: now}); err != nil {
		return fmt.Errorf("updating status: %w", err)
	}

	action := store.AuditStatusChanged
	if status == store.ConversationResolved {
		action = store.AuditConversationResolved
	}
	if err := e.audit(ctx, &store.AuditEntry{
		ConversationID: convID,
		Action:         action,
		OldValue:       string(old),
		NewValue:       string(status),
		Actor:          actor,
	}); err != nil {
		return err
	}

	conv.Status = status
	conv.UpdatedAt = now
	e.notify(*conv)
	return nil
}

// UpdatePriority sets a conversation's priority.
func (e *Engine) UpdatePriority(ctx context.Context, convID string, actor store.Identity, priority store.Priority) error {
	const op = "mutation.priority"
	if !priority.Valid() {
		return apperr.Validationf(op, "unknown priority %q", priority)
	}

	conv, err := e.conversation(ctx, op, convID)
	if err != nil {
		return err
	}
	if conv.Priority == priority {
		return nil
	}

	old := conv.Priority
	now := e.now()
	if err := e.store.UpdateConversation(ctx, convID, store.ConversationPatch{Priority: &priority, UpdatedAt: now}); err != nil {
		return fmt.Errorf("updating priority: %w", err)
	}
	if err := e.audit(ctx, &store.AuditEntry{
		ConversationID: convID,
		Action:         store.AuditPriorityChanged,
		OldValue:       string(old),
		NewValue:       string(priority),
		Actor:          actor,
	}); err != nil {
		return err
	}

	conv.Priority = priority
	conv.UpdatedAt = now
	e.notify(*conv)
	return nil
}

// UpdateTags replaces a conversation's tag set. Duplicates are dropped and
// order is not significant.
func (e *Engine) UpdateTags(ctx context.Context, convID string, actor store.Identity, tags []store.Tag) error {
	const op = "mutation.tags"
	set := make([]store.Tag, 0, len(tags))
	for _, t := range tags {
		if !t.Valid() {
			return apperr.Validationf(op, "unknown tag %q", t)
		}
		if !slices.Contains(set, t) {
			set = append(set, t)
		}
	}
	slices.Sort(set)

	conv, err := e.conversation(ctx, op, convID)
	if err != nil {
		return err
	}
	old := slices.Clone(conv.Tags)
	slices.Sort(old)
	if slices.Equal(old, set) {
		return nil
	}

	now := e.now()
	if err := e.store.UpdateConversation(ctx, convID, store.ConversationPatch{Tags: &set, UpdatedAt: now}); err != nil {
		return fmt.Errorf("updating tags: %w", err)
	}
	e.auditAsync(&store.AuditEntry{
		ConversationID: convID,
		Action:         store.AuditTagsUpdated,
		OldValue:       joinTags(old),
		NewValue:       joinTags(set),
		Actor:          actor,
	})

	conv.Tags = set
	conv.UpdatedAt = now
	e.notify(*conv)
	return nil
}

// MarkRead marks messages read by actor and resets actor's unread counter.
// readAt is stamped only on the first read.
func (e *Engine) MarkRead(ctx context.Context, convID string, actor store.Identity, role store.Role, messageIDs []string) error {
	const op = "mutation.mark_read"
	now := e.now()

	for _, id := range messageIDs {
		msg, err := e.message(ctx, op, convID, id)
		if err != nil {
			return err
		}
		if slices.Contains(msg.ReadBy, actor.ID) {
			continue
		}
		patch := store.MessagePatch{AddReadBy: []string{actor.ID}}
		if msg.ReadAt == nil {
			patch.ReadAt = &now
		}
		if err := e.store.UpdateMessage(ctx, convID, id, patch); err != nil {
			return fmt.Errorf("marking message read: %w", err)
		}
	}

	if err := e.store.UpdateConversation(ctx, convID, store.ConversationPatch{ResetUnread: &role, UpdatedAt: now}); err != nil {
		return fmt.Errorf("resetting unread count: %w", err)
	}
	if conv, err := e.store.GetConversation(ctx, convID); err == nil {
		e.notify(*conv)
	}
	return nil
}

// RecordAdminReply folds an admin reply at replyAt into the response metrics.
func (e *Engine) RecordAdminReply(ctx context.Context, convID string, replyAt time.Time) error {
	const op = "mutation.admin_reply"
	conv, err := e.conversation(ctx, op, convID)
	if err != nil {
		return err
	}

	m := conv.Metrics
	since := conv.CreatedAt
	if conv.LastUserMessageAt != nil {
		since = *conv.LastUserMessageAt
	}
	response := max(replyAt.Sub(since).Milliseconds(), 0)

	if m.TotalAdminReplies == 0 {
		m.FirstResponseTimeMs = max(replyAt.Sub(conv.CreatedAt).Milliseconds(), 0)
	}
	n := int64(m.TotalAdminReplies)
	m.AverageResponseTimeMs = (m.AverageResponseTimeMs*n + response) / (n + 1)
	m.TotalAdminReplies++

	now := e.now()
	if err := e.store.UpdateConversation(ctx, convID, store.ConversationPatch{Metrics: &m, UpdatedAt: now}); err != nil {
		return fmt.Errorf("updating metrics: %w", err)
	}
	conv.Metrics = m
	conv.UpdatedAt = now
	e.notify(*conv)
	return nil
}

// ListAudit returns up to limit audit entries older than after, newest first.
func (e *Engine) ListAudit(ctx context.Context, convID string, limit int, after *store.Cursor) ([]store.AuditEntry, error) {
	entries, err := e.store.ListAudit(ctx, convID, limit, after)
	if err != nil {
		return nil, fmt.Errorf("listing audit log: %w", err)
	}
	return entries, nil
}

// Messages

// AddReaction adds actor's emoji to a message. Adding the same emoji twice is a no-op.
func (e *Engine) AddReaction(ctx context.Context, convID, msgID string, actor store.Identity, emoji string) error {
	const op = "mutation.add_reaction"
	if strings.TrimSpace(emoji) == "" {
		return apperr.Validation(op, "emoji is required")
	}
	msg, err := e.message(ctx, op, convID, msgID)
	if err != nil {
		return err
	}
	for _, r := range msg.Reactions {
		if r.Emoji == emoji && r.UserID == actor.ID {
			return nil
		}
	}

	r := store.Reaction{Emoji: emoji, UserID: actor.ID, UserName: actor.DisplayName, CreatedAt: e.now()}
	if err := e.store.AddReaction(ctx, convID, msgID, r); err != nil {
		return fmt.Errorf("adding reaction: %w", err)
	}
	return nil
}

// RemoveReaction removes actor's emoji from a message.
func (e *Engine) RemoveReaction(ctx context.Context, convID, msgID string, actor store.Identity, emoji string) error {
	const op = "mutation.remove_reaction"
	msg, err := e.message(ctx, op, convID, msgID)
	if err != nil {
		return err
	}

	kept := make([]store.Reaction, 0, len(msg.Reactions))
	for _, r := range msg.Reactions {
		if r.Emoji == emoji && r.UserID == actor.ID {
			continue
		}
		kept = append(kept, r)
	}
	if len(kept) == len(msg.Reactions) {
		return nil
	}
	if err := e.store.SetReactions(ctx, convID, msgID, kept); err != nil {
		return fmt.Errorf("removing reaction: %w", err)
	}
	return nil
}

// PinMessage pins a message. The pin limit is enforced by the store inside a
// transaction so concurrent pins cannot exceed it.
func (e *Engine) PinMessage(ctx context.Context, convID, msgID string, actor store.Identity) error {
	const op = "mutation.pin"
	msg, err := e.message(ctx, op, convID, msgID)
	if err != nil {
		return err
	}
	if msg.IsPinned {
		return nil
	}

	if err := e.store.PinMessage(ctx, convID, msgID, actor.ID, e.now(), e.opts.MaxPins); err != nil {
		if errors.Is(err, store.ErrPinLimit) {
			return apperr.Conflict(op, fmt.Sprintf("a conversation can have at most %d pinned messages", e.opts.MaxPins), err)
		}
		return fmt.Errorf("pinning message: %w", err)
	}
	e.auditAsync(&store.AuditEntry{
		ConversationID: convID,
		Action:         store.AuditMessagePinned,
		NewValue:       msgID,
		Actor:          actor,
		Metadata:       map[string]string{"messageId": msgID},
	})
	return nil
}

// UnpinMessage unpins a message.
func (e *Engine) UnpinMessage(ctx context.Context, convID, msgID string, actor store.Identity) error {
	const op = "mutation.unpin"
	msg, err := e.message(ctx, op, convID, msgID)
	if err != nil {
		return err
	}
	if !msg.IsPinned {
		return nil
	}

	if err := e.store.UnpinMessage(ctx, convID, msgID); err != nil {
		return fmt.Errorf("unpinning message: %w", err)
	}
	e.auditAsync(&store.AuditEntry{
		ConversationID: convID,
		Action:         store.AuditMessageUnpinned,
		OldValue:       msgID,
		Actor:          actor,
		Metadata:       map[string]string{"messageId": msgID},
	})
	return nil
}

// EditMessage replaces a message's content, keeping the prior content in its
// edit history.
func (e *Engine) EditMessage(ctx context.Context, convID, msgID string, actor store.Identity, content string) error {
	const op = "mutation.edit"
	msg, err := e.message(ctx, op, convID, msgID)
	if err != nil {
		return err
	}

	if msg.Sender.ID != actor.ID {
		return apperr.Permission(op, "only the sender can edit a message")
	}
	now := e.now()
	if age := now.Sub(msg.Timestamp); age >= e.opts.EditWindow {
		return apperr.Validationf(op, "message is %s old, edits are allowed for %s", age.Round(time.Second), e.opts.EditWindow)
	}
	if len(msg.EditHistory) >= e.opts.MaxEdits {
		return apperr.Validationf(op, "message has already been edited %d times", len(msg.EditHistory))
	}

	clean, err := sanitize.Content(content, e.opts.MaxLength)
	if err != nil {
		return err
	}
	if clean == msg.Content {
		return nil
	}

	if err := e.store.UpdateMessage(ctx, convID, msgID, store.MessagePatch{
		Content:    &clean,
		EditedAt:   &now,
		AppendEdit: &store.EditRecord{Content: msg.Content, EditedAt: now},
	}); err != nil {
		return fmt.Errorf("editing message: %w", err)
	}
	e.auditAsync(&store.AuditEntry{
		ConversationID: convID,
		Action:         store.AuditMessageEdited,
		OldValue:       msg.Content,
		NewValue:       clean,
		Actor:          actor,
		Metadata:       map[string]string{"messageId": msgID},
	})
	return nil
}

// helpers

func (e *Engine) conversation(ctx context.Context, op, id string) (*store.Conversation, error) {
	conv, err := e.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound(op, "conversation", err)
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	return conv, nil
}

func (e *Engine) message(ctx context.Context, op, convID, msgID string) (*store.Message, error) {
	if store.IsTempID(msgID) {
		return nil, apperr.Validation(op, "message has not been confirmed yet")
	}
	msg, err := e.store.GetMessage(ctx, convID, msgID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound(op, "message", err)
	}
	if err != nil {
		return nil, fmt.Errorf("loading message: %w", err)
	}
	return msg, nil
}

func (e *Engine) prepare(entry *store.AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = e.now()
	}
}

// audit writes entry and waits for it.
func (e *Engine) audit(ctx context.Context, entry *store.AuditEntry) error {
	e.prepare(entry)
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	e.metrics.Audit(string(entry.Action))
	return nil
}

// auditAsync writes entry in the background with a detached context.
func (e *Engine) auditAsync(entry *store.AuditEntry) {
	e.prepare(entry)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		defer cancel()
		if err := e.store.AppendAudit(ctx, entry); err != nil {
			e.logger.Error("failed to write audit entry",
				"error", err,
				"conversation_id", entry.ConversationID,
				"action", entry.Action,
			)
			return
		}
		e.metrics.Audit(string(entry.Action))
	}()
}

func (e *Engine) notify(conv store.Conversation) {
	e.mu.RLock()
	observers := slices.Clone(e.observers)
	e.mu.RUnlock()
	for _, o := range observers {
		o.ConversationChanged(conv.Clone())
	}
}

func joinTags(tags []store.Tag) string {
	parts := make([]string, len(tags))
	for i, t := range tags {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}
