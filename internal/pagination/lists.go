// ABOUTME: Conversation list and audit log pagination built on Pager
// ABOUTME: ConversationList also refreshes cached rows after local mutations

package pagination

import (
	"context"
	"sync"

	"github.com/2389/support-sync/internal/store"
)

// ConversationLister is the store surface ConversationList needs.
type ConversationLister interface {
	ListConversations(ctx context.Context, q store.ConversationQuery) ([]store.Conversation, error)
}

// AuditLister is the store surface the audit pager needs.
type AuditLister interface {
	ListAudit(ctx context.Context, convID string, limit int, after *store.Cursor) ([]store.AuditEntry, error)
}

// MessageLister is the store surface the message pager needs.
type MessageLister interface {
	ListMessages(ctx context.Context, convID string, limit int, after *store.Cursor) ([]store.Message, error)
}

// ConversationFilter narrows the conversation list.
type ConversationFilter struct {
	UserID string
	Status store.ConversationStatus
}

// ConversationList is the appended, newest-first list of conversations.
type ConversationList struct {
	mu     sync.Mutex
	items  []store.Conversation
	filter ConversationFilter
	pager  *Pager[store.Conversation]
}

// NewConversationList creates a list fetching pageSize conversations per page.
func NewConversationList(src ConversationLister, filter ConversationFilter, pageSize int) *ConversationList {
	l := &ConversationList{filter: filter}
	fetch := func(ctx context.Context, limit int, after *store.Cursor) ([]store.Conversation, error) {
		l.mu.Lock()
		f := l.filter
		l.mu.Unlock()
		return src.ListConversations(ctx, store.ConversationQuery{
			UserID: f.UserID,
			Status: f.Status,
			Limit:  limit,
			After:  after,
		})
	}
	l.pager = NewPager(fetch, store.ConversationCursor, pageSize, pageSize)
	return l
}

// Load replaces the list with the newest page.
func (l *ConversationList) Load(ctx context.Context) error {
	items, err := l.pager.Load(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.items = items
	l.mu.Unlock()
	return nil
}

// LoadMore appends the next older page. It returns the number appended.
func (l *ConversationList) LoadMore(ctx context.Context) (int, error) {
	items, err := l.pager.LoadMore(ctx)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	l.items = append(l.items, items...)
	l.mu.Unlock()
	return len(items), nil
}

// SetFilter changes the filter and clears the list. Call Load afterwards.
func (l *ConversationList) SetFilter(f ConversationFilter) {
	l.mu.Lock()
	l.filter = f
	l.items = nil
	l.mu.Unlock()
	l.pager.Reset()
}

// Items returns a copy of the loaded conversations.
func (l *ConversationList) Items() []store.Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]store.Conversation, len(l.items))
	for i, c := range l.items {
		out[i] = c.Clone()
	}
	return out
}

// HasMore reports whether older conversations may exist.
func (l *ConversationList) HasMore() bool {
	return l.pager.HasMore()
}

// ConversationChanged replaces a cached row after a local mutation. Rows
// that no longer match the status filter are dropped.
func (l *ConversationList) ConversationChanged(conv store.Conversation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].ID != conv.ID {
			continue
		}
		if l.filter.Status != "" && conv.Status != l.filter.Status {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return
		}
		l.items[i] = conv.Clone()
		return
	}
}

// NewAuditPager pages a conversation's audit log newest first.
func NewAuditPager(src AuditLister, convID string, pageSize int) *Pager[store.AuditEntry] {
	fetch := func(ctx context.Context, limit int, after *store.Cursor) ([]store.AuditEntry, error) {
		return src.ListAudit(ctx, convID, limit, after)
	}
	return NewPager(fetch, store.AuditCursor, pageSize, pageSize)
}

// NewMessagePager pages a conversation's message history. It is normally
// seeded from the live tail rather than loaded.
func NewMessagePager(src MessageLister, convID string, initial, pageSize int) *Pager[store.Message] {
	fetch := func(ctx context.Context, limit int, after *store.Cursor) ([]store.Message, error) {
		return src.ListMessages(ctx, convID, limit, after)
	}
	return NewPager(fetch, store.MessageCursor, initial, pageSize)
}
