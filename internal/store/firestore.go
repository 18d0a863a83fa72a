// ABOUTME: Firestore-backed Store using the support_conversations collection tree
// ABOUTME: Listeners map to Snapshots, batches and pins to transactions, reactions to ArrayUnion

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Collection names.
const (
	conversationsCollection = "support_conversations"
	messagesCollection      = "messages"
	auditCollection         = "audit_logs"
	typingCollection        = "typing"
	typingDoc               = "current"
	templatesCollection     = "support_message_templates"
)

// FirestoreStore implements Store against Cloud Firestore.
type FirestoreStore struct {
	client *firestore.Client
	now    func() time.Time
}

// NewFirestoreStore connects to projectID. When FIRESTORE_EMULATOR_HOST is
// set the client talks to the emulator.
func NewFirestoreStore(ctx context.Context, projectID string, opts ...option.ClientOption) (*FirestoreStore, error) {
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}
	return &FirestoreStore{
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the client connection.
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func (s *FirestoreStore) conversation(id string) *firestore.DocumentRef {
	return s.client.Collection(conversationsCollection).Doc(id)
}

func (s *FirestoreStore) messages(convID string) *firestore.CollectionRef {
	return s.conversation(convID).Collection(messagesCollection)
}

func (s *FirestoreStore) typing(convID string) *firestore.DocumentRef {
	return s.conversation(convID).Collection(typingCollection).Doc(typingDoc)
}

// mapError converts gRPC status codes into store sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case codes.AlreadyExists:
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// descending orders a query newest first with the document ID as tie-breaker,
// the same order Cursor assumes.
func descending(q firestore.Query, field string, after *Cursor) firestore.Query {
	q = q.OrderBy(field, firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
	if after != nil {
		q = q.StartAfter(after.Timestamp, after.ID)
	}
	return q
}

func decodeMessage(doc *firestore.DocumentSnapshot) (Message, error) {
	var msg Message
	if err := doc.DataTo(&msg); err != nil {
		return Message{}, fmt.Errorf("decoding message %s: %w", doc.Ref.ID, err)
	}
	msg.ID = doc.Ref.ID
	return msg, nil
}

func decodeConversation(doc *firestore.DocumentSnapshot) (Conversation, error) {
	var conv Conversation
	if err := doc.DataTo(&conv); err != nil {
		return Conversation{}, fmt.Errorf("decoding conversation %s: %w", doc.Ref.ID, err)
	}
	conv.ID = doc.Ref.ID
	return conv, nil
}

func collectMessages(it *firestore.DocumentIterator) ([]Message, error) {
	defer it.Stop()
	var out []Message
	for {
		doc, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, mapError(err)
		}
		msg, err := decodeMessage(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// deliver blocks until v is received or ctx ends.
func deliver[T any](ctx context.Context, out chan<- T, v T) bool {
	select {
	case out <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

// listenerFailed reports whether err is a real failure rather than shutdown.
func listenerFailed(ctx context.Context, err error) bool {
	return ctx.Err() == nil && status.Code(err) != codes.Canceled
}

// Conversations

// CreateConversation creates the conversation document. It fails with
// ErrConflict if the ID is taken.
func (s *FirestoreStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.Status == "" {
		conv.Status = ConversationOpen
	}
	if conv.Priority == "" {
		conv.Priority = PriorityNormal
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = s.now()
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}
	if _, err := s.conversation(conv.ID).Create(ctx, conv); err != nil {
		return fmt.Errorf("creating conversation %s: %w", conv.ID, mapError(err))
	}
	return nil
}

// GetConversation reads one conversation.
func (s *FirestoreStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	doc, err := s.conversation(id).Get(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	conv, err := decodeConversation(doc)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// UpdateConversation writes the patched fields. The document must exist.
func (s *FirestoreStore) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) error {
	updatedAt := patch.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}
	updates := []firestore.Update{{Path: "updatedAt", Value: updatedAt}}
	if patch.Status != nil {
		updates = append(updates, firestore.Update{Path: "status", Value: *patch.Status})
	}
	if patch.Priority != nil {
		updates = append(updates, firestore.Update{Path: "priority", Value: *patch.Priority})
	}
	if patch.Subject != nil {
		updates = append(updates, firestore.Update{Path: "subject", Value: *patch.Subject})
	}
	if patch.Tags != nil {
		updates = append(updates, firestore.Update{Path: "tags", Value: *patch.Tags})
	}
	if patch.Metrics != nil {
		updates = append(updates, firestore.Update{Path: "metrics", Value: *patch.Metrics})
	}
	if patch.ResetUnread != nil {
		updates = append(updates, firestore.Update{Path: "unreadCount." + string(*patch.ResetUnread), Value: 0})
	}
	if _, err := s.conversation(id).Update(ctx, updates); err != nil {
		return fmt.Errorf("updating conversation %s: %w", id, mapError(err))
	}
	return nil
}

// ListConversations pages conversations by UpdatedAt descending.
func (s *FirestoreStore) ListConversations(ctx context.Context, q ConversationQuery) ([]Conversation, error) {
	query := s.client.Collection(conversationsCollection).Query
	if q.UserID != "" {
		query = query.Where("userId", "==", q.UserID)
	}
	if q.Status != "" {
		query = query.Where("status", "==", string(q.Status))
	}
	query = descending(query, "updatedAt", q.After)
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	it := query.Documents(ctx)
	defer it.Stop()
	var out []Conversation
	for {
		doc, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing conversations: %w", mapError(err))
		}
		conv, err := decodeConversation(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

// WatchConversation streams the conversation document.
func (s *FirestoreStore) WatchConversation(ctx context.Context, id string) <-chan ConversationSnapshot {
	out := make(chan ConversationSnapshot, 1)
	go func() {
		defer close(out)
		it := s.conversation(id).Snapshots(ctx)
		defer it.Stop()
		for {
			doc, err := it.Next()
			if err != nil && status.Code(err) != codes.NotFound {
				if listenerFailed(ctx, err) {
					deliver(ctx, out, ConversationSnapshot{Err: err})
				}
				return
			}
			var snap ConversationSnapshot
			if err == nil && doc.Exists() {
				conv, derr := decodeConversation(doc)
				if derr != nil {
					deliver(ctx, out, ConversationSnapshot{Err: derr})
					return
				}
				snap.Conversation = &conv
			}
			if !deliver(ctx, out, snap) {
				return
			}
		}
	}()
	return out
}

// Messages

// WatchMessages streams the newest limit messages, newest first.
func (s *FirestoreStore) WatchMessages(ctx context.Context, convID string, limit int) <-chan MessagesSnapshot {
	q := descending(s.messages(convID).Query, "timestamp", nil)
	if limit > 0 {
		q = q.Limit(limit)
	}

	out := make(chan MessagesSnapshot, 1)
	go func() {
		defer close(out)
		it := q.Snapshots(ctx)
		defer it.Stop()
		for {
			snap, err := it.Next()
			if err != nil {
				if listenerFailed(ctx, err) {
					deliver(ctx, out, MessagesSnapshot{Err: err})
				}
				return
			}
			msgs, err := collectMessages(snap.Documents)
			if err != nil {
				deliver(ctx, out, MessagesSnapshot{Err: err})
				return
			}
			if !deliver(ctx, out, MessagesSnapshot{Messages: msgs}) {
				return
			}
		}
	}()
	return out
}

// ListMessages returns up to limit messages strictly older than after.
func (s *FirestoreStore) ListMessages(ctx context.Context, convID string, limit int, after *Cursor) ([]Message, error) {
	q := descending(s.messages(convID).Query, "timestamp", after)
	if limit > 0 {
		q = q.Limit(limit)
	}
	msgs, err := collectMessages(q.Documents(ctx))
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return msgs, nil
}

// GetMessage reads one message.
func (s *FirestoreStore) GetMessage(ctx context.Context, convID, msgID string) (*Message, error) {
	doc, err := s.messages(convID).Doc(msgID).Get(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	msg, err := decodeMessage(doc)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// CreateMessage writes one message and the conversation summary in a transaction.
func (s *FirestoreStore) CreateMessage(ctx context.Context, convID string, msg Message) (Message, error) {
	created, err := s.CreateMessages(ctx, convID, []Message{msg})
	if err != nil {
		return Message{}, err
	}
	return created[0], nil
}

// CreateMessages writes msgs and the conversation summary in one transaction.
func (s *FirestoreStore) CreateMessages(ctx context.Context, convID string, msgs []Message) ([]Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	if len(msgs) > MaxBatchMessages {
		return nil, fmt.Errorf("%d messages plus the conversation update: %w", len(msgs), ErrBatchTooLarge)
	}

	now := s.now()
	prepared := make([]Message, len(msgs))
	refs := make([]*firestore.DocumentRef, len(msgs))
	for i, msg := range msgs {
		msg = msg.Clone()
		if msg.ID == "" || IsTempID(msg.ID) {
			refs[i] = s.messages(convID).NewDoc()
			msg.ID = refs[i].ID
		} else {
			refs[i] = s.messages(convID).Doc(msg.ID)
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now.Add(time.Duration(i) * BatchTimestampStep)
		}
		msg.ConversationID = convID
		msg.Status = StatusConfirmed
		prepared[i] = msg
	}

	convRef := s.conversation(convID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(convRef)
		if err != nil {
			return err
		}
		conv, err := decodeConversation(doc)
		if err != nil {
			return err
		}

		var userUnread, adminUnread int
		for i := range prepared {
			if err := tx.Create(refs[i], prepared[i]); err != nil {
				return err
			}
			if prepared[i].SenderRole == RoleAdmin {
				userUnread++
			} else {
				adminUnread++
			}
			applyArrival(&conv, prepared[i])
		}

		updates := []firestore.Update{
			{Path: "lastMessage", Value: conv.LastMessage},
			{Path: "updatedAt", Value: conv.UpdatedAt},
			{Path: "unreadCount.user", Value: firestore.Increment(userUnread)},
			{Path: "unreadCount.admin", Value: firestore.Increment(adminUnread)},
		}
		if conv.LastUserMessageAt != nil {
			updates = append(updates, firestore.Update{Path: "lastUserMessageAt", Value: *conv.LastUserMessageAt})
		}
		return tx.Update(convRef, updates)
	})
	if err != nil {
		return nil, fmt.Errorf("writing %d messages: %w", len(msgs), mapError(err))
	}
	return prepared, nil
}

// UpdateMessage writes the patched fields. Edit history and readBy grow via ArrayUnion.
func (s *FirestoreStore) UpdateMessage(ctx context.Context, convID, msgID string, patch MessagePatch) error {
	var updates []firestore.Update
	if patch.Content != nil {
		updates = append(updates, firestore.Update{Path: "content", Value: *patch.Content})
	}
	if patch.EditedAt != nil {
		updates = append(updates, firestore.Update{Path: "editedAt", Value: *patch.EditedAt})
	}
	if patch.AppendEdit != nil {
		updates = append(updates, firestore.Update{Path: "editHistory", Value: firestore.ArrayUnion(*patch.AppendEdit)})
	}
	if len(patch.AddReadBy) > 0 {
		ids := make([]any, len(patch.AddReadBy))
		for i, id := range patch.AddReadBy {
			ids[i] = id
		}
		updates = append(updates, firestore.Update{Path: "readBy", Value: firestore.ArrayUnion(ids...)})
	}
	if patch.ReadAt != nil {
		updates = append(updates, firestore.Update{Path: "readAt", Value: *patch.ReadAt})
	}
	if len(updates) == 0 {
		return nil
	}
	if _, err := s.messages(convID).Doc(msgID).Update(ctx, updates); err != nil {
		return fmt.Errorf("updating message %s: %w", msgID, mapError(err))
	}
	return nil
}

// AddReaction appends r with ArrayUnion, which only dedupes identical values.
func (s *FirestoreStore) AddReaction(ctx context.Context, convID, msgID string, r Reaction) error {
	_, err := s.messages(convID).Doc(msgID).Update(ctx, []firestore.Update{
		{Path: "reactions", Value: firestore.ArrayUnion(r)},
	})
	if err != nil {
		return fmt.Errorf("adding reaction to %s: %w", msgID, mapError(err))
	}
	return nil
}

// SetReactions overwrites the reaction list.
func (s *FirestoreStore) SetReactions(ctx context.Context, convID, msgID string, reactions []Reaction) error {
	if reactions == nil {
		reactions = []Reaction{}
	}
	_, err := s.messages(convID).Doc(msgID).Update(ctx, []firestore.Update{
		{Path: "reactions", Value: reactions},
	})
	if err != nil {
		return fmt.Errorf("setting reactions on %s: %w", msgID, mapError(err))
	}
	return nil
}

// PinMessage pins msgID inside a transaction that first counts existing pins.
func (s *FirestoreStore) PinMessage(ctx context.Context, convID, msgID, pinnedBy string, at time.Time, maxPins int) error {
	ref := s.messages(convID).Doc(msgID)
	pinnedQuery := s.messages(convID).Where("isPinned", "==", true)

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			return err
		}
		msg, err := decodeMessage(doc)
		if err != nil {
			return err
		}
		if msg.IsPinned {
			return nil
		}

		pinned, err := tx.Documents(pinnedQuery).GetAll()
		if err != nil {
			return err
		}
		if len(pinned) >= maxPins {
			return fmt.Errorf("%d of %d pinned: %w", len(pinned), maxPins, ErrPinLimit)
		}

		return tx.Update(ref, []firestore.Update{
			{Path: "isPinned", Value: true},
			{Path: "pinnedBy", Value: pinnedBy},
			{Path: "pinnedAt", Value: at},
		})
	})
	if err != nil {
		return fmt.Errorf("pinning message %s: %w", msgID, mapError(err))
	}
	return nil
}

// UnpinMessage clears the pin fields.
func (s *FirestoreStore) UnpinMessage(ctx context.Context, convID, msgID string) error {
	_, err := s.messages(convID).Doc(msgID).Update(ctx, []firestore.Update{
		{Path: "isPinned", Value: false},
		{Path: "pinnedBy", Value: firestore.Delete},
		{Path: "pinnedAt", Value: firestore.Delete},
	})
	if err != nil {
		return fmt.Errorf("unpinning message %s: %w", msgID, mapError(err))
	}
	return nil
}

// ListPinned returns pinned messages, earliest pin first.
func (s *FirestoreStore) ListPinned(ctx context.Context, convID string) ([]Message, error) {
	q := s.messages(convID).Where("isPinned", "==", true).OrderBy("pinnedAt", firestore.Asc)
	msgs, err := collectMessages(q.Documents(ctx))
	if err != nil {
		return nil, fmt.Errorf("listing pinned messages: %w", err)
	}
	return msgs, nil
}

// Audit

// AppendAudit writes one audit entry.
func (s *FirestoreStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	ref := s.conversation(entry.ConversationID).Collection(auditCollection).Doc(entry.ID)
	if _, err := ref.Create(ctx, entry); err != nil {
		return fmt.Errorf("appending audit entry: %w", mapError(err))
	}
	return nil
}

// ListAudit pages audit entries newest first.
func (s *FirestoreStore) ListAudit(ctx context.Context, convID string, limit int, after *Cursor) ([]AuditEntry, error) {
	q := descending(s.conversation(convID).Collection(auditCollection).Query, "timestamp", after)
	if limit > 0 {
		q = q.Limit(limit)
	}

	it := q.Documents(ctx)
	defer it.Stop()
	var out []AuditEntry
	for {
		doc, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing audit entries: %w", mapError(err))
		}
		var e AuditEntry
		if err := doc.DataTo(&e); err != nil {
			return nil, fmt.Errorf("decoding audit entry %s: %w", doc.Ref.ID, err)
		}
		e.ID = doc.Ref.ID
		out = append(out, e)
	}
	return out, nil
}

// Typing

// SetTyping overwrites the presence slot. A zero UpdatedAt becomes the server timestamp.
func (s *FirestoreStore) SetTyping(ctx context.Context, convID string, state TypingState) error {
	if _, err := s.typing(convID).Set(ctx, state); err != nil {
		return fmt.Errorf("setting typing state: %w", mapError(err))
	}
	return nil
}

// ClearTyping deletes the presence slot.
func (s *FirestoreStore) ClearTyping(ctx context.Context, convID string) error {
	if _, err := s.typing(convID).Delete(ctx); err != nil {
		return fmt.Errorf("clearing typing state: %w", mapError(err))
	}
	return nil
}

// WatchTyping streams the presence slot.
func (s *FirestoreStore) WatchTyping(ctx context.Context, convID string) <-chan TypingSnapshot {
	out := make(chan TypingSnapshot, 1)
	go func() {
		defer close(out)
		it := s.typing(convID).Snapshots(ctx)
		defer it.Stop()
		for {
			doc, err := it.Next()
			if err != nil && status.Code(err) != codes.NotFound {
				if listenerFailed(ctx, err) {
					deliver(ctx, out, TypingSnapshot{Err: err})
				}
				return
			}
			var snap TypingSnapshot
			if err == nil && doc.Exists() {
				var state TypingState
				if derr := doc.DataTo(&state); derr != nil {
					deliver(ctx, out, TypingSnapshot{Err: derr})
					return
				}
				snap.State = &state
			}
			if !deliver(ctx, out, snap) {
				return
			}
		}
	}()
	return out
}

// Templates

// CreateTemplate writes a canned reply.
func (s *FirestoreStore) CreateTemplate(ctx context.Context, t *Template) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	if _, err := s.client.Collection(templatesCollection).Doc(t.ID).Set(ctx, t); err != nil {
		return fmt.Errorf("creating template: %w", mapError(err))
	}
	return nil
}

// ListTemplates returns templates ordered by title.
func (s *FirestoreStore) ListTemplates(ctx context.Context) ([]Template, error) {
	docs, err := s.client.Collection(templatesCollection).OrderBy("title", firestore.Asc).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("listing templates: %w", mapError(err))
	}
	out := make([]Template, 0, len(docs))
	for _, doc := range docs {
		var t Template
		if err := doc.DataTo(&t); err != nil {
			return nil, fmt.Errorf("decoding template %s: %w", doc.Ref.ID, err)
		}
		t.ID = doc.Ref.ID
		out = append(out, t)
	}
	return out, nil
}

var _ Store = (*FirestoreStore)(nil)
