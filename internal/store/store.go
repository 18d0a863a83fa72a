// ABOUTME: Domain types and store interfaces for support conversations and messages
// ABOUTME: Defines Message, Conversation, AuditEntry and the Store interface both backends satisfy

package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested document does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a create collides with an existing document
var ErrConflict = errors.New("already exists")

// ErrPinLimit is returned when a pin would exceed the per-conversation maximum
var ErrPinLimit = errors.New("pin limit reached")

// ErrBatchTooLarge is returned when a batched write exceeds MaxBatchSize
var ErrBatchTooLarge = errors.New("batch too large")

// MaxBatchSize is the largest number of writes allowed in one atomic batch.
const MaxBatchSize = 500

// MaxBatchMessages is the most messages CreateMessages accepts. The same
// commit also updates the conversation document.
const MaxBatchMessages = MaxBatchSize - 1

// BatchTimestampStep separates the messages of one batch so they keep their
// order at the store's microsecond timestamp precision.
const BatchTimestampStep = time.Microsecond

// TempIDPrefix marks locally generated message ids that the server never assigns.
const TempIDPrefix = "temp_"

// IsTempID reports whether id is a locally generated temporary id.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Role distinguishes the two sides of a support conversation.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Counterpart returns the other side of the conversation.
func (r Role) Counterpart() Role {
	if r == RoleAdmin {
		return RoleUser
	}
	return RoleAdmin
}

// Identity is a participant as resolved by the host application.
type Identity struct {
	ID          string `firestore:"id" json:"id"`
	Email       string `firestore:"email" json:"email"`
	DisplayName string `firestore:"displayName" json:"displayName"`
}

// MessageStatus is the transient client-side state of an unconfirmed message.
// Confirmed messages have an empty status.
type MessageStatus string

const (
	StatusConfirmed MessageStatus = ""
	StatusSending   MessageStatus = "sending"
	StatusFailed    MessageStatus = "failed"
	StatusQueued    MessageStatus = "queued"
)

// AttachmentType classifies an attachment for rendering.
type AttachmentType string

const (
	AttachmentImage    AttachmentType = "image"
	AttachmentDocument AttachmentType = "document"
	AttachmentOther    AttachmentType = "other"
)

// Attachment is upload metadata. The upload itself happens elsewhere.
type Attachment struct {
	ID         string         `firestore:"id" json:"id" validate:"required"`
	Type       AttachmentType `firestore:"type" json:"type" validate:"required,oneof=image document other"`
	URL        string         `firestore:"url" json:"url" validate:"required,url"`
	Name       string         `firestore:"name" json:"name" validate:"required,max=255"`
	Size       int64          `firestore:"size" json:"size" validate:"gt=0"`
	MimeType   string         `firestore:"mimeType" json:"mimeType" validate:"required"`
	UploadedAt time.Time      `firestore:"uploadedAt" json:"uploadedAt"`
}

// Reaction is one user's emoji on a message.
type Reaction struct {
	Emoji     string    `firestore:"emoji" json:"emoji"`
	UserID    string    `firestore:"userId" json:"userId"`
	UserName  string    `firestore:"userName" json:"userName"`
	CreatedAt time.Time `firestore:"createdAt" json:"createdAt"`
}

// EditRecord is a prior version of a message's content.
type EditRecord struct {
	Content  string    `firestore:"content" json:"content"`
	EditedAt time.Time `firestore:"editedAt" json:"editedAt"`
}

// Message is a single entry in a conversation's history.
type Message struct {
	ID              string       `firestore:"-" json:"id"`
	ConversationID  string       `firestore:"conversationId" json:"conversationId"`
	Sender          Identity     `firestore:"sender" json:"sender"`
	SenderRole      Role         `firestore:"senderRole" json:"senderRole"`
	Content         string       `firestore:"content" json:"content"`
	Timestamp       time.Time    `firestore:"timestamp" json:"timestamp"`
	ClientMessageID string       `firestore:"clientMessageId,omitempty" json:"clientMessageId,omitempty"`
	ReadAt          *time.Time   `firestore:"readAt,omitempty" json:"readAt,omitempty"`
	ReadBy          []string     `firestore:"readBy,omitempty" json:"readBy,omitempty"`
	Reactions       []Reaction   `firestore:"reactions,omitempty" json:"reactions,omitempty"`
	Attachments     []Attachment `firestore:"attachments,omitempty" json:"attachments,omitempty"`
	EditedAt        *time.Time   `firestore:"editedAt,omitempty" json:"editedAt,omitempty"`
	EditHistory     []EditRecord `firestore:"editHistory,omitempty" json:"editHistory,omitempty"`
	IsPinned        bool         `firestore:"isPinned" json:"isPinned"`
	PinnedBy        string       `firestore:"pinnedBy,omitempty" json:"pinnedBy,omitempty"`
	PinnedAt        *time.Time   `firestore:"pinnedAt,omitempty" json:"pinnedAt,omitempty"`

	// Status is client-only and never persisted.
	Status MessageStatus `firestore:"-" json:"status,omitempty"`
}

// Clone returns a deep copy so callers can't alias store-owned slices.
func (m Message) Clone() Message {
	c := m
	c.ReadBy = append([]string(nil), m.ReadBy...)
	c.Reactions = append([]Reaction(nil), m.Reactions...)
	c.Attachments = append([]Attachment(nil), m.Attachments...)
	c.EditHistory = append([]EditRecord(nil), m.EditHistory...)
	if m.ReadAt != nil {
		t := *m.ReadAt
		c.ReadAt = &t
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	if m.PinnedAt != nil {
		t := *m.PinnedAt
		c.PinnedAt = &t
	}
	return c
}

// PendingMessage is an offline queue entry. It lives only on the client.
type PendingMessage struct {
	ID             string
	ConversationID string
	Content        string
	Attachments    []Attachment
	Timestamp      time.Time
	Status         MessageStatus // queued, sending, or failed
	LastError      string
}

// ConversationStatus is the support workflow state.
type ConversationStatus string

const (
	ConversationOpen     ConversationStatus = "open"
	ConversationPending  ConversationStatus = "pending"
	ConversationResolved ConversationStatus = "resolved"
)

// Valid reports whether s is a known status.
func (s ConversationStatus) Valid() bool {
	switch s {
	case ConversationOpen, ConversationPending, ConversationResolved:
		return true
	}
	return false
}

// Priority orders conversations in the admin queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Tag is an enumerated conversation label.
type Tag string

const (
	TagBilling   Tag = "billing"
	TagTechnical Tag = "technical"
	TagAccount   Tag = "account"
	TagFeedback  Tag = "feedback"
	TagBug       Tag = "bug"
	TagFeature   Tag = "feature_request"
	TagOther     Tag = "other"
)

// ValidTags lists every accepted tag.
var ValidTags = []Tag{TagBilling, TagTechnical, TagAccount, TagFeedback, TagBug, TagFeature, TagOther}

// Valid reports whether t is in ValidTags.
func (t Tag) Valid() bool {
	for _, v := range ValidTags {
		if t == v {
			return true
		}
	}
	return false
}

// UnreadCounts holds the unread counter per role.
type UnreadCounts struct {
	User  int `firestore:"user" json:"user"`
	Admin int `firestore:"admin" json:"admin"`
}

// For returns the counter for role.
func (u UnreadCounts) For(role Role) int {
	if role == RoleAdmin {
		return u.Admin
	}
	return u.User
}

// MessageSummary is the denormalized last message shown in conversation lists.
type MessageSummary struct {
	Content    string    `firestore:"content" json:"content"`
	SenderID   string    `firestore:"senderId" json:"senderId"`
	SenderRole Role      `firestore:"senderRole" json:"senderRole"`
	Timestamp  time.Time `firestore:"timestamp" json:"timestamp"`
}

// Metrics tracks admin responsiveness for a conversation.
type Metrics struct {
	FirstResponseTimeMs   int64 `firestore:"firstResponseTimeMs" json:"firstResponseTimeMs"`
	AverageResponseTimeMs int64 `firestore:"averageResponseTimeMs" json:"averageResponseTimeMs"`
	TotalAdminReplies     int   `firestore:"totalAdminReplies" json:"totalAdminReplies"`
}

// Conversation is the parent document of a message thread.
type Conversation struct {
	ID                string             `firestore:"-" json:"id"`
	UserID            string             `firestore:"userId" json:"userId"`
	Participants      []Identity         `firestore:"participants" json:"participants"`
	Status            ConversationStatus `firestore:"status" json:"status"`
	Priority          Priority           `firestore:"priority" json:"priority"`
	Subject           string             `firestore:"subject" json:"subject"`
	UnreadCount       UnreadCounts       `firestore:"unreadCount" json:"unreadCount"`
	LastMessage       *MessageSummary    `firestore:"lastMessage,omitempty" json:"lastMessage,omitempty"`
	LastUserMessageAt *time.Time         `firestore:"lastUserMessageAt,omitempty" json:"lastUserMessageAt,omitempty"`
	Tags              []Tag              `firestore:"tags" json:"tags"`
	Metrics           Metrics            `firestore:"metrics" json:"metrics"`
	CreatedAt         time.Time          `firestore:"createdAt" json:"createdAt"`
	UpdatedAt         time.Time          `firestore:"updatedAt" json:"updatedAt"`
}

// Clone returns a deep copy.
func (c Conversation) Clone() Conversation {
	out := c
	out.Participants = append([]Identity(nil), c.Participants...)
	out.Tags = append([]Tag(nil), c.Tags...)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	if c.LastUserMessageAt != nil {
		t := *c.LastUserMessageAt
		out.LastUserMessageAt = &t
	}
	return out
}

// TypingState is the single shared presence slot of a conversation.
type TypingState struct {
	UserID    string    `firestore:"userId" json:"userId"`
	UserName  string    `firestore:"userName" json:"userName"`
	IsTyping  bool      `firestore:"isTyping" json:"isTyping"`
	UpdatedAt time.Time `firestore:"updatedAt,serverTimestamp" json:"updatedAt"`
}

// AuditAction is an enumerated mutation kind.
type AuditAction string

const (
	AuditStatusChanged        AuditAction = "status_changed"
	AuditPriorityChanged      AuditAction = "priority_changed"
	AuditTagsUpdated          AuditAction = "tags_updated"
	AuditMessagePinned        AuditAction = "message_pinned"
	AuditMessageUnpinned      AuditAction = "message_unpinned"
	AuditMessageEdited        AuditAction = "message_edited"
	AuditConversationCreated  AuditAction = "conversation_created"
	AuditConversationResolved AuditAction = "conversation_resolved"
	AuditMessageDeleted       AuditAction = "message_deleted"
)

// AuditEntry is an append-only record of one mutation.
type AuditEntry struct {
	ID             string            `firestore:"-" json:"id"`
	ConversationID string            `firestore:"conversationId" json:"conversationId"`
	Action         AuditAction       `firestore:"action" json:"action"`
	OldValue       string            `firestore:"oldValue" json:"oldValue"`
	NewValue       string            `firestore:"newValue" json:"newValue"`
	Actor          Identity          `firestore:"actor" json:"actor"`
	Timestamp      time.Time         `firestore:"timestamp" json:"timestamp"`
	Metadata       map[string]string `firestore:"metadata,omitempty" json:"metadata,omitempty"`
}

// Template is a canned admin reply.
type Template struct {
	ID        string    `firestore:"-" json:"id"`
	Title     string    `firestore:"title" json:"title"`
	Content   string    `firestore:"content" json:"content"`
	Category  string    `firestore:"category" json:"category"`
	CreatedAt time.Time `firestore:"createdAt" json:"createdAt"`
}

// ConversationPatch lists the fields an update touches. Nil fields are left alone.
type ConversationPatch struct {
	Status      *ConversationStatus
	Priority    *Priority
	Subject     *string
	Tags        *[]Tag
	Metrics     *Metrics
	ResetUnread *Role
	UpdatedAt   time.Time
}

// MessagePatch lists the message fields an update touches.
type MessagePatch struct {
	Content    *string
	EditedAt   *time.Time
	AppendEdit *EditRecord
	AddReadBy  []string
	ReadAt     *time.Time
}

// ConversationQuery selects a page of conversations ordered by UpdatedAt descending.
type ConversationQuery struct {
	UserID string // empty lists every conversation
	Status ConversationStatus
	Limit  int
	After  *Cursor
}

// MessagesSnapshot is one delivery from a message listener: the newest
// messages in descending timestamp order, or a terminal error.
type MessagesSnapshot struct {
	Messages []Message
	Err      error
}

// ConversationSnapshot carries the latest conversation document or a terminal error.
type ConversationSnapshot struct {
	Conversation *Conversation
	Err          error
}

// TypingSnapshot carries the presence slot (nil when empty) or a terminal error.
type TypingSnapshot struct {
	State *TypingState
	Err   error
}

// ConversationStore persists conversation documents.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversation(ctx context.Context, id string, patch ConversationPatch) error
	ListConversations(ctx context.Context, q ConversationQuery) ([]Conversation, error)
	WatchConversation(ctx context.Context, id string) <-chan ConversationSnapshot
}

// MessageStore persists a conversation's messages.
type MessageStore interface {
	WatchMessages(ctx context.Context, convID string, limit int) <-chan MessagesSnapshot
	ListMessages(ctx context.Context, convID string, limit int, after *Cursor) ([]Message, error)
	GetMessage(ctx context.Context, convID, msgID string) (*Message, error)
	CreateMessage(ctx context.Context, convID string, msg Message) (Message, error)
	CreateMessages(ctx context.Context, convID string, msgs []Message) ([]Message, error)
	UpdateMessage(ctx context.Context, convID, msgID string, patch MessagePatch) error
	AddReaction(ctx context.Context, convID, msgID string, r Reaction) error
	SetReactions(ctx context.Context, convID, msgID string, reactions []Reaction) error
	PinMessage(ctx context.Context, convID, msgID, pinnedBy string, at time.Time, maxPins int) error
	UnpinMessage(ctx context.Context, convID, msgID string) error
	ListPinned(ctx context.Context, convID string) ([]Message, error)
}

// AuditStore persists the append-only audit log.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, convID string, limit int, after *Cursor) ([]AuditEntry, error)
}

// TypingStore persists the per-conversation presence slot.
type TypingStore interface {
	SetTyping(ctx context.Context, convID string, state TypingState) error
	ClearTyping(ctx context.Context, convID string) error
	WatchTyping(ctx context.Context, convID string) <-chan TypingSnapshot
}

// TemplateStore reads canned replies.
type TemplateStore interface {
	CreateTemplate(ctx context.Context, t *Template) error
	ListTemplates(ctx context.Context) ([]Template, error)
}

// Store is the full remote document store.
type Store interface {
	ConversationStore
	MessageStore
	AuditStore
	TypingStore
	TemplateStore

	// Close releases any resources held by the store
	Close() error
}

// newer reports whether (ts, id) sorts before (ots, oid) in descending order.
func newer(ts time.Time, id string, ots time.Time, oid string) bool {
	if !ts.Equal(ots) {
		return ts.After(ots)
	}
	return id > oid
}
