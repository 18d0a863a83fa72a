// ABOUTME: Behavioral tests shared by every Store backend
// ABOUTME: MemoryStore always runs them; FirestoreStore runs them against the emulator

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = Identity{ID: "user-1", Email: "alice@example.com", DisplayName: "Alice"}
	agent = Identity{ID: "admin-1", Email: "agent@example.com", DisplayName: "Agent"}
)

func seedConversation(t *testing.T, s Store) *Conversation {
	t.Helper()
	conv := &Conversation{
		UserID:       alice.ID,
		Participants: []Identity{alice},
		Subject:      "Billing question",
	}
	require.NoError(t, s.CreateConversation(context.Background(), conv))
	require.NotEmpty(t, conv.ID)
	return conv
}

func seedMessages(t *testing.T, s Store, convID string, n int) []Message {
	t.Helper()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	msgs := make([]Message, n)
	for i := range n {
		msgs[i] = Message{
			Sender:     alice,
			SenderRole: RoleUser,
			Content:    fmt.Sprintf("message %02d", i),
			Timestamp:  base.Add(time.Duration(i) * time.Second),
		}
	}
	created, err := s.CreateMessages(context.Background(), convID, msgs)
	require.NoError(t, err)
	return created
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("CreateConversationDefaults", func(t *testing.T) {
		s := newStore(t)
		conv := seedConversation(t, s)

		got, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, ConversationOpen, got.Status)
		assert.Equal(t, PriorityNormal, got.Priority)
		assert.Equal(t, "Billing question", got.Subject)
	})

	t.Run("CreateConversationConflict", func(t *testing.T) {
		s := newStore(t)
		conv := seedConversation(t, s)
		err := s.CreateConversation(ctx, &Conversation{ID: conv.ID, UserID: alice.ID})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("GetConversationNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetConversation(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UpdateConversation", func(t *testing.T) {
		s := newStore(t)
		conv := seedConversation(t, s)

		resolved := ConversationResolved
		tags := []Tag{TagBilling, TagBug}
		require.NoError(t, s.UpdateConversation(ctx, conv.ID, ConversationPatch{
			Status:    &resolved,
			Tags:      &tags,
			UpdatedAt: time.Now().UTC(),
		}))

		got, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, ConversationResolved, got.Status)
		assert.Equal(t, tags, got.Tags)
		assert.Equal(t, PriorityNormal, got.Priority, "untouched fields survive")

		err = s.UpdateConversation(ctx, "missing", ConversationPatch{Status: &resolved})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("MessagesArriveUpdateSummary", func(t *testing.T) {
		s := newStore(t)
		conv := seedConversation(t, s)
		created := seedMessages(t, s, conv.ID, 3)

		for _, m := range created {
			assert.False(t, IsTempID(m.ID))
			assert.Equal(t, conv.ID, m.ConversationID)
		}

		got, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastMessage)
		assert.Equal(t, "message 02", got.LastMessage.Content)
		assert.Equal(t, 3, got.UnreadCount.Admin)
		assert.Equal(t, 0, got.UnreadCount.User)
		require.NotNil(t, got.LastUserMessageAt)
	})

	t.Run("TempIDsAreReplaced", func(t *testing.T) {
		s := newStore(t)
		conv := seedConversation(t, s)
		created, err := s.CreateMessage(ctx, conv.ID, Message{
			ID:         "temp_abc",
			Sender:     alice,
			SenderRole: RoleUser,
			Content:    "hi",
			Status:     StatusSending,
		})
		require.NoError(t, err)
		assert.NotEqual(t, "temp_abc", created.ID)
		assert.Equal(t, StatusConfirmed, created.Status)
	})

	t.Run("CreateMessagesBatchLimit", func(t *testing.T) {
		s := newStore(t)
		conv := seedConversation(t, s)
		batch := func(n int) []Message {
			msgs := make([]Message, n)
			for i := range msgs {
				msgs[i] = Message{Sender: alice, SenderRole: RoleUser, Content: fmt.Sprintf("m%d", i)}
			}
			return msgs
		}

		// The conversation update is the last write of the commit.
		for _, n := range []int{MaxBatchSize, MaxBatchSize + 1} {
			_, err := s.CreateMessages(ctx, conv.ID, batch(n))
			assert.ErrorIs(t, err, ErrBatchTooLarge, "%d messages", n)
		}
		msgs, err := s.ListMessages(ctx, conv.ID, 0, nil)
		require.NoError(t, err)
		assert.Empty(t, msgs, "rejected batch writes nothing")

		created, err := s.CreateMessages(ctx, conv.ID, batch(MaxBatchSize-1))
		require.NoError(t, err)
		assert.Len(t, created, MaxBatchMessages)
	})

	t.Run("CreateMessagesBatchKeepsOrder", func(t *testing.T) {
		s := newStore(t)
		conv := seedConversation(t, s)
		msgs := make([]Message, 100)
		for i := range msgs {
			msgs[i] = Message{Sender: alice, SenderRole: RoleUser, Content: fmt.Sprintf("m%03d", i)}
		}
		_, err := s.CreateMessages(ctx, conv.ID, msgs)
		require.NoError(t, err)

		stored, err := s.ListMessages(ctx, conv.ID, 0, nil)
		require.NoError(t, err)
		require.Len(t, stored, 100)
		for i, m := range stored {
			assert.Equal(t, fmt.Sprintf("m%03d", 99-i), m.Content)
		}
	})

	t.Run("CreateMessagesMissingConversation", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateMessages(ctx, "missing", []Message{{Content: "x"}})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ListMessagesPagesBackward", func(t *testing.T) {
		s := newStore(t)
		conv := seedConversation(t, s)
		seedMessages(t, s, conv.ID, 25)

		var sizes []int
		var cursor *Cursor
		var all []string
		for {
			page, err := s.ListMessages(ctx, conv.ID, 10, cursor)
			require.NoError(t, err)
			sizes = append(sizes, len(page))
			for _, m := range page {
				all = append(all, m.Content)
			}
			if len(page) < 10 {
				break
			}
			c := MessageCursor(page[len(page)-1])
			cursor = &c
		}
		assert.Equal(t, []int{10, 10, 5}, sizes)
		require.Len(t, all, 25)
		assert.Equal(t, "message 24", all[0])
		assert.Equal(t, "message 00", all[24])
	})

	t.Run("UpdateMessageEdit", func(t *testing.T) {
		s := newStore(t)
		conv := seedConversation(t, s)
		msg := seedMessages(t, s, conv.ID, 1)[0]

		now := time.Now().UTC()
		content := "edited"
		require.NoError(t, s.UpdateMessage(ctx, conv.ID, msg.ID, MessagePatch{
			Content:    &content,
			EditedAt:   &now,
			AppendEdit: &EditRecord{Content: msg.Content, EditedAt: now},
			AddReadBy:  []string{agent.ID},
		}))

		got, err := s.GetMessage(ctx, conv.ID, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, "edited", got.Content)
		require.Len(t, got.EditHistory, 1)
		assert.Equal(t, "message 00", got.EditHistory[0].Content)
		require.NotNil(t, got.EditedAt)
		assert.Equal(t, []string{agent.ID}, got.ReadBy)
	})

	t.Run("AddReactionArrayUnion", func(t *testing.T) {
		s := newStore(t)
		conv := seedConversation(t, s)
		msg := seedMessages(t, s, conv.ID, 1)[0]

		r := Reaction{Emoji: "👍", UserID: agent.ID, UserName: agent.DisplayName, CreatedAt: time.Now().UTC().Truncate(time.Millisecond)}
		require.NoError(t, s.AddReaction(ctx, conv.ID, msg.ID, r))
		require.NoError(t, s.AddReaction(ctx, conv.ID, msg.ID, r))

		got, err := s.GetMessage(ctx, conv.ID, msg.ID)
		require.NoError(t, err)
		assert.Len(t, got.Reactions, 1, "identical values collapse")

		require.NoError(t, s.SetReactions(ctx, conv.ID, msg.ID, nil))
		got, err = s.GetMessage(ctx, conv.ID, msg.ID)
		require.NoError(t, err)
		assert.Empty(t, got.Reactions)
	})

	t.Run("PinLimit", func(t *testing.T) {
		s := newStore(t)
		conv := seedConversation(t, s)
		msgs := seedMessages(t, s, conv.ID, 4)
		now := time.Now().UTC()

		for _, m := range msgs[:3] {
			require.NoError(t, s.PinMessage(ctx, conv.ID, m.ID, agent.ID, now, 3))
		}
		require.NoError(t, s.PinMessage(ctx, conv.ID, msgs[0].ID, agent.ID, now, 3), "re-pin is a no-op")

		err := s.PinMessage(ctx, conv.ID, msgs[3].ID, agent.ID, now, 3)
		assert.ErrorIs(t, err, ErrPinLimit)

		require.NoError(t, s.UnpinMessage(ctx, conv.ID, msgs[0].ID))
		require.NoError(t, s.PinMessage(ctx, conv.ID, msgs[3].ID, agent.ID, now, 3))

		pinned, err := s.ListPinned(ctx, conv.ID)
		require.NoError(t, err)
		assert.Len(t, pinned, 3)
	})

	t.Run("AuditNewestFirst", func(t *testing.T) {
		s := newStore(t)
		conv := seedConversation(t, s)
		base := time.Now().UTC().Truncate(time.Millisecond)

		for i := range 5 {
			require.NoError(t, s.AppendAudit(ctx, &AuditEntry{
				ConversationID: conv.ID,
				Action:         AuditStatusChanged,
				OldValue:       fmt.Sprintf("v%d", i),
				NewValue:       fmt.Sprintf("v%d", i+1),
				Actor:          agent,
				Timestamp:      base.Add(time.Duration(i) * time.Second),
			}))
		}

		first, err := s.ListAudit(ctx, conv.ID, 3, nil)
		require.NoError(t, err)
		require.Len(t, first, 3)
		assert.Equal(t, "v4", first[0].OldValue)

		c := AuditCursor(first[2])
		rest, err := s.ListAudit(ctx, conv.ID, 3, &c)
		require.NoError(t, err)
		require.Len(t, rest, 2)
		assert.Equal(t, "v1", rest[0].OldValue)
		assert.Equal(t, "v0", rest[1].OldValue)
	})

	t.Run("ListConversationsFilters", func(t *testing.T) {
		s := newStore(t)
		for range 3 {
			seedConversation(t, s)
		}
		require.NoError(t, s.CreateConversation(ctx, &Conversation{UserID: "someone-else"}))

		mine, err := s.ListConversations(ctx, ConversationQuery{UserID: alice.ID, Limit: 2})
		require.NoError(t, err)
		assert.Len(t, mine, 2)

		c := ConversationCursor(mine[1])
		rest, err := s.ListConversations(ctx, ConversationQuery{UserID: alice.ID, Limit: 2, After: &c})
		require.NoError(t, err)
		assert.Len(t, rest, 1)
	})

	t.Run("WatchMessagesSeesWrites", func(t *testing.T) {
		s := newStore(t)
		conv := seedConversation(t, s)
		wctx, cancel := context.WithCancel(ctx)
		defer cancel()

		ch := s.WatchMessages(wctx, conv.ID, 10)
		snap := <-ch
		require.NoError(t, snap.Err)
		assert.Empty(t, snap.Messages)

		_, err := s.CreateMessage(ctx, conv.ID, Message{Sender: alice, SenderRole: RoleUser, Content: "live"})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			select {
			case snap = <-ch:
			default:
			}
			return len(snap.Messages) == 1
		}, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, "live", snap.Messages[0].Content)
	})

	t.Run("TypingSlot", func(t *testing.T) {
		s := newStore(t)
		conv := seedConversation(t, s)

		require.NoError(t, s.SetTyping(ctx, conv.ID, TypingState{UserID: alice.ID, UserName: alice.DisplayName, IsTyping: true}))

		wctx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch := s.WatchTyping(wctx, conv.ID)
		snap := <-ch
		require.NoError(t, snap.Err)
		require.NotNil(t, snap.State)
		assert.Equal(t, alice.ID, snap.State.UserID)
		assert.False(t, snap.State.UpdatedAt.IsZero(), "store stamps updatedAt")

		require.NoError(t, s.ClearTyping(ctx, conv.ID))
		require.Eventually(t, func() bool {
			select {
			case snap = <-ch:
			default:
			}
			return snap.State == nil
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("Templates", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateTemplate(ctx, &Template{Title: "Refund", Content: "We have issued a refund."}))
		require.NoError(t, s.CreateTemplate(ctx, &Template{Title: "Greeting", Content: "Hi there!"}))

		list, err := s.ListTemplates(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "Greeting", list[0].Title)
	})
}
