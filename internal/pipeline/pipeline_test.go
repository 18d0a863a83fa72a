// ABOUTME: Tests for the optimistic send pipeline
// ABOUTME: Covers pending state, retry bounds, reconciliation, offline divert, and batches

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/support-sync/internal/apperr"
	"github.com/2389/support-sync/internal/client"
	"github.com/2389/support-sync/internal/dedupe"
	"github.com/2389/support-sync/internal/ratelimit"
	"github.com/2389/support-sync/internal/sanitize"
	"github.com/2389/support-sync/internal/store"
)

var alice = store.Identity{ID: "user-1", Email: "alice@example.com", DisplayName: "Alice"}

var fastRetry = RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Jitter: 0.2}

// fakeSender fails the first failures calls, then succeeds.
type fakeSender struct {
	mu       sync.Mutex
	calls    int
	failures int // -1 always fails
	requests []client.SendRequest
	gate     chan struct{}
}

func (f *fakeSender) Send(ctx context.Context, convID string, req client.SendRequest) (string, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.requests = append(f.requests, req)
	if f.failures < 0 || f.calls <= f.failures {
		return "", apperr.Network("fake.send", errors.New("connection reset"))
	}
	return "srv-" + req.ClientMessageID, nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeQueuer struct {
	online bool
	queued []store.PendingMessage
}

func (q *fakeQueuer) Online() bool { return q.online }

func (q *fakeQueuer) Queue(convID, content string, atts []store.Attachment) store.PendingMessage {
	p := store.PendingMessage{
		ID: store.TempIDPrefix + "q1", ConversationID: convID, Content: content,
		Attachments: atts, Timestamp: time.Now(), Status: store.StatusQueued,
	}
	q.queued = append(q.queued, p)
	return p
}

func newTestPipeline(t *testing.T, sender Sender, mutate func(*Options)) *Pipeline {
	t.Helper()
	opts := Options{
		ConversationID: "conv-1",
		Identity:       alice,
		Role:           store.RoleUser,
		Sender:         sender,
		Retry:          fastRetry,
		Attachments:    sanitizeLimits,
	}
	if mutate != nil {
		mutate(&opts)
	}
	p := New(opts)
	t.Cleanup(p.Close)
	return p
}

func TestPipeline_SendShowsPendingBeforeNetwork(t *testing.T) {
	sender := &fakeSender{gate: make(chan struct{})}
	cache := dedupe.New(time.Hour, 100)
	defer cache.Close()
	p := newTestPipeline(t, sender, func(o *Options) { o.Dedupe = cache })

	done := make(chan store.Message, 1)
	go func() {
		msg, err := p.Send(context.Background(), "hello", nil)
		assert.NoError(t, err)
		done <- msg
	}()

	require.Eventually(t, func() bool { return len(p.Pending()) == 1 }, time.Second, time.Millisecond)
	pending := p.Pending()[0]
	assert.True(t, store.IsTempID(pending.ID))
	assert.Equal(t, "hello", pending.Content)
	assert.Equal(t, store.StatusSending, pending.Status)
	assert.Equal(t, IdempotencyKey(pending.ID), pending.ClientMessageID)

	close(sender.gate)
	msg := <-done

	assert.Empty(t, p.Pending())
	assert.Equal(t, "srv-"+pending.ClientMessageID, msg.ID)
	assert.Equal(t, store.StatusConfirmed, msg.Status)

	serverID, ok := cache.Get(pending.ClientMessageID)
	require.True(t, ok)
	assert.Equal(t, msg.ID, serverID)
}

func TestPipeline_ExhaustedRetriesMakeExactlyFourAttempts(t *testing.T) {
	sender := &fakeSender{failures: -1}
	p := newTestPipeline(t, sender, nil)

	msg, err := p.Send(context.Background(), "hello", nil)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNetwork))
	assert.Equal(t, 4, sender.callCount())

	pending := p.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, msg.ID, pending[0].ID)
	assert.Equal(t, store.StatusFailed, pending[0].Status)
	assert.Error(t, p.LastError(msg.ID))

	// No further automatic attempts.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 4, sender.callCount())
}

func TestPipeline_ZeroRetries(t *testing.T) {
	sender := &fakeSender{failures: -1}
	p := newTestPipeline(t, sender, func(o *Options) {
		o.Retry = RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	})

	_, err := p.Send(context.Background(), "hello", nil)
	require.Error(t, err)
	assert.Equal(t, 1, sender.callCount())
}

func TestPipeline_RecoversWithinRetries(t *testing.T) {
	sender := &fakeSender{failures: 2}
	p := newTestPipeline(t, sender, nil)

	msg, err := p.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, sender.callCount())
	assert.False(t, store.IsTempID(msg.ID))
	assert.Empty(t, p.Pending())
}

func TestPipeline_InvalidContentIsNoop(t *testing.T) {
	sender := &fakeSender{}
	p := newTestPipeline(t, sender, nil)

	for _, content := range []string{"", "   \n\t ", string(make([]rune, 2001))} {
		msg, err := p.Send(context.Background(), content, nil)
		require.NoError(t, err)
		assert.Equal(t, store.Message{}, msg)
	}
	assert.Zero(t, sender.callCount())
	assert.Empty(t, p.Pending())
}

func TestPipeline_ContentIsEscaped(t *testing.T) {
	sender := &fakeSender{}
	p := newTestPipeline(t, sender, nil)

	_, err := p.Send(context.Background(), "  <b>hi</b>  ", nil)
	require.NoError(t, err)
	require.Len(t, sender.requests, 1)
	assert.Equal(t, "&lt;b&gt;hi&lt;/b&gt;", sender.requests[0].Content)
}

func TestPipeline_InvalidAttachmentRejected(t *testing.T) {
	sender := &fakeSender{}
	p := newTestPipeline(t, sender, nil)

	_, err := p.Send(context.Background(), "see attached", []store.Attachment{{
		ID: "a1", Type: store.AttachmentDocument, URL: "https://x/a.exe",
		Name: "a.exe", Size: 10, MimeType: "application/x-msdownload",
	}})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.Zero(t, sender.callCount())
}

func TestPipeline_RateLimitedBeforeWrite(t *testing.T) {
	sender := &fakeSender{}
	limiter := ratelimit.NewWindow(1, time.Minute)
	p := newTestPipeline(t, sender, func(o *Options) { o.Limiter = limiter })

	_, err := p.Send(context.Background(), "one", nil)
	require.NoError(t, err)

	_, err = p.Send(context.Background(), "two", nil)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindRateLimited))
	assert.Equal(t, 1, sender.callCount())
	assert.Empty(t, p.Pending())
}

func TestPipeline_RetryReusesID(t *testing.T) {
	sender := &fakeSender{failures: 4}
	p := newTestPipeline(t, sender, nil)

	failed, err := p.Send(context.Background(), "hello", nil)
	require.Error(t, err)

	msg, err := p.Retry(context.Background(), failed.ID)
	require.NoError(t, err)
	assert.Equal(t, "srv-"+failed.ClientMessageID, msg.ID)
	assert.Empty(t, p.Pending())

	// Every attempt carried the same idempotency key.
	for _, req := range sender.requests {
		assert.Equal(t, failed.ClientMessageID, req.ClientMessageID)
	}
}

func TestPipeline_RetryUnknownIsNoop(t *testing.T) {
	sender := &fakeSender{}
	p := newTestPipeline(t, sender, nil)

	msg, err := p.Retry(context.Background(), "temp_missing")
	require.NoError(t, err)
	assert.Equal(t, store.Message{}, msg)
	assert.Zero(t, sender.callCount())
}

func TestPipeline_RetrySkipsNetworkWhenAlreadyDelivered(t *testing.T) {
	sender := &fakeSender{failures: -1}
	cache := dedupe.New(time.Hour, 100)
	defer cache.Close()
	p := newTestPipeline(t, sender, func(o *Options) { o.Dedupe = cache })

	failed, err := p.Send(context.Background(), "hello", nil)
	require.Error(t, err)
	calls := sender.callCount()

	cache.Put(failed.ClientMessageID, "srv-late")
	msg, err := p.Retry(context.Background(), failed.ID)
	require.NoError(t, err)
	assert.Equal(t, "srv-late", msg.ID)
	assert.Equal(t, calls, sender.callCount())
	assert.Empty(t, p.Pending())
}

func TestPipeline_ReconcileByContent(t *testing.T) {
	p := newTestPipeline(t, &fakeSender{failures: -1}, nil)

	_, _ = p.Send(context.Background(), "hello", nil)
	_, _ = p.Send(context.Background(), "hello", nil)
	_, _ = p.Send(context.Background(), "other", nil)
	require.Len(t, p.Pending(), 3)

	n := p.Reconcile([]store.Message{{ID: "srv-1", Content: "hello"}})
	assert.Equal(t, 1, n)

	pending := p.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "hello", pending[0].Content)
	assert.Equal(t, "other", pending[1].Content)
}

func TestPipeline_ReconcileByKey(t *testing.T) {
	p := newTestPipeline(t, &fakeSender{failures: -1}, nil)

	first, _ := p.Send(context.Background(), "hello", nil)
	second, _ := p.Send(context.Background(), "hello", nil)

	// A keyed confirmation settles only its own entry, even with matching content.
	n := p.Reconcile([]store.Message{{ID: "srv-2", Content: "hello", ClientMessageID: second.ClientMessageID}})
	assert.Equal(t, 1, n)

	pending := p.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, first.ID, pending[0].ID)

	// An unrelated key never falls back to content.
	assert.Zero(t, p.Reconcile([]store.Message{{ID: "srv-3", Content: "hello", ClientMessageID: "someone-else"}}))
	assert.Len(t, p.Pending(), 1)
}

func TestPipeline_OfflineDivertsToQueue(t *testing.T) {
	sender := &fakeSender{}
	q := &fakeQueuer{online: false}
	p := newTestPipeline(t, sender, func(o *Options) { o.Offline = q })

	msg, err := p.Send(context.Background(), "while away", nil)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, msg.Status)
	assert.Equal(t, store.TempIDPrefix+"q1", msg.ID)
	require.Len(t, q.queued, 1)
	assert.Equal(t, "while away", q.queued[0].Content)
	assert.Zero(t, sender.callCount())
	assert.Empty(t, p.Pending())

	_, err = p.SendBatch(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOffline)
}

func TestPipeline_DeliverRecordsKey(t *testing.T) {
	sender := &fakeSender{}
	cache := dedupe.New(time.Hour, 100)
	defer cache.Close()
	p := newTestPipeline(t, sender, func(o *Options) { o.Dedupe = cache })

	entry := store.PendingMessage{ID: store.TempIDPrefix + "abc", ConversationID: "conv-1", Content: "queued"}
	require.NoError(t, p.Deliver(context.Background(), entry))
	require.NoError(t, p.Deliver(context.Background(), entry))

	assert.Equal(t, 1, sender.callCount())
	assert.Equal(t, "abc", sender.requests[0].ClientMessageID)
	id, ok := cache.Get("abc")
	require.True(t, ok)
	assert.Equal(t, "srv-abc", id)
}

func TestPipeline_SendBatchAtomic(t *testing.T) {
	ms := store.NewMemoryStore()
	defer ms.Close()
	ctx := context.Background()

	conv := &store.Conversation{UserID: alice.ID, Participants: []store.Identity{alice}, Subject: "Batch"}
	require.NoError(t, ms.CreateConversation(ctx, conv))

	p := newTestPipeline(t, &fakeSender{}, func(o *Options) {
		o.ConversationID = conv.ID
		o.Batch = ms
	})

	created, err := p.SendBatch(ctx, []string{"one", "two", "three"})
	require.NoError(t, err)
	require.Len(t, created, 3)
	for _, m := range created {
		assert.False(t, store.IsTempID(m.ID))
		assert.NotEmpty(t, m.ClientMessageID)
	}

	_, err = p.SendBatch(ctx, []string{"four", "   "})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	stored, err := ms.ListMessages(ctx, conv.ID, 10, nil)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestPipeline_SendBatchKeepsOrderAtMicrosecondPrecision(t *testing.T) {
	now := func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }
	ms := store.NewMemoryStore(store.WithClock(now))
	defer ms.Close()
	ctx := context.Background()

	conv := &store.Conversation{UserID: alice.ID, Participants: []store.Identity{alice}, Subject: "Order"}
	require.NoError(t, ms.CreateConversation(ctx, conv))

	p := newTestPipeline(t, &fakeSender{}, func(o *Options) {
		o.ConversationID = conv.ID
		o.Batch = ms
		o.Now = now
	})

	contents := make([]string, 100)
	for i := range contents {
		contents[i] = fmt.Sprintf("line %03d", i)
	}
	_, err := p.SendBatch(ctx, contents)
	require.NoError(t, err)

	stored, err := ms.ListMessages(ctx, conv.ID, 0, nil)
	require.NoError(t, err)
	require.Len(t, stored, 100)
	for i, m := range stored {
		assert.Equal(t, contents[99-i], m.Content)
		assert.Equal(t, m.Timestamp, m.Timestamp.Truncate(time.Microsecond))
	}
}

func TestPipeline_SendBatchOfflineWithoutBatchWriter(t *testing.T) {
	p := newTestPipeline(t, &fakeSender{}, func(o *Options) { o.Offline = &fakeQueuer{online: false} })

	_, err := p.SendBatch(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, ErrOffline)
	assert.True(t, apperr.IsKind(err, apperr.KindNetwork))

	_, err = p.SendBatch(context.Background(), make([]string, store.MaxBatchSize))
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestPipeline_SubscribeSeesPendingChanges(t *testing.T) {
	p := newTestPipeline(t, &fakeSender{failures: -1}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := p.Subscribe(ctx)

	_, _ = p.Send(context.Background(), "hello", nil)

	select {
	case got := <-updates:
		require.Len(t, got, 1)
		assert.Equal(t, "hello", got[0].Content)
	case <-time.After(time.Second):
		t.Fatal("no pending update")
	}
}

var sanitizeLimits = sanitize.Limits{
	MaxCount:         5,
	MaxBytes:         10 << 20,
	AllowedMimeTypes: []string{"image/png", "application/pdf"},
}
