// ABOUTME: Optimistic send pipeline: pending set, backoff retries, batch writes, reconciliation
// ABOUTME: Pairs temp ids with server ids through a client idempotency key

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/2389/support-sync/internal/apperr"
	"github.com/2389/support-sync/internal/broadcast"
	"github.com/2389/support-sync/internal/client"
	"github.com/2389/support-sync/internal/dedupe"
	"github.com/2389/support-sync/internal/metrics"
	"github.com/2389/support-sync/internal/ratelimit"
	"github.com/2389/support-sync/internal/sanitize"
	"github.com/2389/support-sync/internal/store"
)

// ErrOffline is returned by SendBatch while disconnected.
var ErrOffline = errors.New("offline")

// Sender delivers one message to the send endpoint. client.Sender implements it.
type Sender interface {
	Send(ctx context.Context, convID string, req client.SendRequest) (string, error)
}

// BatchWriter performs an atomic multi-message write.
type BatchWriter interface {
	CreateMessages(ctx context.Context, convID string, msgs []store.Message) ([]store.Message, error)
}

// Queuer is the offline queue. offline.Manager implements it.
type Queuer interface {
	Online() bool
	Queue(convID, content string, attachments []store.Attachment) store.PendingMessage
}

// RetryPolicy shapes the backoff between send attempts.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     float64
}

// DefaultRetryPolicy is three retries starting at one second, capped at thirty.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 3,
	BaseDelay:  time.Second,
	MaxDelay:   30 * time.Second,
	Jitter:     0.2,
}

// Options configures a Pipeline.
type Options struct {
	ConversationID string
	Identity       store.Identity
	Role           store.Role

	Sender  Sender
	Batch   BatchWriter       // optional; SendBatch fails without it
	Offline Queuer            // optional
	Limiter *ratelimit.Window // optional
	Dedupe  *dedupe.Cache     // optional

	MaxLength   int
	Attachments sanitize.Limits
	Retry       RetryPolicy

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

type entry struct {
	msg store.Message
	err error
}

// Pipeline owns the pending set for one conversation.
type Pipeline struct {
	mu      sync.Mutex
	pending []*entry // insertion order

	opts    Options
	events  *broadcast.Broadcaster[[]store.Message]
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = 2000
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy
	}
	return &Pipeline{
		opts:    opts,
		events:  broadcast.New[[]store.Message](logger, broadcast.Options{Coalesce: true}),
		metrics: opts.Metrics,
		logger:  logger.With("component", "pipeline", "conversation_id", opts.ConversationID),
		now:     opts.Now,
	}
}

// IdempotencyKey returns the client key carried by a temp id.
func IdempotencyKey(tempID string) string {
	return strings.TrimPrefix(tempID, store.TempIDPrefix)
}

// Send validates content and delivers it. Content that fails sanitization
// is a silent no-op and returns a zero Message with a nil error. While offline
// the message is queued and returned with status queued.
//
// On success the returned message carries the server id. When retries are
// exhausted the failed pending message is returned with the last error.
func (p *Pipeline) Send(ctx context.Context, content string, attachments []store.Attachment) (store.Message, error) {
	clean, err := sanitize.Content(content, p.opts.MaxLength)
	if err != nil {
		p.logger.Debug("ignoring invalid content", "error", err)
		return store.Message{}, nil
	}
	if err := sanitize.Attachments(attachments, p.opts.Attachments); err != nil {
		return store.Message{}, err
	}
	if err := p.recordAction("pipeline.send"); err != nil {
		return store.Message{}, err
	}

	if p.opts.Offline != nil && !p.opts.Offline.Online() {
		q := p.opts.Offline.Queue(p.opts.ConversationID, clean, attachments)
		p.metrics.SendResult("queued")
		msg := p.draft(q.ID, clean, attachments)
		msg.Timestamp = q.Timestamp
		msg.Status = store.StatusQueued
		return msg, nil
	}

	msg := p.draft(store.TempIDPrefix+uuid.NewString(), clean, attachments)
	msg.Status = store.StatusSending

	p.mu.Lock()
	p.pending = append(p.pending, &entry{msg: msg})
	p.publishLocked()
	p.mu.Unlock()

	return p.deliverPending(ctx, msg)
}

// Retry resends a failed message under its original temp id. Unknown ids and
// messages already sending are a no-op.
func (p *Pipeline) Retry(ctx context.Context, id string) (store.Message, error) {
	p.mu.Lock()
	e := p.findLocked(id)
	if e == nil || e.msg.Status == store.StatusSending {
		p.mu.Unlock()
		return store.Message{}, nil
	}
	p.mu.Unlock()

	if err := p.recordAction("pipeline.retry"); err != nil {
		return store.Message{}, err
	}

	p.mu.Lock()
	e = p.findLocked(id)
	if e == nil || e.msg.Status == store.StatusSending {
		p.mu.Unlock()
		return store.Message{}, nil
	}
	e.msg.Status = store.StatusSending
	e.err = nil
	msg := e.msg
	p.publishLocked()
	p.mu.Unlock()

	// A previous attempt may have landed after its response was lost.
	if serverID, ok := p.lookup(msg.ClientMessageID); ok {
		p.remove(id)
		return confirmed(msg, serverID), nil
	}

	return p.deliverPending(ctx, msg)
}

// Deliver sends a flushed offline queue entry. It satisfies offline.DeliverFunc.
// Queue entries are owned by the offline manager and never enter the pending set.
func (p *Pipeline) Deliver(ctx context.Context, q store.PendingMessage) error {
	key := IdempotencyKey(q.ID)
	if _, ok := p.lookup(key); ok {
		return nil
	}
	_, err := p.deliver(ctx, client.SendRequest{
		Content:         q.Content,
		Attachments:     q.Attachments,
		ClientMessageID: key,
	})
	return err
}

// SendBatch writes several messages in one atomic store write. Every
// content must be valid or nothing is written.
func (p *Pipeline) SendBatch(ctx context.Context, contents []string) ([]store.Message, error) {
	const op = "pipeline.batch"

	if len(contents) == 0 {
		return nil, nil
	}
	if len(contents) > store.MaxBatchMessages {
		return nil, apperr.Validationf(op, "batch of %d exceeds %d messages", len(contents), store.MaxBatchMessages)
	}

	// Strictly increasing timestamps keep the batch in send order.
	base := p.now()
	msgs := make([]store.Message, len(contents))
	for i, c := range contents {
		clean, err := sanitize.Content(c, p.opts.MaxLength)
		if err != nil {
			return nil, apperr.Validationf(op, "message %d: %v", i, err)
		}
		msgs[i] = p.draft("", clean, nil)
		msgs[i].Timestamp = base.Add(time.Duration(i) * store.BatchTimestampStep)
		msgs[i].ClientMessageID = uuid.NewString()
	}

	if p.opts.Offline != nil && !p.opts.Offline.Online() {
		return nil, apperr.Network(op, ErrOffline)
	}
	if p.opts.Batch == nil {
		return nil, fmt.Errorf("%s: no batch writer configured", op)
	}
	if err := p.recordAction(op); err != nil {
		return nil, err
	}

	p.metrics.SendAttempt()
	created, err := p.opts.Batch.CreateMessages(ctx, p.opts.ConversationID, msgs)
	if err != nil {
		p.metrics.SendResult("failed")
		return nil, fmt.Errorf("writing batch: %w", err)
	}
	for _, m := range created {
		p.remember(m.ClientMessageID, m.ID)
	}
	p.metrics.SendResult("success")
	p.logger.Info("batch sent", "count", len(created))
	return created, nil
}

// Reconcile drops pending entries whose confirmed counterpart is present.
// Each confirmed message settles at most one pending entry.
func (p *Pipeline) Reconcile(confirmedMsgs []store.Message) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pending) == 0 {
		return 0
	}

	settled := make(map[*entry]bool)
	byKey := make(map[string]*entry, len(p.pending))
	for _, e := range p.pending {
		byKey[e.msg.ClientMessageID] = e
	}

	// Keyed matches first so a content fallback cannot steal a keyed entry.
	var unkeyed []store.Message
	for _, c := range confirmedMsgs {
		if c.ClientMessageID == "" {
			unkeyed = append(unkeyed, c)
			continue
		}
		if e, ok := byKey[c.ClientMessageID]; ok && !settled[e] {
			settled[e] = true
		}
	}
	for _, c := range unkeyed {
		for _, e := range p.pending {
			if !settled[e] && e.msg.Content == c.Content {
				settled[e] = true
				break
			}
		}
	}

	if len(settled) == 0 {
		return 0
	}
	kept := p.pending[:0]
	for _, e := range p.pending {
		if !settled[e] {
			kept = append(kept, e)
		}
	}
	p.pending = kept
	p.publishLocked()
	p.logger.Debug("reconciled pending messages", "count", len(settled))
	return len(settled)
}

// Pending returns the pending set in insertion order.
func (p *Pipeline) Pending() []store.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// LastError returns the error that failed a pending message, if any.
func (p *Pipeline) LastError(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.findLocked(id); e != nil {
		return e.err
	}
	return nil
}

// Discard drops a pending entry without sending it.
func (p *Pipeline) Discard(id string) bool {
	return p.remove(id)
}

// Subscribe streams the pending set whenever it changes.
func (p *Pipeline) Subscribe(ctx context.Context) <-chan []store.Message {
	ch, _ := p.events.Subscribe(ctx, "")
	return ch
}

// Close releases subscribers.
func (p *Pipeline) Close() {
	p.events.Close()
}

func (p *Pipeline) draft(id, content string, attachments []store.Attachment) store.Message {
	msg := store.Message{
		ID:              id,
		ConversationID:  p.opts.ConversationID,
		Sender:          p.opts.Identity,
		SenderRole:      p.opts.Role,
		Content:         content,
		Timestamp:       p.now(),
		ClientMessageID: IdempotencyKey(id),
	}
	if len(attachments) > 0 {
		msg.Attachments = append([]store.Attachment(nil), attachments...)
	}
	return msg
}

func (p *Pipeline) recordAction(op string) error {
	lim := p.opts.Limiter
	if lim == nil {
		return nil
	}
	if !lim.TryRecord() {
		p.metrics.RateLimited()
		return apperr.RateLimited(op, lim.Remaining())
	}
	return nil
}

// deliverPending sends msg and settles its pending entry.
func (p *Pipeline) deliverPending(ctx context.Context, msg store.Message) (store.Message, error) {
	serverID, err := p.deliver(ctx, client.SendRequest{
		Content:         msg.Content,
		Attachments:     msg.Attachments,
		ClientMessageID: msg.ClientMessageID,
	})
	if err != nil {
		p.mu.Lock()
		if e := p.findLocked(msg.ID); e != nil {
			e.msg.Status = store.StatusFailed
			e.err = err
			msg = e.msg
			p.publishLocked()
		}
		p.mu.Unlock()
		p.logger.Warn("send failed", "message_id", msg.ID, "error", err)
		return msg, err
	}

	p.remove(msg.ID)
	return confirmed(msg, serverID), nil
}

// deliver runs the retry loop and returns the server id.
func (p *Pipeline) deliver(ctx context.Context, req client.SendRequest) (string, error) {
	var serverID string
	attempt := 0

	operation := func() error {
		attempt++
		p.metrics.SendAttempt()
		id, err := p.opts.Sender.Send(ctx, p.opts.ConversationID, req)
		if err != nil {
			return err
		}
		serverID = id
		return nil
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Debug("send attempt failed, backing off",
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	}

	if err := backoff.RetryNotify(operation, p.backoff(ctx), notify); err != nil {
		p.metrics.SendResult("failed")
		return "", err
	}
	p.remember(req.ClientMessageID, serverID)
	p.metrics.SendResult("success")
	return serverID, nil
}

// backoff returns delay = min(base*2^attempt, cap) with +/- jitter, for at
// most MaxRetries retries after the first attempt.
func (p *Pipeline) backoff(ctx context.Context) backoff.BackOff {
	r := p.opts.Retry
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = r.Jitter
	b.MaxInterval = r.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	retries := r.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

func (p *Pipeline) remember(key, serverID string) {
	if p.opts.Dedupe != nil && key != "" && serverID != "" {
		p.opts.Dedupe.Put(key, serverID)
	}
}

func (p *Pipeline) lookup(key string) (string, bool) {
	if p.opts.Dedupe == nil || key == "" {
		return "", false
	}
	return p.opts.Dedupe.Get(key)
}

func (p *Pipeline) remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.pending {
		if e.msg.ID == id {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			p.publishLocked()
			return true
		}
	}
	return false
}

func (p *Pipeline) findLocked(id string) *entry {
	for _, e := range p.pending {
		if e.msg.ID == id {
			return e
		}
	}
	return nil
}

func (p *Pipeline) snapshotLocked() []store.Message {
	out := make([]store.Message, len(p.pending))
	for i, e := range p.pending {
		out[i] = e.msg.Clone()
	}
	return out
}

func (p *Pipeline) publishLocked() {
	p.events.Publish("", p.snapshotLocked(), "")
}

func confirmed(msg store.Message, serverID string) store.Message {
	msg.ID = serverID
	msg.Status = store.StatusConfirmed
	return msg
}
