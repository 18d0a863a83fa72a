// ABOUTME: Connection state machine and ordered offline queue with flush-on-reconnect
// ABOUTME: Optionally persists the queue so it survives restarts

package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/support-sync/internal/apperr"
	"github.com/2389/support-sync/internal/broadcast"
	"github.com/2389/support-sync/internal/metrics"
	"github.com/2389/support-sync/internal/store"
)

// State is the connectivity state.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
)

// persistTimeout bounds each queue persistence write.
const persistTimeout = 5 * time.Second

// DeliverFunc sends one queued message over the network.
type DeliverFunc func(ctx context.Context, p store.PendingMessage) error

// QueueStore persists the queue. local.Store implements it.
type QueueStore interface {
	SaveQueued(ctx context.Context, p store.PendingMessage) error
	UpdateQueuedStatus(ctx context.Context, id string, status store.MessageStatus, lastError string) error
	DeleteQueued(ctx context.Context, id string) error
	ListQueued(ctx context.Context) ([]store.PendingMessage, error)
	ClearQueued(ctx context.Context) error
}

// Event is published on every state or queue change.
type Event struct {
	State State
	Queue []store.PendingMessage
}

// Options configures a Manager.
type Options struct {
	SettleDelay time.Duration
	Deliver     DeliverFunc
	Persist     QueueStore // optional
	Offline     bool       // start disconnected
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

// Manager owns the connection state and the offline queue.
type Manager struct {
	mu          sync.Mutex
	state       State
	queue       []store.PendingMessage
	deliver     DeliverFunc
	persist     QueueStore
	settleDelay time.Duration
	settle      *time.Timer
	flushing    bool
	rerun       bool   // a flush was requested while one was running
	gen         uint64 // bumped on every connectivity change; a flush stops when it moves
	closed      bool

	events  *broadcast.Broadcaster[Event]
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Manager and restores any persisted queue.
func New(opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		state:       StateConnected,
		deliver:     opts.Deliver,
		persist:     opts.Persist,
		settleDelay: opts.SettleDelay,
		events:      broadcast.New[Event](logger, broadcast.Options{Coalesce: true}),
		metrics:     opts.Metrics,
		logger:      logger.With("component", "offline"),
		now:         now,
		ctx:         ctx,
		cancel:      cancel,
	}
	if opts.Offline {
		m.state = StateDisconnected
	}

	if m.persist != nil {
		if err := m.restore(); err != nil {
			cancel()
			return nil, err
		}
	}
	m.metrics.SetQueueDepth(len(m.queue))

	if m.state == StateConnected && m.hasQueuedLocked() {
		go m.startFlush(m.gen)
	}
	return m, nil
}

func (m *Manager) restore() error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	entries, err := m.persist.ListQueued(ctx)
	if err != nil {
		return fmt.Errorf("restoring offline queue: %w", err)
	}
	for _, p := range entries {
		if p.Status == store.StatusSending {
			p.Status = store.StatusFailed
			p.LastError = "interrupted before delivery was confirmed"
			if err := m.persist.UpdateQueuedStatus(ctx, p.ID, p.Status, p.LastError); err != nil {
				return fmt.Errorf("restoring offline queue: %w", err)
			}
		}
		m.queue = append(m.queue, p)
	}
	if len(entries) > 0 {
		m.logger.Info("restored offline queue", "entries", len(entries))
	}
	return nil
}

// SetDeliver installs the delivery callback. It must be set before the first flush.
func (m *Manager) SetDeliver(fn DeliverFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliver = fn
}

// State returns the current connectivity state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online reports whether sends may go straight to the network.
func (m *Manager) Online() bool {
	return m.State() == StateConnected
}

// Subscribe streams state and queue changes. The current value is not replayed.
func (m *Manager) Subscribe(ctx context.Context) <-chan Event {
	ch, _ := m.events.Subscribe(ctx, "")
	return ch
}

// SetOnline reports a connectivity change from the environment.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	if !online {
		if m.state == StateDisconnected {
			return
		}
		m.gen++
		if m.settle != nil {
			m.settle.Stop()
			m.settle = nil
		}
		m.state = StateDisconnected
		m.logger.Info("connection lost", "queued", len(m.queue))
		m.publishLocked()
		return
	}

	if m.state != StateDisconnected {
		return
	}
	m.gen++
	m.state = StateReconnecting
	gen := m.gen
	m.settle = time.AfterFunc(m.settleDelay, func() { m.startFlush(gen) })
	m.logger.Info("connection restored, flushing after settle delay", "delay", m.settleDelay)
	m.publishLocked()
}

// Queue appends a message and returns it with status queued.
func (m *Manager) Queue(convID, content string, attachments []store.Attachment) store.PendingMessage {
	p := store.PendingMessage{
		ID:             store.TempIDPrefix + uuid.NewString(),
		ConversationID: convID,
		Content:        content,
		Attachments:    append([]store.Attachment(nil), attachments...),
		Timestamp:      m.now(),
		Status:         store.StatusQueued,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.queue = append(m.queue, p)
	m.saveLocked(p)
	m.logger.Debug("message queued", "message_id", p.ID, "conversation_id", convID)
	m.publishLocked()
	return p
}

// Retry flips a failed entry back to queued. When connected, it and any other
// queued entry are flushed immediately; otherwise they wait for the next
// reconnect. Retrying an entry that is mid-delivery is a no-op.
func (m *Manager) Retry(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexLocked(id)
	if i < 0 {
		return apperr.NotFound("offline.retry", "queued message", nil)
	}
	switch m.queue[i].Status {
	case store.StatusSending:
		return nil
	case store.StatusFailed:
		m.queue[i].Status = store.StatusQueued
		m.queue[i].LastError = ""
		m.updateLocked(m.queue[i])
		m.publishLocked()
	}

	if m.state == StateConnected && !m.closed {
		go m.startFlush(m.gen)
	}
	return nil
}

// Remove cancels one entry. It reports whether the entry existed.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexLocked(id)
	if i < 0 {
		return false
	}
	m.queue = append(m.queue[:i], m.queue[i+1:]...)
	m.deleteLocked(id)
	m.publishLocked()
	return true
}

// Clear cancels every entry.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queue = nil
	if m.persist != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := m.persist.ClearQueued(ctx); err != nil {
			m.logger.Error("failed to clear persisted queue", "error", err)
		}
	}
	m.publishLocked()
}

// Pending returns a copy of the queue in order.
func (m *Manager) Pending() []store.PendingMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Close cancels in-flight deliveries and waits for the flush to stop.
// Entries that were mid-delivery return to queued.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.settle != nil {
		m.settle.Stop()
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.events.Close()
}

func (m *Manager) startFlush(gen uint64) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	defer m.wg.Done()
	m.flush(gen)
}

// flush delivers queued entries in order until none remain, delivery fails,
// or the connectivity generation changes. A flush requested while one is
// running makes the running one go around again under the newest generation.
func (m *Manager) flush(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.flushing {
		m.rerun = true
		m.mu.Unlock()
		return
	}
	if m.deliver == nil {
		m.logger.Error("flush skipped: no delivery callback")
		m.mu.Unlock()
		return
	}
	m.flushing = true
	deliver := m.deliver
	m.mu.Unlock()

	for {
		if batch := m.beginPass(gen); batch != nil && m.runPass(gen, deliver, batch) {
			continue
		}

		m.mu.Lock()
		if gen == m.gen {
			m.finishLocked()
		}
		again := m.rerun || (m.state == StateConnected && m.hasQueuedLocked())
		if again && !m.closed && m.state != StateDisconnected {
			m.rerun = false
			gen = m.gen
			m.mu.Unlock()
			continue
		}
		m.rerun = false
		m.flushing = false
		m.mu.Unlock()
		return
	}
}

// beginPass marks every queued entry sending and returns them. When nothing
// is queued it completes the reconnect and returns nil.
func (m *Manager) beginPass(gen uint64) []store.PendingMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		return nil
	}

	var batch []store.PendingMessage
	for i := range m.queue {
		if m.queue[i].Status == store.StatusQueued {
			m.queue[i].Status = store.StatusSending
			m.updateLocked(m.queue[i])
			batch = append(batch, m.queue[i])
		}
	}
	if len(batch) == 0 {
		return nil
	}
	m.publishLocked()
	return batch
}

// runPass delivers batch in order. It returns false when the pass stopped early.
func (m *Manager) runPass(gen uint64, deliver DeliverFunc, batch []store.PendingMessage) bool {
	for i, p := range batch {
		m.mu.Lock()
		idx := m.indexLocked(p.ID)
		if gen != m.gen || m.closed {
			m.revertLocked(batch[i:])
			m.mu.Unlock()
			return false
		}
		m.mu.Unlock()
		if idx < 0 {
			continue // cancelled while waiting
		}

		err := deliver(m.ctx, p)

		m.mu.Lock()
		if err == nil {
			if j := m.indexLocked(p.ID); j >= 0 {
				m.queue = append(m.queue[:j], m.queue[j+1:]...)
			}
			m.deleteLocked(p.ID)
			m.publishLocked()
			m.mu.Unlock()
			continue
		}

		if m.ctx.Err() != nil || errors.Is(err, context.Canceled) {
			m.revertLocked(batch[i:])
			m.mu.Unlock()
			return false
		}

		// Everything still waiting fails with it, including entries queued
		// after this pass began, so nothing is left queued on a connected link.
		failed := 0
		for j := range m.queue {
			if st := m.queue[j].Status; st == store.StatusSending || st == store.StatusQueued {
				m.queue[j].Status = store.StatusFailed
				m.queue[j].LastError = err.Error()
				m.updateLocked(m.queue[j])
				failed++
			}
		}
		m.logger.Warn("flush failed, remaining entries marked failed",
			"message_id", p.ID, "remaining", failed, "error", err)
		m.publishLocked()
		m.mu.Unlock()
		return false
	}
	return true
}

func (m *Manager) finishLocked() {
	if m.state == StateReconnecting {
		m.state = StateConnected
		m.logger.Info("reconnected", "queued", len(m.queue))
		m.publishLocked()
	}
}

// revertLocked returns still-sending entries to queued.
func (m *Manager) revertLocked(entries []store.PendingMessage) {
	for _, p := range entries {
		if j := m.indexLocked(p.ID); j >= 0 && m.queue[j].Status == store.StatusSending {
			m.queue[j].Status = store.StatusQueued
			m.updateLocked(m.queue[j])
		}
	}
	m.publishLocked()
}

func (m *Manager) hasQueuedLocked() bool {
	for i := range m.queue {
		if m.queue[i].Status == store.StatusQueued {
			return true
		}
	}
	return false
}

func (m *Manager) indexLocked(id string) int {
	for i := range m.queue {
		if m.queue[i].ID == id {
			return i
		}
	}
	return -1
}

func (m *Manager) snapshotLocked() []store.PendingMessage {
	out := make([]store.PendingMessage, len(m.queue))
	copy(out, m.queue)
	return out
}

func (m *Manager) publishLocked() {
	m.metrics.SetQueueDepth(len(m.queue))
	m.events.Publish("", Event{State: m.state, Queue: m.snapshotLocked()}, "")
}

// Persistence helpers. Writes use a detached context so a cancelled caller
// never leaves the persisted queue behind the in-memory one.

func (m *Manager) saveLocked(p store.PendingMessage) {
	if m.persist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.persist.SaveQueued(ctx, p); err != nil {
		m.logger.Error("failed to persist queued message", "message_id", p.ID, "error", err)
	}
}

func (m *Manager) updateLocked(p store.PendingMessage) {
	if m.persist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.persist.UpdateQueuedStatus(ctx, p.ID, p.Status, p.LastError); err != nil {
		m.logger.Error("failed to persist queue status", "message_id", p.ID, "error", err)
	}
}

func (m *Manager) deleteLocked(id string) {
	if m.persist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.persist.DeleteQueued(ctx, id); err != nil {
		m.logger.Error("failed to delete persisted message", "message_id", id, "error", err)
	}
}
