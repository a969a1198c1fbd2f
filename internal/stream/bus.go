package stream

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// queueBuffer bounds each session queue. Producers never block: events
// beyond the buffer are dropped and counted.
const queueBuffer = 256

// ErrClosed is returned by Next once the session queue is drained and closed.
var ErrClosed = errors.New("session stream closed")

// Event is one entry in a session's outbound stream.
type Event struct {
	SessionID string    `json:"session_id"`
	Type      string    `json:"event_type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type queue struct {
	ch      chan Event
	closed  bool
	dropped atomic.Int64
	mu      sync.Mutex
}

// Bus is the per-session FIFO event queue. Each session has exactly one
// consumer; emission order is delivery order within a session. There is
// no ordering guarantee across sessions.
type Bus struct {
	mu     sync.RWMutex
	queues map[string]*queue
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{queues: make(map[string]*queue)}
}

func (b *Bus) queueFor(sessionID string, create bool) *queue {
	b.mu.RLock()
	q, ok := b.queues[sessionID]
	b.mu.RUnlock()
	if ok || !create {
		return q
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[sessionID]; ok {
		return q
	}
	q = &queue{ch: make(chan Event, queueBuffer)}
	b.queues[sessionID] = q
	return q
}

// Emit enqueues a timestamped event on the session's queue. Non-blocking:
// if the consumer has fallen more than queueBuffer events behind, the
// event is dropped.
func (b *Bus) Emit(sessionID, eventType string, data any) {
	q := b.queueFor(sessionID, true)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	ev := Event{
		SessionID: sessionID,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	select {
	case q.ch <- ev:
	default:
		q.dropped.Add(1)
	}
}

// Next dequeues the session's next event, waiting up to wait. A nil event
// with nil error means the wait timed out and the consumer should emit a
// keepalive without consuming state. ErrClosed means the queue was closed
// and fully drained.
func (b *Bus) Next(sessionID string, wait time.Duration) (*Event, error) {
	q := b.queueFor(sessionID, true)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case ev, ok := <-q.ch:
		if !ok {
			// Sentinel reached: dispose the session's bookkeeping.
			b.mu.Lock()
			if cur, exists := b.queues[sessionID]; exists && cur == q {
				delete(b.queues, sessionID)
			}
			b.mu.Unlock()
			return nil, ErrClosed
		}
		return &ev, nil
	case <-timer.C:
		return nil, nil
	}
}

// Close seals the session's queue. Pending events remain consumable; the
// closed channel is the sentinel the consumer observes after draining,
// at which point the queue is disposed.
func (b *Bus) Close(sessionID string) {
	b.mu.RLock()
	q, ok := b.queues[sessionID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
}

// Dropped reports how many events the session's consumer missed. Returns
// zero for unknown sessions.
func (b *Bus) Dropped(sessionID string) int64 {
	q := b.queueFor(sessionID, false)
	if q == nil {
		return 0
	}
	return q.dropped.Load()
}
