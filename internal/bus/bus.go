// Package bus provides the addressed, queued message transport between
// the coordinator and registered agents.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/pkg/models"
)

// ErrQueueFull is returned when a recipient's queue is at capacity.
// Messages are never silently dropped: the sender either blocks
// (SendWait) or receives this error (Send).
var ErrQueueFull = errors.New("recipient queue full")

// ErrUnknownRecipient is returned when sending to an unsubscribed ID.
var ErrUnknownRecipient = errors.New("unknown recipient")

// ErrClosed is returned after the bus has been shut down.
var ErrClosed = errors.New("bus closed")

// Handler consumes messages delivered to one subscriber. Delivery is
// at-least-once; handlers must de-duplicate by message ID.
type Handler func(msg models.AgentMessage)

// DefaultQueueDepth bounds each recipient's queue unless configured.
const DefaultQueueDepth = 64

// Bus routes messages between participants. Each subscriber owns a
// bounded FIFO queue drained by a dedicated goroutine, so messages from
// one sender to one recipient are delivered in send order. No ordering
// holds across different senders.
type Bus struct {
	mu     sync.RWMutex
	queues map[string]chan models.AgentMessage
	depth  int
	closed bool
	wg     sync.WaitGroup
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a bus with the given per-recipient queue depth.
// Depths below 1 fall back to DefaultQueueDepth.
func New(queueDepth int) *Bus {
	if queueDepth < 1 {
		queueDepth = DefaultQueueDepth
	}
	return &Bus{
		queues:   make(map[string]chan models.AgentMessage),
		depth:    queueDepth,
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (b *Bus) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		b.debugLog = fn
	}
}

// Subscribe registers a handler for the given participant ID and starts
// its delivery goroutine. Subscribing an ID twice replaces the previous
// subscription after draining it.
func (b *Bus) Subscribe(id string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("subscribe %s: nil handler", id)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if old, ok := b.queues[id]; ok {
		close(old)
	}

	q := make(chan models.AgentMessage, b.depth)
	b.queues[id] = q

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range q {
			handler(msg)
		}
	}()

	b.debugLog("[bus] subscribed %s (queue depth %d)", id, b.depth)
	return nil
}

// Unsubscribe removes a participant and drains its queue.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[id]; ok {
		close(q)
		delete(b.queues, id)
		b.debugLog("[bus] unsubscribed %s", id)
	}
}

// Send enqueues the message for a single recipient. Returns ErrQueueFull
// if the recipient's queue is at capacity.
func (b *Bus) Send(to string, msg models.AgentMessage) error {
	// The read lock is held across the enqueue so a concurrent
	// Unsubscribe/Close cannot close the queue mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	q, ok := b.queues[to]
	if !ok {
		return fmt.Errorf("send to %s: %w", to, ErrUnknownRecipient)
	}

	select {
	case q <- msg:
		return nil
	default:
		return fmt.Errorf("send to %s: %w", to, ErrQueueFull)
	}
}

// SendWait enqueues the message, blocking until there is queue space or
// ctx is cancelled. This is the backpressure-respecting variant of Send.
func (b *Bus) SendWait(ctx context.Context, to string, msg models.AgentMessage) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	q, ok := b.queues[to]
	if !ok {
		return fmt.Errorf("send to %s: %w", to, ErrUnknownRecipient)
	}

	select {
	case q <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast sends the message to every listed recipient. Delivery is
// attempted to all recipients even when some fail; the returned error
// joins the per-recipient failures.
func (b *Bus) Broadcast(from string, msg models.AgentMessage, recipients []string) error {
	msg.Sender = from
	msg.Recipients = recipients

	var errs []error
	for _, to := range recipients {
		if to == from {
			continue
		}
		if err := b.Send(to, msg); err != nil {
			log.Printf("[bus] broadcast from %s to %s failed: %v", from, to, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// QueueDepths returns the current queue length per subscriber,
// for health reporting.
func (b *Bus) QueueDepths() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	depths := make(map[string]int, len(b.queues))
	for id, q := range b.queues {
		depths[id] = len(q)
	}
	return depths
}

// Subscribers returns the sorted IDs of all current subscribers.
func (b *Bus) Subscribers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.queues))
	for id := range b.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close shuts the bus down, draining every queue and waiting for the
// delivery goroutines to finish.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, q := range b.queues {
		close(q)
		delete(b.queues, id)
	}
	b.mu.Unlock()

	b.wg.Wait()
}
