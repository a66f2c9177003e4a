package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"agora/internal/domain"
)

type delivery struct {
	ctx   context.Context
	event domain.Event
}

// mailbox is an unbounded FIFO drained by a single goroutine, so a
// subscriber sees events in the order they were published and a slow
// subscriber never blocks Publish.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []delivery
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) push(d delivery) {
	m.mu.Lock()
	if !m.closed {
		m.queue = append(m.queue, d)
		m.cond.Signal()
	}
	m.mu.Unlock()
}

// pop blocks until a delivery is available. ok is false once the mailbox
// is closed and empty.
func (m *mailbox) pop() (d delivery, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.queue) == 0 && !m.closed {
		m.cond.Wait()
	}
	if len(m.queue) == 0 {
		return delivery{}, false
	}
	d = m.queue[0]
	m.queue[0] = delivery{}
	m.queue = m.queue[1:]
	return d, true
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

type subscription struct {
	id      uint64
	match   func(domain.Event) bool
	handler domain.EventHandler
	box     *mailbox
}

// Bus is an in-process, goroutine-safe event bus with per-subscriber
// ordered delivery.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	nextID atomic.Uint64
	logger *slog.Logger
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Publish enqueues event for every matching subscriber and returns
// immediately. Handlers receive a context detached from ctx's cancellation.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}
	d := delivery{ctx: context.WithoutCancel(ctx), event: event}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.match(event) {
			sub.box.push(d)
		}
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(func(e domain.Event) bool { return e.Type == eventType }, handler)
}

// SubscribeSession registers a handler for every event of one session.
func (b *Bus) SubscribeSession(sessionID string, handler domain.EventHandler) func() {
	return b.add(func(e domain.Event) bool { return e.SessionID == sessionID }, handler)
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(func(domain.Event) bool { return true }, handler)
}

func (b *Bus) add(match func(domain.Event) bool, handler domain.EventHandler) func() {
	sub := &subscription{
		id:      b.nextID.Add(1),
		match:   match,
		handler: handler,
		box:     newMailbox(),
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return func() {}
	}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.drain(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			for i, s := range b.subs {
				if s.id == sub.id {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			sub.box.close()
		})
	}
}

func (b *Bus) drain(sub *subscription) {
	defer b.wg.Done()
	for {
		d, ok := sub.box.pop()
		if !ok {
			return
		}
		b.deliver(sub, d)
	}
}

func (b *Bus) deliver(sub *subscription, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"session_id", d.event.SessionID,
				"panic", r,
			)
		}
	}()
	sub.handler(d.ctx, d.event)
}

// Close stops accepting events, lets every subscriber drain what is
// already queued, and waits. Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.box.close()
	}
	b.wg.Wait()
}

var _ domain.EventBus = (*Bus)(nil)
