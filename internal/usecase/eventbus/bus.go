// Package eventbus delivers agent lifecycle events to in-process listeners
// such as the websocket stream and the metrics collector.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"oxsets/internal/domain"
)

// subscription matches either one event type or, when all is set, every type.
type subscription struct {
	id        uint64
	eventType domain.EventType
	all       bool
	handler   domain.EventHandler
}

func (s subscription) matches(t domain.EventType) bool {
	return s.all || s.eventType == t
}

// Observer is told about every accepted publish, synchronously.
type Observer func(domain.EventType)

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu       sync.RWMutex
	subs     []subscription
	nextID   atomic.Uint64
	observer Observer
	logger   *slog.Logger
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithObserver installs a hook that sees each published event type.
func WithObserver(o Observer) Option {
	return func(b *Bus) { b.observer = o }
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{logger: logger}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish fans an event out to every matching subscriber, each in its own
// goroutine. A zero Timestamp is filled in. Panicking handlers are recovered.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if b.observer != nil {
		b.observer(event.Type)
	}

	b.mu.RLock()
	matched := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.matches(event.Type) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		b.dispatch(ctx, event, sub)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"agent_id", event.AgentID,
					"panic", r,
				)
			}
		}()
		sub.handler(ctx, event)
	}()
}

// Subscribe registers a handler for one event type and returns its
// unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(subscription{eventType: eventType, handler: handler})
}

// SubscribeAll registers a handler for every event type and returns its
// unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(subscription{all: true, handler: handler})
}

func (b *Bus) add(sub subscription) func() {
	sub.id = b.nextID.Add(1)

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub.id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops accepting publishes and waits for in-flight handlers.
// It is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}
