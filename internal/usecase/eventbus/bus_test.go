package eventbus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"oxsets/internal/domain"
)

func newTestBus(opts ...Option) *Bus {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{Type: t, AgentID: "scout"}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventAgentLaunched, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventAgentLaunched && e.AgentID == "scout" {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventAgentLaunched))
	bus.Publish(context.Background(), newEvent(domain.EventAgentStopped))
	bus.Close()
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventAgentLaunched))
	bus.Publish(context.Background(), newEvent(domain.EventAgentsScanned))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestPublishStampsTimestamp(t *testing.T) {
	bus := newTestBus()

	stamped := make(chan time.Time, 1)
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		stamped <- e.Timestamp
	})

	bus.Publish(context.Background(), newEvent(domain.EventAgentExited))
	bus.Close()
	if ts := <-stamped; ts.IsZero() {
		t.Error("expected timestamp to be filled in")
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventAgentLaunched, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})
	if bus.Subscribers() != 1 {
		t.Fatalf("Subscribers = %d, want 1", bus.Subscribers())
	}

	unsub()
	unsub()
	if bus.Subscribers() != 0 {
		t.Fatalf("Subscribers = %d, want 0", bus.Subscribers())
	}

	bus.Publish(context.Background(), newEvent(domain.EventAgentLaunched))
	bus.Close()
	if got.Load() != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", got.Load())
	}
}

func TestObserver(t *testing.T) {
	var mu sync.Mutex
	var seen []domain.EventType
	bus := newTestBus(WithObserver(func(et domain.EventType) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, et)
	}))

	bus.Publish(context.Background(), newEvent(domain.EventAgentLaunched))
	bus.Publish(context.Background(), newEvent(domain.EventAgentStopFailed))
	bus.Close()
	bus.Publish(context.Background(), newEvent(domain.EventAgentStopped))

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != domain.EventAgentLaunched || seen[1] != domain.EventAgentStopFailed {
		t.Fatalf("observer saw %v", seen)
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventAgentExited, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), newEvent(domain.EventAgentExited))
		}()
	}
	wg.Wait()
	bus.Close()

	if got.Load() != 100 {
		t.Fatalf("expected 100, got %d", got.Load())
	}
}

func TestPanicRecovery(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventAgentLaunched, func(_ context.Context, _ domain.Event) {
		panic("boom")
	})
	bus.Subscribe(domain.EventAgentLaunched, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventAgentLaunched))
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("expected 1 (second handler), got %d", got.Load())
	}
}

func TestCloseDrainsAndRejectsNew(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventAgentStopped, func(_ context.Context, _ domain.Event) {
		time.Sleep(50 * time.Millisecond)
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventAgentStopped))
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("expected handler to have run, got %d", got.Load())
	}

	bus.Publish(context.Background(), newEvent(domain.EventAgentStopped))
	time.Sleep(20 * time.Millisecond)
	if got.Load() != 1 {
		t.Fatalf("expected no delivery after close, got %d", got.Load())
	}
}
