package events

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func TestPublishDeliversToSpecificSubscribers(t *testing.T) {
	t.Parallel()

	bus := New()

	transitions := make(chan Event, 1)
	dispatched := make(chan Event, 1)

	bus.Subscribe(EventTypeAgentTransition, func(event Event) {
		transitions <- event
	})
	bus.Subscribe(EventTypeTaskDispatched, func(event Event) {
		dispatched <- event
	})

	bus.Publish(Event{
		Type:       EventTypeAgentTransition,
		EntityType: "agent",
		EntityID:   "tmux-pr12",
		Severity:   SeverityInfo,
	})

	select {
	case got := <-transitions:
		if got.Type != EventTypeAgentTransition {
			t.Fatalf("received type = %q, want %q", got.Type, EventTypeAgentTransition)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transition subscriber event")
	}

	select {
	case got := <-dispatched:
		t.Fatalf("unexpected dispatch event delivered: %#v", got)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSubscribeAllReceivesEveryEvent(t *testing.T) {
	t.Parallel()

	bus := New()
	all := make(chan Event, 2)

	bus.SubscribeAll(func(event Event) {
		all <- event
	})

	bus.Publish(Event{Type: EventTypeWorkspaceCreated, EntityType: "workspace", EntityID: "w-1"})
	bus.Publish(Event{Type: EventTypeSystemAlert, EntityType: "system", EntityID: "s-1", Severity: SeverityWarn})

	got := []string{waitForEvent(t, all).Type, waitForEvent(t, all).Type}
	if !containsType(got, EventTypeWorkspaceCreated) {
		t.Fatalf("wildcard subscriber missing %q event; got %v", EventTypeWorkspaceCreated, got)
	}
	if !containsType(got, EventTypeSystemAlert) {
		t.Fatalf("wildcard subscriber missing %q event; got %v", EventTypeSystemAlert, got)
	}
}

func TestPublishDropsWhenSubscriberBufferIsFullAndReturnsQuickly(t *testing.T) {
	t.Parallel()

	var out syncBuffer
	bus := New(WithBufferSize(1), WithLogger(log.New(&out)))

	started := make(chan struct{}, 1)
	unblock := make(chan struct{})

	bus.Subscribe(EventTypeTaskCompleted, func(Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-unblock
	})

	event := Event{Type: EventTypeTaskCompleted, EntityType: "task", EntityID: "task-01"}

	bus.Publish(event)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler to block")
	}

	bus.Publish(event)

	start := time.Now()
	bus.Publish(event)
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("publish blocked for %s; expected non-blocking behavior", elapsed)
	}

	close(unblock)

	if !strings.Contains(out.String(), "dropping event") {
		t.Fatalf("expected drop warning log, got %q", out.String())
	}
}

func TestPublishPopulatesTimestampAndPreservesMetadata(t *testing.T) {
	t.Parallel()

	bus := New()
	ch := make(chan Event, 1)

	bus.Subscribe(EventTypeHealthCheck, func(event Event) {
		ch <- event
	})

	bus.Publish(Event{
		Type:       EventTypeHealthCheck,
		EntityType: "doctor",
		EntityID:   "hc-1",
		Payload:    map[string]any{"status": "ok"},
		Severity:   SeverityInfo,
	})

	got := waitForEvent(t, ch)
	if got.Timestamp.IsZero() {
		t.Fatal("timestamp is zero; expected publish to populate timestamp")
	}
	if got.EntityType != "doctor" {
		t.Fatalf("entity type = %q, want %q", got.EntityType, "doctor")
	}
	if got.EntityID != "hc-1" {
		t.Fatalf("entity id = %q, want %q", got.EntityID, "hc-1")
	}
}

func TestCloseDrainsBufferedEventsAndIgnoresLaterPublishes(t *testing.T) {
	t.Parallel()

	bus := New()
	var received atomic.Int64
	bus.SubscribeAll(func(Event) {
		received.Add(1)
	})

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: EventTypeBatchStarted})
	}
	bus.Close()

	if got := received.Load(); got != 10 {
		t.Fatalf("received = %d, want 10 after close", got)
	}

	bus.Publish(Event{Type: EventTypeBatchCompleted})
	bus.Subscribe(EventTypeBatchCompleted, func(Event) {
		t.Error("handler registered after close should never run")
	})
	bus.Close()
}

func TestBusSupportsConcurrentPublishAndSubscribe(t *testing.T) {
	t.Parallel()

	bus := New(WithBufferSize(5000))
	const publisherCount = 20
	const eventsPerPublisher = 100

	var received atomic.Int64
	bus.SubscribeAll(func(Event) {
		received.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < publisherCount; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerPublisher; j++ {
				bus.Publish(Event{
					Type:     EventTypeAgentTransition,
					EntityID: "agent-concurrent",
					Payload:  map[string]int{"publisher": i, "index": j},
				})
			}
		}()
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Subscribe(EventTypeAgentTransition, func(Event) {})
		}()
	}

	wg.Wait()
	waitForCount(t, &received, publisherCount*eventsPerPublisher, 2*time.Second)
}

func containsType(types []string, want string) bool {
	for _, eventType := range types {
		if eventType == want {
			return true
		}
	}
	return false
}

func waitForEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()

	select {
	case event := <-ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func waitForCount(t *testing.T, got *atomic.Int64, want int64, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got.Load() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("received count = %d, want at least %d", got.Load(), want)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}
