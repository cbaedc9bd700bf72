package bus

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
)

func collect(into *[]Event) Listener {
	return func(ev Event) { *into = append(*into, ev) }
}

func TestBus_PublishInvokesListenerSynchronously(t *testing.T) {
	b := New()
	var got []Event
	sub := b.Subscribe("test", collect(&got))
	defer sub.Dispose()

	b.Publish("test.event", "hello")

	// Synchronous contract: the listener has run by the time Publish returns.
	if len(got) != 1 {
		t.Fatalf("listener invocations = %d, want 1", len(got))
	}
	if got[0].Topic != "test.event" || got[0].Payload != "hello" {
		t.Fatalf("unexpected event: %+v", got[0])
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()
	var taskEvents, allEvents []Event

	taskSub := b.Subscribe("task.", collect(&taskEvents))
	defer taskSub.Dispose()
	allSub := b.Subscribe("", collect(&allEvents))
	defer allSub.Dispose()

	b.Publish("task.created", "new task")
	b.Publish("system.status", "ok")

	if len(taskEvents) != 1 || taskEvents[0].Topic != "task.created" {
		t.Fatalf("task listener saw %+v, want only task.created", taskEvents)
	}
	if len(allEvents) != 2 {
		t.Fatalf("all-topics listener saw %d events, want 2", len(allEvents))
	}
}

func TestBus_DisposeStopsDelivery(t *testing.T) {
	b := New()
	var got []Event
	sub := b.Subscribe("test", collect(&got))

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	sub.Dispose()
	sub.Dispose() // disposing twice is a no-op

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}

	b.Publish("test.event", "after dispose")
	if len(got) != 0 {
		t.Fatalf("disposed listener still invoked: %+v", got)
	}
}

func TestBus_MultipleListenersAllRun(t *testing.T) {
	b := New()
	var a, c []Event
	sub1 := b.Subscribe("test", collect(&a))
	defer sub1.Dispose()
	sub2 := b.Subscribe("test", collect(&c))
	defer sub2.Dispose()

	b.Publish("test.event", "shared")

	if len(a) != 1 || len(c) != 1 {
		t.Fatalf("invocations = %d/%d, want 1/1", len(a), len(c))
	}
}

func TestBus_PanickingListenerIsIsolated(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelError}))
	b := NewWithLogger(logger)

	var after []Event
	panicSub := b.Subscribe("test", func(Event) { panic("listener bug") })
	defer panicSub.Dispose()
	okSub := b.Subscribe("test", collect(&after))
	defer okSub.Dispose()

	b.Publish("test.event", "boom")

	if len(after) != 1 {
		t.Fatalf("listener after the panicking one did not run: %d invocations", len(after))
	}
	if !bytes.Contains(buf.Bytes(), []byte("bus listener panicked")) {
		t.Fatalf("expected panic to be logged, got: %s", buf.String())
	}
}

func TestBus_ListenerMayDisposeDuringDispatch(t *testing.T) {
	b := New()
	var sub *Subscription
	calls := 0
	sub = b.Subscribe("test", func(Event) {
		calls++
		sub.Dispose()
	})

	b.Publish("test.event", 1)
	b.Publish("test.event", 2)

	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (self-disposed after first event)", calls)
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	var mu sync.Mutex
	received := 0
	sub := b.Subscribe("", func(Event) {
		mu.Lock()
		received++
		mu.Unlock()
	})
	defer sub.Dispose()

	const goroutines = 10
	const perGoroutine = 5

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish("concurrent", id*100+i)
			}
		}(g)
	}
	wg.Wait()

	if received != goroutines*perGoroutine {
		t.Fatalf("received %d events, want %d", received, goroutines*perGoroutine)
	}
}

func TestDisposableStore_DisposesEveryEntryOnce(t *testing.T) {
	b := New()
	var store DisposableStore
	store.Add(b.Subscribe("a", func(Event) {}))
	store.Add(b.Subscribe("b", func(Event) {}))

	if b.SubscriberCount() != 2 {
		t.Fatalf("count = %d, want 2", b.SubscriberCount())
	}

	store.Dispose()
	store.Dispose() // idempotent

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0 after store disposal", b.SubscriberCount())
	}

	// Adding to a disposed store releases immediately.
	store.Add(b.Subscribe("c", func(Event) {}))
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0 (late add disposed immediately)", b.SubscriberCount())
	}
}
