package obs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/basket/agentcore/internal/bus"
)

func TestTapForwardsToSink(t *testing.T) {
	b := bus.New()
	var mu sync.Mutex
	var got []bus.ObservabilityEvent
	sink := SinkFunc(func(ctx context.Context, ev bus.ObservabilityEvent) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	})

	tap := NewTap(b, sink, nil, nil)
	defer tap.Stop()

	b.Publish(bus.TopicTaskCreated, map[string]any{"taskId": "t1"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected 1 observability event, got %d", len(got))
	}
	if got[0].Type != "task_created" {
		t.Fatalf("unexpected type: %q", got[0].Type)
	}
	if got[0].ID == "" || got[0].Timestamp == 0 {
		t.Fatalf("expected id and timestamp to be populated: %+v", got[0])
	}
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Tracer == nil {
		t.Fatal("expected a non-nil no-op tracer")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
