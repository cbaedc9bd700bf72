package task

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/queue"
	"github.com/basket/agentcore/internal/store"
)

type fakeAgent struct{}

func (fakeAgent) AgentName() string { return "demo" }

func openTracker(t *testing.T) *Tracker {
	t.Helper()
	db, err := store.Open(context.Background(), "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	q := queue.New(db, bus.New(), fakeAgent{})
	return New(db, bus.New(), q, fakeAgent{})
}

func TestParseTimeout_Variants(t *testing.T) {
	cases := []struct {
		in   any
		want int64
	}{
		{"5m", 5 * 60 * 1000},
		{"300s", 300 * 1000},
		{5000, 5000},
		{nil, 0},
	}
	for _, c := range cases {
		got, err := ParseTimeout(c.in)
		if err != nil {
			t.Fatalf("ParseTimeout(%v): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseTimeout(%v) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestRun_CompletesSuccessfully(t *testing.T) {
	tr := openTracker(t)
	tr.RegisterMethod("echo", func(ctx context.Context, input json.RawMessage, tc *TaskContext) (json.RawMessage, error) {
		return input, nil
	})

	ctx := context.Background()
	handle, err := tr.Run(ctx, "echo", json.RawMessage(`{"x":1}`), Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tk, ok, err := tr.Get(ctx, handle.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if ok && tk.Status == StatusCompleted {
			if tk.Progress != 100 {
				t.Fatalf("progress = %d, want 100", tk.Progress)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("task never completed")
}

func TestRun_RetriesThenFails(t *testing.T) {
	tr := openTracker(t)
	attempts := 0
	tr.RegisterMethod("alwaysFails", func(ctx context.Context, input json.RawMessage, tc *TaskContext) (json.RawMessage, error) {
		attempts++
		return nil, errors.New("boom")
	})

	ctx := context.Background()
	handle, err := tr.Run(ctx, "alwaysFails", json.RawMessage(`{}`), Options{Retries: 1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		tk, ok, err := tr.Get(ctx, handle.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if ok && tk.Status == StatusFailed {
			if attempts != 2 {
				t.Fatalf("attempts = %d, want 2 (1 retry)", attempts)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task never failed")
}

func TestRun_FlakyMethodRetriesThenCompletes(t *testing.T) {
	tr := openTracker(t)
	attempts := 0
	tr.RegisterMethod("flaky", func(ctx context.Context, input json.RawMessage, tc *TaskContext) (json.RawMessage, error) {
		attempts++
		if attempts <= 2 {
			return nil, errors.New("transient")
		}
		return json.RawMessage(`"ok"`), nil
	})

	ctx := context.Background()
	handle, err := tr.Run(ctx, "flaky", json.RawMessage(`{}`), Options{Retries: 2})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		tk, ok, err := tr.Get(ctx, handle.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if ok && tk.Status == StatusCompleted {
			if string(tk.Result) != `"ok"` {
				t.Fatalf("result = %s, want \"ok\"", tk.Result)
			}
			events, err := tr.Events(ctx, handle.ID)
			if err != nil {
				t.Fatalf("events: %v", err)
			}
			retries := 0
			for _, ev := range events {
				if ev.Type == "retry" {
					retries++
				}
			}
			if retries != 2 {
				t.Fatalf("retry events = %d, want 2", retries)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task never completed")
}

func TestRun_DeadlineExceededAbortsWithTimedOutError(t *testing.T) {
	tr := openTracker(t)
	tr.RegisterMethod("slow", func(ctx context.Context, input json.RawMessage, tc *TaskContext) (json.RawMessage, error) {
		time.Sleep(300 * time.Millisecond) // well past the 50ms deadline
		return json.RawMessage(`"late"`), nil
	})

	ctx := context.Background()
	handle, err := tr.Run(ctx, "slow", json.RawMessage(`{}`), Options{Timeout: "50ms"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		tk, ok, err := tr.Get(ctx, handle.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if ok && tk.Status == StatusAborted {
			if tk.Error != "Task timed out" {
				t.Fatalf("error = %q, want \"Task timed out\"", tk.Error)
			}
			if tk.DeadlineAt == 0 || tk.DeadlineAt < tk.StartedAt {
				t.Fatalf("expected persisted deadline after start, got deadline=%d started=%d", tk.DeadlineAt, tk.StartedAt)
			}
			return
		}
		if ok && tk.Status == StatusCompleted {
			t.Fatal("task completed despite exceeding its deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task never aborted")
}

func TestAbort_PendingBeforeDispatchPreventsRun(t *testing.T) {
	tr := openTracker(t)
	ran := false
	tr.RegisterMethod("noop", func(ctx context.Context, input json.RawMessage, tc *TaskContext) (json.RawMessage, error) {
		ran = true
		return nil, nil
	})

	ctx := context.Background()
	tk, err := tr.Create(ctx, "noop", json.RawMessage(`{}`), Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := tr.Abort(ctx, tk.ID, "canceled before run"); err != nil {
		t.Fatalf("abort: %v", err)
	}

	got, ok, err := tr.Get(ctx, tk.ID)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Status != StatusAborted {
		t.Fatalf("status = %s, want aborted", got.Status)
	}
	if ran {
		t.Fatal("method should never have run after pending->aborted")
	}
}

func TestAbort_TerminalStateIsNoOp(t *testing.T) {
	tr := openTracker(t)
	tr.RegisterMethod("echo", func(ctx context.Context, input json.RawMessage, tc *TaskContext) (json.RawMessage, error) {
		return input, nil
	})
	ctx := context.Background()
	handle, err := tr.Run(ctx, "echo", json.RawMessage(`{}`), Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tk, _, _ := tr.Get(ctx, handle.ID)
		if tk.Status == StatusCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := tr.Abort(ctx, handle.ID, "too late"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	tk, _, _ := tr.Get(ctx, handle.ID)
	if tk.Status != StatusCompleted {
		t.Fatalf("status = %s, want still completed (no transition out of terminal)", tk.Status)
	}
}

func TestDelete_RejectsNonTerminal(t *testing.T) {
	tr := openTracker(t)
	tr.RegisterMethod("noop", func(ctx context.Context, input json.RawMessage, tc *TaskContext) (json.RawMessage, error) { return nil, nil })
	ctx := context.Background()
	tk, err := tr.Create(ctx, "noop", json.RawMessage(`{}`), Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := tr.Delete(ctx, tk.ID); err == nil {
		t.Fatal("expected error deleting a pending (non-terminal) task")
	}
}

func TestSetProgress_Clamped(t *testing.T) {
	tr := openTracker(t)
	progressSeen := make(chan int, 3)
	tr.RegisterMethod("progressive", func(ctx context.Context, input json.RawMessage, tc *TaskContext) (json.RawMessage, error) {
		if err := tc.SetProgress(500); err != nil {
			return nil, err
		}
		tk, _, err := tr.Get(ctx, tc.TaskID)
		if err != nil {
			return nil, err
		}
		progressSeen <- tk.Progress
		return json.RawMessage(`{}`), nil
	})

	ctx := context.Background()
	handle, err := tr.Run(ctx, "progressive", json.RawMessage(`{}`), Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	select {
	case p := <-progressSeen:
		if p != 100 {
			t.Fatalf("progress after SetProgress(500) = %d, want 100 (clamped)", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for method to run")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		tk, ok, _ := tr.Get(ctx, handle.ID)
		if ok && tk.Status == StatusCompleted {
			if tk.Progress != 100 {
				t.Fatalf("final progress = %d, want 100 (complete forces it)", tk.Progress)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("task never completed")
}
