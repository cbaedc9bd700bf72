package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/store"
)

type fakeAgent struct{}

func (fakeAgent) AgentName() string { return "demo" }

func openScheduler(t *testing.T) *Scheduler {
	t.Helper()
	db, err := store.Open(context.Background(), "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, bus.New(), fakeAgent{})
}

func TestSchedule_DelayedFiresOnce(t *testing.T) {
	s := openScheduler(t)
	fired := make(chan struct{}, 5)
	s.Register("ping", func(ctx context.Context, payload json.RawMessage, sched Schedule) error {
		fired <- struct{}{}
		return nil
	})

	ctx := context.Background()
	sched, err := s.Schedule(ctx, After(20*time.Millisecond), "ping", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if sched.Kind != KindDelayed {
		t.Fatalf("kind = %s, want delayed", sched.Kind)
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for fire")
	}

	select {
	case <-fired:
		t.Fatal("fired a second time, want exactly once")
	case <-time.After(100 * time.Millisecond):
	}

	if _, ok, err := s.GetSchedule(ctx, sched.ID); err != nil || ok {
		t.Fatalf("row should be deleted after firing, ok=%v err=%v", ok, err)
	}
}

func TestSchedule_CronFiresAndAdvancesTime(t *testing.T) {
	s := openScheduler(t)
	type firing struct {
		payload json.RawMessage
		sched   Schedule
	}
	fired := make(chan firing, 5)
	s.Register("tick", func(ctx context.Context, payload json.RawMessage, sched Schedule) error {
		fired <- firing{payload: payload, sched: sched}
		return nil
	})

	ctx := context.Background()
	base := time.Now()
	s.now = func() time.Time { return base }

	sched, err := s.Schedule(ctx, Cron("* * * * *"), "tick", json.RawMessage(`{"k":1}`))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if sched.Kind != KindCron {
		t.Fatalf("kind = %s, want cron", sched.Kind)
	}
	if sched.Time <= sched.CreatedAt {
		t.Fatalf("expected next tick after creation: time=%d created=%d", sched.Time, sched.CreatedAt)
	}

	// Advance the clock past the scheduled minute and fire the alarm.
	advanced := base.Add(61 * time.Second)
	s.now = func() time.Time { return advanced }
	s.tick(ctx)

	select {
	case f := <-fired:
		if string(f.payload) != `{"k":1}` {
			t.Fatalf("payload = %s, want {\"k\":1}", f.payload)
		}
		if f.sched.ID != sched.ID {
			t.Fatalf("fired schedule id = %s, want %s", f.sched.ID, sched.ID)
		}
	default:
		t.Fatal("cron callback did not fire on a due tick")
	}

	// The row survives (cron repeats) with time advanced to the next tick.
	got, ok, err := s.GetSchedule(ctx, sched.ID)
	if err != nil || !ok {
		t.Fatalf("get after fire: ok=%v err=%v", ok, err)
	}
	wantNext, err := NextRunTime("* * * * *", advanced)
	if err != nil {
		t.Fatalf("next run time: %v", err)
	}
	if got.Time != wantNext.Unix() {
		t.Fatalf("time after fire = %d, want next tick %d", got.Time, wantNext.Unix())
	}
	if got.Time <= sched.Time {
		t.Fatalf("time did not advance: before=%d after=%d", sched.Time, got.Time)
	}

	select {
	case <-fired:
		t.Fatal("callback fired more than once in a single tick pass")
	default:
	}
}

func TestCancelSchedule_UnknownIDReturnsFalse(t *testing.T) {
	s := openScheduler(t)
	ok, err := s.CancelSchedule(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ok {
		t.Fatal("expected false for unknown id")
	}
}

func TestCancelSchedule_KnownIDPreventsFiring(t *testing.T) {
	s := openScheduler(t)
	fired := make(chan struct{}, 5)
	s.Register("ping", func(ctx context.Context, payload json.RawMessage, sched Schedule) error {
		fired <- struct{}{}
		return nil
	})

	ctx := context.Background()
	sched, err := s.Schedule(ctx, After(50*time.Millisecond), "ping", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	ok, err := s.CancelSchedule(ctx, sched.ID)
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}

	select {
	case <-fired:
		t.Fatal("callback fired after cancellation")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRescheduleAlarm_ConsolidatesToEarliest(t *testing.T) {
	s := openScheduler(t)
	s.Register("noop", func(ctx context.Context, payload json.RawMessage, sched Schedule) error { return nil })

	ctx := context.Background()
	far := time.Now().Add(time.Hour)
	near := time.Now().Add(10 * time.Millisecond)

	if _, err := s.Schedule(ctx, At(far), "noop", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("schedule far: %v", err)
	}
	if _, err := s.Schedule(ctx, At(near), "noop", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("schedule near: %v", err)
	}

	s.mu.Lock()
	alarm := s.alarm
	s.mu.Unlock()
	if alarm == nil {
		t.Fatal("expected an armed alarm")
	}
}

func TestNextRunTime_AdvancesPastGivenInstant(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	next, err := NextRunTime("0 * * * *", now)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !next.After(now) {
		t.Fatalf("next %v should be after %v", next, now)
	}
}
