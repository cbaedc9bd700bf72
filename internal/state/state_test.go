package state

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/store"
)

type fakeBroadcaster struct {
	calls []string
}

func (f *fakeBroadcaster) BroadcastState(ctx context.Context, value json.RawMessage, exceptConnID string) {
	f.calls = append(f.calls, exceptConnID)
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGet_AppliesInitialStateOnce(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	s := New(db, bus.New(), nil, json.RawMessage(`{"count":0}`))

	v, err := s.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != `{"count":0}` {
		t.Fatalf("got %s", v)
	}

	// A second Get must not reapply / reset the initial state.
	if err := s.Set(ctx, json.RawMessage(`{"count":5}`), ""); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v2, err := s.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v2) != `{"count":5}` {
		t.Fatalf("got %s, want count:5", v2)
	}
}

func TestSet_BroadcastsExceptSource(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	bc := &fakeBroadcaster{}
	s := New(db, bus.New(), bc, nil)

	if err := s.Set(ctx, json.RawMessage(`{"a":1}`), "conn-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if len(bc.calls) != 1 || bc.calls[0] != "conn-1" {
		t.Fatalf("unexpected broadcast calls: %v", bc.calls)
	}
}

func TestGet_RoundTripSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := t.TempDir() + "/agent.db"
	db, err := store.Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s := New(db, bus.New(), nil, nil)
	if err := s.Set(ctx, json.RawMessage(`{"hibernate":true}`), ""); err != nil {
		t.Fatalf("Set: %v", err)
	}
	db.Close()

	db2, err := store.Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	s2 := New(db2, bus.New(), nil, nil)
	v, err := s2.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != `{"hibernate":true}` {
		t.Fatalf("got %s", v)
	}
}
