// Package state implements the single-slot typed state store:
// lazily materialized from storage on first read, persisted with a
// change-ever-written flag, broadcast to every connection but the source on
// every write.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/store"
)

// Broadcaster sends a state frame to every connection except the optional
// source. internal/rpc.Server implements this.
type Broadcaster interface {
	BroadcastState(ctx context.Context, value json.RawMessage, exceptConnID string)
}

// Store holds one typed JSON value for the owning agent.
type Store struct {
	mu          sync.Mutex
	db          *store.Store
	bus         *bus.Bus
	broadcaster Broadcaster

	loaded      bool
	everWritten bool
	value       json.RawMessage

	initialState  json.RawMessage
	onStateUpdate func(ctx context.Context, value json.RawMessage, source string)
}

// New creates a state store bound to db. initialState (may be nil) is
// applied on first read only if no value was ever written.
func New(db *store.Store, b *bus.Bus, broadcaster Broadcaster, initialState json.RawMessage) *Store {
	return &Store{db: db, bus: b, broadcaster: broadcaster, initialState: initialState}
}

// OnStateUpdate registers the hook fired after every successful Set.
func (s *Store) OnStateUpdate(fn func(ctx context.Context, value json.RawMessage, source string)) {
	s.onStateUpdate = fn
}

// Get lazily restores state from storage on first access. If never written
// and an initial state was configured, it is persisted and returned exactly
// once, setting the ever-written flag.
func (s *Store) Get(ctx context.Context) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx)
}

func (s *Store) getLocked(ctx context.Context) (json.RawMessage, error) {
	if s.loaded {
		return s.value, nil
	}

	row := s.db.DB().QueryRowContext(ctx, `SELECT value, ever_written FROM cf_agents_state WHERE id = 1`)
	var value []byte
	var everWritten int
	err := row.Scan(&value, &everWritten)
	switch {
	case err == sql.ErrNoRows:
		s.loaded = true
		s.everWritten = false
	case err != nil:
		return nil, fmt.Errorf("load state: %w", err)
	default:
		s.loaded = true
		s.everWritten = everWritten != 0
		s.value = value
	}

	if !s.everWritten && s.initialState != nil {
		if err := s.setLocked(ctx, s.initialState, ""); err != nil {
			return nil, err
		}
	}
	return s.value, nil
}

// Set persists value and the ever-written flag, then broadcasts to every
// connection except source (if source is a connection id).
func (s *Store) Set(ctx context.Context, value json.RawMessage, source string) error {
	s.mu.Lock()
	err := s.setLocked(ctx, value, source)
	s.mu.Unlock()
	return err
}

func (s *Store) setLocked(ctx context.Context, value json.RawMessage, source string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO cf_agents_state (id, value, ever_written) VALUES (1, ?, 1)
		ON CONFLICT(id) DO UPDATE SET value = excluded.value, ever_written = 1
	`, []byte(value))
	if err != nil {
		return fmt.Errorf("persist state: %w", err)
	}

	s.loaded = true
	s.everWritten = true
	s.value = value

	if s.bus != nil {
		s.bus.Publish(bus.TopicStateUpdated, bus.StateUpdatedEvent{Source: source})
	}
	if s.broadcaster != nil {
		s.broadcaster.BroadcastState(ctx, value, source)
	}
	if s.onStateUpdate != nil {
		s.onStateUpdate(ctx, value, source)
	}
	return nil
}
