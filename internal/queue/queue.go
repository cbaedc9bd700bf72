// Package queue implements the FIFO persisted work queue: a
// durable row per item, single-flight drain, dispatch under ambient context.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentcore/internal/agentctx"
	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/store"
)

// Item is one persisted queue row.
type Item struct {
	ID        string
	Callback  string
	Payload   json.RawMessage
	CreatedAt int64
}

// Callback is a registered queue-dispatchable method. It receives the
// decoded payload and the originating queue row.
type Callback func(ctx context.Context, payload json.RawMessage, item Item) error

// Queue is the agent's FIFO work queue.
type Queue struct {
	db    *store.Store
	bus   *bus.Bus
	agent agentctx.Owner

	mu        sync.Mutex
	callbacks map[string]Callback
	flushing  bool

	// onError routes dispatch failures to the agent's error hook.
	onError func(err error)
}

// New creates a queue bound to db. agent is bound into the ambient context
// for every dispatched callback.
func New(db *store.Store, b *bus.Bus, agent agentctx.Owner) *Queue {
	return &Queue{
		db:        db,
		bus:       b,
		agent:     agent,
		callbacks: make(map[string]Callback),
	}
}

// OnError registers the error hook invoked when a dispatched callback fails.
func (q *Queue) OnError(fn func(err error)) {
	q.onError = fn
}

// Register names a method as a valid queue dispatch target. enqueue validates
// against this table and rejects anything not registered.
func (q *Queue) Register(name string, cb Callback) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.callbacks[name] = cb
}

// Enqueue inserts one row and triggers an asynchronous drain.
func (q *Queue) Enqueue(ctx context.Context, callback string, payload json.RawMessage) (string, error) {
	q.mu.Lock()
	_, known := q.callbacks[callback]
	q.mu.Unlock()
	if !known {
		return "", fmt.Errorf("queue: unknown callback %q", callback)
	}

	id := uuid.NewString()
	now := time.Now().UnixMilli()
	if _, err := q.db.Exec(ctx, `INSERT INTO cf_agents_queues (id, callback, payload, created_at) VALUES (?,?,?,?)`,
		id, callback, string(payload), now); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	if q.bus != nil {
		q.bus.Publish(bus.TopicQueueEnqueued, id)
	}

	go q.drain(context.WithoutCancel(ctx))
	return id, nil
}

// drain is single-flight: a boolean flag guards re-entry. It loops until the
// table is empty, dispatching rows in createdAt order; a row it cannot
// dispatch stops the pass and stays at the head for the next drain trigger.
func (q *Queue) drain(ctx context.Context) {
	q.mu.Lock()
	if q.flushing {
		q.mu.Unlock()
		return
	}
	q.flushing = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	for {
		item, ok, err := q.next(ctx)
		if err != nil {
			q.reportError(fmt.Errorf("queue: read next: %w", err))
			return
		}
		if !ok {
			if q.bus != nil {
				q.bus.Publish(bus.TopicQueueDrained, nil)
			}
			return
		}

		q.mu.Lock()
		cb, known := q.callbacks[item.Callback]
		q.mu.Unlock()
		if !known {
			q.reportError(fmt.Errorf("queue: callback %q no longer registered", item.Callback))
			return
		}

		dispatchCtx := agentctx.With(ctx, agentctx.Fields{Agent: q.agent})
		if err := cb(dispatchCtx, item.Payload, item); err != nil {
			// Failures do not dequeue automatically; they remain for the
			// next drain trigger.
			if q.bus != nil {
				q.bus.Publish(bus.TopicQueueFailed, item.ID)
			}
			q.reportError(fmt.Errorf("queue: callback %q failed: %w", item.Callback, err))
			return
		}

		if err := q.Dequeue(ctx, item.ID); err != nil {
			q.reportError(fmt.Errorf("queue: dequeue %s: %w", item.ID, err))
			return
		}
	}
}

func (q *Queue) reportError(err error) {
	if q.onError != nil {
		q.onError(err)
	}
}

func (q *Queue) next(ctx context.Context) (Item, bool, error) {
	row := q.db.DB().QueryRowContext(ctx, `SELECT id, callback, payload, created_at FROM cf_agents_queues ORDER BY created_at ASC, id ASC LIMIT 1`)
	item, ok, err := scanItem(row)
	return item, ok, err
}

func scanItem(row *sql.Row) (Item, bool, error) {
	var it Item
	var payload string
	err := row.Scan(&it.ID, &it.Callback, &payload, &it.CreatedAt)
	if err == sql.ErrNoRows {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, err
	}
	it.Payload = json.RawMessage(payload)
	return it, true, nil
}

// Dequeue removes a single row by id.
func (q *Queue) Dequeue(ctx context.Context, id string) error {
	_, err := q.db.Exec(ctx, `DELETE FROM cf_agents_queues WHERE id = ?`, id)
	return err
}

// DequeueAll removes every row.
func (q *Queue) DequeueAll(ctx context.Context) error {
	_, err := q.db.Exec(ctx, `DELETE FROM cf_agents_queues`)
	return err
}

// DequeueAllByCallback bulk-removes rows for a callback name; used at
// startup by internal dispatchers (e.g. the task tracker) to avoid
// re-entrant spirals from stale in-flight rows.
func (q *Queue) DequeueAllByCallback(ctx context.Context, name string) error {
	_, err := q.db.Exec(ctx, `DELETE FROM cf_agents_queues WHERE callback = ?`, name)
	return err
}

// Get returns a single queue row by id.
func (q *Queue) Get(ctx context.Context, id string) (Item, bool, error) {
	row := q.db.DB().QueryRowContext(ctx, `SELECT id, callback, payload, created_at FROM cf_agents_queues WHERE id = ?`, id)
	return scanItem(row)
}

// FindByPayloadField looks up queued rows whose JSON payload has key == value.
// Unnested keys use a structured JSON-path lookup via sqlite's json_extract;
// anything else falls back to scan+parse.
func (q *Queue) FindByPayloadField(ctx context.Context, key string, value any) ([]Item, error) {
	if isSimpleKey(key) {
		rows, err := store.Query(ctx, q.db, scanItemFromRows, `
			SELECT id, callback, payload, created_at FROM cf_agents_queues
			WHERE json_extract(payload, '$.' || ?) = ?
			ORDER BY created_at ASC`, key, value)
		if err == nil {
			return rows, nil
		}
		// Fall through to scan+parse if json1 extraction failed for any reason.
	}

	all, err := store.Query(ctx, q.db, scanItemFromRows, `SELECT id, callback, payload, created_at FROM cf_agents_queues ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	var out []Item
	for _, it := range all {
		var decoded map[string]any
		if err := json.Unmarshal(it.Payload, &decoded); err != nil {
			continue
		}
		if fmt.Sprint(decoded[key]) == fmt.Sprint(value) {
			out = append(out, it)
		}
	}
	return out, nil
}

func scanItemFromRows(r *sql.Rows) (Item, error) {
	var it Item
	var payload string
	if err := r.Scan(&it.ID, &it.Callback, &payload, &it.CreatedAt); err != nil {
		return Item{}, err
	}
	it.Payload = json.RawMessage(payload)
	return it, nil
}

func isSimpleKey(key string) bool {
	for _, r := range key {
		if r == '.' || r == '[' || r == ']' {
			return false
		}
	}
	return key != ""
}
