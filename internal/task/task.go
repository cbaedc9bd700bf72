// Package task implements the task tracker: a lifecycle layered
// on top of the FIFO queue for dispatch and the event bus for broadcast,
// with deadline-based timeouts and exponential backoff retries that survive
// hibernation because deadlines and progress live in the database.
package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentcore/internal/agentctx"
	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/queue"
	"github.com/basket/agentcore/internal/store"
)

// Status is one of the task state machine's five values.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// DispatchCallback is the internal queue callback name every task run is
// enqueued under; it is reserved and cannot be registered by user methods.
// Exported so a cold start can bulk-dequeue stale dispatch rows by name.
const DispatchCallback = "__task_dispatch__"

const maxBackoffMs = 30_000

// Task is one persisted row.
type Task struct {
	ID                 string
	Method             string
	Input              json.RawMessage
	Status             Status
	Result             json.RawMessage
	Error              string
	Progress           int
	TimeoutMs          int64
	DeadlineAt         int64
	QueueID            string
	Retries            int
	WorkflowInstanceID string
	WorkflowBinding    string
	CreatedAt          int64
	StartedAt          int64
	CompletedAt        int64
}

// Options configures create/run.
type Options struct {
	Timeout any // "5m" | "300s" | 5000 (ms) | nil for no deadline
	Retries int
}

// TaskContext is passed to every user method invocation.
type TaskContext struct {
	TaskID      string
	Signal      <-chan struct{} // closed when the task is aborted or deadlined
	Emit        func(eventType string, data json.RawMessage)
	SetProgress func(n int) error
}

// Method is a user-registered task-dispatchable function.
type Method func(ctx context.Context, input json.RawMessage, tc *TaskContext) (json.RawMessage, error)

// Event is one row of cf_agents_task_events.
type Event struct {
	ID        int64
	TaskID    string
	Type      string
	Data      json.RawMessage
	Timestamp int64
}

// Filter narrows List results.
type Filter struct {
	Status Status // empty = any
}

type abortController struct {
	once sync.Once
	ch   chan struct{}
}

func newAbortController() *abortController {
	return &abortController{ch: make(chan struct{})}
}

func (a *abortController) abort() {
	a.once.Do(func() { close(a.ch) })
}

func (a *abortController) aborted() bool {
	select {
	case <-a.ch:
		return true
	default:
		return false
	}
}

// Tracker is the agent's task tracker.
type Tracker struct {
	db    *store.Store
	bus   *bus.Bus
	queue *queue.Queue
	agent agentctx.Owner

	mu        sync.Mutex
	methods   map[string]Method
	abortCtls map[string]*abortController

	onError func(err error)
}

// New creates a tracker bound to db and queue. It registers the internal
// dispatch callback on q.
func New(db *store.Store, b *bus.Bus, q *queue.Queue, agent agentctx.Owner) *Tracker {
	t := &Tracker{
		db:        db,
		bus:       b,
		queue:     q,
		agent:     agent,
		methods:   make(map[string]Method),
		abortCtls: make(map[string]*abortController),
	}
	q.Register(DispatchCallback, t.dispatch)
	return t
}

// OnError registers the error hook invoked when a deadline check during
// dispatch fails with a storage error. A panic inside a dispatched method is
// not recovered by the tracker.
func (t *Tracker) OnError(fn func(err error)) {
	t.onError = fn
}

// RegisterMethod names a method as a valid create/run target.
func (t *Tracker) RegisterMethod(name string, m Method) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.methods[name] = m
}

// ParseTimeout accepts "5m", "300s", or a bare number of milliseconds.
func ParseTimeout(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		return int64(x), nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, nil
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("task: invalid timeout %q: %w", x, err)
		}
		return d.Milliseconds(), nil
	default:
		return 0, fmt.Errorf("task: unsupported timeout type %T", v)
	}
}

// Create inserts a new task in pending and broadcasts an update. It does not
// enqueue dispatch; call Run for that, or use Create+queue directly.
func (t *Tracker) Create(ctx context.Context, method string, input json.RawMessage, opts Options) (Task, error) {
	t.mu.Lock()
	_, known := t.methods[method]
	t.mu.Unlock()
	if !known {
		return Task{}, fmt.Errorf("task: unknown method %q", method)
	}

	timeoutMs, err := ParseTimeout(opts.Timeout)
	if err != nil {
		return Task{}, err
	}

	now := time.Now().UnixMilli()
	tk := Task{
		ID:        uuid.NewString(),
		Method:    method,
		Input:     input,
		Status:    StatusPending,
		Progress:  0,
		TimeoutMs: timeoutMs,
		Retries:   opts.Retries,
		CreatedAt: now,
	}

	if _, err := t.db.Exec(ctx, `
		INSERT INTO cf_agents_tasks (id, method, input, status, progress, timeout_ms, retries, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		tk.ID, tk.Method, string(tk.Input), string(tk.Status), tk.Progress, tk.TimeoutMs, tk.Retries, tk.CreatedAt); err != nil {
		return Task{}, fmt.Errorf("task: create: %w", err)
	}
	t.publishStatus(tk.ID, bus.TopicTaskCreated, "", string(StatusPending))
	return tk, nil
}

// TaskHandle is the lightweight return value of Run.
type TaskHandle struct {
	ID string
}

// Run creates the task record and enqueues a dispatch item, returning a
// handle immediately; the task itself runs asynchronously off the queue.
func (t *Tracker) Run(ctx context.Context, method string, input json.RawMessage, opts Options) (TaskHandle, error) {
	tk, err := t.Create(ctx, method, input, opts)
	if err != nil {
		return TaskHandle{}, err
	}
	payload, _ := json.Marshal(map[string]any{
		"taskId":    tk.ID,
		"method":    tk.Method,
		"input":     tk.Input,
		"timeoutMs": tk.TimeoutMs,
		"retries":   tk.Retries,
	})
	if _, err := t.queue.Enqueue(ctx, DispatchCallback, payload); err != nil {
		return TaskHandle{}, fmt.Errorf("task: enqueue dispatch: %w", err)
	}
	return TaskHandle{ID: tk.ID}, nil
}

// dispatch is the queue callback driving the full execution protocol:
// re-read, mark running, retry loop with exponential backoff in 1s slices,
// then fail/complete.
func (t *Tracker) dispatch(ctx context.Context, payload json.RawMessage, item queue.Item) error {
	var req struct {
		TaskID    string          `json:"taskId"`
		Method    string          `json:"method"`
		Input     json.RawMessage `json:"input"`
		TimeoutMs int64           `json:"timeoutMs"`
		Retries   int             `json:"retries"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("task: decode dispatch payload: %w", err)
	}

	tk, ok, err := t.Get(ctx, req.TaskID)
	if err != nil {
		return fmt.Errorf("task: re-read %s: %w", req.TaskID, err)
	}
	if !ok || tk.Status == StatusAborted {
		return nil
	}

	ctl := newAbortController()
	t.mu.Lock()
	t.abortCtls[req.TaskID] = ctl
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.abortCtls, req.TaskID)
		t.mu.Unlock()
	}()

	if err := t.markRunning(ctx, req.TaskID, req.TimeoutMs); err != nil {
		return fmt.Errorf("task: mark running %s: %w", req.TaskID, err)
	}

	t.mu.Lock()
	method, known := t.methods[req.Method]
	t.mu.Unlock()
	if !known {
		return t.fail(ctx, req.TaskID, fmt.Sprintf("unknown method %q", req.Method))
	}

	tc := &TaskContext{
		TaskID: req.TaskID,
		Signal: ctl.ch,
		Emit: func(eventType string, data json.RawMessage) {
			_ = t.addEvent(context.WithoutCancel(ctx), req.TaskID, eventType, data)
		},
		SetProgress: func(n int) error {
			return t.setProgress(context.WithoutCancel(ctx), req.TaskID, n)
		},
	}
	dispatchCtx := agentctx.With(ctx, agentctx.Fields{Agent: t.agent})

	var lastErr error
	for attempt := 0; attempt <= req.Retries; attempt++ {
		if ctl.aborted() {
			return nil
		}
		timedOut, err := t.checkTimeout(ctx, req.TaskID)
		if err != nil {
			t.reportError(err)
		}
		if timedOut {
			return nil
		}

		result, err := method(dispatchCtx, req.Input, tc)
		if err == nil {
			// A success that lands past the deadline still times out: the
			// deadline is checked one last time before completing.
			timedOut, terr := t.checkTimeout(ctx, req.TaskID)
			if terr != nil {
				t.reportError(terr)
			}
			if timedOut {
				return nil
			}
			stillRunning, rerr := t.isRunning(ctx, req.TaskID)
			if rerr != nil {
				return rerr
			}
			if !stillRunning {
				return nil // aborted mid-flight
			}
			return t.complete(ctx, req.TaskID, result)
		}

		lastErr = err
		if attempt == req.Retries {
			break
		}

		_ = t.addEvent(ctx, req.TaskID, "retry", mustMarshal(map[string]any{
			"attempt": attempt + 1,
			"error":   err.Error(),
		}))
		if t.bus != nil {
			t.bus.Publish(bus.TopicTaskRetrying, bus.TaskStateChangedEvent{TaskID: req.TaskID, OldStatus: string(StatusRunning), NewStatus: string(StatusRunning)})
		}

		backoff := time.Duration(minInt64(1000*(1<<uint(attempt)), maxBackoffMs)) * time.Millisecond
		if !t.sleepInSlices(ctx, backoff, ctl, req.TaskID) {
			return nil
		}
	}

	stillRunning, err := t.isRunning(ctx, req.TaskID)
	if err != nil {
		return err
	}
	if !stillRunning {
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("task: exhausted retries with no recorded error")
	}
	return t.fail(ctx, req.TaskID, lastErr.Error())
}

// sleepInSlices waits for d, checking abort/timeout every second. Returns
// false if the task should stop (aborted or timed out).
func (t *Tracker) sleepInSlices(ctx context.Context, d time.Duration, ctl *abortController, taskID string) bool {
	const slice = time.Second
	for remaining := d; remaining > 0; remaining -= slice {
		wait := slice
		if remaining < slice {
			wait = remaining
		}
		select {
		case <-ctl.ch:
			return false
		case <-time.After(wait):
		}
		if ctl.aborted() {
			return false
		}
		timedOut, err := t.checkTimeout(ctx, taskID)
		if err != nil {
			t.reportError(err)
		}
		if timedOut {
			return false
		}
	}
	return true
}

func (t *Tracker) markRunning(ctx context.Context, id string, timeoutMs int64) error {
	now := time.Now().UnixMilli()
	var deadlineAt int64
	if timeoutMs > 0 {
		deadlineAt = now + timeoutMs
	}
	res, err := t.db.Exec(ctx, `
		UPDATE cf_agents_tasks SET status = ?, started_at = ?, deadline_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusRunning), now, deadlineAt, id, string(StatusPending))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task: %s not in pending, cannot mark running", id)
	}
	_ = t.addEvent(ctx, id, "status", mustMarshal(map[string]any{"status": StatusRunning}))
	t.publishStatus(id, bus.TopicTaskStarted, string(StatusPending), string(StatusRunning))
	return nil
}

// checkTimeout reads the persisted deadline and aborts the task if exceeded.
// Deadlines live in the DB so they survive hibernation.
func (t *Tracker) checkTimeout(ctx context.Context, id string) (bool, error) {
	var deadlineAt sql.NullInt64
	var status string
	row := t.db.DB().QueryRowContext(ctx, `SELECT deadline_at, status FROM cf_agents_tasks WHERE id = ?`, id)
	if err := row.Scan(&deadlineAt, &status); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	if status != string(StatusRunning) {
		return false, nil
	}
	if !deadlineAt.Valid || deadlineAt.Int64 == 0 {
		return false, nil
	}
	if time.Now().UnixMilli() < deadlineAt.Int64 {
		return false, nil
	}
	if err := t.Abort(ctx, id, "Task timed out"); err != nil {
		return true, err
	}
	return true, nil
}

func (t *Tracker) isRunning(ctx context.Context, id string) (bool, error) {
	var status string
	err := t.db.DB().QueryRowContext(ctx, `SELECT status FROM cf_agents_tasks WHERE id = ?`, id).Scan(&status)
	if err != nil {
		return false, err
	}
	return status == string(StatusRunning), nil
}

// complete transitions a running task to completed, forcing progress to 100.
func (t *Tracker) complete(ctx context.Context, id string, result json.RawMessage) error {
	now := time.Now().UnixMilli()
	res, err := t.db.Exec(ctx, `
		UPDATE cf_agents_tasks SET status = ?, result = ?, progress = 100, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusCompleted), string(result), now, id, string(StatusRunning))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil // raced with abort/timeout; not an error
	}
	_ = t.addEvent(ctx, id, "status", mustMarshal(map[string]any{"status": StatusCompleted}))
	t.publishStatus(id, bus.TopicTaskCompleted, string(StatusRunning), string(StatusCompleted))
	return nil
}

// fail transitions a pending or running task to failed (pending -> failed
// covers a bridge-less RunDurable failing a task it never got to dispatch);
// terminal tasks are left alone. It returns nil once the task reaches
// failed (or was already past it): failing a task is the dispatch
// callback's successful outcome, not a callback error, so dispatch's own
// callers must not mistake a task's terminal status for a queue-level
// failure. Only a genuine storage error is returned.
func (t *Tracker) fail(ctx context.Context, id string, errMsg string) error {
	now := time.Now().UnixMilli()
	res, err := t.db.Exec(ctx, `
		UPDATE cf_agents_tasks SET status = ?, error = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(StatusFailed), errMsg, now, id, string(StatusPending), string(StatusRunning))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	_ = t.addEvent(ctx, id, "status", mustMarshal(map[string]any{"status": StatusFailed, "error": errMsg}))
	t.publishStatus(id, bus.TopicTaskFailed, string(StatusRunning), string(StatusFailed))
	return nil
}

// Abort transitions a pending or running task to aborted, signaling its
// AbortController if one is active. pending -> aborted is valid (cancel
// before dispatch); no transitions out of any terminal state.
func (t *Tracker) Abort(ctx context.Context, id string, reason string) error {
	var prevStatus string
	if err := t.db.DB().QueryRowContext(ctx, `SELECT status FROM cf_agents_tasks WHERE id = ?`, id).Scan(&prevStatus); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}

	now := time.Now().UnixMilli()
	res, err := t.db.Exec(ctx, `
		UPDATE cf_agents_tasks SET status = ?, error = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(StatusAborted), reason, now, id, string(StatusPending), string(StatusRunning))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	t.mu.Lock()
	ctl := t.abortCtls[id]
	t.mu.Unlock()
	if ctl != nil {
		ctl.abort()
	}

	_ = t.addEvent(ctx, id, "status", mustMarshal(map[string]any{"status": StatusAborted, "reason": reason}))
	t.publishStatus(id, bus.TopicTaskAborted, prevStatus, string(StatusAborted))
	return nil
}

// Cancel is an alias for Abort with a fixed reason, the user-facing
// cancel() entry point.
func (t *Tracker) Cancel(ctx context.Context, id string) error {
	return t.Abort(ctx, id, "Task canceled")
}

// SetProgress clamps n to [0,100] and persists it.
func (t *Tracker) setProgress(ctx context.Context, id string, n int) error {
	if n < 0 {
		n = 0
	}
	if n > 100 {
		n = 100
	}
	_, err := t.db.Exec(ctx, `UPDATE cf_agents_tasks SET progress = ? WHERE id = ? AND status = ?`, n, id, string(StatusRunning))
	if err != nil {
		return err
	}
	if t.bus != nil {
		t.bus.Publish(bus.TopicTaskProgress, bus.TaskStateChangedEvent{TaskID: id, OldStatus: string(StatusRunning), NewStatus: string(StatusRunning)})
	}
	return nil
}

// addEvent appends one row to cf_agents_task_events.
func (t *Tracker) addEvent(ctx context.Context, taskID, eventType string, data json.RawMessage) error {
	_, err := t.db.Exec(ctx, `
		INSERT INTO cf_agents_task_events (task_id, type, data, timestamp) VALUES (?,?,?,?)`,
		taskID, eventType, string(data), time.Now().UnixMilli())
	return err
}

// Events returns a task's append-only event list, oldest first.
func (t *Tracker) Events(ctx context.Context, taskID string) ([]Event, error) {
	return store.Query(ctx, t.db, scanEvent, `
		SELECT id, task_id, type, COALESCE(data, ''), timestamp
		FROM cf_agents_task_events WHERE task_id = ? ORDER BY id ASC`, taskID)
}

func scanEvent(r *sql.Rows) (Event, error) {
	var ev Event
	var data string
	if err := r.Scan(&ev.ID, &ev.TaskID, &ev.Type, &data, &ev.Timestamp); err != nil {
		return Event{}, err
	}
	ev.Data = json.RawMessage(data)
	return ev, nil
}

// Get returns a single task by id.
func (t *Tracker) Get(ctx context.Context, id string) (Task, bool, error) {
	row := t.db.DB().QueryRowContext(ctx, taskSelectColumns+` WHERE id = ?`, id)
	return scanTask(row)
}

// List returns tasks matching filter, newest first.
func (t *Tracker) List(ctx context.Context, filter Filter) ([]Task, error) {
	if filter.Status != "" {
		return store.Query(ctx, t.db, scanTaskFromRows, taskSelectColumns+` WHERE status = ? ORDER BY created_at DESC`, string(filter.Status))
	}
	return store.Query(ctx, t.db, scanTaskFromRows, taskSelectColumns+` ORDER BY created_at DESC`)
}

// Delete removes a terminal task's row and its events. Returns an error if
// the task is not in a terminal state.
func (t *Tracker) Delete(ctx context.Context, id string) error {
	tk, ok, err := t.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if tk.Status == StatusPending || tk.Status == StatusRunning {
		return fmt.Errorf("task: cannot delete %s in non-terminal status %s", id, tk.Status)
	}
	if _, err := t.db.Exec(ctx, `DELETE FROM cf_agents_task_events WHERE task_id = ?`, id); err != nil {
		return err
	}
	_, err = t.db.Exec(ctx, `DELETE FROM cf_agents_tasks WHERE id = ?`, id)
	return err
}

// CleanupOldTasks deletes terminal tasks completed more than olderThanMs ago.
func (t *Tracker) CleanupOldTasks(ctx context.Context, olderThanMs int64) (int64, error) {
	cutoff := time.Now().UnixMilli() - olderThanMs
	// Events reference their task, so they go first (as in Delete).
	if _, err := t.db.Exec(ctx, `
		DELETE FROM cf_agents_task_events WHERE task_id IN (
			SELECT id FROM cf_agents_tasks
			WHERE status IN (?, ?, ?) AND completed_at > 0 AND completed_at < ?)`,
		string(StatusCompleted), string(StatusFailed), string(StatusAborted), cutoff); err != nil {
		return 0, err
	}
	res, err := t.db.Exec(ctx, `
		DELETE FROM cf_agents_tasks
		WHERE status IN (?, ?, ?) AND completed_at > 0 AND completed_at < ?`,
		string(StatusCompleted), string(StatusFailed), string(StatusAborted), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *Tracker) publishStatus(id, topic, oldStatus, newStatus string) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(topic, bus.TaskStateChangedEvent{TaskID: id, OldStatus: oldStatus, NewStatus: newStatus})
}

func (t *Tracker) reportError(err error) {
	if t.onError != nil {
		t.onError(err)
	}
}

// deadline_at/started_at/completed_at stay NULL until the task leaves
// pending, so every nullable column is coalesced here rather than scanned
// through sql.Null* at each call site.
const taskSelectColumns = `
	SELECT id, method, COALESCE(input, ''), status, COALESCE(result, ''), COALESCE(error, ''),
		COALESCE(progress, 0), COALESCE(timeout_ms, 0), COALESCE(deadline_at, 0),
		COALESCE(queue_id, ''), retries,
		COALESCE(workflow_instance_id, ''), COALESCE(workflow_binding, ''),
		created_at, COALESCE(started_at, 0), COALESCE(completed_at, 0)
	FROM cf_agents_tasks`

func scanTask(row *sql.Row) (Task, bool, error) {
	var tk Task
	var input, result string
	var status string
	err := row.Scan(&tk.ID, &tk.Method, &input, &status, &result, &tk.Error, &tk.Progress,
		&tk.TimeoutMs, &tk.DeadlineAt, &tk.QueueID, &tk.Retries,
		&tk.WorkflowInstanceID, &tk.WorkflowBinding, &tk.CreatedAt, &tk.StartedAt, &tk.CompletedAt)
	if err == sql.ErrNoRows {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	tk.Input = json.RawMessage(input)
	tk.Result = json.RawMessage(result)
	tk.Status = Status(status)
	return tk, true, nil
}

func scanTaskFromRows(r *sql.Rows) (Task, error) {
	var tk Task
	var input, result string
	var status string
	if err := r.Scan(&tk.ID, &tk.Method, &input, &status, &result, &tk.Error, &tk.Progress,
		&tk.TimeoutMs, &tk.DeadlineAt, &tk.QueueID, &tk.Retries,
		&tk.WorkflowInstanceID, &tk.WorkflowBinding, &tk.CreatedAt, &tk.StartedAt, &tk.CompletedAt); err != nil {
		return Task{}, err
	}
	tk.Input = json.RawMessage(input)
	tk.Result = json.RawMessage(result)
	tk.Status = Status(status)
	return tk, nil
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
