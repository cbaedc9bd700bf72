// Package bus is the agent's in-process event bus: a synchronous
// emitter/disposer pair. Publish invokes every matching listener inline on
// the publishing goroutine, so by the time Publish returns each listener has
// run — the runtime's single-threaded cooperative model relies on that
// ordering (a state mutation's listeners observe it before the mutating
// callback resumes). Listeners must not panic; one that does is caught and
// logged so it never takes down the publisher.
package bus

import (
	"log/slog"
	"strings"
	"sync"
)

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Task lifecycle topics.
const (
	TopicTaskCreated   = "task.created"
	TopicTaskStarted   = "task.started"
	TopicTaskProgress  = "task.progress"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicTaskAborted   = "task.aborted"
	TopicTaskRetrying  = "task.retrying"
)

// State store topics.
const (
	TopicStateUpdated = "state.updated"
)

// Queue topics.
const (
	TopicQueueEnqueued = "queue.enqueued"
	TopicQueueDrained  = "queue.drained"
	TopicQueueFailed   = "queue.failed"
)

// Scheduler topics.
const (
	TopicScheduleCreated   = "schedule.created"
	TopicScheduleFired     = "schedule.fired"
	TopicScheduleFailed    = "schedule.failed"
	TopicScheduleCancelled = "schedule.cancelled"
)

// RPC topics.
const (
	TopicRPCCall = "rpc.call"
)

// MCP manager topics.
const (
	TopicMCPConnecting     = "mcp.connecting"
	TopicMCPConnected      = "mcp.connected"
	TopicMCPAuthenticating = "mcp.authenticating"
	TopicMCPFailed         = "mcp.failed"
	TopicMCPToolsChanged   = "mcp.tools_changed"
)

// Connection lifecycle topics.
const (
	TopicConnectionOpened = "connection.opened"
	TopicConnectionClosed = "connection.closed"
)

// Agent lifecycle topics.
const (
	TopicAgentDestroyed = "agent.destroyed"
)

// TaskStateChangedEvent is published when a task's status changes.
type TaskStateChangedEvent struct {
	TaskID    string
	OldStatus string
	NewStatus string
}

// StateUpdatedEvent is published after every setState call.
type StateUpdatedEvent struct {
	Source string // connection id that originated the write, empty if server-originated
}

// ScheduleFiredEvent is published when a schedule's callback runs.
type ScheduleFiredEvent struct {
	ScheduleID string
	Callback   string
}

// MCPStateEvent is published on any MCP connection state transition.
type MCPStateEvent struct {
	ServerID string
	State    string
}

// Listener receives every event whose topic matches its subscription prefix.
// It runs on the publishing goroutine and must return promptly.
type Listener func(ev Event)

// Subscription is the disposable returned by Subscribe. Dispose releases the
// listener exactly once; disposing again is a no-op.
type Subscription struct {
	bus  *Bus
	id   int
	once sync.Once
}

// Dispose removes the subscription from its bus.
func (s *Subscription) Dispose() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.bus.remove(s.id) })
}

type listenerEntry struct {
	id     int
	prefix string
	fn     Listener
}

// Bus dispatches published events to prefix-matched listeners.
type Bus struct {
	mu        sync.Mutex
	listeners []listenerEntry
	nextID    int
	logger    *slog.Logger
}

// New creates a new Bus logging listener panics through slog.Default.
func New() *Bus {
	return NewWithLogger(nil)
}

// NewWithLogger creates a new Bus with an explicit logger.
func NewWithLogger(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers fn for every topic matching the given prefix. An empty
// prefix matches all topics. The returned Subscription is the listener's
// disposable.
func (b *Bus) Subscribe(topicPrefix string, fn Listener) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.listeners = append(b.listeners, listenerEntry{id: b.nextID, prefix: topicPrefix, fn: fn})
	return &Subscription{bus: b, id: b.nextID}
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, l := range b.listeners {
		if l.id == id {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Publish fires an event synchronously: every matching listener has returned
// by the time Publish does. The matching listeners are snapshotted under the
// lock and invoked after it is released, so a listener may Subscribe or
// Dispose during dispatch without deadlocking; such changes take effect on
// the next Publish.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.Lock()
	matched := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		if l.prefix == "" || strings.HasPrefix(topic, l.prefix) {
			matched = append(matched, l.fn)
		}
	}
	b.mu.Unlock()

	ev := Event{Topic: topic, Payload: payload}
	for _, fn := range matched {
		b.invoke(fn, ev)
	}
}

// invoke isolates a single listener call: a panic is logged and swallowed,
// and the remaining listeners still run.
func (b *Bus) invoke(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus listener panicked", "topic", ev.Topic, "recover", r)
		}
	}()
	fn(ev)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// DisposableStore groups subscriptions so a teardown path can release every
// entry exactly once. Adding to an already-disposed store disposes the
// subscription immediately.
type DisposableStore struct {
	mu       sync.Mutex
	subs     []*Subscription
	disposed bool
}

// Add tracks a subscription for later disposal.
func (d *DisposableStore) Add(s *Subscription) {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		s.Dispose()
		return
	}
	d.subs = append(d.subs, s)
	d.mu.Unlock()
}

// Dispose releases every tracked subscription. Subsequent calls are no-ops.
func (d *DisposableStore) Dispose() {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}
	d.disposed = true
	subs := d.subs
	d.subs = nil
	d.mu.Unlock()

	for _, s := range subs {
		s.Dispose()
	}
}
