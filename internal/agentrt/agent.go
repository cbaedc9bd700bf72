// Package agentrt wires the agent's components (storage, bus, ambient
// context, state, queue, scheduler, task tracker, RPC/client-sync plane, MCP
// client manager, and the external-task bridge) into a single addressable
// runtime instance.
//
// This is the composition root for the instance: Go has no reflection-driven
// prototype walk, so the ambient context is bound explicitly instead of by
// automatic method wrapping. The RPC server, queue drain, scheduler fire and
// task dispatch each bind it themselves with agentctx.With; Agent.Dispatch
// offers the same binding, plus error reporting, to code outside those paths.
package agentrt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/basket/agentcore/internal/agentctx"
	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/durable"
	"github.com/basket/agentcore/internal/mcpmgr"
	"github.com/basket/agentcore/internal/obs"
	"github.com/basket/agentcore/internal/queue"
	"github.com/basket/agentcore/internal/rpc"
	"github.com/basket/agentcore/internal/scheduler"
	"github.com/basket/agentcore/internal/state"
	"github.com/basket/agentcore/internal/store"
	"github.com/basket/agentcore/internal/task"
)

// Config configures one Agent instance.
type Config struct {
	ClassName    string // e.g. "MyAgent"; kebab-cased for routing and durable bindings
	Name         string // the instance name within its namespace
	DBPath       string // empty = in-memory
	InitialState json.RawMessage
	AllowOrigins []string
	Bridge       durable.Bridge // nil disables durable task dispatch

	// DurableSigningKey, if set, requires a validly HMAC-signed bearer token
	// on the durable-task and workflow-update HTTP callback endpoints.
	DurableSigningKey []byte
}

// Agent is one named, durable, single-homed instance: it owns its SQL
// store, event bus, state slot, queue, scheduler, task tracker, MCP
// manager, and RPC/client-sync plane, and serves the HTTP surface.
type Agent struct {
	name      string
	className string

	Store     *store.Store
	Bus       *bus.Bus
	State     *state.Store
	Queue     *queue.Queue
	Scheduler *scheduler.Scheduler
	Tasks     *task.Tracker
	MCP       *mcpmgr.Manager
	RPC       *rpc.Server
	Durable   *durable.Router
	Obs       *obs.Tap

	onError   func(ctx context.Context, connID string, err error)
	onRequest http.Handler

	// disposables tracks the agent's bus subscriptions (fan-out listeners);
	// Destroy releases every entry exactly once.
	disposables bus.DisposableStore

	destroying bool
}

// AgentName implements agentctx.Owner.
func (a *Agent) AgentName() string { return a.name }

// New wires every component together and bootstraps the storage schema.
// Callers must call Start to arm the scheduler's alarm and Destroy to tear
// the instance down.
func New(ctx context.Context, cfg Config) (*Agent, error) {
	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("agentrt: open store: %w", err)
	}

	b := bus.New()
	a := &Agent{name: cfg.Name, className: cfg.ClassName, Store: db, Bus: b}

	// The RPC server is constructed first because the state store needs it
	// as a Broadcaster; its own state/MCP view providers are wired in below
	// via SetStateProvider/SetMCPView once those components exist.
	a.RPC = rpc.New(a, b, nil, nil)
	a.RPC.AllowOrigins(cfg.AllowOrigins)

	a.State = state.New(db, b, a.RPC, cfg.InitialState)
	a.Queue = queue.New(db, b, a)
	a.Scheduler = scheduler.New(db, b, a)
	a.Tasks = task.New(db, b, a.Queue, a)
	a.MCP = mcpmgr.New(db, b, a)
	a.Durable = durable.NewRouter(cfg.Bridge, a.Tasks, cfg.ClassName, cfg.Name).WithSigningKey(cfg.DurableSigningKey)

	a.RPC.SetStateProvider(a.State)
	a.RPC.SetMCPView(a.MCP)

	a.Queue.OnError(func(err error) { a.reportError(context.Background(), "", err) })
	a.Scheduler.OnError(func(err error) { a.reportError(context.Background(), "", err) })
	a.Tasks.OnError(func(err error) { a.reportError(context.Background(), "", err) })
	a.MCP.OnError(func(err error) { a.reportError(context.Background(), "", err) })

	if err := coldStartTaskCleanup(ctx, db, a.Queue); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("agentrt: cold-start task cleanup: %w", err)
	}

	a.startFanout()
	return a, nil
}

// coldStartTaskCleanup moves every task still pending/running at boot to
// failed with a fixed "restarted" error, and bulk-removes any stale
// dispatch rows left in the queue for them: without this, a stale row sits
// at the head of the FIFO forever and re-dispatches an already-terminal
// task on every future drain.
func coldStartTaskCleanup(ctx context.Context, db *store.Store, q *queue.Queue) error {
	_, err := db.Exec(ctx, `
		UPDATE cf_agents_tasks SET status = 'failed', error = ?, completed_at = ?
		WHERE status IN ('pending', 'running')`,
		"agent restarted", time.Now().UnixMilli())
	if err != nil {
		return err
	}
	return q.DequeueAllByCallback(ctx, task.DispatchCallback)
}

// Start arms the scheduler's persisted alarm for the earliest due schedule.
func (a *Agent) Start(ctx context.Context) error {
	return a.Scheduler.Start(ctx)
}

// OnError registers the agent's error hook (onError(connection?, error)).
// With no hook registered, a reported error is published on the bus as an
// "agent.error" event carrying its message; Dispatch also returns the error
// to its caller either way.
func (a *Agent) OnError(fn func(ctx context.Context, connID string, err error)) {
	a.onError = fn
}

func (a *Agent) reportError(ctx context.Context, connID string, err error) {
	if err == nil {
		return
	}
	if a.onError != nil {
		a.onError(ctx, connID, err)
		return
	}
	a.Bus.Publish("agent.error", err.Error())
}

// OnRequest registers the fallback HTTP handler for any request not matched
// by the agent's own routes (All other requests -> user onRequest).
func (a *Agent) OnRequest(h http.Handler) { a.onRequest = h }

// WithObservability attaches a Tap that mirrors every bus event to sink and,
// if provider is non-nil, an OTel span on provider's tracer. Call
// Agent.Destroy (or Obs.Stop directly) to release it.
func (a *Agent) WithObservability(sink obs.Sink, provider *obs.Provider) {
	if provider != nil {
		a.Obs = obs.NewTap(a.Bus, sink, provider.Tracer, nil)
		return
	}
	a.Obs = obs.NewTap(a.Bus, sink, nil, nil)
}

// Dispatch runs fn under an ambient context bound to this agent and conn, and
// reports any error fn returns through the agent's error hook before
// returning it. The built-in entry points (RPC server, queue drain, scheduler
// fire, task dispatch) bind the context with agentctx.With directly and do
// not go through Dispatch.
func (a *Agent) Dispatch(ctx context.Context, conn *agentctx.Connection, fn func(ctx context.Context) error) error {
	dctx := agentctx.With(ctx, agentctx.Fields{Agent: a, Connection: conn})
	if err := fn(dctx); err != nil {
		connID := ""
		if conn != nil {
			connID = conn.ID
		}
		a.reportError(dctx, connID, err)
		return err
	}
	return nil
}

// Destroy marks the instance as being torn down, then disposes every owned
// resource in order: stops the scheduler's alarm, releases the bus
// subscriptions, closes MCP connections, stops the observability tap,
// publishes agent.destroyed, and finally drops every table and closes the
// store.
func (a *Agent) Destroy(ctx context.Context) error {
	a.destroying = true
	a.Scheduler.Stop()
	a.disposables.Dispose()
	a.MCP.Destroy()
	if a.Obs != nil {
		a.Obs.Stop()
	}
	a.Bus.Publish(bus.TopicAgentDestroyed, a.name)
	return a.Store.Destroy(ctx)
}

// KebabClassName returns the routing/durable-binding name for the agent's
// class ({kebab-case-of-class}/{instance-name}).
func (a *Agent) KebabClassName() string { return durable.KebabCase(a.className) }

// RoutePrefix returns the "{prefix}/{kebab-class}/{name}" address the
// platform's request router resolves an instance through (default prefix
// "agents").
func (a *Agent) RoutePrefix(prefix string) string {
	if prefix == "" {
		prefix = "agents"
	}
	return strings.Join([]string{prefix, a.KebabClassName(), a.name}, "/")
}
