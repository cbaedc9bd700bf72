// Package rpc implements the WebSocket RPC / client-sync plane:
// a callable-method registry dispatched over JSON frames tagged by type,
// full-state broadcast on connect and on every change, and a rate-limited
// task-update channel that always delivers final states.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/basket/agentcore/internal/agentctx"
	"github.com/basket/agentcore/internal/bus"
)

// Frame type tags.
const (
	FrameRPC        = "rpc"
	FrameState      = "cf_agent_state"
	FrameMCPServers = "cf_agent_mcp_servers"
	FrameTaskUpdate = "cf_agent_task_update"
)

// taskUpdateInterval is the per-task rate limit for non-final updates.
const taskUpdateInterval = 500 * time.Millisecond

// bookkeepingPruneThreshold bounds the lastTaskUpdate map; entries older than
// one interval are dropped once the map grows past this size.
const bookkeepingPruneThreshold = 1000

// inboundEnvelope reads just enough to route the frame by type.
type inboundEnvelope struct {
	Type   string            `json:"type"`
	ID     string            `json:"id"`
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args"`
	State  json.RawMessage   `json:"state"`
}

type outboundRPC struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Done    bool            `json:"done,omitempty"`
}

type outboundState struct {
	Type  string          `json:"type"`
	State json.RawMessage `json:"state"`
}

type outboundMCPServers struct {
	Type    string `json:"type"`
	Servers any    `json:"servers"`
}

type outboundTaskUpdate struct {
	Type   string `json:"type"`
	TaskID string `json:"taskId"`
	Task   any    `json:"task"`
}

// CallableFunc is a unary callable method: dispatched once, its return value
// serialized as a single rpc response.
type CallableFunc func(ctx context.Context, args []json.RawMessage) (any, error)

// StreamingFunc is a streaming callable method: intermediate results are sent
// via stream.Send, and its own return value becomes the result carried on
// the terminating done:true frame the dispatcher sends once it returns.
type StreamingFunc func(ctx context.Context, args []json.RawMessage, stream *StreamWriter) (json.RawMessage, error)

type methodEntry struct {
	fn        CallableFunc
	streaming bool
	streamFn  StreamingFunc
}

// StreamWriter lets a streaming method push intermediate chunks.
type StreamWriter struct {
	conn *Connection
	id   string
}

// Send writes one non-final chunk.
func (w *StreamWriter) Send(ctx context.Context, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("rpc: marshal stream chunk: %w", err)
	}
	return w.conn.write(ctx, outboundRPC{Type: FrameRPC, ID: w.id, Success: true, Result: payload, Done: false})
}

// StateProvider supplies the full state snapshot sent on connect.
type StateProvider interface {
	Get(ctx context.Context) (json.RawMessage, error)
}

// MCPViewProvider supplies the full MCP server view sent on connect.
type MCPViewProvider interface {
	View(ctx context.Context) (any, error)
}

// Connection is one accepted WebSocket client.
type Connection struct {
	ID      string
	conn    *websocket.Conn
	writeMu sync.Mutex
	server  *Server
}

func (c *Connection) write(ctx context.Context, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.conn, v)
}

// Server is the agent's RPC/state-sync plane.
type Server struct {
	agent agentctx.Owner
	bus   *bus.Bus
	state StateProvider
	mcp   MCPViewProvider

	mu      sync.RWMutex
	conns   map[string]*Connection
	methods map[string]methodEntry

	onConnect func(ctx context.Context, conn *Connection)
	onMessage func(ctx context.Context, conn *Connection, raw json.RawMessage)

	taskMu         sync.Mutex
	lastTaskUpdate map[string]time.Time

	allowOrigins []string
}

// New creates an RPC server. state and mcp may be nil if those planes are not
// yet wired.
func New(agent agentctx.Owner, b *bus.Bus, state StateProvider, mcp MCPViewProvider) *Server {
	return &Server{
		agent:          agent,
		bus:            b,
		state:          state,
		mcp:            mcp,
		conns:          make(map[string]*Connection),
		methods:        make(map[string]methodEntry),
		lastTaskUpdate: make(map[string]time.Time),
	}
}

// AllowOrigins configures the WebSocket accept origin allowlist.
func (s *Server) AllowOrigins(origins []string) { s.allowOrigins = origins }

// SetStateProvider wires the state snapshot sent on connect and on
// "cf_agent_state" frames, once it exists (the agent composition root
// creates the RPC server before the state store that depends on it as a
// Broadcaster, so this is set after the fact).
func (s *Server) SetStateProvider(p StateProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = p
}

// SetMCPView wires the MCP server view sent on connect and on MCP state
// changes.
func (s *Server) SetMCPView(p MCPViewProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mcp = p
}

// OnConnect registers a hook run after the core's connect sequence.
func (s *Server) OnConnect(fn func(ctx context.Context, conn *Connection)) { s.onConnect = fn }

// OnMessage registers the forward for any frame type the core doesn't
// recognize (everything else is forwarded to the user onMessage).
func (s *Server) OnMessage(fn func(ctx context.Context, conn *Connection, raw json.RawMessage)) {
	s.onMessage = fn
}

// RegisterMethod names a unary callable method.
func (s *Server) RegisterMethod(name string, fn CallableFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[name] = methodEntry{fn: fn}
}

// RegisterStreamingMethod names a streaming callable method.
func (s *Server) RegisterStreamingMethod(name string, fn StreamingFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[name] = methodEntry{streaming: true, streamFn: fn}
}

// BroadcastState implements state.Broadcaster: sends a full snapshot to every
// connection except exceptConnID.
func (s *Server) BroadcastState(ctx context.Context, value json.RawMessage, exceptConnID string) {
	s.mu.RLock()
	targets := make([]*Connection, 0, len(s.conns))
	for id, c := range s.conns {
		if id == exceptConnID {
			continue
		}
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	frame := outboundState{Type: FrameState, State: value}
	for _, c := range targets {
		if err := c.write(ctx, frame); err != nil {
			slog.Warn("rpc: state broadcast write failed", "conn", c.ID, "error", err)
		}
	}
}

// BroadcastMCPServers sends the full MCP view to every connection, on
// connect and on any MCP state change.
func (s *Server) BroadcastMCPServers(ctx context.Context, view any) {
	s.mu.RLock()
	targets := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	frame := outboundMCPServers{Type: FrameMCPServers, Servers: view}
	for _, c := range targets {
		if err := c.write(ctx, frame); err != nil {
			slog.Warn("rpc: mcp broadcast write failed", "conn", c.ID, "error", err)
		}
	}
}

// PublishTaskUpdate broadcasts a task-update frame, rate-limited to at most
// one per 500ms per task unless final is true, in which case it always
// sends and additionally schedules a deferred rebroadcast to guarantee
// delivery even if it raced a rate-limit window.
func (s *Server) PublishTaskUpdate(ctx context.Context, taskID string, taskView any, final bool) {
	if !final {
		s.taskMu.Lock()
		last, ok := s.lastTaskUpdate[taskID]
		now := time.Now()
		if ok && now.Sub(last) < taskUpdateInterval {
			s.taskMu.Unlock()
			return
		}
		s.lastTaskUpdate[taskID] = now
		s.pruneTaskBookkeepingLocked()
		s.taskMu.Unlock()
	}

	s.broadcastTaskUpdate(ctx, taskID, taskView)

	if final {
		go func() {
			time.Sleep(time.Millisecond)
			s.broadcastTaskUpdate(context.WithoutCancel(ctx), taskID, taskView)
		}()
	}
}

func (s *Server) broadcastTaskUpdate(ctx context.Context, taskID string, taskView any) {
	s.mu.RLock()
	targets := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	frame := outboundTaskUpdate{Type: FrameTaskUpdate, TaskID: taskID, Task: taskView}
	for _, c := range targets {
		if err := c.write(ctx, frame); err != nil {
			slog.Warn("rpc: task update write failed", "conn", c.ID, "error", err)
		}
	}
}

// pruneTaskBookkeepingLocked drops stale entries once the map grows past
// bookkeepingPruneThreshold. Caller holds taskMu.
func (s *Server) pruneTaskBookkeepingLocked() {
	if len(s.lastTaskUpdate) <= bookkeepingPruneThreshold {
		return
	}
	cutoff := time.Now().Add(-taskUpdateInterval)
	for id, t := range s.lastTaskUpdate {
		if t.Before(cutoff) {
			delete(s.lastTaskUpdate, id)
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the read loop until
// the client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.allowOrigins})
	if err != nil {
		return
	}
	c := &Connection{ID: uuid.NewString(), conn: conn, server: s}

	s.mu.Lock()
	s.conns[c.ID] = c
	s.mu.Unlock()

	ctx := agentctx.With(r.Context(), agentctx.Fields{Agent: s.agent, Connection: &agentctx.Connection{ID: c.ID}})
	if s.bus != nil {
		s.bus.Publish(bus.TopicConnectionOpened, c.ID)
	}

	s.handleConnect(ctx, c)

	defer func() {
		s.mu.Lock()
		delete(s.conns, c.ID)
		s.mu.Unlock()
		if s.bus != nil {
			s.bus.Publish(bus.TopicConnectionClosed, c.ID)
		}
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var env inboundEnvelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return
		}
		s.dispatch(ctx, c, env)
	}
}

// handleConnect sends, in order, the current state (if any) and the current
// MCP view, then runs the user hook. The connection.opened bus event, which
// the observability tap records, is published by ServeHTTP before this runs,
// so it precedes both frames rather than following them.
func (s *Server) handleConnect(ctx context.Context, c *Connection) {
	if s.state != nil {
		if value, err := s.state.Get(ctx); err == nil && value != nil {
			_ = c.write(ctx, outboundState{Type: FrameState, State: value})
		}
	}
	if s.mcp != nil {
		if view, err := s.mcp.View(ctx); err == nil {
			_ = c.write(ctx, outboundMCPServers{Type: FrameMCPServers, Servers: view})
		}
	}
	if s.onConnect != nil {
		s.onConnect(ctx, c)
	}
}

func (s *Server) dispatch(ctx context.Context, c *Connection, env inboundEnvelope) {
	switch env.Type {
	case FrameRPC:
		s.dispatchRPC(ctx, c, env)
	case FrameState:
		if s.state == nil {
			return
		}
		if setter, ok := s.state.(interface {
			Set(ctx context.Context, value json.RawMessage, source string) error
		}); ok {
			_ = setter.Set(ctx, env.State, c.ID)
		}
	default:
		if s.onMessage != nil {
			raw, _ := json.Marshal(env)
			s.onMessage(ctx, c, raw)
		}
	}
}

func (s *Server) dispatchRPC(ctx context.Context, c *Connection, env inboundEnvelope) {
	s.mu.RLock()
	entry, known := s.methods[env.Method]
	s.mu.RUnlock()
	if !known {
		_ = c.write(ctx, outboundRPC{Type: FrameRPC, ID: env.ID, Success: false, Error: fmt.Sprintf("unknown method %q", env.Method)})
		return
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicRPCCall, env.Method)
	}

	if entry.streaming {
		stream := &StreamWriter{conn: c, id: env.ID}
		result, err := entry.streamFn(ctx, env.Args, stream)
		if err != nil {
			_ = c.write(ctx, outboundRPC{Type: FrameRPC, ID: env.ID, Success: false, Error: err.Error(), Done: true})
			return
		}
		_ = c.write(ctx, outboundRPC{Type: FrameRPC, ID: env.ID, Success: true, Result: result, Done: true})
		return
	}

	result, err := entry.fn(ctx, env.Args)
	if err != nil {
		_ = c.write(ctx, outboundRPC{Type: FrameRPC, ID: env.ID, Success: false, Error: err.Error()})
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		_ = c.write(ctx, outboundRPC{Type: FrameRPC, ID: env.ID, Success: false, Error: err.Error()})
		return
	}
	_ = c.write(ctx, outboundRPC{Type: FrameRPC, ID: env.ID, Success: true, Result: payload})
}
