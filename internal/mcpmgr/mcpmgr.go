// Package mcpmgr implements the MCP client manager: it owns
// zero or more outbound MCP sessions keyed by server ID, drives each
// connection through a per-server state machine, couples transport discovery
// to OAuth, and exposes a namespaced aggregate tool/resource/prompt view for
// the rest of the agent (notably internal/rpc's "cf_agent_mcp_servers"
// frame).
package mcpmgr

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/basket/agentcore/internal/agentctx"
	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/store"
)

// State is a connection's position in the per-server lifecycle.
type State string

const (
	StateAuthenticating State = "authenticating"
	StateConnecting     State = "connecting"
	StateDiscovering    State = "discovering"
	StateReady          State = "ready"
	StateFailed         State = "failed"
)

// TransportKind selects the wire transport for a server.
type TransportKind string

const (
	TransportAuto           TransportKind = "auto"
	TransportStreamableHTTP TransportKind = "streamable-http"
	TransportSSE            TransportKind = "sse"
)

// Options is the serialized transport/client configuration persisted on a
// server record.
type Options struct {
	Transport TransportKind     `json:"transport,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timeout   string            `json:"timeout,omitempty"`
}

// Tool, Resource, Prompt and ResourceTemplate are the manager's own
// representations of what an MCP server advertises, decoupled from the
// wire SDK's types so the rest of the agent never imports it directly.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type Prompt struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
}

type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ServerCapabilities records which list kinds a server advertises and
// whether each supports change notifications.
type ServerCapabilities struct {
	Tools             *ListChangedCapability
	Resources         *ListChangedCapability
	Prompts           *ListChangedCapability
	ResourceTemplates *ListChangedCapability
}

type ListChangedCapability struct {
	ListChanged bool
}

// ServerRecord is the persisted row backing one MCP server.
type ServerRecord struct {
	ID            string
	Name          string
	ServerURL     string
	CallbackURL   string
	ClientID      string
	AuthURL       string
	ServerOptions json.RawMessage
}

// Connection is the in-memory, never-persisted live state of one server.
type Connection struct {
	mu sync.RWMutex

	ID        string
	Name      string
	ServerURL string
	Options   Options

	state                  State
	client                 mcpClient
	transport              TransportKind
	lastAttemptedTransport TransportKind
	capabilities           *ServerCapabilities
	tools                  []Tool
	resources              []Resource
	prompts                []Prompt
	resourceTemplates      []ResourceTemplate
	failureReason          string
	auth                   *oauthProvider
}

// connSnapshot is a read-only copy of a Connection's mutable fields, safe to
// pass around without holding the connection's lock.
type connSnapshot struct {
	ID                     string
	Name                   string
	ServerURL              string
	state                  State
	transport              TransportKind
	lastAttemptedTransport TransportKind
	capabilities           *ServerCapabilities
	tools                  []Tool
	resources              []Resource
	prompts                []Prompt
	resourceTemplates      []ResourceTemplate
	failureReason          string
}

func (c *Connection) snapshot() connSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return connSnapshot{
		ID:                     c.ID,
		Name:                   c.Name,
		ServerURL:              c.ServerURL,
		state:                  c.state,
		transport:              c.transport,
		lastAttemptedTransport: c.lastAttemptedTransport,
		capabilities:           c.capabilities,
		tools:                  c.tools,
		resources:              c.resources,
		prompts:                c.prompts,
		resourceTemplates:      c.resourceTemplates,
		failureReason:          c.failureReason,
	}
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State reports the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Manager owns every MCP connection for one agent instance.
type Manager struct {
	db    *store.Store
	bus   *bus.Bus
	agent agentctx.Owner
	dial  dialerFunc

	onError func(err error)

	mu          sync.RWMutex
	connections map[string]*Connection

	callbackMu  sync.Mutex
	callbackSet map[string]string // callback URL -> server ID, lazily filled
	cacheValid  bool
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithDialer overrides the transport dialer, used by tests to inject a fake
// MCP client without reaching the network.
func WithDialer(d dialerFunc) Option {
	return func(m *Manager) { m.dial = d }
}

// New creates a manager bound to db.
func New(db *store.Store, b *bus.Bus, agent agentctx.Owner, opts ...Option) *Manager {
	m := &Manager{
		db:          db,
		bus:         b,
		agent:       agent,
		dial:        dialMCPGo,
		connections: make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnError registers the error hook invoked for best-effort failures
// (capability discovery partial failures, notification refetches).
func (m *Manager) OnError(fn func(err error)) {
	m.onError = fn
}

func (m *Manager) reportError(err error) {
	if m.onError != nil {
		m.onError(err)
	} else {
		slog.Error("mcp manager error", "error", err)
	}
}

func (m *Manager) publish(topic string, payload any) {
	if m.bus != nil {
		m.bus.Publish(topic, payload)
	}
}

// RegisterServer creates the in-memory connection and persists a record with
// a callback URL. The record's authUrl and clientId are always stored empty
// here; RegisterServer takes no already-known values for them.
func (m *Manager) RegisterServer(ctx context.Context, id, name, serverURL string, opts Options) (*Connection, error) {
	m.mu.Lock()
	if _, exists := m.connections[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("mcpmgr: server %q already registered", id)
	}
	m.mu.Unlock()

	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("mcpmgr: marshal server options: %w", err)
	}
	callbackURL := fmt.Sprintf("/_mcp/callback/%s", id)

	if _, err := m.db.Exec(ctx, `
		INSERT INTO cf_agents_mcp_servers (id, name, server_url, callback_url, client_id, auth_url, server_options)
		VALUES (?,?,?,?,?,?,?)`,
		id, name, serverURL, callbackURL, "", "", string(optsJSON)); err != nil {
		return nil, fmt.Errorf("mcpmgr: insert server record: %w", err)
	}

	conn := &Connection{
		ID:        id,
		Name:      name,
		ServerURL: serverURL,
		Options:   opts,
		state:     StateConnecting,
	}
	m.mu.Lock()
	m.connections[id] = conn
	m.mu.Unlock()

	m.invalidateCallbackCache()
	return conn, nil
}

// GetConnection returns the live connection for a server ID.
func (m *Manager) GetConnection(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[id]
	return c, ok
}

// RemoveServer disposes the live connection and deletes its record.
func (m *Manager) RemoveServer(ctx context.Context, id string) error {
	m.mu.Lock()
	conn, ok := m.connections[id]
	delete(m.connections, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if conn.client != nil {
		_ = conn.client.Close()
	}
	if _, err := m.db.Exec(ctx, `DELETE FROM cf_agents_mcp_servers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("mcpmgr: delete server record: %w", err)
	}
	m.invalidateCallbackCache()
	return nil
}

func (m *Manager) loadRecord(ctx context.Context, id string) (ServerRecord, bool, error) {
	return store.QueryRow(ctx, m.db, scanRecord, `
		SELECT id, name, server_url, callback_url, client_id, auth_url, server_options
		FROM cf_agents_mcp_servers WHERE id = ?`, id)
}

func (m *Manager) allRecords(ctx context.Context) ([]ServerRecord, error) {
	return store.Query(ctx, m.db, scanRecordFromRows, `
		SELECT id, name, server_url, callback_url, client_id, auth_url, server_options
		FROM cf_agents_mcp_servers`)
}

func scanRecord(row *sql.Row) (ServerRecord, error) {
	var rec ServerRecord
	var callback, clientID, authURL, opts sql.NullString
	if err := row.Scan(&rec.ID, &rec.Name, &rec.ServerURL, &callback, &clientID, &authURL, &opts); err != nil {
		return ServerRecord{}, err
	}
	rec.CallbackURL = callback.String
	rec.ClientID = clientID.String
	rec.AuthURL = authURL.String
	rec.ServerOptions = json.RawMessage(opts.String)
	return rec, nil
}

func scanRecordFromRows(r *sql.Rows) (ServerRecord, error) {
	var rec ServerRecord
	var callback, clientID, authURL, opts sql.NullString
	if err := r.Scan(&rec.ID, &rec.Name, &rec.ServerURL, &callback, &clientID, &authURL, &opts); err != nil {
		return ServerRecord{}, err
	}
	rec.CallbackURL = callback.String
	rec.ClientID = clientID.String
	rec.AuthURL = authURL.String
	rec.ServerOptions = json.RawMessage(opts.String)
	return rec, nil
}

func (m *Manager) setAuthURL(ctx context.Context, id, authURL, clientID string) error {
	_, err := m.db.Exec(ctx, `UPDATE cf_agents_mcp_servers SET auth_url = ?, client_id = ? WHERE id = ?`, authURL, clientID, id)
	return err
}

// clearAuth atomically clears authUrl and callbackUrl on success, so the
// authorization code cannot be replayed, and invalidates the callback cache.
func (m *Manager) clearAuth(ctx context.Context, id string) error {
	if _, err := m.db.Exec(ctx, `UPDATE cf_agents_mcp_servers SET auth_url = '', callback_url = '' WHERE id = ?`, id); err != nil {
		return err
	}
	m.invalidateCallbackCache()
	return nil
}

// View renders the full MCP view broadcast as the "cf_agent_mcp_servers"
// frame.
type View struct {
	Servers []ServerView `json:"servers"`
}

type ServerView struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	State             State              `json:"state"`
	Tools             []Tool             `json:"tools"`
	Resources         []Resource         `json:"resources"`
	Prompts           []Prompt           `json:"prompts"`
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
}

// View implements internal/rpc's MCPViewProvider.
func (m *Manager) View(ctx context.Context) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v := View{}
	for _, conn := range m.connections {
		snap := conn.snapshot()
		v.Servers = append(v.Servers, ServerView{
			ID:                snap.ID,
			Name:              snap.Name,
			State:             snap.state,
			Tools:             snap.tools,
			Resources:         snap.resources,
			Prompts:           snap.prompts,
			ResourceTemplates: snap.resourceTemplates,
		})
	}
	return v, nil
}

func (m *Manager) broadcastView(ctx context.Context) {
	m.publish(bus.TopicMCPToolsChanged, nil)
}

// NamespacedTool tags a Tool with the server it came from, so tools from
// different servers never collide by name.
type NamespacedTool struct {
	Tool
	ServerID string `json:"serverId"`
}

// ListTools flat-maps every connection's tool list, whatever the
// connection's state, tagging each with its server ID.
func (m *Manager) ListTools() []NamespacedTool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []NamespacedTool
	for id, conn := range m.connections {
		snap := conn.snapshot()
		for _, t := range snap.tools {
			out = append(out, NamespacedTool{Tool: t, ServerID: id})
		}
	}
	return out
}

// AIToolView is the tool-for-AI wrapper: the schema-adapted,
// namespaced surface handed to a tool-calling model.
type AIToolView struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	ServerID    string          `json:"-"`
	ToolName    string          `json:"-"`
}

var dashReplacer = strings.NewReplacer("-", "")

// AIToolViews builds the AI-facing view for every namespaced tool:
// "tool_{serverId-without-dashes}_{name}".
func (m *Manager) AIToolViews() []AIToolView {
	tools := m.ListTools()
	out := make([]AIToolView, 0, len(tools))
	for _, t := range tools {
		schema, err := adaptSchema(t.InputSchema)
		if err != nil {
			m.reportError(fmt.Errorf("mcpmgr: adapt schema for %s/%s: %w", t.ServerID, t.Name, err))
			schema = t.InputSchema
		}
		out = append(out, AIToolView{
			Name:        fmt.Sprintf("tool_%s_%s", dashReplacer.Replace(t.ServerID), t.Name),
			Description: t.Description,
			InputSchema: schema,
			ServerID:    t.ServerID,
			ToolName:    t.Name,
		})
	}
	return out
}

// CallTool strips any "{serverId}." prefix from name before delegating.
func (m *Manager) CallTool(ctx context.Context, serverID, name string, args json.RawMessage) (json.RawMessage, error) {
	name = strings.TrimPrefix(name, serverID+".")

	m.mu.RLock()
	conn, ok := m.connections[serverID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcpmgr: unknown server %q", serverID)
	}
	conn.mu.RLock()
	client := conn.client
	state := conn.state
	conn.mu.RUnlock()
	if state != StateReady || client == nil {
		return nil, fmt.Errorf("mcpmgr: server %q is not ready (state=%s)", serverID, state)
	}
	return client.CallTool(ctx, name, args)
}

func (m *Manager) invalidateCallbackCache() {
	m.callbackMu.Lock()
	m.cacheValid = false
	m.callbackMu.Unlock()
}
