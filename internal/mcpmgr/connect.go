package mcpmgr

import (
	"context"
	"fmt"
	"sync"

	"github.com/basket/agentcore/internal/bus"
)

// ConnectResult is returned by ConnectToServer. AuthURL is non-empty exactly
// when the connection parked in StateAuthenticating awaiting the OAuth
// callback.
type ConnectResult struct {
	State    State
	AuthURL  string
	ClientID string
}

// ConnectToServer drives a registered connection toward StateReady. Passing
// a non-empty oauthCode completes a pending authorization instead of
// attempting a fresh transport handshake.
func (m *Manager) ConnectToServer(ctx context.Context, id string, oauthCode string) (ConnectResult, error) {
	m.mu.RLock()
	conn, ok := m.connections[id]
	m.mu.RUnlock()
	if !ok {
		return ConnectResult{}, fmt.Errorf("mcpmgr: unknown server %q", id)
	}

	if oauthCode != "" {
		if err := m.completeAuthorization(ctx, conn, oauthCode); err != nil {
			m.publish(bus.TopicMCPFailed, bus.MCPStateEvent{ServerID: id, State: string(StateFailed)})
			return ConnectResult{}, err
		}
		if err := m.establishConnection(ctx, conn); err != nil {
			return ConnectResult{State: conn.State()}, err
		}
		return ConnectResult{State: conn.State()}, nil
	}

	return m.init(ctx, conn)
}

// init attempts transports in order, coupling transport discovery to OAuth:
// on "auto" a 401 falls through to the next transport; with no fallback left
// (or an explicit transport) it parks the connection for authentication.
func (m *Manager) init(ctx context.Context, conn *Connection) (ConnectResult, error) {
	order := transportOrder(conn.Options.Transport)

	var lastErr error
	var lastUnauthorized *TransportError

	for i, kind := range order {
		conn.setState(StateConnecting)
		m.publish(bus.TopicMCPConnecting, bus.MCPStateEvent{ServerID: conn.ID, State: string(StateConnecting)})

		client, err := m.dial(ctx, conn.ServerURL, kind, conn.Options.Headers)
		if err == nil {
			conn.mu.Lock()
			conn.client = client
			conn.transport = kind
			conn.lastAttemptedTransport = kind
			conn.mu.Unlock()

			if derr := m.discoverCapabilities(ctx, conn); derr != nil {
				return ConnectResult{State: StateFailed}, derr
			}
			return ConnectResult{State: StateReady}, nil
		}

		conn.mu.Lock()
		conn.lastAttemptedTransport = kind
		conn.mu.Unlock()

		te, isTransportErr := asTransportError(err)
		remaining := i < len(order)-1

		switch {
		case isTransportErr && te.Unauthorized():
			lastUnauthorized = te
			if remaining {
				// auto discovery: fall through to the next transport silently.
				continue
			}
			// No fallback left (or an explicit transport was configured):
			// the caller persists OAuth state against lastAttemptedTransport.
			return m.beginAuthentication(ctx, conn, te)
		case isTransportErr && te.shouldFallThrough() && remaining:
			continue
		default:
			lastErr = err
		}
	}

	if lastUnauthorized != nil {
		return m.beginAuthentication(ctx, conn, lastUnauthorized)
	}

	conn.mu.Lock()
	conn.failureReason = lastErr.Error()
	conn.state = StateFailed
	conn.mu.Unlock()
	m.publish(bus.TopicMCPFailed, bus.MCPStateEvent{ServerID: conn.ID, State: string(StateFailed)})
	return ConnectResult{State: StateFailed}, fmt.Errorf("mcpmgr: connect to %q: %w", conn.ID, lastErr)
}

// beginAuthentication parks the connection awaiting an OAuth callback and
// persists the generated authorization URL.
func (m *Manager) beginAuthentication(ctx context.Context, conn *Connection, cause *TransportError) (ConnectResult, error) {
	conn.mu.Lock()
	if conn.auth == nil {
		conn.auth = newOAuthProvider(conn.ServerURL, fmt.Sprintf("/_mcp/callback/%s", conn.ID))
	}
	auth := conn.auth
	conn.state = StateAuthenticating
	conn.mu.Unlock()

	authURL, err := auth.AuthorizationURL()
	if err != nil {
		return ConnectResult{}, fmt.Errorf("mcpmgr: build authorization url: %w", err)
	}

	if err := m.setAuthURL(ctx, conn.ID, authURL, auth.clientID); err != nil {
		return ConnectResult{}, fmt.Errorf("mcpmgr: persist auth url: %w", err)
	}
	m.publish(bus.TopicMCPAuthenticating, bus.MCPStateEvent{ServerID: conn.ID, State: string(StateAuthenticating)})

	return ConnectResult{State: StateAuthenticating, AuthURL: authURL, ClientID: auth.clientID}, nil
}

// completeAuthorization exchanges an OAuth code for tokens and clears the
// persisted auth bookkeeping so the code cannot be replayed.
func (m *Manager) completeAuthorization(ctx context.Context, conn *Connection, code string) error {
	conn.mu.RLock()
	auth := conn.auth
	conn.mu.RUnlock()
	if auth == nil {
		return fmt.Errorf("mcpmgr: server %q has no pending authorization", conn.ID)
	}
	if _, err := auth.ExchangeCode(ctx, code); err != nil {
		return fmt.Errorf("mcpmgr: exchange oauth code: %w", err)
	}
	return m.clearAuth(ctx, conn.ID)
}

// establishConnection retries the transport handshake using the now
// authorized auth provider for bearer-token injection.
func (m *Manager) establishConnection(ctx context.Context, conn *Connection) error {
	conn.mu.RLock()
	auth := conn.auth
	kind := conn.lastAttemptedTransport
	if kind == "" {
		kind = TransportStreamableHTTP
	}
	conn.mu.RUnlock()

	headers := make(map[string]string, len(conn.Options.Headers)+1)
	for k, v := range conn.Options.Headers {
		headers[k] = v
	}
	if auth != nil {
		if hdr := auth.AuthHeader(); hdr != "" {
			headers["Authorization"] = hdr
		}
	}

	conn.setState(StateConnecting)
	m.publish(bus.TopicMCPConnecting, bus.MCPStateEvent{ServerID: conn.ID, State: string(StateConnecting)})

	client, err := m.dial(ctx, conn.ServerURL, kind, headers)
	if err != nil {
		conn.mu.Lock()
		conn.failureReason = err.Error()
		conn.state = StateFailed
		conn.mu.Unlock()
		m.publish(bus.TopicMCPFailed, bus.MCPStateEvent{ServerID: conn.ID, State: string(StateFailed)})
		return fmt.Errorf("mcpmgr: establish connection after oauth: %w", err)
	}

	conn.mu.Lock()
	conn.client = client
	conn.transport = kind
	conn.mu.Unlock()

	return m.discoverCapabilities(ctx, conn)
}

// discoverCapabilities fetches required server capabilities, then the
// independent list kinds in parallel; a partial failure of any one list
// still leaves the connection ready with an empty collection for that kind.
func (m *Manager) discoverCapabilities(ctx context.Context, conn *Connection) error {
	conn.setState(StateDiscovering)
	m.publish(bus.TopicMCPConnecting, bus.MCPStateEvent{ServerID: conn.ID, State: string(StateDiscovering)})

	conn.mu.RLock()
	client := conn.client
	conn.mu.RUnlock()

	caps, err := client.Initialize(ctx)
	if err != nil {
		conn.mu.Lock()
		conn.failureReason = err.Error()
		conn.state = StateFailed
		conn.mu.Unlock()
		m.publish(bus.TopicMCPFailed, bus.MCPStateEvent{ServerID: conn.ID, State: string(StateFailed)})
		return fmt.Errorf("mcpmgr: fetch server capabilities: %w", err)
	}
	conn.mu.Lock()
	conn.capabilities = caps
	conn.mu.Unlock()

	// Missing or failed capabilities resolve to an empty collection, never
	// nil, so the "cf_agent_mcp_servers" view always serializes a list.
	conn.mu.Lock()
	conn.tools = []Tool{}
	conn.resources = []Resource{}
	conn.resourceTemplates = []ResourceTemplate{}
	conn.prompts = []Prompt{}
	conn.mu.Unlock()

	var wg sync.WaitGroup
	if caps.Tools != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tools, err := fetchAllTools(ctx, client)
			if err != nil {
				m.reportError(fmt.Errorf("mcpmgr: %s: list tools: %w", conn.ID, err))
				return
			}
			conn.mu.Lock()
			conn.tools = tools
			conn.mu.Unlock()
		}()
	}
	if caps.Resources != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resources, err := fetchAllResources(ctx, client)
			if err != nil {
				m.reportError(fmt.Errorf("mcpmgr: %s: list resources: %w", conn.ID, err))
				return
			}
			conn.mu.Lock()
			conn.resources = resources
			conn.mu.Unlock()
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			templates, err := fetchAllResourceTemplates(ctx, client)
			if err != nil {
				m.reportError(fmt.Errorf("mcpmgr: %s: list resource templates: %w", conn.ID, err))
				return
			}
			conn.mu.Lock()
			conn.resourceTemplates = templates
			conn.mu.Unlock()
		}()
	}
	if caps.Prompts != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prompts, err := fetchAllPrompts(ctx, client)
			if err != nil {
				m.reportError(fmt.Errorf("mcpmgr: %s: list prompts: %w", conn.ID, err))
				return
			}
			conn.mu.Lock()
			conn.prompts = prompts
			conn.mu.Unlock()
		}()
	}
	wg.Wait()

	m.installListChangedHandlers(ctx, conn, client, caps)

	conn.setState(StateReady)
	m.publish(bus.TopicMCPConnected, bus.MCPStateEvent{ServerID: conn.ID, State: string(StateReady)})
	m.broadcastView(ctx)
	return nil
}

// installListChangedHandlers refetches a list whenever its server signals a
// list-changed notification, for any capability that advertises it.
func (m *Manager) installListChangedHandlers(ctx context.Context, conn *Connection, client mcpClient, caps *ServerCapabilities) {
	client.OnNotification(func(method string) {
		switch method {
		case "notifications/tools/list_changed":
			if caps.Tools == nil || !caps.Tools.ListChanged {
				return
			}
			tools, err := fetchAllTools(context.Background(), client)
			if err != nil {
				m.reportError(fmt.Errorf("mcpmgr: %s: refetch tools: %w", conn.ID, err))
				return
			}
			conn.mu.Lock()
			conn.tools = tools
			conn.mu.Unlock()
			m.broadcastView(ctx)
		case "notifications/resources/list_changed":
			if caps.Resources == nil || !caps.Resources.ListChanged {
				return
			}
			resources, err := fetchAllResources(context.Background(), client)
			if err != nil {
				m.reportError(fmt.Errorf("mcpmgr: %s: refetch resources: %w", conn.ID, err))
				return
			}
			conn.mu.Lock()
			conn.resources = resources
			conn.mu.Unlock()
			m.broadcastView(ctx)
		case "notifications/prompts/list_changed":
			if caps.Prompts == nil || !caps.Prompts.ListChanged {
				return
			}
			prompts, err := fetchAllPrompts(context.Background(), client)
			if err != nil {
				m.reportError(fmt.Errorf("mcpmgr: %s: refetch prompts: %w", conn.ID, err))
				return
			}
			conn.mu.Lock()
			conn.prompts = prompts
			conn.mu.Unlock()
			m.broadcastView(ctx)
		}
	})
}

// The fetchAll helpers return a non-nil slice even for zero items, so the
// assignment sites never put a JSON null back into the server view.
func fetchAllTools(ctx context.Context, client mcpClient) ([]Tool, error) {
	out := make([]Tool, 0)
	cursor := ""
	for {
		page, next, err := client.ListTools(ctx, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

func fetchAllResources(ctx context.Context, client mcpClient) ([]Resource, error) {
	out := make([]Resource, 0)
	cursor := ""
	for {
		page, next, err := client.ListResources(ctx, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

func fetchAllPrompts(ctx context.Context, client mcpClient) ([]Prompt, error) {
	out := make([]Prompt, 0)
	cursor := ""
	for {
		page, next, err := client.ListPrompts(ctx, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

func fetchAllResourceTemplates(ctx context.Context, client mcpClient) ([]ResourceTemplate, error) {
	out := make([]ResourceTemplate, 0)
	cursor := ""
	for {
		page, next, err := client.ListResourceTemplates(ctx, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}
