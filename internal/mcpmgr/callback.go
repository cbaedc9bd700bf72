package mcpmgr

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// refreshCallbackCache rebuilds the callback-URL -> server-ID index from
// storage: a fast path via an in-memory set refreshed from storage on miss.
// Called lazily on a cache miss and whenever RegisterServer, RemoveServer, or
// a successful OAuth exchange invalidates it.
func (m *Manager) refreshCallbackCache(ctx context.Context) error {
	records, err := m.allRecords(ctx)
	if err != nil {
		return fmt.Errorf("mcpmgr: refresh callback cache: %w", err)
	}
	set := make(map[string]string, len(records))
	for _, rec := range records {
		if rec.CallbackURL != "" {
			set[rec.CallbackURL] = rec.ID
		}
	}
	m.callbackMu.Lock()
	m.callbackSet = set
	m.cacheValid = true
	m.callbackMu.Unlock()
	return nil
}

func (m *Manager) lookupCallback(ctx context.Context, path string) (string, bool, error) {
	m.callbackMu.Lock()
	refreshed := !m.cacheValid
	m.callbackMu.Unlock()
	if refreshed {
		if err := m.refreshCallbackCache(ctx); err != nil {
			return "", false, err
		}
	}

	for {
		m.callbackMu.Lock()
		for callbackURL, id := range m.callbackSet {
			if strings.HasPrefix(path, callbackURL) {
				m.callbackMu.Unlock()
				return id, true, nil
			}
		}
		m.callbackMu.Unlock()
		if refreshed {
			return "", false, nil
		}
		// A miss against a cached set refreshes from storage once.
		if err := m.refreshCallbackCache(ctx); err != nil {
			return "", false, err
		}
		refreshed = true
	}
}

// IsCallbackRequest reports whether r is a GET against a persisted MCP
// server's OAuth callback URL.
func (m *Manager) IsCallbackRequest(ctx context.Context, r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	_, ok, err := m.lookupCallback(ctx, r.URL.Path)
	if err != nil {
		m.reportError(err)
		return false
	}
	return ok
}

// CallbackOutcome is the result of processing an OAuth callback: a redirect
// target and whether the flow succeeded.
type CallbackOutcome struct {
	Redirect string
	Success  bool
}

// HandleCallbackRequest locates the server by callback-URL prefix, validates
// the query parameters, completes the PKCE exchange, and atomically clears
// the record's authUrl/callbackUrl on success.
func (m *Manager) HandleCallbackRequest(ctx context.Context, r *http.Request) (CallbackOutcome, error) {
	id, ok, err := m.lookupCallback(ctx, r.URL.Path)
	if err != nil {
		return CallbackOutcome{}, err
	}
	if !ok {
		return CallbackOutcome{}, fmt.Errorf("mcpmgr: no server registered for callback %q", r.URL.Path)
	}

	m.mu.RLock()
	conn, ok := m.connections[id]
	m.mu.RUnlock()
	if !ok {
		return CallbackOutcome{}, fmt.Errorf("mcpmgr: server %q not loaded", id)
	}

	q := r.URL.Query()
	if errMsg := q.Get("error"); errMsg != "" {
		desc := q.Get("error_description")
		return CallbackOutcome{Redirect: defaultRedirect(conn.ServerURL), Success: false}, fmt.Errorf("mcpmgr: oauth error: %s: %s", errMsg, desc)
	}

	if conn.State() == StateReady {
		// Idempotent success: a duplicate/retried callback hit after the
		// flow already completed.
		return CallbackOutcome{Redirect: defaultRedirect(conn.ServerURL), Success: true}, nil
	}
	if conn.State() != StateAuthenticating {
		return CallbackOutcome{Redirect: defaultRedirect(conn.ServerURL), Success: false}, fmt.Errorf("mcpmgr: server %q is not awaiting authorization (state=%s)", id, conn.State())
	}

	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		return CallbackOutcome{Redirect: defaultRedirect(conn.ServerURL), Success: false}, fmt.Errorf("mcpmgr: callback missing code or state")
	}

	conn.mu.RLock()
	auth := conn.auth
	conn.mu.RUnlock()
	if auth == nil || !auth.ValidateState(state) {
		return CallbackOutcome{Redirect: defaultRedirect(conn.ServerURL), Success: false}, fmt.Errorf("mcpmgr: callback state mismatch for server %q", id)
	}

	if err := m.completeAuthorization(ctx, conn, code); err != nil {
		return CallbackOutcome{Redirect: defaultRedirect(conn.ServerURL), Success: false}, err
	}

	// establishConnection reaches the network; fire it asynchronously so the
	// callback response (and the browser redirect it drives) isn't blocked
	// on the MCP handshake completing.
	go func() {
		bg := context.Background()
		if err := m.establishConnection(bg, conn); err != nil {
			m.reportError(fmt.Errorf("mcpmgr: establish connection after oauth callback: %w", err))
		}
	}()

	return CallbackOutcome{Redirect: defaultRedirect(conn.ServerURL), Success: true}, nil
}
