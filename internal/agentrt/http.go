package agentrt

import (
	"net/http"
	"strings"
)

// ServeHTTP implements the routing: the two durable-task
// callback endpoints, any path matching a persisted MCP OAuth callback URL,
// the WebSocket upgrade, and finally the user's onRequest fallback.
func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/_workflow-update":
		a.Durable.WorkflowUpdate(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/_execute-durable-task":
		a.Durable.ExecuteDurableTask(w, r)
		return
	}

	if a.MCP.IsCallbackRequest(r.Context(), r) {
		a.handleMCPCallback(w, r)
		return
	}

	if isWebSocketUpgrade(r) {
		a.RPC.ServeHTTP(w, r)
		return
	}

	if a.onRequest != nil {
		a.onRequest.ServeHTTP(w, r)
		return
	}
	http.NotFound(w, r)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Connection"), "upgrade") ||
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// handleMCPCallback completes the OAuth authorization-code exchange and
// redirects to the outcome's target, defaulting to the MCP server's bare
// origin when no redirect was configured.
func (a *Agent) handleMCPCallback(w http.ResponseWriter, r *http.Request) {
	outcome, err := a.MCP.HandleCallbackRequest(r.Context(), r)
	if err != nil {
		a.reportError(r.Context(), "", err)
		if outcome.Redirect == "" {
			http.Error(w, "oauth callback failed", http.StatusBadGateway)
			return
		}
	}
	if outcome.Redirect == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	http.Redirect(w, r, outcome.Redirect, http.StatusFound)
}
