package mcpmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// mcpClient is the subset of an established MCP session the manager needs.
// The real implementation (dialMCPGo) wraps github.com/mark3labs/mcp-go's
// client package; tests inject a fake satisfying this interface instead of
// reaching the network.
type mcpClient interface {
	Initialize(ctx context.Context) (*ServerCapabilities, error)
	ListTools(ctx context.Context, cursor string) (tools []Tool, nextCursor string, err error)
	ListResources(ctx context.Context, cursor string) (resources []Resource, nextCursor string, err error)
	ListPrompts(ctx context.Context, cursor string) (prompts []Prompt, nextCursor string, err error)
	ListResourceTemplates(ctx context.Context, cursor string) (templates []ResourceTemplate, nextCursor string, err error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
	OnNotification(handler func(method string))
	Close() error
}

// dialerFunc establishes a session over one transport kind. It returns a
// *TransportError for HTTP-classified failures so the manager can drive
// discovery fallback and the OAuth handoff without inspecting a concrete
// HTTP client type.
type dialerFunc func(ctx context.Context, serverURL string, kind TransportKind, headers map[string]string) (mcpClient, error)

// TransportError classifies a transport-level failure by HTTP status so the
// manager can apply its discovery/OAuth coupling rules.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mcp transport: status %d: %v", e.StatusCode, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Unauthorized() bool { return e.StatusCode == 401 }

func (e *TransportError) shouldFallThrough() bool {
	return e.StatusCode == 404 || e.StatusCode == 405
}

func asTransportError(err error) (*TransportError, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// transportOrder returns the ordered sequence of transports to attempt for a
// given configured kind. "auto" tries streamable-http then sse.
func transportOrder(kind TransportKind) []TransportKind {
	switch kind {
	case TransportStreamableHTTP:
		return []TransportKind{TransportStreamableHTTP}
	case TransportSSE:
		return []TransportKind{TransportSSE}
	default:
		return []TransportKind{TransportStreamableHTTP, TransportSSE}
	}
}
