package mcpmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// mcpGoClient adapts github.com/mark3labs/mcp-go's *client.Client to the
// package's mcpClient interface.
type mcpGoClient struct {
	c *mcpclient.Client
}

// dialMCPGo is the default dialerFunc: it establishes a live MCP session
// over streamable-http or SSE using the ecosystem client library rather
// than hand-rolling JSON-RPC framing over a subprocess pipe. An
// HTTP-addressable MCP endpoint speaks streamable-http or SSE over URLs the
// server specifies.
func dialMCPGo(ctx context.Context, serverURL string, kind TransportKind, headers map[string]string) (mcpClient, error) {
	var (
		c   *mcpclient.Client
		err error
	)

	switch kind {
	case TransportSSE:
		c, err = mcpclient.NewSSEMCPClient(serverURL, transport.WithHeaders(headers))
	default:
		c, err = mcpclient.NewStreamableHttpClient(serverURL, transport.WithHTTPHeaders(headers))
	}
	if err != nil {
		if te := classifyDialError(err); te != nil {
			return nil, te
		}
		return nil, fmt.Errorf("mcpmgr: construct %s client: %w", kind, err)
	}

	if err := c.Start(ctx); err != nil {
		if te := classifyDialError(err); te != nil {
			return nil, te
		}
		return nil, fmt.Errorf("mcpmgr: start %s transport: %w", kind, err)
	}

	return &mcpGoClient{c: c}, nil
}

// statusCoder is satisfied by the status-carrying errors mcp-go's HTTP
// transports return for a non-2xx response.
type statusCoder interface {
	StatusCode() int
}

// classifyDialError recognizes the HTTP status codes the manager's
// transport-discovery rules branch on: it searches err's chain for an error
// exposing StatusCode() and wraps that status in a TransportError. An error
// with no such status in its chain yields nil.
func classifyDialError(err error) *TransportError {
	if err == nil {
		return nil
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return &TransportError{StatusCode: sc.StatusCode(), Err: err}
	}
	return nil
}

func (m *mcpGoClient) Initialize(ctx context.Context) (*ServerCapabilities, error) {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "agentcore", Version: "0.1.0"}
	req.Params.Capabilities = mcp.ClientCapabilities{}

	res, err := m.c.Initialize(ctx, req)
	if err != nil {
		return nil, err
	}

	caps := &ServerCapabilities{}
	if res.Capabilities.Tools != nil {
		caps.Tools = &ListChangedCapability{ListChanged: res.Capabilities.Tools.ListChanged}
	}
	if res.Capabilities.Resources != nil {
		caps.Resources = &ListChangedCapability{ListChanged: res.Capabilities.Resources.ListChanged}
		caps.ResourceTemplates = &ListChangedCapability{ListChanged: res.Capabilities.Resources.ListChanged}
	}
	if res.Capabilities.Prompts != nil {
		caps.Prompts = &ListChangedCapability{ListChanged: res.Capabilities.Prompts.ListChanged}
	}
	return caps, nil
}

func (m *mcpGoClient) ListTools(ctx context.Context, cursor string) ([]Tool, string, error) {
	req := mcp.ListToolsRequest{}
	req.Params.Cursor = mcp.Cursor(cursor)
	res, err := m.c.ListTools(ctx, req)
	if err != nil {
		return nil, "", err
	}
	out := make([]Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		schema, _ := json.Marshal(t.InputSchema)
		out = append(out, Tool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return out, string(res.NextCursor), nil
}

func (m *mcpGoClient) ListResources(ctx context.Context, cursor string) ([]Resource, string, error) {
	req := mcp.ListResourcesRequest{}
	req.Params.Cursor = mcp.Cursor(cursor)
	res, err := m.c.ListResources(ctx, req)
	if err != nil {
		return nil, "", err
	}
	out := make([]Resource, 0, len(res.Resources))
	for _, r := range res.Resources {
		out = append(out, Resource{URI: r.URI, Name: r.Name, Description: r.Description, MimeType: r.MIMEType})
	}
	return out, string(res.NextCursor), nil
}

func (m *mcpGoClient) ListPrompts(ctx context.Context, cursor string) ([]Prompt, string, error) {
	req := mcp.ListPromptsRequest{}
	req.Params.Cursor = mcp.Cursor(cursor)
	res, err := m.c.ListPrompts(ctx, req)
	if err != nil {
		return nil, "", err
	}
	out := make([]Prompt, 0, len(res.Prompts))
	for _, p := range res.Prompts {
		args, _ := json.Marshal(p.Arguments)
		out = append(out, Prompt{Name: p.Name, Description: p.Description, Arguments: args})
	}
	return out, string(res.NextCursor), nil
}

func (m *mcpGoClient) ListResourceTemplates(ctx context.Context, cursor string) ([]ResourceTemplate, string, error) {
	req := mcp.ListResourceTemplatesRequest{}
	req.Params.Cursor = mcp.Cursor(cursor)
	res, err := m.c.ListResourceTemplates(ctx, req)
	if err != nil {
		return nil, "", err
	}
	out := make([]ResourceTemplate, 0, len(res.ResourceTemplates))
	for _, rt := range res.ResourceTemplates {
		var uriTemplate string
		if rt.URITemplate != nil {
			uriTemplate = rt.URITemplate.Raw()
		}
		out = append(out, ResourceTemplate{URITemplate: uriTemplate, Name: rt.Name, Description: rt.Description, MimeType: rt.MIMEType})
	}
	return out, string(res.NextCursor), nil
}

func (m *mcpGoClient) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	if len(args) > 0 {
		var a map[string]any
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, fmt.Errorf("mcpmgr: decode tool arguments: %w", err)
		}
		req.Params.Arguments = a
	}
	res, err := m.c.CallTool(ctx, req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

func (m *mcpGoClient) OnNotification(handler func(method string)) {
	m.c.OnNotification(func(n mcp.JSONRPCNotification) {
		handler(n.Method)
	})
}

func (m *mcpGoClient) Close() error {
	return m.c.Close()
}
