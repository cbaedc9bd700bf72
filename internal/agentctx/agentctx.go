// Package agentctx implements the ambient per-call context available for
// the dynamic extent of a callback: a binding of {agent, connection,
// request, email}. Go has no coroutine-local storage, so this is modeled as
// a context.Context value that every entry point binds explicitly with With
// (or through Agent.Dispatch, see internal/agentrt), rather than
// reflection-based method wrapping.
package agentctx

import "context"

// Owner identifies the agent instance a context is scoped to. agentrt.Agent
// implements this with its own pointer identity, which is all re-entrancy
// detection needs.
type Owner interface {
	AgentName() string
}

// Fields is the ambient binding carried on the context.
type Fields struct {
	Agent      Owner
	Connection *Connection
	Request    *RequestInfo
	Email      *EmailInfo
}

// Connection identifies a WebSocket client for state-broadcast exclusion and
// RPC dispatch.
type Connection struct {
	ID string
}

// RequestInfo carries the subset of an inbound HTTP request ambient code may
// want to inspect.
type RequestInfo struct {
	Method string
	Path   string
}

// EmailInfo carries inbound email envelope data; email ingress itself is an
// external collaborator, only the ambient field is in scope here.
type EmailInfo struct {
	From    string
	Subject string
}

type ctxKey struct{}

// maxNestDepth bounds the re-entrancy chain against a pathological chain of
// nested same-agent scopes; in practice this never triggers on a real one.
const maxNestDepth = 10

type binding struct {
	fields Fields
	depth  int
}

// With derives a new context carrying fields. If ctx already carries the
// same Agent, the nested scope is detected and merged instead of replacing
// it: the existing connection/request/email are preserved for any field left
// as its zero value in fields, and the nesting depth grows by one. Once the
// depth reaches maxNestDepth, ctx is returned unchanged.
func With(ctx context.Context, fields Fields) context.Context {
	if existing, ok := From(ctx); ok && fields.Agent != nil && existing.Agent == fields.Agent {
		b, _ := ctx.Value(ctxKey{}).(binding)
		if b.depth >= maxNestDepth {
			return ctx
		}
		merged := existing
		if fields.Connection != nil {
			merged.Connection = fields.Connection
		}
		if fields.Request != nil {
			merged.Request = fields.Request
		}
		if fields.Email != nil {
			merged.Email = fields.Email
		}
		return context.WithValue(ctx, ctxKey{}, binding{fields: merged, depth: b.depth + 1})
	}
	return context.WithValue(ctx, ctxKey{}, binding{fields: fields, depth: 0})
}

// From extracts the ambient fields bound on ctx, if any.
func From(ctx context.Context) (Fields, bool) {
	b, ok := ctx.Value(ctxKey{}).(binding)
	if !ok {
		return Fields{}, false
	}
	return b.fields, true
}

// CurrentAgent returns the agent bound on ctx, or nil.
func CurrentAgent(ctx context.Context) Owner {
	f, ok := From(ctx)
	if !ok {
		return nil
	}
	return f.Agent
}

// CurrentConnection returns the connection bound on ctx, or nil.
func CurrentConnection(ctx context.Context) *Connection {
	f, ok := From(ctx)
	if !ok {
		return nil
	}
	return f.Connection
}
