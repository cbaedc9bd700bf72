package mcpmgr

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaAdapter validates and normalizes the JSON Schemas MCP servers
// advertise for their tools before they're handed to a tool-calling model
// (the schema is adapted by a late-loaded JSON-schema adapter,
// initialized on first discovery). It is initialized lazily on the first
// call to adaptSchema and reused across every server's tool list.
var (
	schemaCompilerOnce sync.Once
	schemaCompiler     *jsonschema.Compiler
	schemaSeq          int64
	schemaSeqMu        sync.Mutex
)

func ensureSchemaCompiler() *jsonschema.Compiler {
	schemaCompilerOnce.Do(func() {
		schemaCompiler = jsonschema.NewCompiler()
	})
	return schemaCompiler
}

func nextSchemaResourceID() string {
	schemaSeqMu.Lock()
	defer schemaSeqMu.Unlock()
	schemaSeq++
	return fmt.Sprintf("mcp-tool-%d.json", schemaSeq)
}

// adaptSchema compiles raw against the draft the compiler defaults to,
// surfacing a descriptive error if the server advertised an invalid schema,
// and otherwise returns the schema unchanged: the AI-facing view consumes
// the original wire JSON, but only after it's been proven to compile.
func adaptSchema(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage(`{"type":"object"}`), nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal input schema: %w", err)
	}

	c := ensureSchemaCompiler()
	resourceID := nextSchemaResourceID()
	if err := c.AddResource(resourceID, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	if _, err := c.Compile(resourceID); err != nil {
		return nil, fmt.Errorf("compile tool input schema: %w", err)
	}

	return raw, nil
}
