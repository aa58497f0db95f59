package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/nexus/internal/orchestrator/errkind"
	"github.com/haasonsaas/nexus/internal/orchestrator/toolapi"
)

// MaxToolNameLength bounds a dispatched tool name; the closed set's longest
// name (sqlite3_reader) is well under this, so anything longer is bogus
// input rather than a real tool call.
const MaxToolNameLength = 64

// ToolRegistry is the Tool Schema Registry: it produces JSON-schema tool
// definitions for the provider request and maps a provider's tool-call
// reply back to a dispatch against the closed tool set.
//
// The registry is built fresh per Work (each tool closes over that Work's
// Path Sandbox), so registration happens once at construction and the map
// is read-only thereafter; the mutex only guards against the rare case of
// concurrent schema generation during a hot-reload.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]toolapi.Tool
	schemas map[string]*jsonschema.Schema
	order   []string
}

// NewToolRegistry builds a registry from the closed tool set. Unknown
// "type" values reaching Dispatch are rejected here, not deep inside a
// tool implementation, per spec §9's duck-typed-JSON design note.
func NewToolRegistry(tools ...toolapi.Tool) *ToolRegistry {
	r := &ToolRegistry{
		tools:   make(map[string]toolapi.Tool, len(tools)),
		schemas: make(map[string]*jsonschema.Schema, len(tools)),
	}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool by name, compiling its JSON Schema once
// up front so Dispatch can reject malformed arguments before the tool ever
// touches the sandbox.
func (r *ToolRegistry) Register(tool toolapi.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; !exists {
		r.order = append(r.order, tool.Name())
	}
	r.tools[tool.Name()] = tool

	compiler := jsonschema.NewCompiler()
	resourceName := tool.Name() + ".json"
	if err := compiler.AddResource(resourceName, bytes.NewReader(tool.Schema())); err == nil {
		if schema, err := compiler.Compile(resourceName); err == nil {
			r.schemas[tool.Name()] = schema
		}
	}
}

// Definitions returns the JSON-schema ToolDefinition for every registered
// tool, in registration order, for inclusion in the provider request.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, ToolDefinition{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
	}
	return defs
}

// Dispatch looks up the named tool and executes it with the given
// parameters. A name outside the closed set yields a typed
// ToolErrorResponse (marshaled into Result.Content) rather than a Go
// error, so the Agent Loop can persist and relay it to the provider like
// any other tool failure. A panic inside a tool is recovered and reported
// the same way, with the internal error kind.
func (r *ToolRegistry) Dispatch(ctx context.Context, name string, params json.RawMessage) (result *toolapi.Result, err error) {
	if len(name) > MaxToolNameLength {
		return toolapi.ErrorResult(name, errkind.ErrValidation.String(), "tool name exceeds maximum length"), nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return toolapi.ErrorResult(name, errkind.ErrValidation.String(), fmt.Sprintf("unknown tool %q", name)), nil
	}

	if schema != nil {
		var decoded any
		if err := json.Unmarshal(params, &decoded); err != nil {
			return toolapi.ErrorResult(name, errkind.ErrValidation.String(), "arguments are not valid JSON"), nil
		}
		if err := schema.Validate(decoded); err != nil {
			return toolapi.ErrorResult(name, errkind.ErrValidation.String(), fmt.Sprintf("arguments do not match schema: %v", err)), nil
		}
	}
	defer func() {
		if p := recover(); p != nil {
			result, err = toolapi.ErrorResult(name, errkind.ErrInternal.String(), fmt.Sprintf("tool panicked: %v", p)), nil
		}
	}()
	return tool.Execute(ctx, params)
}

// Has reports whether name is a member of the closed tool set, used by the
// fallback JSON scanner to recognize "type" values worth parsing.
func (r *ToolRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns the registered tool names in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
