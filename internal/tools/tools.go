// Package tools defines the tools available to the agent.
package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/vendra-ai/vendra/internal/session"
)

// Handler executes one tool invocation. It receives the parsed
// arguments and a snapshot of the session context; it returns the text
// folded back into the model conversation plus the (possibly updated)
// context. Handlers never see shared mutable state: concurrent
// invocations each get their own snapshot and the loop merges the
// resulting deltas.
type Handler func(ctx context.Context, args map[string]any, sess session.Context) (string, session.Context, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`

	schema *gojsonschema.Schema
}

// Registry holds available tools.
type Registry struct {
	tools map[string]*Tool
	order []string
}

// NewRegistry creates an empty tool registry. Commerce tools are added
// by RegisterCommerceTools once the storefront client exists.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool to the registry. Duplicate names and invalid
// parameter schemas are programmer errors, so both panic.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; exists {
		panic(fmt.Sprintf("tools: duplicate registration of %q", t.Name))
	}
	if t.Parameters != nil {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(t.Parameters))
		if err != nil {
			panic(fmt.Sprintf("tools: invalid parameter schema for %q: %v", t.Name, err))
		}
		t.schema = schema
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// List returns all tool descriptors for the model, in registration
// order so the model sees a stable toolset across calls.
func (r *Registry) List() []map[string]any {
	result := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Invoke runs a tool by name. Unknown names and schema-invalid
// arguments come back as sentinel errors; the caller decides how to
// surface them (the agent loop folds them into the conversation as
// failed results).
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any, sess session.Context) (string, session.Context, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", sess, &UnknownToolError{ToolName: name}
	}

	if tool.schema != nil {
		if args == nil {
			args = map[string]any{}
		}
		result, err := tool.schema.Validate(gojsonschema.NewGoLoader(args))
		if err != nil {
			return "", sess, &InvalidArgumentsError{ToolName: name, Reason: err.Error()}
		}
		if !result.Valid() {
			var reasons []string
			for _, e := range result.Errors() {
				reasons = append(reasons, e.String())
			}
			return "", sess, &InvalidArgumentsError{ToolName: name, Reason: strings.Join(reasons, "; ")}
		}
	}

	return tool.Handler(ctx, args, sess)
}
