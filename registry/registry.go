// Package registry holds the tool catalog the plan engine consults to
// validate and describe tool calls: a thread-safe name to ToolDefinition
// map with JSON Schema parameter validation.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/hensu-run/hensu/toolerrors"
)

// ToolHandler executes a tool call's arguments and returns a JSON-able
// result.
type ToolHandler func(ctx context.Context, arguments map[string]any) (map[string]any, error)

// ToolDefinition describes one callable tool: its name, a human-readable
// description surfaced to the agent, and a JSON Schema for its parameters.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any

	schema  *jsonschema.Schema
	handler ToolHandler
}

// Registry is a thread-safe name to ToolDefinition catalog.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*ToolDefinition
}

// New builds an empty tool registry.
func New() *Registry {
	return &Registry{tools: make(map[string]*ToolDefinition)}
}

// Register compiles def.Parameters as a JSON Schema and adds def to the
// catalog under def.Name, replacing any prior definition with that name.
func (r *Registry) Register(def ToolDefinition, handler ToolHandler) error {
	compiled, err := compileSchema(def.Name, def.Parameters)
	if err != nil {
		return toolerrors.Wrap(toolerrors.KindInvariantViolated, "compiling tool schema", err)
	}
	def.schema = compiled
	def.handler = handler

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = &def
	return nil
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (*ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// Validate checks arguments against the tool's parameter schema.
func (r *Registry) Validate(name string, arguments map[string]any) error {
	def, ok := r.Lookup(name)
	if !ok {
		return toolerrors.Newf(toolerrors.KindActionHandlerMissing, "tool %q is not registered", name)
	}
	if def.schema == nil {
		return nil
	}
	if err := def.schema.Validate(toJSONValue(arguments)); err != nil {
		return toolerrors.Wrap(toolerrors.KindInvariantViolated, fmt.Sprintf("tool %q arguments failed schema validation", name), err)
	}
	return nil
}

// Invoke validates arguments then dispatches to the tool's handler.
func (r *Registry) Invoke(ctx context.Context, name string, arguments map[string]any) (map[string]any, error) {
	def, ok := r.Lookup(name)
	if !ok {
		return nil, toolerrors.Newf(toolerrors.KindActionHandlerMissing, "tool %q is not registered", name)
	}
	if err := r.Validate(name, arguments); err != nil {
		return nil, err
	}
	if def.handler == nil {
		return nil, toolerrors.Newf(toolerrors.KindActionHandlerMissing, "tool %q has no handler", name)
	}
	return def.handler(ctx, arguments)
}

// Names returns every registered tool name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	return names
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if len(params) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	resource := "mem://tools/" + name + ".json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(resource)
}

// toJSONValue round-trips v through JSON so map[string]any values coming
// from Go call sites match the shape jsonschema.Schema.Validate expects
// (plain maps/slices/strings/float64s, no custom types).
func toJSONValue(v map[string]any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
