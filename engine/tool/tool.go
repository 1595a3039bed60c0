// Package tool defines the Tool Caller's tool protocol: identifiers, JSON
// schema parameter descriptors, invocation results, and a service-keyed
// registry. Grounded on runtime/agent/tools (Ident, TypeSpec) generalized to
// the spec's "service:name" identifier and JSON-schema parameter descriptor.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Ident is a fully qualified tool identifier in "service:name" form.
type Ident string

// Service returns the service portion of the identifier.
func (i Ident) Service() string {
	s := string(i)
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// Name returns the tool-name portion of the identifier.
func (i Ident) Name() string {
	s := string(i)
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		return s[idx+1:]
	}
	return ""
}

// Valid reports whether the identifier has both a service and a name.
func (i Ident) Valid() bool {
	s := string(i)
	idx := strings.IndexByte(s, ':')
	return idx > 0 && idx < len(s)-1
}

type (
	// Parameter describes a single declared tool argument.
	Parameter struct {
		Name        string
		Description string
		// Schema is the JSON-schema-compatible fragment for this argument
		// (type, enum, format, etc.), validated with
		// github.com/santhosh-tekuri/jsonschema/v6 at call time.
		Schema json.RawMessage
		Required bool
	}

	// Tool is the read-only declaration of an invocable tool (spec.md §3).
	Tool struct {
		ID          Ident
		Description string
		Parameters  []Parameter
	}

	// Call is an accepted invocation: one entry in the ordered list the Tool
	// Caller appends to the session event log (spec.md §4.4).
	Call struct {
		ToolID        Ident
		Arguments     map[string]any
		CorrelationID string
		Result        Result
	}

	// Result carries a tool's outcome (spec.md §4.4/§6).
	Result struct {
		Data     any
		Metadata map[string]any
		// Control optionally requests a guideline/context-variable refresh on
		// the next iteration (spec.md §4.4 step 5).
		Control *ControlHint
		// Error is set when the tool raised an error; never retried by the
		// engine (spec.md §4.4 "Failure").
		Error error
	}

	// ControlHint is returned by a tool to influence the next iteration.
	ControlHint struct {
		RefreshGuidelines    bool
		RefreshContextVars   []string
	}

	// Runner executes a single accepted call against the underlying service.
	// Registered per service in a Registry.
	Runner interface {
		Run(ctx context.Context, toolName string, args map[string]any) (Result, error)
	}

	// Registry resolves a Tool's declaration and its Runner by service.
	Registry struct {
		tools   map[Ident]Tool
		runners map[string]Runner
	}
)

// NewRegistry constructs an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[Ident]Tool), runners: make(map[string]Runner)}
}

// Register adds a tool declaration to the registry.
func (r *Registry) Register(t Tool) error {
	if !t.ID.Valid() {
		return fmt.Errorf("tool id %q must be in service:name form", t.ID)
	}
	r.tools[t.ID] = t
	return nil
}

// RegisterRunner associates a Runner with a service namespace.
func (r *Registry) RegisterRunner(service string, runner Runner) {
	r.runners[service] = runner
}

// Lookup returns the declaration for id.
func (r *Registry) Lookup(id Ident) (Tool, bool) {
	t, ok := r.tools[id]
	return t, ok
}

// All returns every registered tool declaration.
func (r *Registry) All() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Invoke runs a tool call through its service's Runner.
func (r *Registry) Invoke(ctx context.Context, id Ident, args map[string]any) (Result, error) {
	runner, ok := r.runners[id.Service()]
	if !ok {
		return Result{}, fmt.Errorf("no runner registered for service %q", id.Service())
	}
	return runner.Run(ctx, id.Name(), args)
}
