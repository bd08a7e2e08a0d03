package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownTool is returned as a dispatch result, never thrown, so the
	// agent can report the failure conversationally.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrToolTimeout is returned when a handler exceeds the per-invocation
	// deadline.
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrDuplicateTool is returned when registering a name twice.
	ErrDuplicateTool = errors.New("tool already registered")
)

// Definition describes a tool to the agent. Parameters is a JSON Schema
// object in the shape both providers accept.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// HandlerFunc executes a tool invocation. The returned value is marshalled
// to JSON as the tool output.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Tool pairs a definition with its handler.
type Tool struct {
	Definition Definition
	Handler    HandlerFunc
}

// Request is one tool invocation intercepted from the agent event stream.
type Request struct {
	RequestID string
	Name      string
	Arguments json.RawMessage
}

// Result carries the outcome of a dispatch back to the agent session.
type Result struct {
	RequestID string
	Payload   json.RawMessage
	Err       error
}

// Output renders the wire payload for a tool result. Errors become a JSON
// object the model can read back to the caller.
func (r Result) Output() string {
	if r.Err != nil {
		msg, err := json.Marshal(map[string]string{"error": r.Err.Error()})
		if err != nil {
			return `{"error":"tool execution failed"}`
		}
		return string(msg)
	}
	if len(r.Payload) == 0 {
		return "{}"
	}
	return string(r.Payload)
}

// Registry holds the process-wide tool set. Registration happens during
// bootstrap, lookups happen per dispatch.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Duplicate names are rejected.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tool.Definition.Name == "" {
		return fmt.Errorf("tool name is empty")
	}
	if _, exists := r.tools[tool.Definition.Name]; exists {
		return fmt.Errorf("%q: %w", tool.Definition.Name, ErrDuplicateTool)
	}
	r.tools[tool.Definition.Name] = tool
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Definitions returns all registered definitions in stable name order, for
// inclusion in the session configuration sent to the agent.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}
