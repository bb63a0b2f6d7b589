// Package tools describes the tools offered to the model and adapts the sandbox to them.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Property is one JSON-schema property.
type Property struct {
	Type        string               `json:"type"`
	Description string               `json:"description,omitempty"`
	Enum        []string             `json:"enum,omitempty"`
	Items       *Property            `json:"items,omitempty"`
	Properties  map[string]*Property `json:"properties,omitempty"`
}

// InputSchema is the JSON-schema object a tool accepts.
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// ToolDefinition is what a provider sends to the model.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"input_schema"`
}

// ExecResult is the text handed back to the model. IsError marks a failed call.
type ExecResult struct {
	Content string
	IsError bool
}

// Tool is one callable capability.
type Tool interface {
	Name() string
	Definition() ToolDefinition
	// Exec runs the tool. Expected failures are reported in ExecResult; an error
	// means the arguments could not be understood at all.
	Exec(ctx context.Context, args map[string]any) (*ExecResult, error)
	PromptDocumentation() string
}

// Action describes what a gated tool is about to do.
type Action struct {
	Type       string // "edit", "bash"
	Descriptor string // path or command
	Details    map[string]any
}

// Gated is implemented by tools that mutate the workspace and must pass the
// permission gate first.
type Gated interface {
	PermissionAction(args map[string]any) Action
}

// Registry is an ordered set of tools keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Duplicate names are rejected.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool cannot be nil")
	}
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns every tool definition sorted by name.
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// PromptDocumentation joins every tool's documentation, sorted by name.
func (r *Registry) PromptDocumentation() string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	doc := ""
	for _, n := range names {
		t, _ := r.Get(n)
		doc += t.PromptDocumentation() + "\n"
	}
	return doc
}
