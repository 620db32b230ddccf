// Package tools holds the tool registry and the bounded parallel executor
// that runs model-requested tool calls.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/myrmex-ai/myrmex/internal/llm"
	"github.com/myrmex-ai/myrmex/internal/skills"
)

// Handler executes one tool call and returns its textual result.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Tool is one registered, callable tool.
type Tool struct {
	Name        string
	Description string
	// Parameters is the JSON Schema advertised to the model.
	Parameters json.RawMessage
	// Timeout overrides the executor default when non-zero.
	Timeout time.Duration
	Handler Handler
}

// Registry holds tools by name. Registration happens at startup and during
// skill reload; lookups are concurrent.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Names are unique.
func (r *Registry) Register(tool *Tool) error {
	if tool == nil || tool.Name == "" {
		return fmt.Errorf("tool must have a name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %q has no handler", tool.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool %q already registered", tool.Name)
	}
	r.tools[tool.Name] = tool
	r.order = append(r.order, tool.Name)
	return nil
}

// RegisterManifest registers every method of a skill manifest under its
// qualified "{skill}__{method}" name. The bind function supplies the handler
// for each method; a nil handler yields a tool that fails when called, which
// keeps the definition visible to the model while the backing implementation
// is absent.
func (r *Registry) RegisterManifest(manifest *skills.Manifest, bind func(skill, method string) Handler) error {
	for i := range manifest.Methods {
		method := &manifest.Methods[i]
		name := skills.QualifiedName(manifest.Name, method.Name)

		var handler Handler
		if bind != nil {
			handler = bind(manifest.Name, method.Name)
		}
		if handler == nil {
			unbound := name
			handler = func(ctx context.Context, args json.RawMessage) (string, error) {
				return "", fmt.Errorf("tool %s has no handler bound", unbound)
			}
		}

		tool := &Tool{
			Name:        name,
			Description: method.Description,
			Parameters:  method.ParametersJSON(),
			Handler:     handler,
		}
		if method.TimeoutSeconds > 0 {
			tool.Timeout = time.Duration(method.TimeoutSeconds) * time.Second
		}
		if err := r.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all tools in registration order.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Specs exports the registry as gateway tool definitions.
func (r *Registry) Specs() []llm.Tool {
	list := r.List()
	specs := make([]llm.Tool, len(list))
	for i, tool := range list {
		specs[i] = llm.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		}
	}
	return specs
}
