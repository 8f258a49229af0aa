package toolkit

import (
	"fmt"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"
)

// Tool describes one executor tool: its verb for risk classification
// and a JSON schema for its arguments, surfaced to the model layer and
// to the dashboard's tool inspector.
type Tool struct {
	Name          string             `json:"name"`
	Description   string             `json:"description"`
	OperationType string             `json:"operation_type"`
	InputSchema   *jsonschema.Schema `json:"input_schema"`
}

// NewTool builds a descriptor for a tool whose arguments decode into A.
// The schema is reflected from A's struct tags.
func NewTool[A any](name, description, operationType string) Tool {
	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		ExpandedStruct:            true, // put struct at root
		AllowAdditionalProperties: false,
	}
	// Reflect from a zero value pointer to capture struct tags consistently.
	s := r.Reflect(new(A))
	return Tool{Name: name, Description: description, OperationType: operationType, InputSchema: s}
}

// Registry is a concurrency-safe set of tool descriptors.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Re-registering a name is an error: duplicate
// verbs usually mean two executors fighting over one registry.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %q already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all descriptors sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
