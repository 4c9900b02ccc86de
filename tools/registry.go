package tools

import (
	"fmt"
	"sort"
	"sync"

	"github.com/strandlabs/strand/providers"
	"github.com/strandlabs/strand/store"
)

// Registry holds the tools an agent may call. Schemas are compiled once at
// registration; lookups are read-mostly.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*compiledSchema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*compiledSchema),
	}
}

// Register adds a tool, compiling its input schema. Registering the same
// name twice replaces the earlier tool.
func (r *Registry) Register(t Tool) error {
	cs, err := compileSchema(t.InputSchema())
	if err != nil {
		return fmt.Errorf("tool %s: %w", t.Name(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	r.schemas[t.Name()] = cs
	return nil
}

// MustRegister registers or panics. For static tool sets built at startup.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns the tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Validate checks input against the named tool's compiled schema.
func (r *Registry) Validate(name string, input map[string]any) error {
	r.mu.RLock()
	cs := r.schemas[name]
	r.mu.RUnlock()
	if cs == nil {
		return fmt.Errorf("tool %s: not registered", name)
	}
	return cs.validate(input)
}

// Names returns registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defs returns provider-facing tool definitions, sorted by name.
func (r *Registry) Defs() []providers.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, providers.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Descriptors returns the persisted shape of the registered tools.
func (r *Registry) Descriptors() []store.ToolDescriptor {
	var out []store.ToolDescriptor
	for _, d := range r.Defs() {
		out = append(out, store.ToolDescriptor{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return out
}
