package config

import (
	"fmt"
	"sort"
	"sync"
)

// TemplateRegistry holds agent templates by id.
type TemplateRegistry struct {
	mu        sync.RWMutex
	templates map[string]AgentTemplate
}

// NewTemplateRegistry creates an empty registry.
func NewTemplateRegistry() *TemplateRegistry {
	return &TemplateRegistry{templates: make(map[string]AgentTemplate)}
}

// Register adds or replaces a template. ID and Version are required.
func (r *TemplateRegistry) Register(t AgentTemplate) error {
	if t.ID == "" {
		return fmt.Errorf("template: id required")
	}
	if t.Version == "" {
		return fmt.Errorf("template %s: version required", t.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.ID] = t
	return nil
}

// Get returns the template by id.
func (r *TemplateRegistry) Get(id string) (AgentTemplate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	return t, ok
}

// IDs returns registered template ids, sorted.
func (r *TemplateRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.templates))
	for id := range r.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
