package tools

import (
	"fmt"
	"sort"
	"sync"

	"github.com/open-codex/agentd/internal/providers"
)

// Registry maps tool names to implementations. Names are unique;
// registering a duplicate is an error.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool already registered: %s", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Unregister removes a tool by name. Removing a missing tool is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the tool with the given name, or nil.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns all registered tool names, sorted.
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

// Defs returns provider definitions for the named tools. An empty
// filter means all tools. Unknown names are skipped.
func (r *Registry) Defs(enabled []string) []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := enabled
	if len(names) == 0 {
		names = make([]string, 0, len(r.tools))
		for name := range r.tools {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			defs = append(defs, Definition(t))
		}
	}
	return defs
}
