package tools

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/homeos/pkg/schema"
)

// Registry is a thread-safe set of tools keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Duplicate names fail with CONFLICT.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	name := t.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Replace registers t, overwriting any tool with the same name. Used when a
// newer version of a published integration supersedes the old one.
func (r *Registry) Replace(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the named tool or NOT_FOUND.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "tool %q not registered", name)
	}
	return t, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List returns every tool sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		s := t.Schema()
		infos = append(infos, Info{Name: t.Name(), Description: s.Description, Risk: s.Risk})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// RegisterNamespace registers tools as "prefix.name".
func (r *Registry) RegisterNamespace(prefix string, ts []Tool) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "tool namespace is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range ts {
		name := fmt.Sprintf("%s.%s", prefix, t.Name())
		if _, exists := r.tools[name]; exists {
			return n, schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
		}
		r.tools[name] = &namespaced{Tool: t, name: name}
		n++
	}
	return n, nil
}

type namespaced struct {
	Tool
	name string
}

func (n *namespaced) Name() string { return n.name }
