package engine

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/rendis/homeos/pkg/schema"
)

// WorkflowFunc is a workflow body over raw JSON input and output.
type WorkflowFunc func(ctx Context, input json.RawMessage) (json.RawMessage, error)

// Definition binds a workflow type name to its body.
type Definition struct {
	Name string
	Run  WorkflowFunc
}

// NewDefinition adapts a typed workflow body.
func NewDefinition[In, Out any](name string, fn func(Context, In) (Out, error)) Definition {
	return Definition{
		Name: name,
		Run: func(ctx Context, raw json.RawMessage) (json.RawMessage, error) {
			var in In
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &in); err != nil {
					return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode %s input", name).WithCause(err)
				}
			}
			out, err := fn(ctx, in)
			if err != nil {
				return nil, err
			}
			return json.Marshal(out)
		},
	}
}

// Registry holds the workflow definitions a runtime can start.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates a registry holding defs. Duplicate names panic.
func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{defs: make(map[string]Definition)}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a definition.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" || def.Run == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition needs a name and a body")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Get returns the definition registered under name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Names lists registered workflow types in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
