package render

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps recipe ids to renderers. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	renderers map[string]Renderer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{renderers: make(map[string]Renderer)}
}

// Register binds id to r. Registering an id twice is an error.
func (reg *Registry) Register(id string, r Renderer) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("recipe id is empty")
	}
	if r == nil {
		return fmt.Errorf("recipe %q: renderer is nil", id)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, dup := reg.renderers[id]; dup {
		return fmt.Errorf("recipe %q already registered", id)
	}
	reg.renderers[id] = r
	return nil
}

// MustRegister is Register for init-time wiring. It panics on error.
func (reg *Registry) MustRegister(id string, r Renderer) {
	if err := reg.Register(id, r); err != nil {
		panic(err)
	}
}

// Lookup returns the renderer for id, or an *UnknownRecipeError.
func (reg *Registry) Lookup(id string) (Renderer, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.renderers[id]
	if !ok {
		return nil, &UnknownRecipeError{Recipes: []string{id}}
	}
	return r, nil
}

// Recipes returns the registered ids, sorted.
func (reg *Registry) Recipes() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]string, 0, len(reg.renderers))
	for id := range reg.renderers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Validate reports, as one *UnknownRecipeError, every id in ids that has
// no renderer. It is the startup check run before dispatch.
func (reg *Registry) Validate(ids []string) error {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	var missing []string
	seen := make(map[string]bool)
	for _, id := range ids {
		if _, ok := reg.renderers[id]; !ok && !seen[id] {
			missing = append(missing, id)
			seen[id] = true
		}
	}
	if len(missing) > 0 {
		return &UnknownRecipeError{Recipes: missing}
	}
	return nil
}
