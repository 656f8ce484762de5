package orchestrator

import (
	"fmt"
	"sort"

	"github.com/macjediwizard/bridgesync/internal/bridge"
)

// Registry holds the configured bridges by name. It is populated once at
// startup and read-only afterwards.
type Registry struct {
	bridges map[string]bridge.Bridge
	names   []string
}

// NewRegistry registers bridges. Names must be unique.
func NewRegistry(bridges ...bridge.Bridge) (*Registry, error) {
	r := &Registry{bridges: make(map[string]bridge.Bridge, len(bridges))}
	for _, b := range bridges {
		if _, exists := r.bridges[b.Name()]; exists {
			return nil, fmt.Errorf("%w: bridge %q registered twice", bridge.ErrValidation, b.Name())
		}
		r.bridges[b.Name()] = b
		r.names = append(r.names, b.Name())
	}
	sort.Strings(r.names)
	return r, nil
}

// Get returns the named bridge.
func (r *Registry) Get(name string) (bridge.Bridge, error) {
	b, ok := r.bridges[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBridge, name)
	}
	return b, nil
}

// Names returns the registered bridge names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// All returns the registered bridges ordered by name.
func (r *Registry) All() []bridge.Bridge {
	out := make([]bridge.Bridge, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.bridges[name])
	}
	return out
}

// Len returns the number of registered bridges.
func (r *Registry) Len() int {
	return len(r.names)
}
