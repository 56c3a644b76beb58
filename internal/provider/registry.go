package provider

import "fmt"

// Registry is the static provider table. It is built once at startup and
// never mutated afterwards, so request handlers read it without locking.
type Registry struct {
	adapters map[string]Adapter
	names    []string
}

// NewRegistry builds the table. Duplicate names are a programming error and
// panic at startup rather than surfacing per-request.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if _, dup := r.adapters[a.Name()]; dup {
			panic(fmt.Sprintf("provider: duplicate adapter %q", a.Name()))
		}
		r.adapters[a.Name()] = a
		r.names = append(r.names, a.Name())
	}
	return r
}

// Resolve returns the adapter for name, or ErrUnknown.
func (r *Registry) Resolve(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return a, nil
}

// Names returns the registered provider names in registration order.
func (r *Registry) Names() []string { return r.names }
