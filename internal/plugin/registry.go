package plugin

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"
)

type instanceKey struct {
	typ    string
	config string
}

// Registry creates custom layers and keeps one instance per (type, config).
//
// Engines built from the registry, or deserialized through it, hold
// references to its layers, so a Registry must outlive them.
type Registry struct {
	log logr.Logger

	mu        sync.Mutex
	factories map[string]Factory
	instances map[instanceKey]Layer
	closed    bool
}

// NewRegistry returns a registry with the built-in layers registered.
func NewRegistry(log logr.Logger) *Registry {
	r := &Registry{
		log:       log.WithName("plugin"),
		factories: make(map[string]Factory),
		instances: make(map[instanceKey]Layer),
	}
	for typ, f := range builtins {
		r.factories[typ] = f
	}
	return r
}

var builtins = map[string]Factory{
	TypeELU:        newELU,
	TypeCostVolume: newCostVolume,
	TypeSoftargmax: newSoftargmax,
}

// New constructs a built-in layer without registering it anywhere. Shape
// inference over a topology uses it before any registry exists.
func New(typ string, config []byte) (Layer, error) {
	f, ok := builtins[typ]
	if !ok {
		return nil, &UnsupportedLayerError{Type: typ}
	}
	return f(config)
}

// Register adds or replaces the factory for typ. Topologies built through
// the registry may then use typ for their custom stages.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Types returns the registered layer types, sorted.
func (r *Registry) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// GetOrCreate returns the instance for (typ, config), constructing it on first use.
func (r *Registry) GetOrCreate(typ string, config []byte) (Layer, error) {
	l, created, err := r.instance(typ, config)
	if err != nil {
		return nil, err
	}
	if created {
		r.log.V(1).Info("created layer", "type", typ, "configBytes", len(config))
	}
	return l, nil
}

// Lookup resolves a layer recorded in a serialized engine. It follows the
// same identity rule as GetOrCreate, so an engine loaded from a file shares
// instances with an engine built in the same process.
func (r *Registry) Lookup(typ string, config []byte) (Layer, error) {
	l, created, err := r.instance(typ, config)
	if err != nil {
		return nil, err
	}
	if created {
		r.log.V(1).Info("reconstructed layer", "type", typ, "configBytes", len(config))
	}
	return l, nil
}

func (r *Registry) instance(typ string, config []byte) (Layer, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, false, fmt.Errorf("plugin: registry closed")
	}
	key := instanceKey{typ: typ, config: string(config)}
	if l, ok := r.instances[key]; ok {
		return l, false, nil
	}
	f, ok := r.factories[typ]
	if !ok {
		return nil, false, &UnsupportedLayerError{Type: typ}
	}
	l, err := f(config)
	if err != nil {
		return nil, false, err
	}
	r.instances[key] = l
	return l, true, nil
}

// Len returns the number of live layer instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// Close drops every instance. Engines that still reference them must not be used afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.V(1).Info("closing registry", "instances", len(r.instances))
	r.instances = make(map[instanceKey]Layer)
	r.closed = true
	return nil
}
