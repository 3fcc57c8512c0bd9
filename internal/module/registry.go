package module

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/calamares-go/installer/internal/job"
	"github.com/calamares-go/installer/internal/process"
	"github.com/calamares-go/installer/internal/requirements"
)

// Plugin is a module implementation compiled into the installer binary.
type Plugin interface {
	// SetConfigurationMap receives a copy of the instance configuration
	// before any jobs are requested.
	SetConfigurationMap(ctx context.Context, config map[string]any) error
	Jobs() job.List
}

// ViewStep is a plugin which is a page of the installer. Only view
// modules use it; the page itself is out of scope here, but it still
// provides jobs and requirement probes.
type ViewStep interface {
	Plugin
	PrettyName() string
	CheckRequirements(ctx context.Context) requirements.List
}

// Env is handed to a plugin factory.
type Env struct {
	InstanceKey string
	Location    string
	Runner      process.Runner
}

type Factory func(env Env) Plugin

// Registry maps plugin names (the load key of a descriptor, or the module
// name) to factories.
type Registry struct {
	mx        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, factory Factory) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("plugin %s is already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// MustRegister is Register for package level wiring, it panics on duplicates.
func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(name string) (Factory, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

func (r *Registry) Names() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
