package module

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Key identifies a module instance, written as module@id.
type Key struct {
	Module string
	ID     string
}

// ParseKey parses module@id. A bare module name is its own default
// instance, module@module.
func ParseKey(s string) (Key, error) {
	mod, id, found := strings.Cut(s, "@")
	if mod == "" || (found && (id == "" || strings.Contains(id, "@"))) {
		return Key{}, fmt.Errorf("invalid instance key %q", s)
	}
	if !found {
		id = mod
	}
	return Key{Module: mod, ID: id}, nil
}

func (k Key) String() string {
	return k.Module + "@" + k.ID
}

// IsCustom is true for instances which are not the default instance of
// their module.
func (k Key) IsCustom() bool {
	return k.Module != k.ID
}

// Instance is an instance declared in the installer settings.
type Instance struct {
	Key    Key
	Config string
}

// Manager finds module descriptors in the search directories and
// instantiates the modules the installer sequence refers to.
type Manager struct {
	loader      *Loader
	searchPaths []string
	instances   map[Key]Instance

	descriptors map[string]Descriptor
	directories map[string]string
	modules     map[string]Module
}

// NewManager validates the declared instances. Declaring the same
// instance key twice is an error.
func NewManager(loader *Loader, searchPaths []string, instances []Instance) (*Manager, error) {
	m := &Manager{
		loader:      loader,
		searchPaths: slices.Clone(searchPaths),
		instances:   make(map[Key]Instance, len(instances)),
		descriptors: make(map[string]Descriptor),
		directories: make(map[string]string),
		modules:     make(map[string]Module),
	}
	for _, inst := range instances {
		if _, ok := m.instances[inst.Key]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateInstance, inst.Key)
		}
		m.instances[inst.Key] = inst
	}
	return m, nil
}

// Discover scans every search directory for */module.desc. Broken
// descriptors are reported but do not stop the scan; the first
// descriptor found for a module name wins.
func (m *Manager) Discover(ctx context.Context) error {
	var errs []error
	for _, dir := range m.searchPaths {
		entries, err := os.ReadDir(dir)
		if err != nil {
			slog.DebugContext(ctx, "skipping module search path", "path", dir, "error", err)
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			moduleDir := filepath.Join(dir, entry.Name())
			path := filepath.Join(moduleDir, DescriptorFileName)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			desc, err := LoadDescriptor(path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			name := desc.Name()
			if name == "" {
				errs = append(errs, fmt.Errorf("%w: %s has no name", ErrBadDescriptor, path))
				continue
			}
			if _, ok := m.descriptors[name]; ok {
				slog.WarnContext(ctx, "module found twice, keeping the first one", "module", name, "path", path, "first", m.directories[name])
				continue
			}
			m.descriptors[name] = desc
			m.directories[name] = moduleDir
		}
	}
	slog.DebugContext(ctx, "discovered modules", "count", len(m.descriptors), "modules", m.AvailableModules())
	return errors.Join(errs...)
}

func (m *Manager) AvailableModules() []string {
	names := make([]string, 0, len(m.descriptors))
	for name := range m.descriptors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (m *Manager) Descriptor(name string) (Descriptor, bool) {
	d, ok := m.descriptors[name]
	return d, ok
}

// LoadModules instantiates and loads the modules for the given instance
// keys, in order. A key used more than once refers to the same module.
// Modules which fail are left out and their errors are joined, the
// others are still returned.
func (m *Manager) LoadModules(ctx context.Context, keys []string) ([]Module, error) {
	var ret []Module
	var errs []error
	for _, s := range keys {
		mod, err := m.loadModule(ctx, s)
		if err != nil {
			slog.ErrorContext(ctx, "module failed to load", "instance_key", s, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s, err))
			continue
		}
		ret = append(ret, mod)
	}
	return ret, errors.Join(errs...)
}

// Module returns an already loaded module.
func (m *Manager) Module(instanceKey string) (Module, bool) {
	mod, ok := m.modules[instanceKey]
	return mod, ok
}

func (m *Manager) loadModule(ctx context.Context, s string) (Module, error) {
	key, err := ParseKey(s)
	if err != nil {
		return nil, err
	}
	if mod, ok := m.modules[key.String()]; ok {
		return mod, nil
	}

	inst, declared := m.instances[key]
	if !declared {
		if key.IsCustom() {
			return nil, fmt.Errorf("custom instance %s is not declared in the settings", key)
		}
		inst = Instance{Key: key, Config: key.Module + ".conf"}
	}
	if inst.Config == "" {
		inst.Config = key.Module + ".conf"
	}

	desc, ok := m.descriptors[key.Module]
	if !ok {
		return nil, fmt.Errorf("%w: module %s not found in %v", ErrBadModuleDirectory, key.Module, m.searchPaths)
	}

	mod, err := m.loader.FromDescriptor(ctx, desc, key.ID, inst.Config, m.directories[key.Module])
	if err != nil {
		return nil, err
	}
	if err := mod.LoadSelf(ctx); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "module loaded", "instance_key", mod.InstanceKey(), "type", mod.TypeString(), "interface", mod.InterfaceString(), "emergency", mod.IsEmergency())
	m.modules[mod.InstanceKey()] = mod
	return mod, nil
}
