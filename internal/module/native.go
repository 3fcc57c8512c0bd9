package module

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/calamares-go/installer/internal/job"
	"github.com/calamares-go/installer/internal/process"
	"github.com/calamares-go/installer/internal/requirements"
)

// nativeModule is a job or view module implemented by a Plugin from the
// Registry.
type nativeModule struct {
	base
	typ      Type
	load     string
	registry *Registry
	runner   process.Runner

	plugin Plugin
}

func (m *nativeModule) initFrom(d Descriptor) {
	m.base.initFrom(d)
	m.load = d.GetString("load")
}

func (m *nativeModule) Type() Type              { return m.typ }
func (m *nativeModule) Interface() Interface    { return InterfaceQtPlugin }
func (m *nativeModule) TypeString() string      { return m.Type().String() }
func (m *nativeModule) InterfaceString() string { return m.Interface().String() }

// pluginName is the descriptor load key or, without one, the module name.
func (m *nativeModule) pluginName() string {
	if m.load != "" {
		return m.load
	}
	return m.name
}

func (m *nativeModule) LoadSelf(ctx context.Context) error {
	return m.loadOnce(func() error {
		if m.registry == nil {
			return fmt.Errorf("%w: %s: no registry", ErrNoPlugin, m.InstanceKey())
		}
		factory, ok := m.registry.Lookup(m.pluginName())
		if !ok {
			return fmt.Errorf("%w: %s for %s", ErrNoPlugin, m.pluginName(), m.InstanceKey())
		}
		plugin := factory(Env{
			InstanceKey: m.InstanceKey(),
			Location:    m.location,
			Runner:      m.runner,
		})
		if plugin == nil {
			return fmt.Errorf("%w: factory %s returned nothing", ErrNoPlugin, m.pluginName())
		}
		if m.typ == TypeView {
			if _, ok := plugin.(ViewStep); !ok {
				return fmt.Errorf("%w: plugin %s of %s is not a view step", ErrBadInterfaceForType, m.pluginName(), m.InstanceKey())
			}
		}
		if err := plugin.SetConfigurationMap(ctx, m.ConfigurationMap()); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrBadConfiguration, m.InstanceKey(), err)
		}
		slog.DebugContext(ctx, "loaded native plugin", "instance_key", m.InstanceKey(), "plugin", m.pluginName())
		m.plugin = plugin
		return nil
	})
}

func (m *nativeModule) Jobs() job.List {
	if !m.IsLoaded() {
		return nil
	}
	return m.plugin.Jobs()
}

// CheckRequirements forwards to the view step, job plugins have none.
func (m *nativeModule) CheckRequirements(ctx context.Context) requirements.List {
	if !m.IsLoaded() {
		return nil
	}
	if step, ok := m.plugin.(ViewStep); ok {
		return step.CheckRequirements(ctx)
	}
	return nil
}
