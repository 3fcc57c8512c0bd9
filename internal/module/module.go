package module

import (
	"context"
	"errors"
	"sync"

	"github.com/calamares-go/installer/internal/job"
	"github.com/calamares-go/installer/internal/requirements"
)

var (
	ErrBadDescriptor        = errors.New("bad module descriptor")
	ErrBadInterfaceForType  = errors.New("bad interface for module type")
	ErrUnsupportedInterface = errors.New("module interface is not supported")
	ErrBadModuleDirectory   = errors.New("bad module directory")
	ErrBadConfiguration     = errors.New("bad module configuration")
	ErrDuplicateInstance    = errors.New("duplicate module instance")
	ErrNotLoaded            = errors.New("module is not loaded")
	ErrNoPlugin             = errors.New("no such native plugin")
)

type Type int

const (
	TypeJob Type = iota
	TypeView
)

func ParseType(s string) (Type, bool) {
	switch s {
	case "job":
		return TypeJob, true
	case "view", "viewmodule":
		return TypeView, true
	}
	return 0, false
}

func (t Type) String() string {
	switch t {
	case TypeJob:
		return "Job Module"
	case TypeView:
		return "View Module"
	}
	return ""
}

type Interface int

const (
	InterfaceQtPlugin Interface = iota
	InterfacePython
	InterfaceProcess
	InterfacePythonQt
)

func ParseInterface(s string) (Interface, bool) {
	switch s {
	case "qtplugin":
		return InterfaceQtPlugin, true
	case "python":
		return InterfacePython, true
	case "process":
		return InterfaceProcess, true
	case "pythonqt":
		return InterfacePythonQt, true
	}
	return 0, false
}

func (i Interface) String() string {
	switch i {
	case InterfaceProcess:
		return "External process"
	case InterfacePython:
		return "Python (scripted)"
	case InterfacePythonQt:
		return "Python (experimental)"
	case InterfaceQtPlugin:
		return "Native plugin"
	}
	return ""
}

// Module is an instance of an installer module. Construct it with
// Loader.FromDescriptor, then call LoadSelf once before asking for jobs.
type Module interface {
	Name() string
	InstanceID() string
	// InstanceKey is name@instanceId, unique within one installer run.
	InstanceKey() string
	// Location is the absolute module directory.
	Location() string
	Type() Type
	Interface() Interface
	TypeString() string
	InterfaceString() string
	// ConfigurationMap returns a copy of the instance configuration.
	ConfigurationMap() map[string]any
	IsLoaded() bool
	IsEmergency() bool
	LoadSelf(ctx context.Context) error
	// Jobs returns new jobs owned by the caller. A module which is not
	// loaded has no jobs.
	Jobs() job.List
	CheckRequirements(ctx context.Context) requirements.List
}

// base carries the attributes shared by every module variant.
type base struct {
	name           string
	instanceID     string
	location       string
	maybeEmergency bool
	emergency      bool
	config         map[string]any

	mx     sync.Mutex
	loaded bool
}

func (b *base) initFrom(d Descriptor) {
	b.name = d.Name()
	b.maybeEmergency = d.Emergency()
}

func (b *base) setConfiguration(config map[string]any) {
	b.config = config
	b.emergency = b.maybeEmergency && toBool(config["emergency"], false)
}

func (b *base) Name() string        { return b.name }
func (b *base) InstanceID() string  { return b.instanceID }
func (b *base) InstanceKey() string { return b.name + "@" + b.instanceID }
func (b *base) Location() string    { return b.location }
func (b *base) IsEmergency() bool   { return b.emergency }

func (b *base) ConfigurationMap() map[string]any {
	return copyMap(b.config)
}

func (b *base) IsLoaded() bool {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.loaded
}

// loadOnce runs the variant load step unless the module is loaded already.
func (b *base) loadOnce(load func() error) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.loaded {
		return nil
	}
	if err := load(); err != nil {
		return err
	}
	b.loaded = true
	return nil
}

func (b *base) CheckRequirements(context.Context) requirements.List {
	return nil
}

func copyMap(m map[string]any) map[string]any {
	ret := make(map[string]any, len(m))
	for k, v := range m {
		ret[k] = copyValue(v)
	}
	return ret
}

func copyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return copyMap(x)
	case []any:
		ret := make([]any, len(x))
		for i, e := range x {
			ret[i] = copyValue(e)
		}
		return ret
	default:
		return v
	}
}
