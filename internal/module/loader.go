package module

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/calamares-go/installer/internal/process"
)

const DefaultInterpreter = "python3"

// Features lists the optional module interfaces this installer supports.
type Features struct {
	Python   bool
	PythonQt bool
	// Interpreter runs python job scripts, DefaultInterpreter when empty.
	Interpreter string
}

// Loader turns descriptors into modules.
type Loader struct {
	Registry *Registry
	Features Features
	Paths    ConfigPaths
	Runner   process.Runner
}

type variant interface {
	Module
	initFrom(d Descriptor)
	core() *base
}

func (b *base) core() *base { return b }

// FromDescriptor creates a module instance. The module is not loaded,
// call LoadSelf before asking for jobs.
func (l *Loader) FromDescriptor(ctx context.Context, desc Descriptor, instanceID, configFileName, moduleDirectory string) (Module, error) {
	if desc.Name() == "" {
		return nil, fmt.Errorf("%w: %s: name is required", ErrBadDescriptor, instanceID)
	}
	typeName, intfName := desc.Type(), desc.Interface()
	if typeName == "" || intfName == "" {
		return nil, fmt.Errorf("%w: %s: type and interface are required", ErrBadDescriptor, instanceID)
	}

	m, err := l.newVariant(typeName, intfName)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", instanceID, err)
	}

	dir, err := moduleDir(moduleDirectory)
	if err != nil {
		return nil, fmt.Errorf("%w %q for %s: %w", ErrBadModuleDirectory, moduleDirectory, instanceID, err)
	}

	b := m.core()
	b.location = dir
	b.instanceID = instanceID
	m.initFrom(desc)

	config, err := l.Paths.loadConfiguration(ctx, b.name, configFileName)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.InstanceKey(), err)
	}
	b.setConfiguration(config)
	return m, nil
}

func (l *Loader) newVariant(typeName, intfName string) (variant, error) {
	typ, ok := ParseType(typeName)
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrBadInterfaceForType, typeName)
	}
	intf, ok := ParseInterface(intfName)
	if !ok {
		return nil, fmt.Errorf("%w: %q for type %q", ErrBadInterfaceForType, intfName, typeName)
	}

	switch {
	case typ == TypeJob && intf == InterfaceQtPlugin:
		return &nativeModule{typ: TypeJob, registry: l.Registry, runner: l.Runner}, nil
	case typ == TypeJob && intf == InterfaceProcess:
		return &processModule{runner: l.Runner}, nil
	case typ == TypeJob && intf == InterfacePython:
		if !l.Features.Python {
			return nil, fmt.Errorf("%w: python job modules", ErrUnsupportedInterface)
		}
		return &scriptedModule{typ: TypeJob, interpreter: l.Features.Interpreter, runner: l.Runner}, nil
	case typ == TypeView && intf == InterfaceQtPlugin:
		return &nativeModule{typ: TypeView, registry: l.Registry, runner: l.Runner}, nil
	case typ == TypeView && intf == InterfacePythonQt:
		if !l.Features.PythonQt {
			return nil, fmt.Errorf("%w: pythonqt view modules", ErrUnsupportedInterface)
		}
		return &scriptedModule{typ: TypeView, runner: l.Runner}, nil
	}
	return nil, fmt.Errorf("%w: %q for type %q", ErrBadInterfaceForType, intfName, typeName)
}

// moduleDir checks the directory exists and can be listed, and returns
// its absolute form.
func moduleDir(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", errors.New("not a directory")
	}
	f, err := os.Open(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return abs, nil
}
