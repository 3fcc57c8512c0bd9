package module

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/calamares-go/installer/internal/job"
	"github.com/calamares-go/installer/internal/process"
)

// scriptedModule is a job module implemented by a Python script in the
// module directory. The script runs on the host and receives the instance
// configuration as a JSON document on stdin.
type scriptedModule struct {
	base
	typ         Type
	script      string
	interpreter string
	runner      process.Runner
}

func (m *scriptedModule) initFrom(d Descriptor) {
	m.base.initFrom(d)
	m.script = d.GetString("script")
}

func (m *scriptedModule) Type() Type { return m.typ }

func (m *scriptedModule) Interface() Interface {
	if m.typ == TypeView {
		return InterfacePythonQt
	}
	return InterfacePython
}

func (m *scriptedModule) TypeString() string      { return m.Type().String() }
func (m *scriptedModule) InterfaceString() string { return m.Interface().String() }

func (m *scriptedModule) scriptPath() string {
	if filepath.IsAbs(m.script) {
		return m.script
	}
	return filepath.Join(m.location, m.script)
}

func (m *scriptedModule) LoadSelf(ctx context.Context) error {
	return m.loadOnce(func() error {
		if m.script == "" {
			return fmt.Errorf("%w: %s has no script", ErrBadDescriptor, m.InstanceKey())
		}
		info, err := os.Stat(m.scriptPath())
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrBadDescriptor, m.InstanceKey(), err)
		}
		if info.IsDir() {
			return fmt.Errorf("%w: %s: script %s is a directory", ErrBadDescriptor, m.InstanceKey(), m.scriptPath())
		}
		slog.DebugContext(ctx, "loaded scripted module", "instance_key", m.InstanceKey(), "script", m.scriptPath())
		return nil
	})
}

// Jobs of a scripted view module are provided by the page, which is not
// part of this program, so there are none.
func (m *scriptedModule) Jobs() job.List {
	if !m.IsLoaded() || m.typ == TypeView {
		return nil
	}
	return job.List{&ScriptJob{
		Name:        m.name,
		Interpreter: m.interpreter,
		Script:      m.scriptPath(),
		WorkingDir:  m.location,
		Config:      m.ConfigurationMap(),
		Runner:      m.runner,
	}}
}

// ScriptJob runs a module script with the interpreter.
type ScriptJob struct {
	job.Status
	Name        string
	Interpreter string
	Script      string
	WorkingDir  string
	Config      map[string]any
	Runner      process.Runner
}

func (j *ScriptJob) PrettyName() string {
	return "Run script " + filepath.Base(j.Script)
}

func (j *ScriptJob) PrettyDescription() string {
	return fmt.Sprintf("Run script %s of module %s", filepath.Base(j.Script), j.Name)
}

func (j *ScriptJob) Exec(ctx context.Context, progress job.ProgressFunc) job.Result {
	config, err := json.Marshal(j.Config)
	if err != nil {
		return job.Error("Bad module configuration.", err.Error())
	}
	interpreter := j.Interpreter
	if interpreter == "" {
		interpreter = DefaultInterpreter
	}
	args := []string{interpreter, j.Script}
	j.SetStatus(j.PrettyName())
	res := j.Runner.Run(ctx, process.Command{
		Args:       args,
		WorkingDir: j.WorkingDir,
		Stdin:      string(config),
	}, func(_ context.Context, line string) {
		if line = strings.TrimSpace(line); line != "" {
			j.SetStatus(line)
		}
	})
	progress.Report(1)
	return res.Explain(args, 0)
}
