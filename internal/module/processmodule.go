package module

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/calamares-go/installer/internal/job"
	"github.com/calamares-go/installer/internal/model"
	"github.com/calamares-go/installer/internal/process"
)

const defaultProcessTimeout = 30 * time.Second

// processModule is a job module which runs a single shell command given
// in its descriptor.
type processModule struct {
	base
	command string
	timeout time.Duration
	chroot  bool
	runner  process.Runner

	badTimeout error
}

func (m *processModule) initFrom(d Descriptor) {
	m.base.initFrom(d)
	m.command = d.GetString("command")
	m.timeout = defaultProcessTimeout
	if v, ok := d.Map()["timeout"]; ok {
		t, err := model.ParseTimeout(v)
		if err != nil {
			m.badTimeout = err
		} else {
			m.timeout = t
		}
	}
	m.chroot = d.GetBool("chroot", false)
}

func (m *processModule) Type() Type              { return TypeJob }
func (m *processModule) Interface() Interface    { return InterfaceProcess }
func (m *processModule) TypeString() string      { return m.Type().String() }
func (m *processModule) InterfaceString() string { return m.Interface().String() }

func (m *processModule) LoadSelf(ctx context.Context) error {
	return m.loadOnce(func() error {
		if strings.TrimSpace(m.command) == "" {
			return fmt.Errorf("%w: %s has no command", ErrBadDescriptor, m.InstanceKey())
		}
		if m.badTimeout != nil {
			return fmt.Errorf("%w: %s: %w", ErrBadDescriptor, m.InstanceKey(), m.badTimeout)
		}
		slog.DebugContext(ctx, "loaded process module", "instance_key", m.InstanceKey(), "command", m.command, "timeout", m.timeout, "chroot", m.chroot)
		return nil
	})
}

func (m *processModule) Jobs() job.List {
	if !m.IsLoaded() {
		return nil
	}
	return job.List{&ProcessJob{
		Command:    m.command,
		WorkingDir: m.location,
		Chroot:     m.chroot,
		Timeout:    m.timeout,
		Runner:     m.runner,
	}}
}

// ProcessJob runs a shell command with sh -c, either on the host or in
// the target root. Every output line becomes the status message.
type ProcessJob struct {
	job.Status
	Command    string
	WorkingDir string
	Chroot     bool
	Timeout    time.Duration
	Runner     process.Runner
}

func (j *ProcessJob) PrettyName() string {
	return "Run command " + j.Command
}

func (j *ProcessJob) PrettyDescription() string {
	if j.Chroot {
		return "Run command " + j.Command + " in the target system"
	}
	return "Run command " + j.Command
}

func (j *ProcessJob) Exec(ctx context.Context, progress job.ProgressFunc) job.Result {
	location := process.Host
	if j.Chroot {
		location = process.Target
	}
	j.SetStatus(j.PrettyName())
	args := []string{"sh", "-c", j.Command}
	res := j.Runner.Run(ctx, process.Command{
		Location:   location,
		Args:       args,
		WorkingDir: j.WorkingDir,
		Timeout:    j.Timeout,
	}, func(_ context.Context, line string) {
		if line = strings.TrimSpace(line); line != "" {
			j.SetStatus(line)
		}
	})
	progress.Report(1)
	return res.Explain(args, j.Timeout)
}
