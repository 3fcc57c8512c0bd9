// Package shellprocess is a job module running a list of shell commands,
// by default inside the target system.
//
//	dontChroot: false
//	timeout: 30
//	script:
//	  - "-touch ${ROOT}/tmp/marker"
//	  - command: "update-initramfs -u"
//	    timeout: 300
//
// A command prefixed with "-" may fail without failing the job.
package shellprocess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/calamares-go/installer/internal/job"
	"github.com/calamares-go/installer/internal/model"
	"github.com/calamares-go/installer/internal/module"
	"github.com/calamares-go/installer/internal/process"
)

const Name = "shellprocess"

const defaultTimeout = 30 * time.Second

var ErrNoScript = errors.New("no script commands")

// Register adds the plugin to r.
func Register(r *module.Registry) error {
	return r.Register(Name, New)
}

// Command is one entry of the script list.
type Command struct {
	Command string
	Timeout time.Duration
	// Optional commands may fail without failing the job.
	Optional bool
}

type Plugin struct {
	env        module.Env
	commands   []Command
	dontChroot bool
}

func New(env module.Env) module.Plugin {
	return &Plugin{env: env}
}

func (p *Plugin) SetConfigurationMap(ctx context.Context, config map[string]any) error {
	p.dontChroot = toBool(config["dontChroot"])

	timeout := defaultTimeout
	if v, ok := config["timeout"]; ok {
		t, err := model.ParseTimeout(v)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		timeout = t
	}

	commands, err := parseScript(config["script"], timeout)
	if err != nil {
		return err
	}
	if len(commands) == 0 {
		return fmt.Errorf("%w in %s", ErrNoScript, p.env.InstanceKey)
	}
	p.commands = commands
	slog.DebugContext(ctx, "shellprocess configured", "instance_key", p.env.InstanceKey, "commands", len(commands), "dont_chroot", p.dontChroot)
	return nil
}

func (p *Plugin) Jobs() job.List {
	if len(p.commands) == 0 {
		return nil
	}
	return job.List{&Job{
		Name:       p.env.InstanceKey,
		Commands:   append([]Command(nil), p.commands...),
		DontChroot: p.dontChroot,
		Runner:     p.env.Runner,
	}}
}

func parseScript(v any, timeout time.Duration) ([]Command, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		c, err := parseCommand(x, timeout)
		if err != nil {
			return nil, err
		}
		return []Command{c}, nil
	case []any:
		ret := make([]Command, 0, len(x))
		for idx, item := range x {
			c, err := parseCommand(item, timeout)
			if err != nil {
				return nil, fmt.Errorf("script[%d]: %w", idx, err)
			}
			ret = append(ret, c)
		}
		return ret, nil
	default:
		return nil, fmt.Errorf("script: unsupported type %T", v)
	}
}

func parseCommand(v any, timeout time.Duration) (Command, error) {
	var c Command
	switch x := v.(type) {
	case string:
		c = Command{Command: x, Timeout: timeout}
	case map[string]any:
		cmd, ok := x["command"].(string)
		if !ok {
			return c, fmt.Errorf("command must be a string, got %T", x["command"])
		}
		c = Command{Command: cmd, Timeout: timeout}
		if t, ok := x["timeout"]; ok {
			d, err := model.ParseTimeout(t)
			if err != nil {
				return c, fmt.Errorf("timeout: %w", err)
			}
			c.Timeout = d
		}
	default:
		return c, fmt.Errorf("unsupported command type %T", v)
	}

	c.Command = strings.TrimSpace(c.Command)
	if rest, ok := strings.CutPrefix(c.Command, "-"); ok {
		c.Optional = true
		c.Command = strings.TrimSpace(rest)
	}
	if c.Command == "" {
		return c, errors.New("empty command")
	}
	return c, nil
}

func toBool(v any) bool {
	b, _ := v.(bool)
	return b
}

// Job runs the commands one after another and stops at the first failing
// one which is not optional.
type Job struct {
	job.Status
	Name       string
	Commands   []Command
	DontChroot bool
	Runner     process.Runner
}

func (j *Job) PrettyName() string {
	return "Shell Processes Job"
}

func (j *Job) PrettyDescription() string {
	return fmt.Sprintf("Running %d shell command(s) for %s", len(j.Commands), j.Name)
}

func (j *Job) Exec(ctx context.Context, progress job.ProgressFunc) job.Result {
	location := process.Host
	if !j.DontChroot && j.Runner.DoChroot() {
		location = process.Target
	}
	root := j.Runner.RootMountPoint()

	for idx, c := range j.Commands {
		command := expand(c.Command, root)
		j.SetStatus(command)
		args := []string{"sh", "-c", command}
		res := j.Runner.Run(ctx, process.Command{
			Location: location,
			Args:     args,
			Timeout:  c.Timeout,
		}, func(_ context.Context, line string) {
			if line = strings.TrimSpace(line); line != "" {
				j.SetStatus(line)
			}
		})
		if res.ExitCode != 0 {
			if c.Optional {
				slog.WarnContext(ctx, "optional command failed", "job_name", j.Name, "command", command, "exit_code", res.ExitCode)
			} else {
				return res.Explain(args, c.Timeout)
			}
		}
		progress.Report(float64(idx+1) / float64(len(j.Commands)))
	}
	return job.OK()
}

// expand replaces ${ROOT} with the root mount point of the target.
func expand(command, root string) string {
	return strings.ReplaceAll(command, "${ROOT}", root)
}
