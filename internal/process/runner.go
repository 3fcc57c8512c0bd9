package process

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Location says where a command runs: on the live (host) system or
// inside the target root.
type Location int

const (
	Host Location = iota
	Target
)

func (l Location) String() string {
	if l == Target {
		return "target"
	}
	return "host"
}

// Sentinel exit codes. They never carry any output.
const (
	Crashed            = -1
	FailedToStart      = -2
	NoWorkingDirectory = -3
	TimedOut           = -4
)

const defaultChroot = "chroot"

// OutputFunc is called for each line of the combined output of a command.
type OutputFunc func(ctx context.Context, line string)

type Command struct {
	Location   Location
	Args       []string
	WorkingDir string
	Stdin      string
	// Timeout of zero means no timeout.
	Timeout time.Duration
}

type Result struct {
	ExitCode int
	Output   string
}

func sentinel(code int) Result {
	return Result{ExitCode: code}
}

// Runner executes external commands on the host or in the target root.
// The zero value runs everything on the host.
type Runner struct {
	doChroot       bool
	rootMountPoint string
	chroot         string
	waitDelay      time.Duration
}

// NewRunner creates a runner. doChroot is the installer-wide switch used
// by TargetEnvCommand, rootMountPoint is where the target system is mounted.
func NewRunner(doChroot bool, rootMountPoint string) Runner {
	return Runner{
		doChroot:       doChroot,
		rootMountPoint: rootMountPoint,
		chroot:         defaultChroot,
		waitDelay:      500 * time.Millisecond,
	}
}

func (r Runner) WithRootMountPoint(path string) Runner {
	r.rootMountPoint = path
	return r
}

// WithChrootBinary changes the program used to enter the target root.
func (r Runner) WithChrootBinary(path string) Runner {
	r.chroot = path
	return r
}

func (r Runner) DoChroot() bool {
	return r.doChroot
}

func (r Runner) RootMountPoint() string {
	return r.rootMountPoint
}

// TargetEnvCommand runs args in the target root if the runner was created
// with doChroot, on the host otherwise.
func (r Runner) TargetEnvCommand(ctx context.Context, args []string, workingDir, stdin string, timeout time.Duration) Result {
	location := Host
	if r.doChroot {
		location = Target
	}
	return r.Run(ctx, Command{
		Location:   location,
		Args:       args,
		WorkingDir: workingDir,
		Stdin:      stdin,
		Timeout:    timeout,
	}, nil)
}

// Run executes the command synchronously and blocks until it finishes
// or its timeout expires. Failures to run the process at all are reported
// via the sentinel exit codes. outputFunc may be nil.
func (r Runner) Run(ctx context.Context, proto Command, outputFunc OutputFunc) Result {
	if len(proto.Args) == 0 {
		slog.WarnContext(ctx, "cannot run an empty command")
		return sentinel(NoWorkingDirectory)
	}

	args := append([]string(nil), proto.Args...)
	if proto.Location == Target {
		if r.rootMountPoint == "" {
			slog.WarnContext(ctx, "no root mount point for a target command", "args", args)
			return sentinel(NoWorkingDirectory)
		}
		chroot := r.chroot
		if chroot == "" {
			chroot = defaultChroot
		}
		args = append([]string{chroot, r.rootMountPoint}, args...)
	}

	if proto.WorkingDir != "" {
		info, err := os.Stat(proto.WorkingDir)
		if err != nil || !info.IsDir() {
			slog.WarnContext(ctx, "invalid working directory", "dir", proto.WorkingDir, "error", err)
			return sentinel(NoWorkingDirectory)
		}
	}

	runCtx := ctx
	if proto.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, proto.Timeout)
		defer cancel()
	} else {
		slog.DebugContext(ctx, "command has no timeout", "path", args[0])
	}

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = proto.WorkingDir
	cmd.WaitDelay = r.waitDelay
	if proto.Stdin != "" {
		cmd.Stdin = strings.NewReader(proto.Stdin)
	}
	out := &lineWriter{ctx: ctx, fn: outputFunc}
	cmd.Stdout = out
	cmd.Stderr = out

	slog.DebugContext(ctx, "running command", "location", proto.Location.String(), "args", args, "dir", proto.WorkingDir)
	started := time.Now()
	if err := cmd.Start(); err != nil {
		slog.ErrorContext(ctx, "command failed to start", "path", args[0], "error", err)
		return sentinel(FailedToStart)
	}

	err := cmd.Wait()
	out.flush()
	elapsed := time.Since(started)

	if proto.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		slog.WarnContext(ctx, "command timed out", "path", args[0], "timeout", proto.Timeout, "elapsed", elapsed)
		return sentinel(TimedOut)
	}

	state := cmd.ProcessState
	if state == nil {
		slog.ErrorContext(ctx, "command has no exit state", "path", args[0], "error", err)
		return sentinel(Crashed)
	}
	// ExitCode is -1 when the process was terminated by a signal
	if state.ExitCode() < 0 {
		slog.WarnContext(ctx, "command crashed", "path", args[0], "state", state.String())
		return sentinel(Crashed)
	}

	output := strings.TrimSpace(out.String())
	if state.ExitCode() != 0 {
		slog.DebugContext(ctx, "command finished with errors", "path", args[0], "exit_code", state.ExitCode(), "output", output)
	} else {
		slog.DebugContext(ctx, "command finished", "path", args[0], "elapsed", elapsed)
	}
	return Result{ExitCode: state.ExitCode(), Output: output}
}

// lineWriter captures the combined output and hands complete lines
// to an optional callback.
type lineWriter struct {
	ctx     context.Context
	fn      OutputFunc
	mx      sync.Mutex
	buf     bytes.Buffer
	pending []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mx.Lock()
	defer w.mx.Unlock()
	w.buf.Write(p)
	if w.fn == nil {
		return len(p), nil
	}
	w.pending = append(w.pending, p...)
	for {
		idx := bytes.IndexByte(w.pending, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(w.pending[:idx]), "\r")
		w.pending = w.pending[idx+1:]
		w.fn(w.ctx, line)
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.fn != nil && len(w.pending) > 0 {
		w.fn(w.ctx, string(w.pending))
	}
	w.pending = nil
}

func (w *lineWriter) String() string {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.buf.String()
}
