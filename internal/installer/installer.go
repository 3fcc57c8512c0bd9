// Package installer ties the settings, the modules, the requirements
// checker and the job queue together into one installer run.
package installer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/calamares-go/installer/internal/jobqueue"
	"github.com/calamares-go/installer/internal/journal"
	"github.com/calamares-go/installer/internal/model"
	"github.com/calamares-go/installer/internal/module"
	"github.com/calamares-go/installer/internal/process"
	"github.com/calamares-go/installer/internal/requirements"
)

var (
	ErrRequirements = errors.New("requirements are not satisfied")
	ErrNotLoaded    = errors.New("modules are not loaded")
	ErrFailed       = errors.New("installation failed")

	errStopped = errors.New("stopped")
)

// Observer gets the events of the requirements checker and the job queue.
// The metrics collector implements it.
type Observer interface {
	requirements.Recorder
	jobqueue.Recorder
}

type Option func(*Installer)

func WithObserver(o Observer) Option {
	return func(i *Installer) {
		i.observer = o
	}
}

// WithRunner replaces the process runner built from the settings.
func WithRunner(r process.Runner) Option {
	return func(i *Installer) {
		i.runner = r
		i.customRunner = true
	}
}

// WithWorkDir sets the directory debug mode resolves modules and
// configuration against, the current directory by default.
func WithWorkDir(dir string) Option {
	return func(i *Installer) {
		i.workDir = dir
	}
}

// WithJournal records every Execute in the run journal db.
func WithJournal(db *sql.DB) Option {
	return func(i *Installer) {
		i.journal = db
	}
}

type Installer struct {
	settings     *model.Settings
	runtime      model.Runtime
	registry     *module.Registry
	observer     Observer
	runner       process.Runner
	customRunner bool
	workDir      string
	journal      *sql.DB

	manager *module.Manager
	weights map[string]float64

	mx      sync.RWMutex
	modules []module.Module
	checker *requirements.Checker
	queue   *jobqueue.Queue
}

// New prepares an installer run, nothing is loaded yet.
func New(settings *model.Settings, rt model.Runtime, registry *module.Registry, opts ...Option) (*Installer, error) {
	i := &Installer{
		settings: settings,
		runtime:  rt,
		registry: registry,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
		i.workDir = wd
	}
	if !i.customRunner {
		i.runner = process.NewRunner(!settings.DontChroot, i.RootMountPoint())
	}

	loader := &module.Loader{
		Registry: registry,
		Features: module.Features{
			Python:      rt.Python,
			PythonQt:    rt.Python,
			Interpreter: rt.Interpreter,
		},
		Paths: module.ConfigPaths{
			Override:  rt.ConfigRoot,
			Debug:     rt.Debug,
			WorkDir:   i.workDir,
			ExtraDirs: rt.ExtraConfigDirs,
			SystemDir: rt.SystemDir,
			DataDir:   rt.DataDir,
		},
		Runner: i.runner,
	}

	i.weights = make(map[string]float64)
	instances := make([]module.Instance, 0, len(settings.Instances))
	for _, inst := range settings.Instances {
		if inst.Weight > 0 {
			i.weights[module.Key{Module: inst.Module, ID: inst.ID}.String()] = float64(inst.Weight)
		}
		instances = append(instances, module.Instance{
			Key:    module.Key{Module: inst.Module, ID: inst.ID},
			Config: inst.Config,
		})
	}
	manager, err := module.NewManager(loader, SearchPaths(settings.ModulesSearch, rt.Debug, i.workDir, rt.DataDir), instances)
	if err != nil {
		return nil, err
	}
	i.manager = manager
	return i, nil
}

// SearchPaths expands the modules-search setting. "local" stands for the
// installed module directory and, in debug mode, the modules directory
// under the working directory.
func SearchPaths(search []string, debug bool, workDir, dataDir string) []string {
	if dataDir == "" {
		dataDir = module.DefaultDataDir
	}
	var ret []string
	for _, s := range search {
		if s != model.ModulesSearchLocal {
			ret = append(ret, s)
			continue
		}
		if debug {
			ret = append(ret, filepath.Join(workDir, "modules"))
		}
		ret = append(ret, filepath.Join(dataDir, "modules"))
	}
	return ret
}

// RootMountPoint is the --root-mount-point option or, without it, the
// root-mount-point setting.
func (i *Installer) RootMountPoint() string {
	if i.runtime.RootMountPoint != "" {
		return i.runtime.RootMountPoint
	}
	return i.settings.RootMountPoint
}

// Load discovers the modules and loads every instance the sequence uses.
// Modules which fail to load are reported together.
func (i *Installer) Load(ctx context.Context) error {
	if err := i.manager.Discover(ctx); err != nil {
		// broken descriptors only matter if the sequence uses them
		slog.WarnContext(ctx, "some module descriptors are broken", "error", err)
	}
	modules, err := i.manager.LoadModules(ctx, i.settings.InstanceKeys())
	i.mx.Lock()
	i.modules = modules
	i.mx.Unlock()
	if err != nil {
		return fmt.Errorf("loading modules: %w", err)
	}
	return nil
}

func (i *Installer) Modules() []module.Module {
	i.mx.RLock()
	defer i.mx.RUnlock()
	return append([]module.Module(nil), i.modules...)
}

// CheckRequirements runs the requirements checker over the loaded modules.
func (i *Installer) CheckRequirements(ctx context.Context) (requirements.Result, error) {
	modules := i.Modules()
	if modules == nil {
		return requirements.Result{}, ErrNotLoaded
	}
	probers := make([]requirements.Prober, 0, len(modules))
	for _, m := range modules {
		probers = append(probers, m)
	}

	opts := []requirements.Option{
		requirements.WithInterval(i.runtime.RequirementsInterval),
		requirements.WithListener(requirementsLogger{ctx: ctx}),
	}
	if i.observer != nil {
		opts = append(opts, requirements.WithRecorder(i.observer))
	}
	checker := requirements.NewChecker(probers, opts...)
	i.mx.Lock()
	i.checker = checker
	i.mx.Unlock()

	return checker.Run(ctx)
}

// Blocks turns the exec steps of the sequence into queue blocks.
func (i *Installer) Blocks() ([]jobqueue.ExecBlock, error) {
	var blocks []jobqueue.ExecBlock
	for n, step := range i.settings.ExecSteps() {
		sources := make([]jobqueue.JobSource, 0, len(step))
		for _, s := range step {
			key, err := module.ParseKey(s)
			if err != nil {
				return nil, err
			}
			m, ok := i.manager.Module(key.String())
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrNotLoaded, key)
			}
			sources = append(sources, weighted{Module: m, weight: i.weights[key.String()]})
		}
		blocks = append(blocks, jobqueue.Block(fmt.Sprintf("exec-%d", n+1), sources...))
	}
	return blocks, nil
}

// Execute enqueues the exec steps and waits for the queue.
func (i *Installer) Execute(ctx context.Context) (jobqueue.Outcome, error) {
	blocks, err := i.Blocks()
	if err != nil {
		return jobqueue.Outcome{}, err
	}

	opts := []jobqueue.Option{jobqueue.WithListener(queueLogger{ctx: ctx})}
	if i.observer != nil {
		opts = append(opts, jobqueue.WithRecorder(i.observer))
	}
	q := jobqueue.New(opts...)
	if err := q.Enqueue(blocks...); err != nil {
		return jobqueue.Outcome{}, err
	}
	i.mx.Lock()
	i.queue = q
	i.mx.Unlock()

	if err := q.Start(ctx); err != nil {
		return jobqueue.Outcome{}, err
	}
	runID := q.Snapshot().RunID
	if i.journal != nil {
		if err := journal.Start(ctx, i.journal, runID); err != nil {
			slog.WarnContext(ctx, "can't record run start", "run_id", runID, "error", err)
		}
	}
	select {
	case <-q.Done():
	case <-ctx.Done():
		if i.settings.DisableCancel {
			slog.WarnContext(ctx, "installation can't be canceled, waiting for the job queue")
		} else {
			slog.WarnContext(ctx, "installation canceled, stopping after the running exec step")
			q.Stop()
		}
		<-q.Done()
	}
	outcome, err := q.Wait(context.WithoutCancel(ctx))
	if err != nil {
		return outcome, err
	}
	switch {
	case outcome.State == jobqueue.Failed:
		err = fmt.Errorf("%w: %s: %s", ErrFailed, outcome.Failure.Job, outcome.Failure.Message)
		i.record(ctx, runID, err)
		return outcome, err
	case outcome.Stopped:
		i.record(ctx, runID, errStopped)
	default:
		i.record(ctx, runID, nil)
	}
	return outcome, nil
}

func (i *Installer) record(ctx context.Context, runID string, runErr error) {
	if i.journal == nil {
		return
	}
	// the run context may be canceled already
	ctx = context.WithoutCancel(ctx)
	var err error
	if runErr == nil {
		err = journal.FinishOK(ctx, i.journal, runID)
	} else {
		err = journal.FinishErr(ctx, i.journal, runID, runErr.Error())
	}
	if err != nil {
		slog.WarnContext(ctx, "can't record run result", "run_id", runID, "error", err)
	}
}

// weighted gives a module the progress weight of its instance.
type weighted struct {
	module.Module
	weight float64
}

func (w weighted) Weight() float64 {
	return w.weight
}

// Install is the whole run: load, check requirements, execute.
func (i *Installer) Install(ctx context.Context) (jobqueue.Outcome, error) {
	if err := i.Load(ctx); err != nil {
		return jobqueue.Outcome{}, err
	}
	result, err := i.CheckRequirements(ctx)
	if err != nil {
		return jobqueue.Outcome{}, err
	}
	if !result.Satisfied {
		for _, e := range result.Entries.Blocking() {
			slog.ErrorContext(ctx, "requirement not satisfied", "requirement", e.Name, "details", e.Details)
		}
		return jobqueue.Outcome{}, ErrRequirements
	}
	return i.Execute(ctx)
}

// Queue is the queue of the current run, nil before Execute.
func (i *Installer) Queue() *jobqueue.Queue {
	i.mx.RLock()
	defer i.mx.RUnlock()
	return i.queue
}

// Checker is the checker of the last CheckRequirements, nil before.
func (i *Installer) Checker() *requirements.Checker {
	i.mx.RLock()
	defer i.mx.RUnlock()
	return i.checker
}

func (i *Installer) Runner() process.Runner {
	return i.runner
}
