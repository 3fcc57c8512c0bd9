package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/calamares-go/installer/internal/log"
	"github.com/calamares-go/installer/internal/module"
	"github.com/calamares-go/installer/internal/process"

	"github.com/spf13/cobra"
)

var moduleTestCmd = &cobra.Command{
	Use:   "module-test MODULE [CONFIG]",
	Short: "load a single module and run its jobs, for module development",
	Long: `MODULE is a module directory, a module.desc file or a module name,
looked up in ./, src/modules/ and modules/. CONFIG defaults to
<module directory>/<name>.conf.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: doModuleTest,
}

func doModuleTest(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("installer",
		slog.String("cmd", "module-test"),
		slog.Int("pid", os.Getpid()),
	))
	configFile := ""
	if len(args) == 2 {
		configFile = args[1]
	}

	registry, err := newRegistry()
	if err != nil {
		return err
	}
	m, err := loadTestModule(ctx, registry, args[0], configFile)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "module loaded", "instance_key", m.InstanceKey(), "type", m.TypeString(), "interface", m.InterfaceString())

	failed := 0
	for idx, j := range m.Jobs() {
		slog.InfoContext(ctx, "running job", "index", idx+1, "job_name", j.PrettyName())
		res := j.Exec(ctx, nil)
		if !res.Success {
			failed++
			slog.ErrorContext(ctx, "job failed", "index", idx+1, "job_name", j.PrettyName(), "message", res.Message, "details", res.Details)
		}
	}
	// failing jobs are reported, but the module itself works
	slog.InfoContext(ctx, "module test finished", "failed_jobs", failed)
	return nil
}

func loadTestModule(ctx context.Context, registry *module.Registry, name, configFile string) (module.Module, error) {
	path, err := module.FindDescriptor(name)
	if err != nil {
		return nil, err
	}
	desc, err := module.LoadDescriptor(path)
	if err != nil {
		return nil, err
	}
	moduleName := desc.Name()
	if moduleName == "" {
		return nil, fmt.Errorf("%w: no name in %s", module.ErrBadDescriptor, path)
	}
	dir := filepath.Dir(path)
	if configFile == "" {
		configFile = filepath.Join(dir, moduleName+".conf")
	}

	workDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}
	loader := &module.Loader{
		Registry: registry,
		Features: module.Features{
			Python:      options.Python,
			PythonQt:    options.Python,
			Interpreter: options.Interpreter,
		},
		Paths: module.ConfigPaths{
			Debug:     true,
			WorkDir:   workDir,
			ExtraDirs: options.ExtraConfigDirs,
			SystemDir: options.SystemDir,
			DataDir:   options.DataDir,
		},
		Runner: process.NewRunner(options.RootMountPoint != "", options.RootMountPoint),
	}
	m, err := loader.FromDescriptor(ctx, desc, moduleName, configFile, dir)
	if err != nil {
		return nil, fmt.Errorf("could not load module %s: %w", name, err)
	}
	if err := m.LoadSelf(ctx); err != nil {
		return nil, fmt.Errorf("module %s could not be loaded: %w", name, err)
	}
	return m, nil
}
