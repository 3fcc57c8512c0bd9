package module_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/calamares-go/installer/internal/job"
	"github.com/calamares-go/installer/internal/module"
	"github.com/calamares-go/installer/internal/requirements"

	"github.com/stretchr/testify/require"
)

func lookPath(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("skipped, binary %s not available: %v", name, err)
	}
	return path
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

type fakePlugin struct {
	env    module.Env
	config map[string]any
	err    error
}

func (p *fakePlugin) SetConfigurationMap(_ context.Context, config map[string]any) error {
	p.config = config
	return p.err
}

func (p *fakePlugin) Jobs() job.List {
	return job.List{job.NewFunc(p.env.InstanceKey, nil)}
}

type fakeStep struct {
	fakePlugin
}

func (s *fakeStep) PrettyName() string { return "Welcome" }

func (s *fakeStep) CheckRequirements(context.Context) requirements.List {
	return requirements.List{{Name: "storage", Satisfied: true, Mandatory: true}}
}

func newRegistry(t *testing.T) *module.Registry {
	t.Helper()
	r := module.NewRegistry()
	require.NoError(t, r.Register("dummycpp", func(env module.Env) module.Plugin {
		return &fakePlugin{env: env}
	}))
	require.NoError(t, r.Register("welcome", func(env module.Env) module.Plugin {
		return &fakeStep{fakePlugin{env: env}}
	}))
	require.NoError(t, r.Register("brokenconf", func(env module.Env) module.Plugin {
		return &fakePlugin{env: env, err: os.ErrInvalid}
	}))
	return r
}

// newLoader returns a loader which only looks for configuration in the
// extra directory, so the host /etc is never consulted.
func newLoader(t *testing.T, configDir string) *module.Loader {
	t.Helper()
	return &module.Loader{
		Registry: newRegistry(t),
		Paths:    module.ConfigPaths{Override: configDir},
	}
}
