package module_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calamares-go/installer/internal/module"

	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     module.Key
		custom   bool
		err      bool
	}{
		{"default instance", "welcome", module.Key{Module: "welcome", ID: "welcome"}, false, false},
		{"explicit default", "welcome@welcome", module.Key{Module: "welcome", ID: "welcome"}, false, false},
		{"custom", "shellprocess@rootfs", module.Key{Module: "shellprocess", ID: "rootfs"}, true, false},
		{"empty", "", module.Key{}, false, true},
		{"empty id", "welcome@", module.Key{}, false, true},
		{"empty module", "@id", module.Key{}, false, true},
		{"two separators", "a@b@c", module.Key{}, false, true},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			key, err := module.ParseKey(tt.given)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.then, key)
			require.Equal(t, tt.custom, key.IsCustom())
		})
	}
}

// modulesTree creates a search path with a few modules and returns it
// together with a config directory.
func modulesTree(t *testing.T) (string, string) {
	t.Helper()
	search := t.TempDir()
	writeFile(t, filepath.Join(search, "welcome", "module.desc"), "name: welcome\ntype: view\ninterface: qtplugin\n")
	writeFile(t, filepath.Join(search, "dummycpp", "module.desc"), "name: dummycpp\ntype: job\ninterface: qtplugin\n")
	writeFile(t, filepath.Join(search, "umount", "module.desc"), "name: umount\ntype: job\ninterface: process\ncommand: \"true\"\nemergency: true\n")
	writeFile(t, filepath.Join(search, "broken", "module.desc"), "name: [broken\n")
	writeFile(t, filepath.Join(search, "noname", "module.desc"), "type: job\ninterface: process\n")
	writeFile(t, filepath.Join(search, "nodesc", "README"), "not a module\n")
	writeFile(t, filepath.Join(search, "unsupported", "module.desc"), "name: unsupported\ntype: job\ninterface: python\nscript: main.py\n")
	writeFile(t, filepath.Join(search, "README"), "not a module either\n")

	configDir := t.TempDir()
	writeFile(t, filepath.Join(configDir, "modules", "umount.conf"), "emergency: true\n")
	writeFile(t, filepath.Join(configDir, "modules", "dummycpp-second.conf"), "which: second\n")
	return search, configDir
}

func TestManager(t *testing.T) {
	t.Parallel()
	search, configDir := modulesTree(t)
	loader := newLoader(t, configDir)

	manager, err := module.NewManager(loader, []string{filepath.Join(search, "missing"), search}, []module.Instance{
		{Key: module.Key{Module: "dummycpp", ID: "second"}, Config: "dummycpp-second.conf"},
	})
	require.NoError(t, err)

	err = manager.Discover(t.Context())
	require.ErrorIs(t, err, module.ErrBadDescriptor)
	require.Equal(t, []string{"dummycpp", "umount", "unsupported", "welcome"}, manager.AvailableModules())

	desc, ok := manager.Descriptor("umount")
	require.True(t, ok)
	require.True(t, desc.Emergency())

	modules, err := manager.LoadModules(t.Context(), []string{
		"welcome",
		"dummycpp@second",
		"umount",
		"unsupported",
		"dummycpp@undeclared",
		"nothere",
		"welcome@welcome",
	})
	require.Error(t, err)
	require.ErrorIs(t, err, module.ErrUnsupportedInterface)
	require.ErrorIs(t, err, module.ErrBadModuleDirectory)
	require.True(t, strings.Contains(err.Error(), "dummycpp@undeclared"), err.Error())

	var keys []string
	for _, m := range modules {
		require.True(t, m.IsLoaded())
		keys = append(keys, m.InstanceKey())
	}
	require.Equal(t, []string{"welcome@welcome", "dummycpp@second", "umount@umount", "welcome@welcome"}, keys)
	require.Same(t, modules[0], modules[3])

	second, ok := manager.Module("dummycpp@second")
	require.True(t, ok)
	require.Equal(t, map[string]any{"which": "second"}, second.ConfigurationMap())

	umount, ok := manager.Module("umount@umount")
	require.True(t, ok)
	require.True(t, umount.IsEmergency())

	_, ok = manager.Module("unsupported@unsupported")
	require.False(t, ok)
}

func TestManagerDuplicateInstance(t *testing.T) {
	t.Parallel()
	_, err := module.NewManager(newLoader(t, t.TempDir()), nil, []module.Instance{
		{Key: module.Key{Module: "shellprocess", ID: "rootfs"}, Config: "a.conf"},
		{Key: module.Key{Module: "shellprocess", ID: "rootfs"}, Config: "b.conf"},
	})
	require.ErrorIs(t, err, module.ErrDuplicateInstance)
}

func TestDescriptor(t *testing.T) {
	t.Parallel()

	t.Run("load", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), module.DescriptorFileName)
		writeFile(t, path, "name: dummyprocess\ntype: job\ninterface: process\ncommand: \"echo hi\"\ntimeout: \"10\"\nchroot: true\n")
		d, err := module.LoadDescriptor(path)
		require.NoError(t, err)
		require.Equal(t, "dummyprocess", d.Name())
		require.Equal(t, "job", d.Type())
		require.Equal(t, "process", d.Interface())
		require.False(t, d.Emergency())
		require.Equal(t, 10, d.GetInt("timeout", 30))
		require.Equal(t, 30, d.GetInt("missing", 30))
		require.True(t, d.GetBool("chroot", false))
		require.True(t, d.Has("command"))

		m := d.Map()
		m["name"] = "changed"
		require.Equal(t, "dummyprocess", d.Name())
	})

	var testCases = []struct {
		scenario string
		given    string
	}{
		{"empty", ""},
		{"list", "- a\n"},
		{"syntax", "name: [x\n"},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			_, err := module.ParseDescriptor(strings.NewReader(tt.given))
			require.ErrorIs(t, err, module.ErrBadDescriptor)
		})
	}
}

func TestFindDescriptor(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "src", "modules", "welcome", "module.desc"), "name: welcome\n")
	writeFile(t, filepath.Join(dir, "modules", "umount", "module.desc"), "name: umount\n")
	t.Chdir(dir)

	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{"source tree", "welcome", filepath.Join(dir, "src", "modules", "welcome", "module.desc")},
		{"modules dir", "umount", filepath.Join(dir, "modules", "umount", "module.desc")},
		{"directory", filepath.Join(dir, "modules", "umount"), filepath.Join(dir, "modules", "umount", "module.desc")},
		{"file", filepath.Join(dir, "modules", "umount", "module.desc"), filepath.Join(dir, "modules", "umount", "module.desc")},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			path, err := module.FindDescriptor(tt.given)
			require.NoError(t, err)
			want, err := filepath.EvalSymlinks(tt.then)
			require.NoError(t, err)
			got, err := filepath.EvalSymlinks(path)
			require.NoError(t, err)
			require.Equal(t, want, got)
		})
	}

	_, err := module.FindDescriptor("nothere")
	require.ErrorIs(t, err, module.ErrBadModuleDirectory)
	_, err = os.Stat(filepath.Join(dir, "nothere"))
	require.True(t, os.IsNotExist(err))
}
