package model

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Runtime holds the command line and environment options of the installer.
// Settings describe what gets installed, Runtime describes how the installer
// process itself behaves.
type Runtime struct {
	Debug                bool          `mapstructure:"debug"`
	LogFormat            string        `mapstructure:"log-format"`
	Settings             string        `mapstructure:"settings"`
	ConfigRoot           string        `mapstructure:"config-root"`
	ExtraConfigDirs      []string      `mapstructure:"extra-config-dirs"`
	RootMountPoint       string        `mapstructure:"root-mount-point"`
	MetricsAddr          string        `mapstructure:"metrics-addr"`
	RequirementsInterval time.Duration `mapstructure:"requirements-interval"`
	Python               bool          `mapstructure:"python"`
	Interpreter          string        `mapstructure:"interpreter"`
	DataDir              string        `mapstructure:"data-dir"`
	SystemDir            string        `mapstructure:"system-dir"`
	Journal              string        `mapstructure:"journal"`
}

// SetRuntimeDefaults registers the defaults of every Runtime key.
func SetRuntimeDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("log-format", "text")
	v.SetDefault("settings", "settings.conf")
	v.SetDefault("requirements-interval", 1200*time.Millisecond)
	v.SetDefault("python", true)
	v.SetDefault("interpreter", "python3")
	v.SetDefault("data-dir", "/usr/share/calamares")
	v.SetDefault("system-dir", "/etc/calamares")
}

func ParseRuntime(v *viper.Viper) (Runtime, error) {
	var rt Runtime
	if err := v.Unmarshal(&rt); err != nil {
		return rt, fmt.Errorf("parsing runtime options: %w", err)
	}
	if rt.RequirementsInterval <= 0 {
		return rt, fmt.Errorf("requirements-interval must be positive, got %s", rt.RequirementsInterval)
	}
	return rt, nil
}
