package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"

	"github.com/calamares-go/installer/internal/log"
	"github.com/calamares-go/installer/internal/model"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	v       = viper.New()
	options model.Runtime // runtime options after flags, env and defaults
)

func main() {
	flags := rootCmd.PersistentFlags()
	flags.BoolP("debug", "d", false, "verbose logging, look for modules and configuration in the working directory")
	flags.String("log-format", log.FormatText, "log format: text or json")
	flags.StringP("config-root", "c", "", "configuration directory to use instead of the system ones, for testing purposes")
	flags.StringSlice("extra-config-dirs", nil, "additional configuration directories, searched before the system ones")
	flags.String("root-mount-point", "", "where the target system is mounted, overrides the settings")
	flags.String("metrics-addr", "", "serve metrics and progress on this address, eg. 127.0.0.1:9410")
	flags.String("settings", "settings.conf", "installer settings file")
	flags.Bool("python", true, "enable python job modules")
	flags.String("interpreter", "python3", "interpreter for python job modules")
	flags.String("journal", "", "sqlite database recording every installation run")

	model.SetRuntimeDefaults(v)
	v.SetEnvPrefix("INSTALLER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}

	// never print messages
	rootCmd.SilenceErrors = true

	// parse the runtime options, setup logging
	rootCmd.PersistentPreRunE = initInstaller

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(moduleTestCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("installer failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "installer",
	Short:        "Distribution-independent installer framework",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version of the installer",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("installer: version info not available")
			return
		}

		fmt.Printf("installer: %s\n", info.Main.Version)
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:     %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initInstaller(cmd *cobra.Command, _ []string) error {
	var err error
	options, err = model.ParseRuntime(v)
	if err != nil {
		return err
	}

	logger, err := log.New(options.Debug, options.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	slog.Debug("installer run", "command", cmd.Name(), "options", options)
	return nil
}
