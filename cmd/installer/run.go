package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/calamares-go/installer/internal/httpapi"
	"github.com/calamares-go/installer/internal/installer"
	"github.com/calamares-go/installer/internal/jobqueue"
	"github.com/calamares-go/installer/internal/journal"
	"github.com/calamares-go/installer/internal/log"
	"github.com/calamares-go/installer/internal/metrics"
	"github.com/calamares-go/installer/internal/model"
	"github.com/calamares-go/installer/internal/module"
	"github.com/calamares-go/installer/internal/modules/shellprocess"
	"github.com/calamares-go/installer/internal/modules/welcome"
	"github.com/calamares-go/installer/internal/requirements"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "load the modules, check the requirements and run the installation",
	Args:  cobra.NoArgs,
	RunE:  doRun,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "load the modules and check the requirements only",
	Args:  cobra.NoArgs,
	RunE:  doCheck,
}

// newRegistry knows every module compiled into the installer.
func newRegistry() (*module.Registry, error) {
	r := module.NewRegistry()
	for _, register := range []func(*module.Registry) error{
		shellprocess.Register,
		welcome.Register,
	} {
		if err := register(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func loadSettings(path string) (*model.Settings, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening settings: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	settings, err := model.LoadSettings(f)
	if err != nil {
		for _, d := range model.SettingsErrors(err) {
			slog.Error("invalid settings", d.Attr("detail"))
		}
		return nil, fmt.Errorf("parsing settings %s: %w", path, err)
	}
	return settings, nil
}

func newInstaller(ctx context.Context, collector *metrics.Collector, opts ...installer.Option) (*installer.Installer, error) {
	settings, err := loadSettings(options.Settings)
	if err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "settings loaded", "path", options.Settings, "sequence", settings.InstanceKeys())
	registry, err := newRegistry()
	if err != nil {
		return nil, err
	}
	opts = append(opts, installer.WithObserver(collector))
	return installer.New(settings, options, registry, opts...)
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.Group("installer",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))

	var opts []installer.Option
	if options.Journal != "" {
		db, err := openJournal(ctx, options.Journal)
		if err != nil {
			return err
		}
		defer func() {
			_ = db.Close()
		}()
		opts = append(opts, installer.WithJournal(db))
	}

	collector := metrics.NewCollector()
	inst, err := newInstaller(ctx, collector, opts...)
	if err != nil {
		return err
	}
	shutdown := serve(ctx, options.MetricsAddr, collector, inst)
	defer shutdown()

	outcome, err := inst.Install(ctx)
	printOutcome(cmd.OutOrStdout(), outcome)
	return err
}

func doCheck(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("installer",
		slog.String("cmd", "check"),
		slog.Int("pid", os.Getpid()),
	))

	collector := metrics.NewCollector()
	inst, err := newInstaller(ctx, collector)
	if err != nil {
		return err
	}
	if err := inst.Load(ctx); err != nil {
		return err
	}
	result, err := inst.CheckRequirements(ctx)
	if err != nil {
		return err
	}
	printRequirements(cmd.OutOrStdout(), result.Entries)
	if !result.Satisfied {
		return installer.ErrRequirements
	}
	return nil
}

func openJournal(ctx context.Context, path string) (*sql.DB, error) {
	db, err := journal.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", path, err)
	}
	return db, nil
}

func printOutcome(w io.Writer, o jobqueue.Outcome) {
	if o.RunID == "" {
		return
	}
	if o.Failure != nil {
		_, _ = fmt.Fprintf(w, "Installation failed in %s (%s)\n%s\n", o.Failure.Job, o.Failure.Module, o.Failure.Message)
		if o.Failure.Details != "" {
			_, _ = fmt.Fprintln(w, o.Failure.Details)
		}
		return
	}
	if o.Stopped {
		_, _ = fmt.Fprintln(w, "Installation was stopped.")
		return
	}
	_, _ = fmt.Fprintln(w, "All done.")
}

func printRequirements(w io.Writer, entries requirements.List) {
	for _, e := range entries {
		mark := "ok"
		switch {
		case e.Blocking():
			mark = "FAIL"
		case !e.Satisfied:
			mark = "warn"
		}
		_, _ = fmt.Fprintf(w, "%-4s %-10s %s\n", mark, e.Name, e.Details)
	}
}

// serve starts the status API when addr is set. The returned function
// shuts it down.
func serve(ctx context.Context, addr string, collector *metrics.Collector, inst *installer.Installer) func() {
	if addr == "" {
		return func() {}
	}
	srv := &http.Server{
		Addr: addr,
		Handler: httpapi.NewRouter(httpapi.Sources{
			Metrics: collector.Handler(),
			Progress: func() httpapi.ProgressSource {
				if q := inst.Queue(); q != nil {
					return q
				}
				return nil
			},
			Requirements: func() httpapi.RequirementsSource {
				if c := inst.Checker(); c != nil {
					return c
				}
				return nil
			},
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.InfoContext(ctx, "serving status", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "status server failed", "error", err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.WarnContext(ctx, "status server shutdown", "error", err)
		}
	}
}
