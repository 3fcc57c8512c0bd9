package installer

import (
	"context"
	"log/slog"

	"github.com/calamares-go/installer/internal/jobqueue"
	"github.com/calamares-go/installer/internal/requirements"
)

// queueLogger reports the job queue on the default logger.
type queueLogger struct {
	ctx context.Context
}

func (l queueLogger) OnProgress(fraction float64, status string) {
	slog.InfoContext(l.ctx, "installing", "progress", fraction, "status", status)
}

func (l queueLogger) OnFinished(o jobqueue.Outcome) {
	if o.Failure != nil {
		slog.ErrorContext(l.ctx, "installation failed",
			"run_id", o.RunID,
			"module", o.Failure.Module,
			"job_name", o.Failure.Job,
			"message", o.Failure.Message,
			"details", o.Failure.Details,
		)
		return
	}
	slog.InfoContext(l.ctx, "installation finished", "run_id", o.RunID, "state", o.State.String(), "stopped", o.Stopped)
}

type requirementsLogger struct {
	ctx context.Context
}

func (l requirementsLogger) RequirementsProgress(message string) {
	slog.InfoContext(l.ctx, message)
}

func (l requirementsLogger) RequirementsResult(instanceKey string, entries requirements.List) {
	for _, e := range entries {
		slog.DebugContext(l.ctx, "requirement checked",
			"instance_key", instanceKey,
			"requirement", e.Name,
			"satisfied", e.Satisfied,
			"mandatory", e.Mandatory,
		)
	}
}

func (l requirementsLogger) RequirementsComplete(satisfied bool) {
	slog.InfoContext(l.ctx, "requirements checked", "satisfied", satisfied)
}

func (requirementsLogger) Done() {}
