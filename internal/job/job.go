package job

import (
	"context"
	"fmt"
	"sync"
)

// ProgressFunc receives the progress of a running job as a fraction in [0,1].
// It is invoked on the goroutine executing the job.
type ProgressFunc func(fraction float64)

// Job is a single unit of installer work. Exec is called at most once.
type Job interface {
	PrettyName() string
	PrettyDescription() string
	// PrettyStatusMessage may change while Exec runs.
	PrettyStatusMessage() string
	Exec(ctx context.Context, progress ProgressFunc) Result
}

// List is an ordered list of jobs. Whoever receives a List owns the jobs.
type List []Job

// Result is the outcome of one job execution.
type Result struct {
	Success bool
	Message string
	Details string
}

// OK returns a successful result.
func OK() Result {
	return Result{Success: true}
}

// Error returns a failed result with a message and optional details.
func Error(message, details string) Result {
	return Result{Message: message, Details: details}
}

func (r Result) String() string {
	if r.Success {
		return "ok"
	}
	if r.Details == "" {
		return "failed: " + r.Message
	}
	return fmt.Sprintf("failed: %s: %s", r.Message, r.Details)
}

// Report is called for progress updates; a nil ProgressFunc is accepted.
func (f ProgressFunc) Report(fraction float64) {
	if f == nil {
		return
	}
	f(fraction)
}

// Status holds the mutable status line of a job. Embed it in a job
// implementation to get a goroutine safe PrettyStatusMessage.
type Status struct {
	mx     sync.RWMutex
	status string
}

func (s *Status) SetStatus(status string) {
	s.mx.Lock()
	s.status = status
	s.mx.Unlock()
}

func (s *Status) PrettyStatusMessage() string {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.status
}
