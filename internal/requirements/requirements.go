package requirements

import (
	"context"
	"time"
)

// Entry is a single requirement a module checked, for example
// "enough disk space". Only unsatisfied mandatory entries block the
// installation.
type Entry struct {
	Name      string `json:"name"`
	Satisfied bool   `json:"satisfied"`
	Mandatory bool   `json:"mandatory"`
	Details   string `json:"details,omitempty"`
}

// Blocking reports whether the entry prevents the installation.
func (e Entry) Blocking() bool {
	return e.Mandatory && !e.Satisfied
}

type List []Entry

// Satisfied is true when every mandatory entry is satisfied. An empty
// list is satisfied.
func (l List) Satisfied() bool {
	for _, e := range l {
		if e.Blocking() {
			return false
		}
	}
	return true
}

// Blocking returns the entries which prevent the installation.
func (l List) Blocking() List {
	var ret List
	for _, e := range l {
		if e.Blocking() {
			ret = append(ret, e)
		}
	}
	return ret
}

// Prober is anything which can check requirements, in practice a module.
// CheckRequirements may block for a long time (network checks) and is
// called from its own goroutine.
type Prober interface {
	InstanceKey() string
	CheckRequirements(ctx context.Context) List
}

// Listener gets notified about a checking pass. Methods may be called
// from different goroutines, but never concurrently with Done.
type Listener interface {
	RequirementsProgress(message string)
	// RequirementsResult is called once per prober with its fragment.
	RequirementsResult(instanceKey string, entries List)
	RequirementsComplete(satisfied bool)
	Done()
}

// Recorder collects statistics about checking passes.
type Recorder interface {
	ObserveProbe(instanceKey string, elapsed time.Duration, entries List)
	ObserveCheck(elapsed time.Duration, satisfied bool)
}

type nopListener struct{}

func (nopListener) RequirementsProgress(string)     {}
func (nopListener) RequirementsResult(string, List) {}
func (nopListener) RequirementsComplete(bool)       {}
func (nopListener) Done()                           {}

type nopRecorder struct{}

func (nopRecorder) ObserveProbe(string, time.Duration, List) {}
func (nopRecorder) ObserveCheck(time.Duration, bool)         {}
