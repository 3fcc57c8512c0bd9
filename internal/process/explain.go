package process

import (
	"fmt"
	"strings"
	"time"

	"github.com/calamares-go/installer/internal/job"
)

// ExplainProcess turns a process exit code into a job result a user can
// act on. Sentinel codes get canned explanations, positive codes embed
// the command line and its output. A zero code is a success.
func ExplainProcess(exitCode int, command, output string, timeout time.Duration) job.Result {
	if exitCode == 0 {
		return job.OK()
	}

	outputMessage := "\nThere was no output from the command."
	if output != "" {
		outputMessage = "\nOutput:\n" + output
	}

	switch exitCode {
	case Crashed:
		return job.Error("External command crashed.",
			fmt.Sprintf("Command %s crashed.", command)+outputMessage)
	case FailedToStart:
		return job.Error("External command failed to start.",
			fmt.Sprintf("Command %s failed to start.", command))
	case NoWorkingDirectory:
		return job.Error("Internal error when starting command.",
			"Bad parameters for process job call.")
	case TimedOut:
		return job.Error("External command failed to finish.",
			fmt.Sprintf("Command %s failed to finish in %d seconds.", command, int(timeout.Seconds()))+outputMessage)
	}

	return job.Error("External command finished with errors.",
		fmt.Sprintf("Command %s finished with exit code %d.", command, exitCode)+outputMessage)
}

// Explain is ExplainProcess for this result.
func (r Result) Explain(args []string, timeout time.Duration) job.Result {
	return ExplainProcess(r.ExitCode, strings.Join(args, " "), r.Output, timeout)
}
