// Package process runs external commands for installer jobs.
//
// Runner is a thin, opinionated wrapper around os/exec:
//   - runs the command on the host, or inside the target root via chroot
//   - validates the working directory before anything is spawned
//   - writes an optional string to stdin
//   - captures stdout and stderr into a single output
//   - optionally hands each output line to a callback (job status)
//   - kills the command once its timeout expires
//
// Run is synchronous. Process level failures are not returned as errors,
// they are encoded in Result.ExitCode using the negative sentinel codes
// Crashed, FailedToStart, NoWorkingDirectory and TimedOut. Sentinel
// results never carry output.
//
// Exit codes should never be shown to a user raw: ExplainProcess turns
// them into a job.Result with a message and details.
package process
