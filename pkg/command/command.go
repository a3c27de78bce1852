package command

import (
	"errors"
	"fmt"
	"time"
)

// Command text tokens recognised by the executor.
const (
	// ChainSeparator separates sub-commands that run in order and stop at
	// the first failure.
	ChainSeparator = ";;"

	// DryRunToken marks where the simulate-only flag goes.
	DryRunToken = "@DRYRUN@"

	// DryRunConfigToken marks where the alternate config path flag goes.
	DryRunConfigToken = "@DRYRUNCONF@"

	// NoOutputPrefix at the start of a command suppresses console output.
	NoOutputPrefix = "@NOOUTPUT@"

	// OutputPrefix at the start of a command forces console output.
	OutputPrefix = "@OUTPUT@"
)

// Dry-run substitution values.
const (
	// DryRunFlag replaces DryRunToken in dry-run mode.
	DryRunFlag = "-d"

	// DryRunConfigFlag is followed by the dry-run config path.
	DryRunConfigFlag = "-c"

	// DefaultDryRunConfigPath is the non-production config used for dry runs.
	DefaultDryRunConfigPath = "/var/lib/drbd/drbd.conf-drbdmc-test"
)

// Execution defaults.
const (
	// ExitCodeInfrastructure reports failures of the execution machinery
	// (no session, read timeout, cancellation). It is outside 0-255 so it
	// never collides with a remote process exit status.
	ExitCodeInfrastructure = 1000

	// DefaultReadTimeout bounds the wait for the next output chunk.
	DefaultReadTimeout = 3 * time.Minute

	// DefaultExitStatusWait bounds the wait for the exit status after EOF.
	DefaultExitStatusWait = 5 * time.Second
)

// Sentinel errors for command execution.
var (
	// ErrMissingDryRunToken is returned when a dry run is requested for a
	// command that has no DryRunToken. The command is never sent.
	ErrMissingDryRunToken = errors.New("dry run requested for command without " + DryRunToken + " placeholder")

	// ErrEmptyCommand is returned for a command with no sub-commands.
	ErrEmptyCommand = errors.New("empty command")

	// ErrNoSession is returned when no session could be opened.
	ErrNoSession = errors.New("could not open session")

	// ErrReadTimeout is returned when no output and no EOF arrived within
	// the read timeout.
	ErrReadTimeout = errors.New("timed out waiting for command output")

	// ErrCancelled is returned when the command was cancelled.
	ErrCancelled = errors.New("command cancelled")

	// ErrExitStatusMissing is returned by a Session's Wait when the remote
	// side closed without reporting an exit status.
	ErrExitStatusMissing = errors.New("remote side did not report an exit status")
)

// Mode selects between real execution and a dry run.
type Mode int

const (
	// ModeNormal strips dry-run placeholders and runs the command.
	ModeNormal Mode = iota

	// ModeDryRun substitutes dry-run placeholders with simulate flags.
	ModeDryRun
)

// String returns the mode name used in logs and metrics.
func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeDryRun:
		return "dry_run"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Request describes one command submission. It must not be modified after
// it has been handed to an Executor.
type Request struct {
	// Command is the command template, possibly chained with ChainSeparator.
	Command string

	// Mode selects normal or dry-run execution.
	Mode Mode

	// Cacheable allows serving and storing the result in the host cache.
	Cacheable bool

	// OutputVisible echoes output chunks to the console sink.
	OutputVisible bool

	// CommandVisible echoes the command text to the console sink.
	CommandVisible bool

	// Timeout bounds each wait for output. Zero uses the executor default.
	Timeout time.Duration

	// OnOutput, if set, receives every decoded output chunk.
	OnOutput func(chunk string)
}

// Result is the outcome of a request.
type Result struct {
	// Output is the merged stdout/stderr captured so far.
	Output string

	// ExitCode is the remote exit status, or ExitCodeInfrastructure.
	ExitCode int

	// Cached is true when Output came from the host cache.
	Cached bool

	// Err describes infrastructure failures. It is nil for remote failures,
	// which are reported through ExitCode alone.
	Err error
}

// Succeeded reports whether the command completed with exit status 0.
func (r Result) Succeeded() bool {
	return r.Err == nil && r.ExitCode == 0
}

// AsError returns nil on success and an *ExecError otherwise.
func (r Result) AsError(cmd string) error {
	if r.Succeeded() {
		return nil
	}
	return &ExecError{Command: cmd, ExitCode: r.ExitCode, Output: r.Output, Err: r.Err}
}

// ExecError wraps command failures with exit details.
type ExecError struct {
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *ExecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("command failed (exit=%d): %s: %v", e.ExitCode, e.Command, e.Err)
	}
	return fmt.Sprintf("command failed (exit=%d): %s", e.ExitCode, e.Command)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

func infraResult(output string, err error) Result {
	return Result{Output: output, ExitCode: ExitCodeInfrastructure, Err: err}
}
