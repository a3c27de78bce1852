// Package command executes command strings on a remote host over SSH sessions.
//
// # Overview
//
// An [Executor] belongs to one host. It opens one session per command through
// a [SessionOpener], streams the merged stdout/stderr of the remote process to
// a [ConsoleSink] and to the caller, and reports the exit status in a [Result].
//
// A command string may chain several sub-commands with [ChainSeparator]:
//
//	drbdadm down r0;;drbdadm up r0
//
// Sub-commands run strictly in order on the calling goroutine and execution
// stops at the first non-zero exit status. The reported output is everything
// captured up to and including the failing sub-command.
//
// # Dry runs
//
// Commands built for dry-run support carry the [DryRunToken] placeholder and,
// optionally, [DryRunConfigToken]. In [ModeNormal] both placeholders are
// removed. In [ModeDryRun] they are replaced with the tool's simulate flag and
// an alternate configuration path, and the output is published to the shared
// [DryRunSlot]. A dry run on a command without [DryRunToken] is refused with
// [ErrMissingDryRunToken] before any session is opened.
//
// # Caching
//
// Successful output of cache-eligible requests is stored in a per-host [Cache]
// keyed by the literal, post-substitution command. A later cache-eligible
// request for the same command returns the stored output without opening a
// session.
//
// # Failures
//
// Failures of the execution machinery itself (no session, read timeout,
// cancellation) are reported with [ExitCodeInfrastructure], which lies outside
// the range of process exit statuses.
package command
