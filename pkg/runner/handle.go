package runner

import (
	"context"

	"gitlab.bluewillows.net/root/drbdmc/pkg/command"
)

// Callback receives the outcome of an asynchronous command. Exactly one of
// the methods is called, once, on the worker goroutine.
type Callback interface {
	// Done is called when the command exited with status 0.
	Done(output string)

	// DoneError is called for any other outcome, with the output captured
	// so far. Infrastructure failures use command.ExitCodeInfrastructure.
	DoneError(output string, exitCode int)
}

// CallbackFuncs adapts functions to Callback. Nil functions are skipped.
type CallbackFuncs struct {
	OnDone  func(output string)
	OnError func(output string, exitCode int)
}

// Done implements Callback.
func (f CallbackFuncs) Done(output string) {
	if f.OnDone != nil {
		f.OnDone(output)
	}
}

// DoneError implements Callback.
func (f CallbackFuncs) DoneError(output string, exitCode int) {
	if f.OnError != nil {
		f.OnError(output, exitCode)
	}
}

// Progress is a progress indicator driven by RunWithProgress.
type Progress interface {
	Start()
	Stop()
	Fail()
}

// Handle tracks one submitted command.
type Handle struct {
	id     string
	host   string
	cancel context.CancelFunc
	done   chan struct{}

	// written by the worker before done is closed
	result command.Result
}

// ID returns the unique request ID, used to correlate log lines.
func (h *Handle) ID() string {
	return h.id
}

// Host returns the host the command runs on.
func (h *Handle) Host() string {
	return h.host
}

// Cancel cancels the command. The session is closed and the result carries
// command.ErrCancelled. Cancelling a finished command does nothing.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed when the command has finished and its callback returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the command finishes and returns its result.
func (h *Handle) Wait() command.Result {
	<-h.done
	return h.result
}
