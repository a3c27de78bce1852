package command

import "io"

// Session is one remote process execution. It is owned by the goroutine that
// opened it and is closed when the command completes or is cancelled.
type Session interface {
	// Start launches cmd on the remote host.
	Start(cmd string) error

	// Output returns the merged stdout/stderr stream of the remote process.
	Output() io.Reader

	// Wait blocks until the remote process exits. A non-nil error that
	// implements ExitStatus() int reports a non-zero exit status;
	// ErrExitStatusMissing reports a process that exited without one.
	Wait() error

	// Close tears the session down and unblocks pending reads.
	Close() error
}

// SessionOpener opens sessions on a live connection.
type SessionOpener interface {
	NewSession() (Session, error)
}

// SessionOpenerFunc adapts a function to SessionOpener.
type SessionOpenerFunc func() (Session, error)

// NewSession calls f.
func (f SessionOpenerFunc) NewSession() (Session, error) {
	return f()
}

type exitStatuser interface {
	ExitStatus() int
}
