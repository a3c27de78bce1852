package command

import (
	"fmt"
	"io"
	"sync"
)

// ConsoleSink receives terminal events for a host. Implementations must be
// safe for concurrent use; commands for the same host may run in parallel.
type ConsoleSink interface {
	// CommandStarted is called with the literal command when it is visible.
	CommandStarted(host, cmd string)

	// Output is called with each decoded output chunk when output is visible.
	Output(host, chunk string)

	// CommandFinished resets the prompt after a command completes.
	CommandFinished(host string)

	// Cancelled marks a command that was cancelled.
	Cancelled(host string)

	// NextCommand is emitted when a host becomes ready for commands.
	NextCommand(host string)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) CommandStarted(string, string) {}
func (NopSink) Output(string, string)         {}
func (NopSink) CommandFinished(string)        {}
func (NopSink) Cancelled(string)              {}
func (NopSink) NextCommand(string)            {}

// WriterSink renders console events as plain text on an io.Writer.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink creates a sink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) CommandStarted(host, cmd string) {
	s.printf("%s# %s\n", host, cmd)
}

func (s *WriterSink) Output(_ string, chunk string) {
	s.printf("%s", chunk)
}

func (s *WriterSink) CommandFinished(host string) {
	s.printf("%s# \n", host)
}

func (s *WriterSink) Cancelled(host string) {
	s.printf("%s# ^C (cancelled)\n", host)
}

func (s *WriterSink) NextCommand(host string) {
	s.printf("%s# \n", host)
}

func (s *WriterSink) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintf(s.w, format, args...)
}
