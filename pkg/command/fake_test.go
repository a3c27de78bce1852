package command

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// exitMissing makes a fake command exit without reporting a status.
const exitMissing = -1

// fakeExitError mimics ssh.ExitError.
type fakeExitError struct {
	status int
}

func (e *fakeExitError) Error() string {
	return fmt.Sprintf("Process exited with status %d", e.status)
}

func (e *fakeExitError) ExitStatus() int {
	return e.status
}

// script describes how a fake remote command behaves.
type script struct {
	chunks [][]byte
	exit   int
	hang   bool
}

// fakeShell opens fake sessions that interpret a tiny command language:
// "echo X" prints X, "false" exits 1, "exit N" exits N, "hang" never ends.
// Entries in scripts override the interpreter.
type fakeShell struct {
	mu       sync.Mutex
	scripts  map[string]script
	started  []string
	sessions int
	openErr  error
}

func newFakeShell() *fakeShell {
	return &fakeShell{scripts: make(map[string]script)}
}

func (f *fakeShell) NewSession() (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.sessions++
	pr, pw := io.Pipe()
	return &fakeSession{
		shell:  f,
		pr:     pr,
		pw:     pw,
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}, nil
}

func (f *fakeShell) Started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func (f *fakeShell) Sessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions
}

func (f *fakeShell) lookup(cmd string) script {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, cmd)
	if s, ok := f.scripts[cmd]; ok {
		return s
	}

	switch {
	case strings.HasPrefix(cmd, "echo "):
		return script{chunks: [][]byte{[]byte(strings.TrimPrefix(cmd, "echo ") + "\n")}}
	case cmd == "false":
		return script{exit: 1}
	case strings.HasPrefix(cmd, "exit "):
		code, _ := strconv.Atoi(strings.TrimPrefix(cmd, "exit "))
		return script{exit: code}
	case cmd == "hang":
		return script{hang: true}
	default:
		// Any other command echoes itself, like a dry run report would.
		return script{chunks: [][]byte{[]byte(cmd + "\n")}}
	}
}

type fakeSession struct {
	shell *fakeShell
	pr    *io.PipeReader
	pw    *io.PipeWriter

	exit      int
	done      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *fakeSession) Output() io.Reader {
	return s.pr
}

func (s *fakeSession) Start(cmd string) error {
	sc := s.shell.lookup(cmd)
	go func() {
		for _, c := range sc.chunks {
			if _, err := s.pw.Write(c); err != nil {
				return
			}
		}
		if sc.hang {
			<-s.closed
			return
		}
		s.exit = sc.exit
		_ = s.pw.Close()
		close(s.done)
	}()
	return nil
}

func (s *fakeSession) Wait() error {
	select {
	case <-s.done:
		switch s.exit {
		case 0:
			return nil
		case exitMissing:
			return ErrExitStatusMissing
		default:
			return &fakeExitError{status: s.exit}
		}
	case <-s.closed:
		return errors.New("session closed")
	}
}

func (s *fakeSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.pw.CloseWithError(io.ErrClosedPipe)
	})
	return nil
}

// recordingSink records console events.
type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingSink) CommandStarted(host, cmd string) { r.add("started:" + host + ":" + cmd) }
func (r *recordingSink) Output(host, chunk string)       { r.add("output:" + host + ":" + chunk) }
func (r *recordingSink) CommandFinished(host string)     { r.add("finished:" + host) }
func (r *recordingSink) Cancelled(host string)           { r.add("cancelled:" + host) }
func (r *recordingSink) NextCommand(host string)         { r.add("next:" + host) }
