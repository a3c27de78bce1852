package sshutil

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"

	"gitlab.bluewillows.net/root/drbdmc/pkg/command"
)

// Pseudo-terminal settings for command sessions. Echo is off so the command
// text does not show up in its own output.
var ptyModes = ssh.TerminalModes{
	ssh.ECHO:          0,
	ssh.TTY_OP_ISPEED: 14400,
	ssh.TTY_OP_OSPEED: 14400,
}

const (
	ptyTerm = "xterm"
	ptyRows = 40
	ptyCols = 200
)

// execSession adapts an *ssh.Session to command.Session. Stdout and stderr
// are merged into one stream.
type execSession struct {
	sess *ssh.Session
	pr   *io.PipeReader
	pw   *io.PipeWriter

	waitDone chan struct{}
	waitErr  error

	closeOnce sync.Once
}

// CommandOpener returns a command.SessionOpener backed by this connection.
// With pty set every session requests a pseudo-terminal.
func (c *Connection) CommandOpener(pty bool) command.SessionOpener {
	return command.SessionOpenerFunc(func() (command.Session, error) {
		sess, err := c.NewSession()
		if err != nil {
			return nil, err
		}

		if pty {
			if err := sess.RequestPty(ptyTerm, ptyRows, ptyCols, ptyModes); err != nil {
				_ = sess.Close()
				return nil, fmt.Errorf("requesting pty: %w", err)
			}
		}

		pr, pw := io.Pipe()
		sess.Stdout = pw
		sess.Stderr = pw

		return &execSession{
			sess:     sess,
			pr:       pr,
			pw:       pw,
			waitDone: make(chan struct{}),
		}, nil
	})
}

func (s *execSession) Output() io.Reader {
	return s.pr
}

func (s *execSession) Start(cmd string) error {
	if err := s.sess.Start(cmd); err != nil {
		return err
	}

	go func() {
		s.waitErr = translateWaitError(s.sess.Wait())
		_ = s.pw.Close()
		close(s.waitDone)
	}()
	return nil
}

func (s *execSession) Wait() error {
	<-s.waitDone
	return s.waitErr
}

func (s *execSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.pw.CloseWithError(io.ErrClosedPipe)
		err = s.sess.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
	})
	return err
}

// translateWaitError keeps *ssh.ExitError, which reports the exit status,
// and maps a missing status to command.ErrExitStatusMissing.
func translateWaitError(err error) error {
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return fmt.Errorf("%w: %w", command.ErrExitStatusMissing, err)
	}
	return err
}
