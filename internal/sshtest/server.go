// Package sshtest runs an in-process SSH server for tests.
//
// The server accepts password, public key and keyboard-interactive
// authentication as configured, runs commands through a tiny built-in shell
// and serves the sftp subsystem from the local file system.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ExecFunc runs cmd, writing its output to out. closed is closed when the
// client closes the session. It returns the exit status.
type ExecFunc func(cmd string, out io.Writer, closed <-chan struct{}) int

// Options configures a Server. Each auth method is offered only when its
// option is set.
type Options struct {
	// Password enables password authentication.
	Password string

	// AuthorizedKeys enables public key authentication.
	AuthorizedKeys []ssh.PublicKey

	// KeyboardInteractive enables keyboard-interactive authentication.
	KeyboardInteractive func(user string, challenge ssh.KeyboardInteractiveChallenge) bool

	// Exec overrides the built-in shell.
	Exec ExecFunc

	// HostKey is generated when nil.
	HostKey ssh.Signer
}

// Server is an in-process SSH server listening on 127.0.0.1.
type Server struct {
	t        testing.TB
	listener net.Listener
	config   *ssh.ServerConfig
	hostKey  ssh.Signer
	exec     ExecFunc

	mu          sync.Mutex
	accepted    int
	offeredKeys []ssh.PublicKey
	passwords   []string
	commands    []string
	requests    []string
	conns       []net.Conn

	wg sync.WaitGroup
}

// Start starts a server and registers its shutdown with t.Cleanup.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()

	hostKey := opts.HostKey
	if hostKey == nil {
		hostKey = GenerateSigner(t)
	}

	s := &Server{
		t:       t,
		hostKey: hostKey,
		exec:    opts.Exec,
	}
	if s.exec == nil {
		s.exec = Shell
	}

	cfg := &ssh.ServerConfig{MaxAuthTries: -1}
	if opts.Password != "" {
		cfg.PasswordCallback = func(_ ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			s.mu.Lock()
			s.passwords = append(s.passwords, string(password))
			s.mu.Unlock()
			if string(password) == opts.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected")
		}
	}
	if len(opts.AuthorizedKeys) > 0 {
		cfg.PublicKeyCallback = func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			s.mu.Lock()
			s.offeredKeys = append(s.offeredKeys, key)
			s.mu.Unlock()
			for _, k := range opts.AuthorizedKeys {
				if bytes.Equal(k.Marshal(), key.Marshal()) {
					return &ssh.Permissions{}, nil
				}
			}
			return nil, fmt.Errorf("unknown public key")
		}
	}
	if opts.KeyboardInteractive != nil {
		cfg.KeyboardInteractiveCallback = func(conn ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			if opts.KeyboardInteractive(conn.User(), challenge) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("keyboard-interactive rejected")
		}
	}
	cfg.AddHostKey(hostKey)
	s.config = cfg

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("sshtest: listen: %v", err)
	}
	s.listener = l

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)

	return s
}

// Host returns the listen IP.
func (s *Server) Host() string {
	return s.listener.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the listen port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// HostKey returns the server's public host key.
func (s *Server) HostKey() ssh.PublicKey {
	return s.hostKey.PublicKey()
}

// Accepted returns the number of accepted TCP connections.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// OfferedKeys returns every public key the clients offered, in order.
func (s *Server) OfferedKeys() []ssh.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ssh.PublicKey(nil), s.offeredKeys...)
}

// Passwords returns every password the clients tried, in order.
func (s *Server) Passwords() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.passwords...)
}

// Commands returns every command executed, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// GlobalRequests returns the type of every global request received, in
// order.
func (s *Server) GlobalRequests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// DropConnections closes every accepted connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Close stops the server and drops all connections.
func (s *Server) Close() {
	_ = s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.accepted++
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(nc net.Conn) {
	defer s.wg.Done()
	defer func() { _ = nc.Close() }()

	sc, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		return
	}
	defer func() { _ = sc.Close() }()

	go s.handleGlobalRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		s.wg.Add(1)
		go s.handleSession(ch, chReqs)
	}
}

// handleGlobalRequests records global requests and accepts keepalives.
func (s *Server) handleGlobalRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		s.mu.Lock()
		s.requests = append(s.requests, req.Type)
		s.mu.Unlock()
		if req.WantReply {
			_ = req.Reply(req.Type == "keepalive@openssh.com", nil)
		}
	}
}

func (s *Server) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer s.wg.Done()
	defer func() { _ = ch.Close() }()

	closed := make(chan struct{})
	finished := make(chan struct{})
	running := false

	for req := range reqs {
		switch req.Type {
		case "pty-req", "env":
			_ = req.Reply(true, nil)

		case "exec":
			var payload struct{ Command string }
			if running || ssh.Unmarshal(req.Payload, &payload) != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			running = true

			s.mu.Lock()
			s.commands = append(s.commands, payload.Command)
			s.mu.Unlock()

			go func() {
				defer close(finished)
				code := s.exec(payload.Command, ch, closed)
				status := struct{ Status uint32 }{uint32(code)}
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(&status))
				_ = ch.Close()
			}()

		case "subsystem":
			var payload struct{ Name string }
			if running || ssh.Unmarshal(req.Payload, &payload) != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			running = true

			go func() {
				defer close(finished)
				server, err := sftp.NewServer(ch)
				if err != nil {
					_ = ch.Close()
					return
				}
				_ = server.Serve()
				_ = server.Close()
			}()

		default:
			_ = req.Reply(false, nil)
		}
	}

	close(closed)
	if running {
		<-finished
	}
}

// Shell is the built-in command interpreter:
//
//	echo ARGS   prints ARGS and a newline
//	printf ARG  prints ARG
//	false       exits 1
//	exit N      exits N
//	true        exits 0
//	hang        blocks until the session is closed
//
// Anything else prints "command not found" and exits 127.
func Shell(cmd string, out io.Writer, closed <-chan struct{}) int {
	name, args, _ := strings.Cut(strings.TrimSpace(cmd), " ")
	switch name {
	case "echo":
		_, _ = fmt.Fprintln(out, args)
		return 0
	case "printf":
		_, _ = fmt.Fprint(out, args)
		return 0
	case "true":
		return 0
	case "false":
		return 1
	case "exit":
		code, err := strconv.Atoi(args)
		if err != nil {
			return 2
		}
		return code
	case "hang":
		<-closed
		return 0
	default:
		_, _ = fmt.Fprintf(out, "sh: %s: command not found\n", name)
		return 127
	}
}

// GenerateSigner returns a fresh ed25519 signer.
func GenerateSigner(t testing.TB) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("sshtest: generating key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("sshtest: signer: %v", err)
	}
	return signer
}

// WriteKeyFile writes a fresh OpenSSH private key to dir/name, encrypted
// when passphrase is set, and returns its path and public key.
func WriteKeyFile(t testing.TB, dir, name, passphrase string) (string, ssh.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("sshtest: generating key: %v", err)
	}

	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, name)
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, name, []byte(passphrase))
	}
	if err != nil {
		t.Fatalf("sshtest: marshal key: %v", err)
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("sshtest: write key: %v", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("sshtest: public key: %v", err)
	}
	return path, sshPub
}
