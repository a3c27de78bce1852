package sshutil

import (
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"gitlab.bluewillows.net/root/drbdmc/internal/sshtest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptPrompter answers prompts from fixed lists. An exhausted list
// answers with the empty string.
type scriptPrompter struct {
	mu          sync.Mutex
	passphrases []string
	passwords   []string
	answers     []string
	hostKey     HostKeyDecision

	passphraseCalls int
	passwordCalls   int
	challengeCalls  int
	hostKeyCalls    int
	changed         []bool

	// When block is set, Password signals entered and waits for block.
	block   chan struct{}
	entered chan struct{}
}

func pop(list *[]string) string {
	if len(*list) == 0 {
		return ""
	}
	v := (*list)[0]
	*list = (*list)[1:]
	return v
}

func (p *scriptPrompter) Passphrase(string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.passphraseCalls++
	return pop(&p.passphrases), nil
}

func (p *scriptPrompter) Password(string, string) (string, error) {
	if p.block != nil {
		select {
		case p.entered <- struct{}{}:
		default:
		}
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.passwordCalls++
	return pop(&p.passwords), nil
}

func (p *scriptPrompter) Challenge(string, string, string, bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.challengeCalls++
	return pop(&p.answers), nil
}

func (p *scriptPrompter) ConfirmHostKey(_ string, _ string, changed bool) HostKeyDecision {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hostKeyCalls++
	p.changed = append(p.changed, changed)
	return p.hostKey
}

func (p *scriptPrompter) counts() (passphrase, password, challenge, hostKey int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.passphraseCalls, p.passwordCalls, p.challengeCalls, p.hostKeyCalls
}

// recordingCallback records connection callbacks.
type recordingCallback struct {
	mu     sync.Mutex
	done   int
	errors []string
}

func (r *recordingCallback) Done() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done++
}

func (r *recordingCallback) DoneError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, msg)
}

func (r *recordingCallback) snapshot() (int, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done, append([]string(nil), r.errors...)
}

// testConfig returns a config pointing at srv that reads no real key files.
func testConfig(t *testing.T, srv *sshtest.Server) *Config {
	t.Helper()
	return &Config{
		Host:              srv.Host(),
		Port:              srv.Port(),
		Users:             []string{"root"},
		KeyFiles:          []string{filepath.Join(t.TempDir(), "absent")},
		Timeout:           5 * time.Second,
		KeepaliveInterval: -1,
	}
}

// trustedStore returns a memory store that already trusts srv.
func trustedStore(t *testing.T, srv *sshtest.Server) *MemoryHostKeyStore {
	t.Helper()
	store := NewMemoryHostKeyStore()
	if err := store.Remember(serverHostname(srv), nil, srv.HostKey()); err != nil {
		t.Fatalf("Remember() error = %v", err)
	}
	return store
}

func serverHostname(srv *sshtest.Server) string {
	return net.JoinHostPort(srv.Host(), strconv.Itoa(srv.Port()))
}

func newTestConnection(t *testing.T, cfg *Config, prompter Prompter, store HostKeyStore, opts ...ConnectionOption) *Connection {
	t.Helper()
	opts = append([]ConnectionOption{
		WithLogger(testLogger()),
		WithPrompter(prompter),
		WithHostKeyStore(store),
	}, opts...)
	conn, err := NewConnection(cfg, opts...)
	if err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Disconnect(true) })
	return conn
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
