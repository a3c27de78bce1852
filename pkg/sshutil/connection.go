package sshutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
)

// Sentinel errors for SSH operations.
var (
	// ErrNotConnected is returned when an operation is attempted on a disconnected host.
	ErrNotConnected = errors.New("ssh client is not connected")

	// ErrNoAuthMethods is returned when every authentication method failed
	// or was given up for the current connect call.
	ErrNoAuthMethods = errors.New("no supported authentication methods available")

	// ErrHostKeyRejected is returned when the server host key was not trusted.
	ErrHostKeyRejected = errors.New("host key verification failed")

	// ErrDisconnectedForGood is returned by Reconnect after Disconnect(true).
	ErrDisconnectedForGood = errors.New("host was disconnected for good")

	// ErrConnectionCancelled is returned when a connect attempt was cancelled.
	ErrConnectionCancelled = errors.New("connection cancelled")

	// ErrConnectionTimeout is returned when the TCP connect times out.
	ErrConnectionTimeout = errors.New("ssh connection timed out")
)

// State is the lifecycle state of a Connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of a connect call.
type Outcome int

const (
	OutcomeAlreadyConnected Outcome = iota
	OutcomeAuthenticated
	OutcomeCancelled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAlreadyConnected:
		return "already_connected"
	case OutcomeAuthenticated:
		return "authenticated"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnectionCallback is notified once when a connect call completes.
type ConnectionCallback interface {
	Done()
	DoneError(msg string)
}

// Observer receives connection lifecycle events. Methods are called with
// internal locks held and must not call back into the Connection.
type Observer interface {
	StateChanged(host string, state State)
	AttemptFinished(host string, outcome Outcome)
}

// ReadyNotifier is told when a host becomes ready for commands.
type ReadyNotifier interface {
	NextCommand(host string)
}

// Connection owns the single authenticated SSH transport to one host.
// At most one connect attempt runs at a time; concurrent callers join it.
type Connection struct {
	config   *Config
	name     string
	auth     *Authenticator
	hostKeys HostKeyStore
	logger   *slog.Logger
	observer Observer
	ready    ReadyNotifier

	connected atomic.Bool

	mu            sync.Mutex
	state         State
	client        *ssh.Client
	attempt       *connectAttempt
	forGood       bool
	stopKeepalive context.CancelFunc
}

type connectAttempt struct {
	done    chan struct{}
	ctx     context.Context //nolint:containedctx // attempt lifetime
	cancel  context.CancelFunc
	outcome Outcome
	err     error

	// guarded by Connection.mu
	cancelled bool
	netConn   net.Conn
	callbacks []ConnectionCallback
}

// ConnectionOption is a functional option for configuring the Connection.
type ConnectionOption func(*Connection)

// WithLogger sets a custom logger for the connection.
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPrompter sets the prompter used for secrets and host keys.
func WithPrompter(p Prompter) ConnectionOption {
	return func(c *Connection) {
		if p != nil {
			c.auth.prompter = p
		}
	}
}

// WithHostKeyStore sets the host key trust store.
func WithHostKeyStore(store HostKeyStore) ConnectionOption {
	return func(c *Connection) {
		if store != nil {
			c.hostKeys = store
		}
	}
}

// WithName sets the display name of the connection.
func WithName(name string) ConnectionOption {
	return func(c *Connection) {
		c.name = name
	}
}

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) ConnectionOption {
	return func(c *Connection) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithReadyNotifier sets who is told when the host becomes ready.
func WithReadyNotifier(n ReadyNotifier) ConnectionOption {
	return func(c *Connection) {
		if n != nil {
			c.ready = n
		}
	}
}

// NewConnection creates a disconnected Connection for config.
func NewConnection(config *Config, opts ...ConnectionOption) (*Connection, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Connection{
		config:   config,
		hostKeys: NewMemoryHostKeyStore(),
		logger:   slog.Default(),
	}
	c.auth = NewAuthenticator(config, NoPrompter{}, nil)

	for _, opt := range opts {
		opt(c)
	}
	c.auth.logger = c.logger

	return c, nil
}

// Host returns the name the connection is known by: the name given with
// WithName, or else the configured host. Logs, metrics and ready events use
// it; dialing always uses the configured host.
func (c *Connection) Host() string {
	if c.name != "" {
		return c.name
	}
	return c.config.Host
}

// Config returns the connection configuration.
func (c *Connection) Config() *Config {
	return c.config
}

// IsConnected reports whether an authenticated transport is live.
func (c *Connection) IsConnected() bool {
	return c.connected.Load()
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Credential returns the remembered credential.
func (c *Connection) Credential() Credential {
	return c.auth.Credential()
}

// ClearCredential forgets the remembered credential so the next connect
// goes through every method again.
func (c *Connection) ClearCredential() {
	c.auth.ClearCredential()
}

// Notes returns notes recorded by the authenticator.
func (c *Connection) Notes() []string {
	return c.auth.Notes()
}

// Connect authenticates to the host unless already connected. A call made
// while another attempt is running waits for that attempt; a cancelled
// attempt is waited out and followed by a new one. ctx only bounds
// the wait; use CancelConnection to abandon the attempt itself. cb may be nil.
func (c *Connection) Connect(ctx context.Context, cb ConnectionCallback) (Outcome, error) {
	c.mu.Lock()
	c.forGood = false
	return c.connectLocked(ctx, cb, false)
}

// Reconnect waits for a running attempt and, if that leaves the host not
// connected, starts a fresh one. It refuses after Disconnect(true).
func (c *Connection) Reconnect(ctx context.Context, cb ConnectionCallback) (Outcome, error) {
	c.mu.Lock()
	if c.forGood {
		c.mu.Unlock()
		if cb != nil {
			cb.DoneError(ErrDisconnectedForGood.Error())
		}
		return OutcomeFailed, ErrDisconnectedForGood
	}
	return c.connectLocked(ctx, cb, true)
}

// ForceReconnect drops the live transport and connects again.
func (c *Connection) ForceReconnect(ctx context.Context, cb ConnectionCallback) (Outcome, error) {
	c.mu.Lock()
	c.forGood = false
	if c.attempt == nil {
		_ = c.closeClientLocked()
	}
	return c.connectLocked(ctx, cb, false)
}

// connectLocked is called with c.mu held and releases it. A running attempt
// is joined unless it was cancelled; a cancelled one is waited out and then
// replaced. With retry set, a joined attempt that did not connect is
// followed by one fresh attempt.
func (c *Connection) connectLocked(ctx context.Context, cb ConnectionCallback, retry bool) (Outcome, error) {
	for {
		if c.client != nil {
			c.mu.Unlock()
			if cb != nil {
				cb.Done()
			}
			return OutcomeAlreadyConnected, nil
		}

		att := c.attempt
		if att == nil {
			return c.awaitLocked(ctx, c.startAttemptLocked(), cb)
		}
		if !att.cancelled && !retry {
			c.logger.Debug("joining running connect attempt", slog.String("host", c.Host()))
			return c.awaitLocked(ctx, att, cb)
		}

		c.mu.Unlock()
		c.logger.Debug("waiting for previous connect attempt", slog.String("host", c.Host()))
		select {
		case <-att.done:
		case <-ctx.Done():
			if cb != nil {
				cb.DoneError(ctx.Err().Error())
			}
			return OutcomeCancelled, ctx.Err()
		}

		c.mu.Lock()
		if att.outcome == OutcomeAuthenticated && c.client != nil {
			c.mu.Unlock()
			if cb != nil {
				cb.Done()
			}
			return OutcomeAuthenticated, nil
		}
		if retry && c.forGood {
			c.mu.Unlock()
			if cb != nil {
				cb.DoneError(ErrDisconnectedForGood.Error())
			}
			return OutcomeFailed, ErrDisconnectedForGood
		}
		retry = false
	}
}

// awaitLocked registers cb with att, releases c.mu and waits for att.
func (c *Connection) awaitLocked(ctx context.Context, att *connectAttempt, cb ConnectionCallback) (Outcome, error) {
	if cb != nil {
		att.callbacks = append(att.callbacks, cb)
	}
	c.mu.Unlock()

	select {
	case <-att.done:
		return att.outcome, att.err
	case <-ctx.Done():
		return OutcomeCancelled, ctx.Err()
	}
}

func (c *Connection) startAttemptLocked() *connectAttempt {
	ctx, cancel := context.WithCancel(context.Background())
	att := &connectAttempt{
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	c.attempt = att
	c.setStateLocked(StateConnecting)

	go c.run(att)
	return att
}

// run performs one connect attempt on its own goroutine.
func (c *Connection) run(att *connectAttempt) {
	defer att.cancel()

	client, err := c.dial(att)

	c.mu.Lock()
	c.attempt = nil
	switch {
	case att.cancelled:
		if client != nil {
			_ = client.Close()
		}
		att.outcome, att.err = OutcomeCancelled, ErrConnectionCancelled
		c.setStateLocked(StateDisconnected)
	case err != nil:
		att.outcome, att.err = OutcomeFailed, err
		c.setStateLocked(StateFailed)
	default:
		att.outcome = OutcomeAuthenticated
		c.client = client
		c.connected.Store(true)
		c.setStateLocked(StateAuthenticated)
		c.startKeepaliveLocked(client)
		go c.watch(client)
	}
	callbacks := att.callbacks
	att.callbacks = nil
	if c.observer != nil {
		c.observer.AttemptFinished(c.Host(), att.outcome)
	}
	c.mu.Unlock()

	close(att.done)

	switch att.outcome {
	case OutcomeAuthenticated:
		c.logger.Info("SSH connection established",
			slog.String("host", c.Host()),
			slog.String("address", c.config.Address()),
			slog.String("user", c.config.User()),
		)
		if c.ready != nil {
			c.ready.NextCommand(c.Host())
		}
		for _, cb := range callbacks {
			cb.Done()
		}
	case OutcomeFailed:
		c.logger.Warn("SSH connection failed",
			slog.String("host", c.Host()),
			slog.String("error", att.err.Error()),
		)
		for _, cb := range callbacks {
			cb.DoneError(att.err.Error())
		}
	case OutcomeCancelled:
		// Callers that joined after CancelConnection.
		for _, cb := range callbacks {
			cb.DoneError(att.err.Error())
		}
	}
}

// dial opens the transport and authenticates.
func (c *Connection) dial(att *connectAttempt) (*ssh.Client, error) {
	addr := c.config.Address()
	timeout := c.config.GetTimeout()

	c.logger.Debug("connecting to SSH server",
		slog.String("host", c.Host()),
		slog.String("address", addr),
		slog.String("user", c.config.User()),
	)

	dialCtx, dialCancel := context.WithTimeout(att.ctx, timeout)
	defer dialCancel()

	dialer := &net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrConnectionTimeout
		}
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	c.mu.Lock()
	if att.cancelled {
		c.mu.Unlock()
		_ = netConn.Close()
		return nil, ErrConnectionCancelled
	}
	att.netConn = netConn
	c.setStateLocked(StateAuthenticating)
	c.mu.Unlock()

	auth := c.auth.newAttempt()
	var rejected error
	sshConfig := &ssh.ClientConfig{
		User:            c.config.User(),
		Auth:            auth.methods(),
		HostKeyCallback: hostKeyCallback(c.hostKeys, c.auth.prompter, &rejected),
		Timeout:         timeout,
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, sshConfig)
	if err != nil {
		_ = netConn.Close()
		switch {
		case rejected != nil:
			return nil, rejected
		case isAuthError(err):
			return nil, fmt.Errorf("%w: %w", ErrNoAuthMethods, err)
		default:
			return nil, fmt.Errorf("SSH handshake failed: %w", err)
		}
	}

	cred := auth.succeeded()
	c.logger.Debug("authenticated",
		slog.String("host", c.Host()),
		slog.String("credential", cred.Kind.String()),
	)

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// watch marks the connection as dropped when the transport closes.
func (c *Connection) watch(client *ssh.Client) {
	err := client.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != client {
		return
	}
	c.client = nil
	c.connected.Store(false)
	if c.stopKeepalive != nil {
		c.stopKeepalive()
		c.stopKeepalive = nil
	}
	c.setStateLocked(StateDisconnected)

	attrs := []any{slog.String("host", c.Host())}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	c.logger.Warn("SSH connection lost", attrs...)
}

// CancelConnection abandons the running connect attempt. Callbacks of the
// attempt get DoneError right away; a transport that still completes is
// closed immediately. It reports whether an attempt was running.
func (c *Connection) CancelConnection() bool {
	c.mu.Lock()
	att := c.attempt
	if att == nil || att.cancelled {
		c.mu.Unlock()
		return false
	}
	att.cancelled = true
	att.cancel()
	if att.netConn != nil {
		_ = att.netConn.Close()
	}
	callbacks := att.callbacks
	att.callbacks = nil
	c.mu.Unlock()

	c.logger.Info("connection cancelled", slog.String("host", c.Host()))
	for _, cb := range callbacks {
		cb.DoneError(ErrConnectionCancelled.Error())
	}
	return true
}

// Disconnect closes the transport. With forGood set, Reconnect is refused
// until the next explicit Connect or ForceReconnect.
func (c *Connection) Disconnect(forGood bool) error {
	c.CancelConnection()

	c.mu.Lock()
	defer c.mu.Unlock()

	if forGood {
		c.forGood = true
	}
	err := c.closeClientLocked()
	c.setStateLocked(StateDisconnected)
	return err
}

func (c *Connection) closeClientLocked() error {
	if c.stopKeepalive != nil {
		c.stopKeepalive()
		c.stopKeepalive = nil
	}

	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil
	c.connected.Store(false)

	c.logger.Debug("SSH connection closed",
		slog.String("host", c.Host()),
	)

	return err
}

// Client returns the underlying SSH client.
// The client should not be closed directly; use Disconnect instead.
func (c *Connection) Client() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, ErrNotConnected
	}

	return c.client, nil
}

// NewSession opens a session on the live transport.
func (c *Connection) NewSession() (*ssh.Session, error) {
	client, err := c.Client()
	if err != nil {
		return nil, err
	}

	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}
	return sess, nil
}

func (c *Connection) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.observer != nil {
		c.observer.StateChanged(c.Host(), s)
	}
}

func (c *Connection) startKeepaliveLocked(client *ssh.Client) {
	interval := c.config.GetKeepaliveInterval()
	if interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.stopKeepalive = cancel
	go c.keepalive(ctx, client, interval)
}

// keepalive sends periodic keepalive messages to maintain the connection.
func (c *Connection) keepalive(ctx context.Context, client *ssh.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Send a global request as keepalive
			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			if err != nil {
				c.logger.Warn("keepalive failed",
					slog.String("host", c.Host()),
					slog.String("error", err.Error()),
				)
				// Don't close here - the watcher notices a dead transport
			}
		}
	}
}
