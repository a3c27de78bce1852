package hosts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gitlab.bluewillows.net/root/drbdmc/internal/matcher"
	"gitlab.bluewillows.net/root/drbdmc/internal/metrics"
	"gitlab.bluewillows.net/root/drbdmc/pkg/command"
	"gitlab.bluewillows.net/root/drbdmc/pkg/runner"
	"gitlab.bluewillows.net/root/drbdmc/pkg/sshutil"
)

// Sentinel errors for registry operations.
var (
	// ErrUnknownHost is returned when no host is registered under a name.
	ErrUnknownHost = errors.New("unknown host")

	// ErrHostExists is returned when a name is registered twice.
	ErrHostExists = errors.New("host already registered")
)

// Host is one cluster node together with its connection, its command cache
// and the runner that serves its commands.
type Host struct {
	name   string
	conn   *sshutil.Connection
	cache  *command.Cache
	exec   *command.Executor
	runner *runner.Runner
	logger *slog.Logger
}

// Name returns the name the host was registered under.
func (h *Host) Name() string {
	return h.name
}

// Connection returns the host's SSH connection.
func (h *Host) Connection() *sshutil.Connection {
	return h.conn
}

// Cache returns the host's command cache.
func (h *Host) Cache() *command.Cache {
	return h.cache
}

// Executor returns the host's command executor.
func (h *Host) Executor() *command.Executor {
	return h.exec
}

// Runner returns the host's command runner.
func (h *Host) Runner() *runner.Runner {
	return h.runner
}

// FileSystem returns a new SFTP file system over the host's connection. The
// caller connects and closes it.
func (h *Host) FileSystem() *sshutil.SFTPFileSystem {
	return sshutil.NewSFTPFileSystem(h.conn, sshutil.WithSFTPLogger(h.logger))
}

// Registry holds the registered hosts and the state they share: the single
// dry-run slot, the console sink, host key trust and the prompter.
type Registry struct {
	mu    sync.RWMutex
	hosts map[string]*Host
	order []string

	slot             *command.DryRunSlot
	sink             command.ConsoleSink
	prompter         sshutil.Prompter
	hostKeys         sshutil.HostKeyStore
	resolver         *Resolver
	pty              bool
	readTimeout      time.Duration
	dryRunConfigPath string
	logger           *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger for the registry and the hosts it creates.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithSink sets the console sink shared by all hosts.
func WithSink(sink command.ConsoleSink) Option {
	return func(r *Registry) {
		if sink != nil {
			r.sink = sink
		}
	}
}

// WithDryRunSlot sets the dry-run slot shared by all hosts.
func WithDryRunSlot(slot *command.DryRunSlot) Option {
	return func(r *Registry) {
		if slot != nil {
			r.slot = slot
		}
	}
}

// WithPrompter sets the prompter used for credentials and host keys.
func WithPrompter(p sshutil.Prompter) Option {
	return func(r *Registry) {
		if p != nil {
			r.prompter = p
		}
	}
}

// WithHostKeyStore sets the host key store shared by all hosts.
func WithHostKeyStore(store sshutil.HostKeyStore) Option {
	return func(r *Registry) {
		if store != nil {
			r.hostKeys = store
		}
	}
}

// WithResolver enables DNS lookup of host names registered without an
// address.
func WithResolver(res *Resolver) Option {
	return func(r *Registry) {
		r.resolver = res
	}
}

// WithPTY controls whether command sessions request a pseudo-terminal.
func WithPTY(pty bool) Option {
	return func(r *Registry) {
		r.pty = pty
	}
}

// WithReadTimeout sets the per-command read timeout.
func WithReadTimeout(timeout time.Duration) Option {
	return func(r *Registry) {
		if timeout > 0 {
			r.readTimeout = timeout
		}
	}
}

// WithDryRunConfigPath sets the default alternate config path for dry runs.
// A path in a host's own config takes precedence.
func WithDryRunConfigPath(path string) Option {
	return func(r *Registry) {
		if path != "" {
			r.dryRunConfigPath = path
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		hosts:            make(map[string]*Host),
		order:            make([]string, 0),
		slot:             command.NewDryRunSlot(),
		sink:             command.NopSink{},
		prompter:         sshutil.NoPrompter{},
		hostKeys:         sshutil.NewMemoryHostKeyStore(),
		pty:              true,
		readTimeout:      command.DefaultReadTimeout,
		dryRunConfigPath: command.DefaultDryRunConfigPath,
		logger:           slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// DryRunSlot returns the dry-run slot shared by all hosts.
func (r *Registry) DryRunSlot() *command.DryRunSlot {
	return r.slot
}

// Register creates a host named name from cfg. When cfg has no address the
// name is used, resolved through DNS if a resolver is configured. The
// returned host is disconnected; its first command connects it.
func (r *Registry) Register(ctx context.Context, name string, cfg *sshutil.Config) (*Host, error) {
	if name == "" {
		return nil, errors.New("host name is required")
	}
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	r.mu.RLock()
	_, exists := r.hosts[name]
	r.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrHostExists, name)
	}

	cfg = r.withAddress(ctx, name, cfg)

	conn, err := sshutil.NewConnection(cfg,
		sshutil.WithName(name),
		sshutil.WithLogger(r.logger),
		sshutil.WithPrompter(r.prompter),
		sshutil.WithHostKeyStore(r.hostKeys),
		sshutil.WithObserver(metrics.ConnectionObserver{}),
		sshutil.WithReadyNotifier(r.sink),
	)
	if err != nil {
		return nil, fmt.Errorf("creating connection for %s: %w", name, err)
	}

	dryRunPath := cfg.DryRunConfigPath
	if dryRunPath == "" {
		dryRunPath = r.dryRunConfigPath
	}

	cache := command.NewCache()
	exec := command.NewExecutor(conn.Host(), conn.CommandOpener(r.pty),
		command.WithLogger(r.logger),
		command.WithCache(cache),
		command.WithDryRunSlot(r.slot),
		command.WithSink(r.sink),
		command.WithDryRunConfigPath(dryRunPath),
		command.WithReadTimeout(r.readTimeout),
	)

	h := &Host{
		name:   name,
		conn:   conn,
		cache:  cache,
		exec:   exec,
		runner: runner.New(conn, exec, runner.WithLogger(r.logger)),
		logger: r.logger,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.hosts[name]; ok {
		h.runner.Close()
		return nil, fmt.Errorf("%w: %s", ErrHostExists, name)
	}
	r.hosts[name] = h
	r.order = append(r.order, name)
	metrics.HostsRegistered.Set(float64(len(r.hosts)))

	r.logger.Info("host registered",
		slog.String("name", name),
		slog.String("address", cfg.Address()),
		slog.String("user", cfg.User()),
	)

	return h, nil
}

// withAddress fills in the address of cfg from name. A resolver failure is
// logged and the bare name is kept so the dialer can still try it.
func (r *Registry) withAddress(ctx context.Context, name string, cfg *sshutil.Config) *sshutil.Config {
	if cfg.Host != "" {
		return cfg
	}

	c := *cfg
	c.Host = name
	if r.resolver == nil {
		return &c
	}

	addrs, err := r.resolver.LookupHost(ctx, name)
	if err != nil {
		r.logger.Warn("host address lookup failed",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
		return &c
	}

	c.Host = addrs[0]
	r.logger.Debug("host address resolved",
		slog.String("name", name),
		slog.String("address", c.Host),
		slog.Int("candidates", len(addrs)),
	)
	return &c
}

// Get returns a host by name.
func (r *Registry) Get(name string) (*Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hosts[name]
	return h, ok
}

// All returns all hosts in registration order.
func (r *Registry) All() []*Host {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hosts := make([]*Host, 0, len(r.order))
	for _, name := range r.order {
		if h, ok := r.hosts[name]; ok {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// Select returns the hosts named by names, or all hosts when names is
// empty. An entry is a host name, a glob pattern ("node-*") selecting every
// matching host in registration order, or "!pattern" removing hosts from the
// result. Exclusions alone start from all hosts. A name or include pattern
// that selects nothing is an error.
func (r *Registry) Select(names []string) ([]*Host, error) {
	if len(names) == 0 {
		return r.All(), nil
	}

	var includes, excludes []string
	for _, name := range names {
		if pattern, ok := strings.CutPrefix(name, "!"); ok {
			excludes = append(excludes, pattern)
			continue
		}
		includes = append(includes, name)
	}
	if len(includes) == 0 {
		includes = []string{"*"}
	}

	var exclude *matcher.HostMatcher
	if len(excludes) > 0 {
		m, err := matcher.New(matcher.Config{Includes: excludes})
		if err != nil {
			return nil, err
		}
		exclude = m
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	hosts := make([]*Host, 0, len(includes))
	add := func(name string) {
		if seen[name] || (exclude != nil && exclude.Match(name)) {
			return
		}
		seen[name] = true
		hosts = append(hosts, r.hosts[name])
	}

	for _, name := range includes {
		if !matcher.IsPattern(name) {
			if _, ok := r.hosts[name]; !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownHost, name)
			}
			add(name)
			continue
		}

		m, err := matcher.New(matcher.Config{Includes: []string{name}})
		if err != nil {
			return nil, err
		}
		matched := false
		for _, candidate := range r.order {
			if m.Match(candidate) {
				matched = true
				add(candidate)
			}
		}
		if !matched {
			return nil, fmt.Errorf("%w: no host matches %s", ErrUnknownHost, name)
		}
	}
	return hosts, nil
}

// Disconnect closes the connection of a host for good and drops its cached
// command output. The next explicit Connect or ForceReconnect revives it.
func (r *Registry) Disconnect(name string) error {
	h, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHost, name)
	}

	h.cache.Clear()
	if err := h.conn.Disconnect(true); err != nil {
		return fmt.Errorf("disconnecting %s: %w", name, err)
	}

	r.logger.Info("host disconnected", slog.String("name", name))
	return nil
}

// Close stops every runner, disconnects every host and empties the
// registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	hosts := make([]*Host, 0, len(r.order))
	for _, name := range r.order {
		hosts = append(hosts, r.hosts[name])
	}
	r.hosts = make(map[string]*Host)
	r.order = r.order[:0]
	metrics.HostsRegistered.Set(0)
	r.mu.Unlock()

	var errs []error
	for _, h := range hosts {
		h.runner.Close()
		h.cache.Clear()
		if err := h.conn.Disconnect(true); err != nil {
			errs = append(errs, fmt.Errorf("disconnecting %s: %w", h.name, err))
		}
	}

	return errors.Join(errs...)
}
