package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/term"

	"gitlab.bluewillows.net/root/drbdmc/internal/config"
	"gitlab.bluewillows.net/root/drbdmc/internal/health"
	"gitlab.bluewillows.net/root/drbdmc/internal/metrics"
	"gitlab.bluewillows.net/root/drbdmc/pkg/command"
	"gitlab.bluewillows.net/root/drbdmc/pkg/hosts"
	"gitlab.bluewillows.net/root/drbdmc/pkg/sshutil"
)

// app is the wired console: configuration, host registry and the optional
// health server.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *hosts.Registry
	health   *health.Server
	sink     *consoleSink
	out      io.Writer
}

// consoleSink is the console's command.ConsoleSink. While quiet it drops
// every event, so that output of several hosts is not interleaved.
type consoleSink struct {
	w     *command.WriterSink
	quiet atomic.Bool
}

func (s *consoleSink) CommandStarted(host, cmd string) {
	if !s.quiet.Load() {
		s.w.CommandStarted(host, cmd)
	}
}

func (s *consoleSink) Output(host, chunk string) {
	if !s.quiet.Load() {
		s.w.Output(host, chunk)
	}
}

func (s *consoleSink) CommandFinished(host string) {
	if !s.quiet.Load() {
		s.w.CommandFinished(host)
	}
}

func (s *consoleSink) Cancelled(host string) {
	if !s.quiet.Load() {
		s.w.Cancelled(host)
	}
}

func (s *consoleSink) NextCommand(host string) {
	if !s.quiet.Load() {
		s.w.NextCommand(host)
	}
}

// newApp loads the configuration and registers every configured host.
// Console output goes to out, logs to errOut.
func newApp(ctx context.Context, opts *rootOptions, out, errOut io.Writer) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	logger := setupLogger(cfg.Global.LogLevel, cfg.Global.LogFormat, errOut)
	slog.SetDefault(logger)

	metrics.SetBuildInfo(Version, runtime.Version())

	logger.Debug("drbdmc starting",
		slog.String("version", Version),
		slog.String("build_date", BuildDate),
		slog.String("go_version", runtime.Version()),
		slog.Int("hosts", len(cfg.Hosts)),
	)

	sink := &consoleSink{w: command.NewWriterSink(out)}

	regOpts := []hosts.Option{
		hosts.WithLogger(logger),
		hosts.WithSink(sink),
		hosts.WithPrompter(newPrompter(errOut)),
		hosts.WithHostKeyStore(sshutil.NewKnownHostsStore(expandHome(cfg.Global.KnownHosts))),
		hosts.WithPTY(cfg.Global.PTY),
		hosts.WithReadTimeout(cfg.Global.CommandTimeout),
		hosts.WithDryRunConfigPath(cfg.Global.DryRunConfigPath),
	}

	if cfg.Global.Nameserver != "" {
		res, err := hosts.NewResolver(cfg.Global.Nameserver, hosts.WithResolverLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("creating resolver: %w", err)
		}
		regOpts = append(regOpts, hosts.WithResolver(res))
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: hosts.NewRegistry(regOpts...),
		sink:     sink,
		out:      out,
	}

	sshConfigs, err := cfg.SSHConfigs()
	if err != nil {
		return nil, err
	}
	for _, hc := range cfg.Hosts {
		if _, err := a.registry.Register(ctx, hc.Name, sshConfigs[hc.Name]); err != nil {
			_ = a.registry.Close()
			return nil, fmt.Errorf("registering host %s: %w", hc.Name, err)
		}
	}

	if cfg.Global.MetricsPort > 0 {
		a.health = health.New(cfg.Global.MetricsPort, health.WithLogger(logger))
		for _, h := range a.registry.All() {
			a.health.RegisterConnection(h.Name(), h.Connection())
		}
		if err := a.health.Start(); err != nil {
			_ = a.registry.Close()
			return nil, fmt.Errorf("starting health server: %w", err)
		}
	}

	return a, nil
}

// close disconnects all hosts and stops the health server.
func (a *app) close() {
	if err := a.registry.Close(); err != nil {
		a.logger.Warn("closing hosts", slog.String("error", err.Error()))
	}

	if a.health != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.health.Shutdown(ctx); err != nil {
			a.logger.Warn("health server shutdown error", slog.String("error", err.Error()))
		}
	}
}

// newPrompter prompts on the terminal when stdin is one.
func newPrompter(out io.Writer) sshutil.Prompter {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return sshutil.NewTerminalPrompter(os.Stdin, out)
	}
	return sshutil.NoPrompter{}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
