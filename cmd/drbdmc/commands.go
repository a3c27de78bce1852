package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gitlab.bluewillows.net/root/drbdmc/pkg/cmdtemplate"
	"gitlab.bluewillows.net/root/drbdmc/pkg/command"
	"gitlab.bluewillows.net/root/drbdmc/pkg/hosts"
)

// withApp runs fn with a wired app and a context cancelled on SIGINT or
// SIGTERM.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	return fn(ctx, a)
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var cacheable bool

	cmd := &cobra.Command{
		Use:   "run -- COMMAND",
		Short: "Run a command on the selected hosts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				return a.runOnHosts(ctx, opts.hosts, command.Request{
					Command:   strings.Join(args, " "),
					Mode:      command.ModeNormal,
					Cacheable: cacheable,
				})
			})
		},
	}

	cmd.Flags().BoolVar(&cacheable, "cache", false, "serve and store the result in the host cache")
	return cmd
}

func newDryRunCmd(opts *rootOptions) *cobra.Command {
	var (
		stageConfig   string
		cleanupConfig bool
	)

	cmd := &cobra.Command{
		Use:   "dry-run -- COMMAND",
		Short: "Simulate a drbdadm command against the dry-run config",
		Long: "Runs COMMAND with " + command.DryRunToken + " replaced by the simulate flag and " +
			command.DryRunConfigToken + " by the dry-run config path. Commands without " +
			command.DryRunToken + " are refused.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if stageConfig != "" {
					if err := a.stageDryRunConfig(ctx, opts.hosts, stageConfig); err != nil {
						return err
					}
				}
				runErr := a.runOnHosts(ctx, opts.hosts, command.Request{
					Command: strings.Join(args, " "),
					Mode:    command.ModeDryRun,
				})
				if !cleanupConfig {
					return runErr
				}
				if err := a.removeDryRunConfig(ctx, opts.hosts); err != nil && runErr == nil {
					return err
				}
				return runErr
			})
		},
	}

	cmd.Flags().StringVar(&stageConfig, "stage-config", "", "upload this local file as the dry-run config first")
	cmd.Flags().BoolVar(&cleanupConfig, "cleanup-config", false, "remove the dry-run config from the hosts afterwards")
	return cmd
}

func newDRBDCmd(opts *rootOptions) *cobra.Command {
	var (
		volume string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "drbd ACTION RESOURCE",
		Short: "Run a drbdadm action for a resource",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := cmdtemplate.DRBD(cmdtemplate.DRBDAction(args[0]), args[1], volume)
			if err != nil {
				return err
			}

			mode := command.ModeNormal
			if dryRun {
				mode = command.ModeDryRun
			}

			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				return a.runOnHosts(ctx, opts.hosts, command.Request{Command: text, Mode: mode})
			})
		},
	}

	cmd.Flags().StringVar(&volume, "volume", "", "volume number within the resource")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "simulate the action")
	return cmd
}

func newCIBCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cib",
		Short: "Print the Pacemaker CIB of the selected hosts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				return a.runOnHosts(ctx, opts.hosts, command.Request{
					Command:   cmdtemplate.CIBQuery(),
					Cacheable: true,
				})
			})
		},
	}
}

func newConsoleCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Read commands from stdin and run them on the selected hosts",
		Long: "Each input line is run on the selected hosts. A line starting with " +
			"\"dry-run \" is simulated. \"exit\" or \"quit\" ends the session.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				return a.console(ctx, cmd.InOrStdin(), opts.hosts)
			})
		},
	}
}

func newHostsCmd(opts *rootOptions) *cobra.Command {
	var (
		connect bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "List the configured hosts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				selected, err := a.registry.Select(opts.hosts)
				if err != nil {
					return err
				}
				a.sink.quiet.Store(true)
				if connect {
					a.connectAll(ctx, selected, timeout)
				}
				for _, h := range selected {
					_, _ = fmt.Fprintf(a.out, "%s\t%s\t%s\n", h.Name(), h.Connection().Config().Host, h.Connection().State())
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&connect, "connect", false, "connect to each host before listing")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "connect timeout per host")
	return cmd
}

// runOnHosts runs req on every selected host concurrently. A single host
// streams its output through the console sink; with several hosts each
// host's output is printed prefixed once it has finished.
func (a *app) runOnHosts(ctx context.Context, names []string, req command.Request) error {
	selected, err := a.registry.Select(names)
	if err != nil {
		return err
	}

	streaming := len(selected) == 1
	a.sink.quiet.Store(!streaming)
	req.OutputVisible = streaming
	req.CommandVisible = streaming

	results := make([]command.Result, len(selected))
	var wg sync.WaitGroup
	for i, h := range selected {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.Runner().RunSync(ctx, req)
		}()
	}
	wg.Wait()

	failed := 0
	for i, h := range selected {
		res := results[i]
		if !streaming {
			printPrefixed(a.out, h.Name(), res.Output)
		}
		if res.Succeeded() {
			continue
		}
		failed++
		a.reportFailure(h, res)
	}

	switch {
	case failed == 0:
		return nil
	case streaming && results[0].Err == nil:
		return &exitError{code: results[0].ExitCode}
	default:
		return &exitError{code: 1}
	}
}

func (a *app) reportFailure(h *hosts.Host, res command.Result) {
	attrs := []any{
		slog.String("host", h.Name()),
		slog.Int("exit_code", res.ExitCode),
	}
	if res.Err != nil {
		attrs = append(attrs, slog.String("error", res.Err.Error()))
	}
	a.logger.Error("command failed", attrs...)
}

// stageDryRunConfig uploads the local file to each selected host's dry-run
// config path.
func (a *app) stageDryRunConfig(ctx context.Context, names []string, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("reading dry-run config: %w", err)
	}

	selected, err := a.registry.Select(names)
	if err != nil {
		return err
	}

	for _, h := range selected {
		if err := h.Runner().StageDryRunConfig(ctx, h.FileSystem(), a.dryRunConfigPath(h.Name()), data); err != nil {
			return fmt.Errorf("host %s: %w", h.Name(), err)
		}
	}
	return nil
}

// removeDryRunConfig deletes the dry-run config from each selected host. Every
// host is tried; the first failure is returned.
func (a *app) removeDryRunConfig(ctx context.Context, names []string) error {
	selected, err := a.registry.Select(names)
	if err != nil {
		return err
	}

	var first error
	for _, h := range selected {
		path := a.dryRunConfigPath(h.Name())
		removed, err := h.Runner().RemoveDryRunConfig(ctx, h.FileSystem(), path)
		if err != nil {
			a.logger.Error("removing dry-run config failed",
				slog.String("host", h.Name()),
				slog.String("error", err.Error()),
			)
			if first == nil {
				first = fmt.Errorf("host %s: %w", h.Name(), err)
			}
			continue
		}
		if removed {
			a.logger.Debug("dry-run config removed", slog.String("host", h.Name()), slog.String("path", path))
		}
	}
	return first
}

// dryRunConfigPath returns the host's dry-run config path, falling back to
// the global one.
func (a *app) dryRunConfigPath(name string) string {
	if hc := a.cfg.Host(name); hc != nil && hc.DryRunConfigPath != "" {
		return hc.DryRunConfigPath
	}
	return a.cfg.Global.DryRunConfigPath
}

// connectAll connects the hosts in parallel, each bounded by timeout.
func (a *app) connectAll(ctx context.Context, selected []*hosts.Host, timeout time.Duration) {
	var wg sync.WaitGroup
	for _, h := range selected {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			outcome, err := h.Connection().Connect(cctx, nil)
			if err != nil {
				h.Connection().CancelConnection()
				a.logger.Warn("connect failed",
					slog.String("host", h.Name()),
					slog.String("outcome", outcome.String()),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
	wg.Wait()
}

// console runs the lines read from in one after another until EOF, "exit"
// or "quit". A failing line does not end the session.
func (a *app) console(ctx context.Context, in io.Reader, names []string) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "exit" || line == "quit":
			return nil
		}

		req := command.Request{Command: line, Mode: command.ModeNormal}
		if rest, ok := strings.CutPrefix(line, "dry-run "); ok {
			req.Command = strings.TrimSpace(rest)
			req.Mode = command.ModeDryRun
		}

		if err := a.runOnHosts(ctx, names, req); err != nil {
			var exitErr *exitError
			if !errors.As(err, &exitErr) {
				return err
			}
		}
	}
	return scanner.Err()
}

// printPrefixed writes output with every line prefixed by "[host] ".
func printPrefixed(w io.Writer, host, output string) {
	if output == "" {
		return
	}
	for line := range strings.Lines(output) {
		_, _ = fmt.Fprintf(w, "[%s] %s", host, line)
		if !strings.HasSuffix(line, "\n") {
			_, _ = fmt.Fprintln(w)
		}
	}
}
