package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"gitlab.bluewillows.net/root/drbdmc/internal/metrics"
	"gitlab.bluewillows.net/root/drbdmc/pkg/command"
	"gitlab.bluewillows.net/root/drbdmc/pkg/sshutil"
)

// Sentinel errors for the runner.
var (
	// ErrNotConnected is returned when the host could not be connected
	// before running a command.
	ErrNotConnected = errors.New("host is not connected")

	// ErrPanic is returned when a command worker panicked.
	ErrPanic = errors.New("command worker panicked")

	// ErrClosed is returned for commands submitted after Close.
	ErrClosed = errors.New("runner is closed")

	// ErrStagedMismatch is returned when a staged file reads back with
	// different content.
	ErrStagedMismatch = errors.New("staged file content does not match")
)

// Connector is the connection a Runner drives. *sshutil.Connection
// implements it.
type Connector interface {
	Host() string
	IsConnected() bool
	Reconnect(ctx context.Context, cb sshutil.ConnectionCallback) (sshutil.Outcome, error)
}

// Executor runs one request. *command.Executor implements it.
type Executor interface {
	Execute(ctx context.Context, req command.Request) command.Result
}

// RemoteFS is the file access used to stage files on the host.
// *sshutil.SFTPFileSystem implements it.
type RemoteFS interface {
	Connect(ctx context.Context) error
	WriteFileAtomic(path string, data []byte, perm os.FileMode) error
	ReadFile(path string) ([]byte, error)
	Exists(path string) (bool, error)
	Remove(path string) error
	Close() error
}

// Runner is the per-host entry point for running commands. Every command
// runs on its own goroutine; commands for the same host may run in parallel.
type Runner struct {
	conn   Connector
	exec   Executor
	logger *slog.Logger

	ctx    context.Context //nolint:containedctx // bounds all workers
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option is a functional option for configuring the Runner.
type Option func(*Runner)

// WithLogger sets a custom logger for the runner.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a runner for the host behind conn.
func New(conn Connector, exec Executor, opts ...Option) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		conn:   conn,
		exec:   exec,
		logger: slog.Default(),
		ctx:    ctx,
		cancel: cancel,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Host returns the host name the runner serves.
func (r *Runner) Host() string {
	return r.conn.Host()
}

// RunAsync starts req on a new goroutine and returns immediately. The
// worker connects the host first when needed. cb may be nil; otherwise it
// is called exactly once, on the worker goroutine.
func (r *Runner) RunAsync(req command.Request, cb Callback) *Handle {
	return r.start(context.Background(), req, cb, nil)
}

// RunSync runs req and blocks until it completes. It must not be called
// from a goroutine that other commands' callbacks depend on.
func (r *Runner) RunSync(ctx context.Context, req command.Request) command.Result {
	return r.start(ctx, req, nil, nil).Wait()
}

// RunWithProgress is RunAsync that also drives progress: Start before
// dispatch, then Stop on success or Fail on error, before cb is called.
func (r *Runner) RunWithProgress(req command.Request, cb Callback, progress Progress) *Handle {
	if progress != nil {
		progress.Start()
	}
	return r.start(context.Background(), req, cb, progress)
}

// Close cancels all running commands and waits for their workers.
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Runner) start(parent context.Context, req command.Request, cb Callback, progress Progress) *Handle {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(r.ctx, cancel)

	h := &Handle{
		id:     uuid.NewString(),
		host:   r.conn.Host(),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer stop()
		defer cancel()
		r.run(ctx, h, req, cb, progress)
	}()

	return h
}

// run is the worker body. Panics are turned into an infrastructure failure
// unless the callback was already called.
func (r *Runner) run(ctx context.Context, h *Handle, req command.Request, cb Callback, progress Progress) {
	delivered := false
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("command worker panicked",
				slog.String("host", h.host),
				slog.String("id", h.id),
				slog.Any("panic", p),
			)
			if !delivered {
				h.result = command.Result{
					ExitCode: command.ExitCodeInfrastructure,
					Err:      fmt.Errorf("%w: %v", ErrPanic, p),
				}
				r.deliverSafely(h, cb, progress)
			}
		}
		close(h.done)
	}()

	cmd, override := command.StripOutputMarkers(req.Command)
	req.Command = cmd
	req.OutputVisible = override.Apply(req.OutputVisible)

	r.logger.Debug("dispatching command",
		slog.String("host", h.host),
		slog.String("id", h.id),
		slog.String("mode", req.Mode.String()),
	)

	start := time.Now()
	var res command.Result
	if err := r.ensureConnected(ctx); err != nil {
		res = command.Result{ExitCode: command.ExitCodeInfrastructure, Err: err}
	} else {
		res = r.exec.Execute(ctx, req)
	}
	record(h.host, req.Mode, res, time.Since(start))

	h.result = res
	delivered = true
	deliver(res, cb, progress)
}

func (r *Runner) deliverSafely(h *Handle, cb Callback, progress Progress) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("command callback panicked",
				slog.String("host", h.host),
				slog.String("id", h.id),
				slog.Any("panic", p),
			)
		}
	}()
	deliver(h.result, cb, progress)
}

func deliver(res command.Result, cb Callback, progress Progress) {
	if res.Succeeded() {
		if progress != nil {
			progress.Stop()
		}
		if cb != nil {
			cb.Done(res.Output)
		}
		return
	}

	if progress != nil {
		progress.Fail()
	}
	if cb != nil {
		cb.DoneError(res.Output, res.ExitCode)
	}
}

// ensureConnected reconnects the host unless it is connected.
func (r *Runner) ensureConnected(ctx context.Context) error {
	if r.ctx.Err() != nil {
		return ErrClosed
	}
	if r.conn.IsConnected() {
		return nil
	}

	r.logger.Debug("host not connected, reconnecting", slog.String("host", r.conn.Host()))

	if _, err := r.conn.Reconnect(ctx, nil); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return nil
}

// StageDryRunConfig uploads config to path on the host so that dry runs
// can point the tool at it, then reads it back to check it. An empty path
// uses the default dry-run path.
func (r *Runner) StageDryRunConfig(ctx context.Context, fs RemoteFS, path string, config []byte) error {
	if path == "" {
		path = command.DefaultDryRunConfigPath
	}

	if err := r.ensureConnected(ctx); err != nil {
		return err
	}

	if err := fs.Connect(ctx); err != nil {
		return fmt.Errorf("opening file transfer session: %w", err)
	}
	defer func() { _ = fs.Close() }()

	if err := fs.WriteFileAtomic(path, config, 0o600); err != nil {
		return fmt.Errorf("staging dry-run config: %w", err)
	}

	staged, err := fs.ReadFile(path)
	if err != nil {
		return fmt.Errorf("verifying dry-run config: %w", err)
	}
	if !bytes.Equal(staged, config) {
		return fmt.Errorf("%w: %s has %d bytes, wrote %d", ErrStagedMismatch, path, len(staged), len(config))
	}

	r.logger.Info("staged dry-run config",
		slog.String("host", r.conn.Host()),
		slog.String("path", path),
		slog.Int("bytes", len(config)),
	)
	return nil
}

// RemoveDryRunConfig deletes a staged dry-run config from the host. An
// empty path uses the default dry-run path. It reports whether a file was
// removed; a missing file is not an error.
func (r *Runner) RemoveDryRunConfig(ctx context.Context, fs RemoteFS, path string) (bool, error) {
	if path == "" {
		path = command.DefaultDryRunConfigPath
	}

	if err := r.ensureConnected(ctx); err != nil {
		return false, err
	}

	if err := fs.Connect(ctx); err != nil {
		return false, fmt.Errorf("opening file transfer session: %w", err)
	}
	defer func() { _ = fs.Close() }()

	ok, err := fs.Exists(path)
	if err != nil {
		return false, fmt.Errorf("checking dry-run config: %w", err)
	}
	if !ok {
		r.logger.Debug("no dry-run config to remove",
			slog.String("host", r.conn.Host()),
			slog.String("path", path),
		)
		return false, nil
	}

	if err := fs.Remove(path); err != nil {
		return false, fmt.Errorf("removing dry-run config: %w", err)
	}

	r.logger.Info("removed dry-run config",
		slog.String("host", r.conn.Host()),
		slog.String("path", path),
	)
	return true, nil
}

// record updates the command metrics for one finished request.
func record(host string, mode command.Mode, res command.Result, elapsed time.Duration) {
	result := resultLabel(res)

	metrics.CommandsTotal.WithLabelValues(host, mode.String(), result).Inc()
	if res.Cached {
		metrics.CacheHitsTotal.WithLabelValues(host).Inc()
	} else {
		metrics.CommandDuration.WithLabelValues(host, mode.String()).Observe(elapsed.Seconds())
	}
	if mode == command.ModeDryRun {
		metrics.DryRunsTotal.WithLabelValues(result).Inc()
	}
}

func resultLabel(res command.Result) string {
	switch {
	case res.Cached:
		return metrics.ResultCached
	case errors.Is(res.Err, command.ErrCancelled):
		return metrics.ResultCancelled
	case res.Err != nil:
		return metrics.ResultError
	case res.ExitCode != 0:
		return metrics.ResultFailure
	default:
		return metrics.ResultSuccess
	}
}
