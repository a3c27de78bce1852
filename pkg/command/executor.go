package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

// readBufferSize is the size of a single read from the session stream.
const readBufferSize = 8192

// Executor runs commands for one host.
type Executor struct {
	host   string
	opener SessionOpener
	cache  *Cache
	dryRun *DryRunSlot
	sink   ConsoleSink
	logger *slog.Logger

	dryRunConfigPath string
	readTimeout      time.Duration
	exitStatusWait   time.Duration
}

// ExecutorOption is a functional option for configuring the Executor.
type ExecutorOption func(*Executor)

// WithLogger sets a custom logger for command execution.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithCache sets the host cache. By default each executor has its own.
func WithCache(cache *Cache) ExecutorOption {
	return func(e *Executor) {
		if cache != nil {
			e.cache = cache
		}
	}
}

// WithDryRunSlot sets the shared dry-run slot.
func WithDryRunSlot(slot *DryRunSlot) ExecutorOption {
	return func(e *Executor) {
		if slot != nil {
			e.dryRun = slot
		}
	}
}

// WithSink sets the console sink.
func WithSink(sink ConsoleSink) ExecutorOption {
	return func(e *Executor) {
		if sink != nil {
			e.sink = sink
		}
	}
}

// WithDryRunConfigPath sets the config path substituted for DryRunConfigToken.
func WithDryRunConfigPath(path string) ExecutorOption {
	return func(e *Executor) {
		if path != "" {
			e.dryRunConfigPath = path
		}
	}
}

// WithReadTimeout sets the default per-read timeout.
func WithReadTimeout(timeout time.Duration) ExecutorOption {
	return func(e *Executor) {
		if timeout > 0 {
			e.readTimeout = timeout
		}
	}
}

// WithExitStatusWait sets how long to wait for the exit status after EOF.
func WithExitStatusWait(wait time.Duration) ExecutorOption {
	return func(e *Executor) {
		if wait > 0 {
			e.exitStatusWait = wait
		}
	}
}

// NewExecutor creates an executor for host that opens sessions with opener.
func NewExecutor(host string, opener SessionOpener, opts ...ExecutorOption) *Executor {
	e := &Executor{
		host:             host,
		opener:           opener,
		cache:            NewCache(),
		dryRun:           NewDryRunSlot(),
		sink:             NopSink{},
		logger:           slog.Default(),
		dryRunConfigPath: DefaultDryRunConfigPath,
		readTimeout:      DefaultReadTimeout,
		exitStatusWait:   DefaultExitStatusWait,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Host returns the host name this executor runs commands on.
func (e *Executor) Host() string {
	return e.host
}

// Cache returns the host cache.
func (e *Executor) Cache() *Cache {
	return e.cache
}

// DryRunSlot returns the dry-run slot this executor publishes to.
func (e *Executor) DryRunSlot() *DryRunSlot {
	return e.dryRun
}

// Execute runs req and returns its result. It never panics on remote
// failures; every failure is described by the returned Result.
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	cmd, err := Prepare(req.Command, req.Mode, e.dryRunConfigPath)
	if err != nil {
		e.logger.Error("refusing command",
			slog.String("host", e.host),
			slog.String("command", req.Command),
			slog.String("mode", req.Mode.String()),
			slog.String("error", err.Error()),
		)
		return infraResult("", err)
	}

	if req.Mode == ModeDryRun {
		return e.dryRun.run(func() Result {
			return e.execute(ctx, cmd, req)
		})
	}

	if req.Cacheable {
		if out, ok := e.cache.Get(cmd); ok {
			e.logger.Debug("serving cached command output",
				slog.String("host", e.host),
				slog.String("command", cmd),
			)
			return Result{Output: out, Cached: true}
		}
	}

	res := e.execute(ctx, cmd, req)
	if req.Cacheable && res.Succeeded() {
		e.cache.Put(cmd, res.Output)
	}
	return res
}

// execute runs the sub-commands of cmd in order, stopping at the first failure.
func (e *Executor) execute(ctx context.Context, cmd string, req Request) Result {
	subs := SplitChain(cmd)
	if len(subs) == 0 {
		return infraResult("", ErrEmptyCommand)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.readTimeout
	}

	if req.CommandVisible {
		e.sink.CommandStarted(e.host, cmd)
	}
	defer e.sink.CommandFinished(e.host)

	var out strings.Builder
	for i, sub := range subs {
		res := e.runOne(ctx, sub, req, timeout, &out)
		res.Output = out.String()
		if !res.Succeeded() {
			if i < len(subs)-1 {
				e.logger.Debug("chain stopped at failed sub-command",
					slog.String("host", e.host),
					slog.String("command", sub),
					slog.Int("exit_code", res.ExitCode),
					slog.Int("skipped", len(subs)-1-i),
				)
			}
			return res
		}
	}

	return Result{Output: out.String()}
}

// runOne runs a single sub-command in its own session.
func (e *Executor) runOne(ctx context.Context, cmd string, req Request, timeout time.Duration, out *strings.Builder) Result {
	if ctx.Err() != nil {
		e.sink.Cancelled(e.host)
		return infraResult("", ErrCancelled)
	}

	sess, err := e.opener.NewSession()
	if err != nil {
		return infraResult("", fmt.Errorf("%w: %w", ErrNoSession, err))
	}
	defer func() { _ = sess.Close() }()

	stream := sess.Output()
	if err := sess.Start(cmd); err != nil {
		return infraResult("", fmt.Errorf("starting command: %w", err))
	}

	e.logger.Debug("executing command",
		slog.String("host", e.host),
		slog.String("command", cmd),
	)

	if err := e.stream(ctx, sess, stream, req, timeout, out); err != nil {
		if errors.Is(err, ErrCancelled) {
			e.sink.Cancelled(e.host)
		}
		e.logger.Warn("command aborted",
			slog.String("host", e.host),
			slog.String("command", cmd),
			slog.String("error", err.Error()),
		)
		return infraResult("", err)
	}

	code := e.exitStatus(sess, cmd)
	e.logger.Debug("command completed",
		slog.String("host", e.host),
		slog.String("command", cmd),
		slog.Int("exit_code", code),
	)
	return Result{ExitCode: code}
}

type readResult struct {
	data []byte
	err  error
}

// stream pumps output until EOF, cancellation or read timeout. The timeout
// restarts after every chunk, so a command that keeps printing never trips it.
func (e *Executor) stream(ctx context.Context, sess Session, r io.Reader, req Request, timeout time.Duration, out *strings.Builder) error {
	reads := make(chan readResult)
	stop := make(chan struct{})
	defer close(stop)
	go pump(r, reads, stop)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var pending []byte
	for {
		select {
		case <-ctx.Done():
			_ = sess.Close()
			return ErrCancelled

		case <-timer.C:
			_ = sess.Close()
			return fmt.Errorf("%w after %s", ErrReadTimeout, timeout)

		case rr := <-reads:
			if len(rr.data) > 0 {
				complete, rest := splitIncompleteRune(append(pending, rr.data...))
				e.emit(string(complete), req, out)
				pending = append([]byte(nil), rest...)
				timer.Reset(timeout)
			}

			if rr.err == nil {
				continue
			}
			if errors.Is(rr.err, io.EOF) {
				if len(pending) > 0 {
					e.emit(string(pending), req, out)
				}
				return nil
			}
			if ctx.Err() != nil {
				return ErrCancelled
			}
			return fmt.Errorf("reading command output: %w", rr.err)
		}
	}
}

func (e *Executor) emit(chunk string, req Request, out *strings.Builder) {
	if chunk == "" {
		return
	}
	out.WriteString(chunk)
	if req.OutputVisible {
		e.sink.Output(e.host, chunk)
	}
	if req.OnOutput != nil {
		req.OnOutput(chunk)
	}
}

// exitStatus waits a bounded time for the exit status. When none can be
// obtained the command counts as successful; this mirrors the remote shell
// closing the channel without an exit-status message.
func (e *Executor) exitStatus(sess Session, cmd string) int {
	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	timer := time.NewTimer(e.exitStatusWait)
	defer timer.Stop()

	select {
	case err := <-done:
		if err == nil {
			return 0
		}
		var es exitStatuser
		if errors.As(err, &es) {
			return es.ExitStatus()
		}
		e.logger.Warn("exit status unavailable, assuming success",
			slog.String("host", e.host),
			slog.String("command", cmd),
			slog.String("error", err.Error()),
		)
		return 0
	case <-timer.C:
		e.logger.Warn("timed out waiting for exit status, assuming success",
			slog.String("host", e.host),
			slog.String("command", cmd),
			slog.Duration("wait", e.exitStatusWait),
		)
		return 0
	}
}

func pump(r io.Reader, reads chan<- readResult, stop <-chan struct{}) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 || err != nil {
			res := readResult{err: err}
			if n > 0 {
				res.data = append([]byte(nil), buf[:n]...)
			}
			select {
			case reads <- res:
			case <-stop:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// splitIncompleteRune splits b before a trailing UTF-8 sequence that is not
// yet complete.
func splitIncompleteRune(b []byte) (complete, rest []byte) {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		if !utf8.RuneStart(b[len(b)-i]) {
			continue
		}
		if utf8.FullRune(b[len(b)-i:]) {
			return b, nil
		}
		return b[:len(b)-i], b[len(b)-i:]
	}
	return b, nil
}
