package runner

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"gitlab.bluewillows.net/root/drbdmc/internal/metrics"
	"gitlab.bluewillows.net/root/drbdmc/pkg/command"
	"gitlab.bluewillows.net/root/drbdmc/pkg/sshutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeConn struct {
	mu         sync.Mutex
	host       string
	connected  bool
	reconnects int
	err        error
}

func (c *fakeConn) Host() string { return c.host }

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) Reconnect(context.Context, sshutil.ConnectionCallback) (sshutil.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnects++
	if c.err != nil {
		return sshutil.OutcomeFailed, c.err
	}
	c.connected = true
	return sshutil.OutcomeAuthenticated, nil
}

type fakeExec struct {
	mu   sync.Mutex
	reqs []command.Request
	fn   func(ctx context.Context, req command.Request) command.Result
}

func (e *fakeExec) Execute(ctx context.Context, req command.Request) command.Result {
	e.mu.Lock()
	e.reqs = append(e.reqs, req)
	e.mu.Unlock()
	if e.fn == nil {
		return command.Result{Output: req.Command + "\n"}
	}
	return e.fn(ctx, req)
}

func (e *fakeExec) requests() []command.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]command.Request(nil), e.reqs...)
}

// recorder is a Callback and Progress that records every call.
type recorder struct {
	mu     sync.Mutex
	events []string
	output string
	code   int
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Done(output string) {
	r.mu.Lock()
	r.output = output
	r.mu.Unlock()
	r.add("done")
}

func (r *recorder) DoneError(output string, code int) {
	r.mu.Lock()
	r.output, r.code = output, code
	r.mu.Unlock()
	r.add("error")
}

func (r *recorder) Start() { r.add("start") }
func (r *recorder) Stop()  { r.add("stop") }
func (r *recorder) Fail()  { r.add("fail") }

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newTestRunner(t *testing.T, conn *fakeConn, exec *fakeExec) *Runner {
	t.Helper()
	r := New(conn, exec, WithLogger(testLogger()))
	t.Cleanup(r.Close)
	return r
}

func TestNew(t *testing.T) {
	r := New(&fakeConn{host: "node-a"}, &fakeExec{}, WithLogger(nil))
	defer r.Close()

	if r.logger == nil {
		t.Error("WithLogger(nil) removed default logger")
	}
	if r.Host() != "node-a" {
		t.Errorf("Host() = %q", r.Host())
	}
}

func TestRunner_RunAsync(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		exec := &fakeExec{}
		r := newTestRunner(t, &fakeConn{host: "node-a", connected: true}, exec)
		rec := &recorder{}

		h := r.RunAsync(command.Request{Command: "drbdadm status"}, rec)
		res := h.Wait()

		if !res.Succeeded() || res.Output != "drbdadm status\n" {
			t.Errorf("Wait() = %+v", res)
		}
		if got := rec.snapshot(); !slices.Equal(got, []string{"done"}) {
			t.Errorf("callbacks = %v, want [done]", got)
		}
		if rec.output != "drbdadm status\n" {
			t.Errorf("Done output = %q", rec.output)
		}
		if _, err := uuid.Parse(h.ID()); err != nil {
			t.Errorf("ID() = %q is not a UUID: %v", h.ID(), err)
		}
		if h.Host() != "node-a" {
			t.Errorf("Host() = %q", h.Host())
		}
	})

	t.Run("remote failure", func(t *testing.T) {
		exec := &fakeExec{fn: func(context.Context, command.Request) command.Result {
			return command.Result{Output: "no such resource\n", ExitCode: 10}
		}}
		r := newTestRunner(t, &fakeConn{host: "node-a", connected: true}, exec)
		rec := &recorder{}

		r.RunAsync(command.Request{Command: "drbdadm up r9"}, rec).Wait()

		if got := rec.snapshot(); !slices.Equal(got, []string{"error"}) {
			t.Errorf("callbacks = %v, want [error]", got)
		}
		if rec.output != "no such resource\n" || rec.code != 10 {
			t.Errorf("DoneError(%q, %d)", rec.output, rec.code)
		}
	})

	t.Run("nil callback", func(t *testing.T) {
		r := newTestRunner(t, &fakeConn{host: "node-a", connected: true}, &fakeExec{})
		h := r.RunAsync(command.Request{Command: "true"}, nil)

		select {
		case <-h.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("command did not finish")
		}
	})

	t.Run("unique ids", func(t *testing.T) {
		r := newTestRunner(t, &fakeConn{host: "node-a", connected: true}, &fakeExec{})
		a := r.RunAsync(command.Request{Command: "true"}, nil)
		b := r.RunAsync(command.Request{Command: "true"}, nil)
		if a.ID() == b.ID() {
			t.Error("two handles share an ID")
		}
		a.Wait()
		b.Wait()
	})
}

func TestRunner_Reconnect(t *testing.T) {
	t.Run("reconnects before running", func(t *testing.T) {
		conn := &fakeConn{host: "node-a"}
		exec := &fakeExec{}
		r := newTestRunner(t, conn, exec)

		res := r.RunSync(t.Context(), command.Request{Command: "true"})
		if !res.Succeeded() {
			t.Fatalf("RunSync() = %+v", res)
		}
		if conn.reconnects != 1 {
			t.Errorf("reconnects = %d, want 1", conn.reconnects)
		}

		r.RunSync(t.Context(), command.Request{Command: "true"})
		if conn.reconnects != 1 {
			t.Errorf("reconnects = %d after second command, want 1", conn.reconnects)
		}
	})

	t.Run("reconnect failure", func(t *testing.T) {
		conn := &fakeConn{host: "node-a", err: sshutil.ErrDisconnectedForGood}
		exec := &fakeExec{}
		r := newTestRunner(t, conn, exec)
		rec := &recorder{}

		res := r.RunAsync(command.Request{Command: "true"}, rec).Wait()

		if !errors.Is(res.Err, ErrNotConnected) || !errors.Is(res.Err, sshutil.ErrDisconnectedForGood) {
			t.Errorf("error = %v, want ErrNotConnected wrapping the cause", res.Err)
		}
		if res.ExitCode != command.ExitCodeInfrastructure {
			t.Errorf("ExitCode = %d, want %d", res.ExitCode, command.ExitCodeInfrastructure)
		}
		if len(exec.requests()) != 0 {
			t.Error("command executed without a connection")
		}
		if rec.code != command.ExitCodeInfrastructure {
			t.Errorf("DoneError code = %d", rec.code)
		}
	})
}

func TestRunner_OutputMarkers(t *testing.T) {
	tests := []struct {
		name        string
		cmd         string
		visible     bool
		wantCmd     string
		wantVisible bool
	}{
		{"no marker keeps flag", "drbdadm status", true, "drbdadm status", true},
		{"no output hides", "@NOOUTPUT@ drbdadm status", true, "drbdadm status", false},
		{"output shows", "@OUTPUT@drbdadm status", false, "drbdadm status", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExec{}
			r := newTestRunner(t, &fakeConn{host: "node-a", connected: true}, exec)

			r.RunSync(t.Context(), command.Request{Command: tt.cmd, OutputVisible: tt.visible})

			reqs := exec.requests()
			if len(reqs) != 1 {
				t.Fatalf("executed %d requests", len(reqs))
			}
			if reqs[0].Command != tt.wantCmd || reqs[0].OutputVisible != tt.wantVisible {
				t.Errorf("executed %q visible=%v, want %q visible=%v",
					reqs[0].Command, reqs[0].OutputVisible, tt.wantCmd, tt.wantVisible)
			}
		})
	}
}

func TestRunner_Panics(t *testing.T) {
	t.Run("executor panic", func(t *testing.T) {
		exec := &fakeExec{fn: func(context.Context, command.Request) command.Result {
			panic("boom")
		}}
		r := newTestRunner(t, &fakeConn{host: "node-a", connected: true}, exec)
		rec := &recorder{}

		res := r.RunAsync(command.Request{Command: "true"}, rec).Wait()

		if !errors.Is(res.Err, ErrPanic) || res.ExitCode != command.ExitCodeInfrastructure {
			t.Errorf("result = %+v, want ErrPanic", res)
		}
		if got := rec.snapshot(); !slices.Equal(got, []string{"error"}) {
			t.Errorf("callbacks = %v, want [error]", got)
		}
	})

	t.Run("callback panic is not retried", func(t *testing.T) {
		r := newTestRunner(t, &fakeConn{host: "node-a", connected: true}, &fakeExec{})
		var calls int
		var mu sync.Mutex
		cb := CallbackFuncs{
			OnDone: func(string) {
				mu.Lock()
				calls++
				mu.Unlock()
				panic("callback bug")
			},
			OnError: func(string, int) {
				mu.Lock()
				calls++
				mu.Unlock()
			},
		}

		res := r.RunAsync(command.Request{Command: "true"}, cb).Wait()
		if !res.Succeeded() {
			t.Errorf("result = %+v, want success", res)
		}
		mu.Lock()
		defer mu.Unlock()
		if calls != 1 {
			t.Errorf("callback calls = %d, want 1", calls)
		}
	})
}

func TestRunner_Cancel(t *testing.T) {
	started := make(chan struct{})
	exec := &fakeExec{fn: func(ctx context.Context, _ command.Request) command.Result {
		close(started)
		<-ctx.Done()
		return command.Result{ExitCode: command.ExitCodeInfrastructure, Err: command.ErrCancelled}
	}}
	r := newTestRunner(t, &fakeConn{host: "node-a", connected: true}, exec)
	rec := &recorder{}

	h := r.RunAsync(command.Request{Command: "hang"}, rec)
	<-started
	h.Cancel()

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel() did not stop the command")
	}
	if res := h.Wait(); !errors.Is(res.Err, command.ErrCancelled) {
		t.Errorf("Wait() error = %v, want ErrCancelled", res.Err)
	}
	if rec.code != command.ExitCodeInfrastructure {
		t.Errorf("DoneError code = %d", rec.code)
	}
	h.Cancel()
}

func TestRunner_RunSyncContext(t *testing.T) {
	exec := &fakeExec{fn: func(ctx context.Context, _ command.Request) command.Result {
		<-ctx.Done()
		return command.Result{ExitCode: command.ExitCodeInfrastructure, Err: command.ErrCancelled}
	}}
	r := newTestRunner(t, &fakeConn{host: "node-a", connected: true}, exec)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	if res := r.RunSync(ctx, command.Request{Command: "hang"}); !errors.Is(res.Err, command.ErrCancelled) {
		t.Errorf("RunSync() error = %v, want ErrCancelled", res.Err)
	}
}

func TestRunner_Close(t *testing.T) {
	started := make(chan struct{})
	exec := &fakeExec{fn: func(ctx context.Context, _ command.Request) command.Result {
		close(started)
		<-ctx.Done()
		return command.Result{ExitCode: command.ExitCodeInfrastructure, Err: command.ErrCancelled}
	}}
	r := New(&fakeConn{host: "node-a", connected: true}, exec, WithLogger(testLogger()))

	h := r.RunAsync(command.Request{Command: "hang"}, nil)
	<-started

	done := make(chan struct{})
	go func() {
		r.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close() did not return")
	}
	if res := h.Wait(); !errors.Is(res.Err, command.ErrCancelled) {
		t.Errorf("in-flight command error = %v, want ErrCancelled", res.Err)
	}

	res := r.RunSync(context.Background(), command.Request{Command: "true"})
	if !errors.Is(res.Err, ErrClosed) {
		t.Errorf("RunSync() after Close error = %v, want ErrClosed", res.Err)
	}
}

func TestRunner_RunWithProgress(t *testing.T) {
	tests := []struct {
		name string
		exit int
		want []string
	}{
		{"success", 0, []string{"start", "stop", "done"}},
		{"failure", 1, []string{"start", "fail", "error"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExec{fn: func(context.Context, command.Request) command.Result {
				return command.Result{ExitCode: tt.exit}
			}}
			r := newTestRunner(t, &fakeConn{host: "node-a", connected: true}, exec)
			rec := &recorder{}

			r.RunWithProgress(command.Request{Command: "crm_resource --cleanup"}, rec, rec).Wait()

			if got := rec.snapshot(); !slices.Equal(got, tt.want) {
				t.Errorf("events = %v, want %v", got, tt.want)
			}
		})
	}
}

type fakeFS struct {
	connectErr error
	writeErr   error
	readErr    error
	removeErr  error
	corrupt    bool // ReadFile returns altered content
	path       string
	data       []byte
	perm       os.FileMode
	files      map[string][]byte
	removed    []string
	closed     bool
}

func (f *fakeFS) Connect(context.Context) error { return f.connectErr }

func (f *fakeFS) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	f.path, f.data, f.perm = path, data, perm
	if f.writeErr != nil {
		return f.writeErr
	}
	if f.files == nil {
		f.files = make(map[string][]byte)
	}
	f.files[path] = append([]byte(nil), data...)
	return nil
}

func (f *fakeFS) ReadFile(path string) ([]byte, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	data, ok := f.files[path]
	if !ok {
		return nil, fs.ErrNotExist
	}
	if f.corrupt {
		return append(data, '!'), nil
	}
	return data, nil
}

func (f *fakeFS) Exists(path string) (bool, error) {
	_, ok := f.files[path]
	return ok, nil
}

func (f *fakeFS) Remove(path string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.files, path)
	f.removed = append(f.removed, path)
	return nil
}

func (f *fakeFS) Close() error {
	f.closed = true
	return nil
}

func TestRunner_StageDryRunConfig(t *testing.T) {
	t.Run("default path", func(t *testing.T) {
		r := newTestRunner(t, &fakeConn{host: "node-a", connected: true}, &fakeExec{})
		fs := &fakeFS{}

		if err := r.StageDryRunConfig(t.Context(), fs, "", []byte("resource r0 {}")); err != nil {
			t.Fatalf("StageDryRunConfig() error = %v", err)
		}
		if fs.path != command.DefaultDryRunConfigPath || string(fs.data) != "resource r0 {}" || fs.perm != 0o600 {
			t.Errorf("wrote %q (%v) to %q", fs.data, fs.perm, fs.path)
		}
		if !fs.closed {
			t.Error("file transfer session not closed")
		}
	})

	t.Run("reconnects first", func(t *testing.T) {
		conn := &fakeConn{host: "node-a"}
		r := newTestRunner(t, conn, &fakeExec{})
		if err := r.StageDryRunConfig(t.Context(), &fakeFS{}, "/tmp/x.conf", nil); err != nil {
			t.Fatalf("StageDryRunConfig() error = %v", err)
		}
		if conn.reconnects != 1 {
			t.Errorf("reconnects = %d, want 1", conn.reconnects)
		}
	})

	t.Run("errors", func(t *testing.T) {
		cause := errors.New("permission denied")

		tests := []struct {
			name    string
			fs      *fakeFS
			wantErr error
		}{
			{"connect failure", &fakeFS{connectErr: cause}, cause},
			{"write failure", &fakeFS{writeErr: cause}, cause},
			{"read back failure", &fakeFS{readErr: cause}, cause},
			{"content mismatch", &fakeFS{corrupt: true}, ErrStagedMismatch},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				r := newTestRunner(t, &fakeConn{host: "node-a", connected: true}, &fakeExec{})
				err := r.StageDryRunConfig(t.Context(), tt.fs, "", []byte("global {}\n"))
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("StageDryRunConfig() error = %v, want %v", err, tt.wantErr)
				}
				if tt.fs.connectErr == nil && !tt.fs.closed {
					t.Error("file transfer session not closed after failure")
				}
			})
		}
	})
}

func TestRunner_RemoveDryRunConfig(t *testing.T) {
	t.Run("removes staged file", func(t *testing.T) {
		r := newTestRunner(t, &fakeConn{host: "node-a", connected: true}, &fakeExec{})
		fs := &fakeFS{files: map[string][]byte{command.DefaultDryRunConfigPath: []byte("global {}")}}

		removed, err := r.RemoveDryRunConfig(t.Context(), fs, "")
		if err != nil || !removed {
			t.Fatalf("RemoveDryRunConfig() = %v, %v; want removed", removed, err)
		}
		if !slices.Equal(fs.removed, []string{command.DefaultDryRunConfigPath}) {
			t.Errorf("removed = %v", fs.removed)
		}
		if !fs.closed {
			t.Error("file transfer session not closed")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		r := newTestRunner(t, &fakeConn{host: "node-a", connected: true}, &fakeExec{})
		fs := &fakeFS{}

		removed, err := r.RemoveDryRunConfig(t.Context(), fs, "/tmp/x.conf")
		if err != nil || removed {
			t.Errorf("RemoveDryRunConfig() = %v, %v; want nothing removed", removed, err)
		}
		if len(fs.removed) != 0 {
			t.Errorf("removed = %v", fs.removed)
		}
	})

	t.Run("remove failure", func(t *testing.T) {
		r := newTestRunner(t, &fakeConn{host: "node-a", connected: true}, &fakeExec{})
		cause := errors.New("permission denied")
		fs := &fakeFS{removeErr: cause, files: map[string][]byte{"/tmp/x.conf": nil}}

		if _, err := r.RemoveDryRunConfig(t.Context(), fs, "/tmp/x.conf"); !errors.Is(err, cause) {
			t.Errorf("RemoveDryRunConfig() error = %v, want %v", err, cause)
		}
	})

	t.Run("not connected", func(t *testing.T) {
		conn := &fakeConn{host: "node-a", err: errors.New("refused")}
		r := newTestRunner(t, conn, &fakeExec{})

		if _, err := r.RemoveDryRunConfig(t.Context(), &fakeFS{}, ""); !errors.Is(err, ErrNotConnected) {
			t.Errorf("RemoveDryRunConfig() error = %v, want ErrNotConnected", err)
		}
	})
}

func TestResultLabel(t *testing.T) {
	tests := []struct {
		name string
		res  command.Result
		want string
	}{
		{"success", command.Result{}, metrics.ResultSuccess},
		{"cached", command.Result{Cached: true}, metrics.ResultCached},
		{"failure", command.Result{ExitCode: 3}, metrics.ResultFailure},
		{"cancelled", command.Result{ExitCode: command.ExitCodeInfrastructure, Err: command.ErrCancelled}, metrics.ResultCancelled},
		{"error", command.Result{ExitCode: command.ExitCodeInfrastructure, Err: command.ErrReadTimeout}, metrics.ResultError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resultLabel(tt.res); got != tt.want {
				t.Errorf("resultLabel() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRunner_Metrics(t *testing.T) {
	host := "metrics-node"
	exec := &fakeExec{fn: func(_ context.Context, req command.Request) command.Result {
		return command.Result{Output: "ok", Cached: req.Cacheable}
	}}
	r := newTestRunner(t, &fakeConn{host: host, connected: true}, exec)

	before := testutil.ToFloat64(metrics.CommandsTotal.WithLabelValues(host, "normal", metrics.ResultSuccess))
	hitsBefore := testutil.ToFloat64(metrics.CacheHitsTotal.WithLabelValues(host))
	dryBefore := testutil.ToFloat64(metrics.DryRunsTotal.WithLabelValues(metrics.ResultSuccess))

	r.RunSync(t.Context(), command.Request{Command: "true"})
	r.RunSync(t.Context(), command.Request{Command: "true", Cacheable: true})
	r.RunSync(t.Context(), command.Request{Command: "drbdadm @DRYRUN@ up r0", Mode: command.ModeDryRun})

	if got := testutil.ToFloat64(metrics.CommandsTotal.WithLabelValues(host, "normal", metrics.ResultSuccess)); got != before+1 {
		t.Errorf("successful commands = %f, want %f", got, before+1)
	}
	if got := testutil.ToFloat64(metrics.CacheHitsTotal.WithLabelValues(host)); got != hitsBefore+1 {
		t.Errorf("cache hits = %f, want %f", got, hitsBefore+1)
	}
	if got := testutil.ToFloat64(metrics.DryRunsTotal.WithLabelValues(metrics.ResultSuccess)); got != dryBefore+1 {
		t.Errorf("dry runs = %f, want %f", got, dryBefore+1)
	}
}
