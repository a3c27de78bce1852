package sshutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"log/slog"
	"os"
	"path"
	"sync"

	"github.com/pkg/sftp"
)

// tempSuffix names the file a write goes to before it is renamed into place.
const tempSuffix = ".drbdmc-tmp"

// SFTPFileSystem stages files such as DRBD configs on a host over an SFTP
// subsystem of its Connection. Remote paths always use forward slashes.
type SFTPFileSystem struct {
	conn   *Connection
	logger *slog.Logger

	mu     sync.RWMutex
	client *sftp.Client
}

// SFTPOption is a functional option for configuring the SFTPFileSystem.
type SFTPOption func(*SFTPFileSystem)

// WithSFTPLogger sets a custom logger for SFTP operations.
func WithSFTPLogger(logger *slog.Logger) SFTPOption {
	return func(fs *SFTPFileSystem) {
		if logger != nil {
			fs.logger = logger
		}
	}
}

// NewSFTPFileSystem creates a file system on conn. Connect opens the SFTP
// session; conn must be authenticated by then.
func NewSFTPFileSystem(conn *Connection, opts ...SFTPOption) *SFTPFileSystem {
	fs := &SFTPFileSystem{
		conn:   conn,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(fs)
	}

	return fs
}

// Connect opens the SFTP session. It is a no-op while a session is open.
func (fs *SFTPFileSystem) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.client != nil {
		return nil
	}

	sshClient, err := fs.conn.Client()
	if err != nil {
		return fmt.Errorf("getting SSH connection: %w", err)
	}

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return fmt.Errorf("starting SFTP subsystem: %w", err)
	}
	fs.client = client

	fs.logger.Debug("SFTP session opened", slog.String("host", fs.conn.Host()))
	return nil
}

// Close ends the SFTP session and leaves the SSH connection open. It may be
// called more than once.
func (fs *SFTPFileSystem) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.client == nil {
		return nil
	}
	err := fs.client.Close()
	fs.client = nil
	return err
}

// with runs fn with the open session, or returns ErrNotConnected.
func (fs *SFTPFileSystem) with(fn func(c *sftp.Client) error) error {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.client == nil {
		return ErrNotConnected
	}
	return fn(fs.client)
}

// ReadFile returns the content of a remote file.
func (fs *SFTPFileSystem) ReadFile(name string) ([]byte, error) {
	var data []byte
	err := fs.with(func(c *sftp.Client) error {
		f, err := c.Open(name)
		if err != nil {
			return fmt.Errorf("opening %s: %w", name, err)
		}
		defer func() { _ = f.Close() }()

		data, err = io.ReadAll(f)
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		return nil
	})
	return data, err
}

// WriteFileAtomic replaces name with data. The data goes to a temporary
// file in the same directory first and is renamed over name, so drbdadm
// never reads a partial config. Missing parent directories are created.
func (fs *SFTPFileSystem) WriteFileAtomic(name string, data []byte, perm os.FileMode) error {
	return fs.with(func(c *sftp.Client) error {
		if dir := path.Dir(name); dir != "." && dir != "/" {
			if err := c.MkdirAll(dir); err != nil {
				return fmt.Errorf("creating directory %s: %w", dir, err)
			}
		}

		tmp := name + tempSuffix
		if err := writeTemp(c, tmp, data, perm); err != nil {
			_ = c.Remove(tmp)
			return err
		}

		// PosixRename replaces an existing target; plain Rename refuses to.
		if err := c.PosixRename(tmp, name); err != nil {
			_ = c.Remove(tmp)
			return fmt.Errorf("renaming %s into place: %w", tmp, err)
		}

		fs.logger.Debug("wrote remote file",
			slog.String("host", fs.conn.Host()),
			slog.String("path", name),
			slog.Int("bytes", len(data)),
		)
		return nil
	})
}

func writeTemp(c *sftp.Client, tmp string, data []byte, perm os.FileMode) error {
	f, err := c.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := f.Chmod(perm); err != nil {
		_ = f.Close()
		return fmt.Errorf("setting mode of %s: %w", tmp, err)
	}
	return f.Close()
}

// Exists reports whether a remote path exists.
func (fs *SFTPFileSystem) Exists(name string) (bool, error) {
	var found bool
	err := fs.with(func(c *sftp.Client) error {
		_, err := c.Stat(name)
		switch {
		case err == nil:
			found = true
			return nil
		case errors.Is(err, iofs.ErrNotExist):
			return nil
		default:
			return fmt.Errorf("stat %s: %w", name, err)
		}
	})
	return found, err
}

// Remove deletes a remote file or empty directory.
func (fs *SFTPFileSystem) Remove(name string) error {
	return fs.with(func(c *sftp.Client) error {
		if err := c.Remove(name); err != nil {
			return fmt.Errorf("removing %s: %w", name, err)
		}
		return nil
	})
}
