package sshutil

import (
	"bytes"
	"errors"
	"fmt"
	iofs "io/fs"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyStatus is the result of checking a server key against a store.
type HostKeyStatus int

const (
	// HostKeyOK means the key is known and matches.
	HostKeyOK HostKeyStatus = iota

	// HostKeyNew means no key is known for the host.
	HostKeyNew

	// HostKeyChanged means a different key is known for the host.
	HostKeyChanged
)

func (s HostKeyStatus) String() string {
	switch s {
	case HostKeyOK:
		return "ok"
	case HostKeyNew:
		return "new"
	case HostKeyChanged:
		return "changed"
	default:
		return "unknown"
	}
}

// HostKeyStore is the trust store consulted during connect. The algorithm
// is part of key (key.Type()).
type HostKeyStore interface {
	Verify(hostname string, remote net.Addr, key ssh.PublicKey) (HostKeyStatus, error)
	Remember(hostname string, remote net.Addr, key ssh.PublicKey) error
}

// KnownHostsStore is a HostKeyStore backed by an OpenSSH known_hosts file.
type KnownHostsStore struct {
	mu   sync.Mutex
	path string
}

// NewKnownHostsStore creates a store for the known_hosts file at path. The
// file is created on the first Remember.
func NewKnownHostsStore(path string) *KnownHostsStore {
	return &KnownHostsStore{path: path}
}

// Path returns the known_hosts file path.
func (s *KnownHostsStore) Path() string {
	return s.path
}

// Verify implements HostKeyStore.
func (s *KnownHostsStore) Verify(hostname string, remote net.Addr, key ssh.PublicKey) (HostKeyStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, err := knownhosts.New(s.path)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return HostKeyNew, nil
		}
		return HostKeyChanged, fmt.Errorf("loading known hosts %s: %w", s.path, err)
	}

	err = cb(hostname, remote, key)
	if err == nil {
		return HostKeyOK, nil
	}

	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		if len(keyErr.Want) == 0 {
			return HostKeyNew, nil
		}
		return HostKeyChanged, nil
	}

	var revoked *knownhosts.RevokedError
	if errors.As(err, &revoked) {
		return HostKeyChanged, nil
	}

	return HostKeyChanged, fmt.Errorf("checking host key for %s: %w", hostname, err)
}

// Remember implements HostKeyStore by appending a line to the file.
func (s *KnownHostsStore) Remember(hostname string, remote net.Addr, key ssh.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating known hosts directory: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening known hosts %s: %w", s.path, err)
	}
	defer func() { _ = f.Close() }()

	addrs := []string{knownhosts.Normalize(hostname)}
	if remote != nil {
		if ra := knownhosts.Normalize(remote.String()); ra != addrs[0] {
			addrs = append(addrs, ra)
		}
	}

	if _, err := fmt.Fprintln(f, knownhosts.Line(addrs, key)); err != nil {
		return fmt.Errorf("writing known hosts %s: %w", s.path, err)
	}
	return nil
}

// MemoryHostKeyStore keeps host keys in memory.
type MemoryHostKeyStore struct {
	mu   sync.Mutex
	keys map[string][]byte
}

// NewMemoryHostKeyStore creates an empty in-memory store.
func NewMemoryHostKeyStore() *MemoryHostKeyStore {
	return &MemoryHostKeyStore{keys: make(map[string][]byte)}
}

// Verify implements HostKeyStore.
func (s *MemoryHostKeyStore) Verify(hostname string, _ net.Addr, key ssh.PublicKey) (HostKeyStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	known, ok := s.keys[knownhosts.Normalize(hostname)]
	switch {
	case !ok:
		return HostKeyNew, nil
	case bytes.Equal(known, key.Marshal()):
		return HostKeyOK, nil
	default:
		return HostKeyChanged, nil
	}
}

// Remember implements HostKeyStore. A later key replaces an earlier one.
func (s *MemoryHostKeyStore) Remember(hostname string, _ net.Addr, key ssh.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[knownhosts.Normalize(hostname)] = key.Marshal()
	return nil
}

// hostKeyCallback verifies the server key with store and asks prompter about
// new or changed keys. A rejection is recorded in rejected.
func hostKeyCallback(store HostKeyStore, prompter Prompter, rejected *error) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		status, err := store.Verify(hostname, remote, key)
		if err != nil {
			*rejected = fmt.Errorf("%w: %w", ErrHostKeyRejected, err)
			return *rejected
		}
		if status == HostKeyOK {
			return nil
		}

		switch prompter.ConfirmHostKey(hostname, ssh.FingerprintSHA256(key), status == HostKeyChanged) {
		case HostKeyAccept:
			if err := store.Remember(hostname, remote, key); err != nil {
				*rejected = fmt.Errorf("%w: %w", ErrHostKeyRejected, err)
				return *rejected
			}
			return nil
		case HostKeyAcceptOnce:
			return nil
		default:
			*rejected = fmt.Errorf("%w: %s key for %s", ErrHostKeyRejected, status, hostname)
			return *rejected
		}
	}
}
