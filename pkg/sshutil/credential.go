package sshutil

import (
	"sync"

	"golang.org/x/crypto/ssh"
)

// CredentialKind identifies the kind of a remembered credential.
type CredentialKind int

const (
	// CredentialNone means nothing is remembered.
	CredentialNone CredentialKind = iota

	// CredentialDSAKey is a DSA private key file.
	CredentialDSAKey

	// CredentialRSAKey is an RSA private key file.
	CredentialRSAKey

	// CredentialKey is a private key file of any other type.
	CredentialKey

	// CredentialPassword is a login password.
	CredentialPassword
)

func (k CredentialKind) String() string {
	switch k {
	case CredentialNone:
		return "none"
	case CredentialDSAKey:
		return "dsa_key"
	case CredentialRSAKey:
		return "rsa_key"
	case CredentialKey:
		return "key"
	case CredentialPassword:
		return "password"
	default:
		return "unknown"
	}
}

// IsKey reports whether k is a key file credential.
func (k CredentialKind) IsKey() bool {
	return k == CredentialDSAKey || k == CredentialRSAKey || k == CredentialKey
}

// Credential is the last credential that authenticated successfully.
type Credential struct {
	Kind CredentialKind

	// KeyPath is set for key credentials.
	KeyPath string

	password string
	signer   ssh.Signer
}

// keyCredential builds a credential for a key that signed successfully.
func keyCredential(path string, signer ssh.Signer) Credential {
	kind := CredentialKey
	switch signer.PublicKey().Type() {
	case ssh.KeyAlgoDSA: //nolint:staticcheck // DSA keys are still found on cluster nodes
		kind = CredentialDSAKey
	case ssh.KeyAlgoRSA:
		kind = CredentialRSAKey
	}
	return Credential{Kind: kind, KeyPath: path, signer: signer}
}

func passwordCredential(password string) Credential {
	return Credential{Kind: CredentialPassword, password: password}
}

// credentialStore remembers one credential, first write wins until cleared.
type credentialStore struct {
	mu   sync.Mutex
	cred Credential
}

// remember stores c unless a credential is already remembered.
func (s *credentialStore) remember(c Credential) bool {
	if c.Kind == CredentialNone {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred.Kind != CredentialNone {
		return false
	}
	s.cred = c
	return true
}

func (s *credentialStore) get() Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred
}

func (s *credentialStore) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = Credential{}
}
