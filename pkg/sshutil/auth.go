package sshutil

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// NoteKeyboardInteractiveBroken is recorded when a server offers
// keyboard-interactive but sends no prompts.
const NoteKeyboardInteractiveBroken = "keyboard-interactive does not work"

// Method names as used on the wire.
const (
	methodPublicKey           = "publickey"
	methodKeyboardInteractive = "keyboard-interactive"
	methodPassword            = "password"
)

var (
	errPublicKeyAborted = errors.New("public key authentication aborted")
	errPasswordAborted  = errors.New("password authentication aborted")
	errNoKeys           = errors.New("no usable private keys")
	errKeyboardBroken   = errors.New(NoteKeyboardInteractiveBroken)
)

// Authenticator builds the authentication methods for connect attempts to
// one host and remembers the credential that worked.
type Authenticator struct {
	config   *Config
	prompter Prompter
	logger   *slog.Logger

	creds credentialStore

	mu    sync.Mutex
	notes []string
}

// NewAuthenticator creates an authenticator for config. A password in the
// config is remembered as if it had succeeded before.
func NewAuthenticator(config *Config, prompter Prompter, logger *slog.Logger) *Authenticator {
	if prompter == nil {
		prompter = NoPrompter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authenticator{
		config:   config,
		prompter: prompter,
		logger:   logger,
	}
	if config.Password != "" {
		a.creds.remember(passwordCredential(config.Password))
	}
	return a
}

// Credential returns the remembered credential.
func (a *Authenticator) Credential() Credential {
	return a.creds.get()
}

// ClearCredential forgets the remembered credential.
func (a *Authenticator) ClearCredential() {
	a.creds.clear()
}

// Notes returns the notes recorded during earlier attempts.
func (a *Authenticator) Notes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.notes...)
}

func (a *Authenticator) addNote(note string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, n := range a.notes {
		if n == note {
			return
		}
	}
	a.notes = append(a.notes, note)
}

// authAttempt holds the state of the methods for one handshake. Retry
// counters live here, so they reset with every connect call.
type authAttempt struct {
	a    *Authenticator
	user string
	host string

	remembered Credential

	mu   sync.Mutex
	last Credential

	// publickey
	pkStage     int
	plainKeys   []loadedKey
	encrypted   []encryptedKey
	keysLoaded  bool
	passphrases int

	// keyboard-interactive
	kbdAnswered bool

	// password
	passwordCalls int
}

type loadedKey struct {
	path   string
	signer ssh.Signer
}

type encryptedKey struct {
	path string
	pem  []byte
}

func (a *Authenticator) newAttempt() *authAttempt {
	return &authAttempt{
		a:          a,
		user:       a.config.User(),
		host:       a.config.Host,
		remembered: a.creds.get(),
	}
}

// methods returns the auth methods in preference order. A remembered
// password moves the password method to the front.
func (t *authAttempt) methods() []ssh.AuthMethod {
	retries := t.a.config.GetAuthRetries()

	pk := ssh.RetryableAuthMethod(ssh.PublicKeysCallback(t.publicKeySigners), retries+2)
	kbd := ssh.RetryableAuthMethod(ssh.KeyboardInteractive(t.challenge), retries)
	pw := ssh.RetryableAuthMethod(ssh.PasswordCallback(t.password), retries)

	if t.remembered.Kind == CredentialPassword {
		return []ssh.AuthMethod{pw, pk, kbd}
	}
	return []ssh.AuthMethod{pk, kbd, pw}
}

// succeeded commits the credential that completed the handshake.
func (t *authAttempt) succeeded() Credential {
	t.mu.Lock()
	last := t.last
	t.mu.Unlock()

	if t.a.creds.remember(last) {
		t.a.logger.Debug("remembered credential",
			slog.String("host", t.host),
			slog.String("kind", last.Kind.String()),
			slog.String("key", last.KeyPath),
		)
	}
	return last
}

func (t *authAttempt) setLast(c Credential) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = c
}

// publicKeySigners is called once per publickey round. The first round
// offers the remembered key; the next one the keys without a passphrase;
// every later round asks for a passphrase.
func (t *authAttempt) publicKeySigners() ([]ssh.Signer, error) {
	t.loadKeys()

	for {
		stage := t.pkStage
		t.pkStage++

		switch stage {
		case 0:
			if t.remembered.Kind.IsKey() && t.remembered.signer != nil {
				return []ssh.Signer{t.track(t.remembered.KeyPath, t.remembered.signer)}, nil
			}
		case 1:
			var signers []ssh.Signer
			for _, k := range t.plainKeys {
				if k.path == t.remembered.KeyPath {
					continue
				}
				signers = append(signers, t.track(k.path, k.signer))
			}
			if len(signers) > 0 {
				return signers, nil
			}
		default:
			return t.passphraseSigners()
		}
	}
}

func (t *authAttempt) passphraseSigners() ([]ssh.Signer, error) {
	if len(t.encrypted) == 0 {
		return nil, errNoKeys
	}
	if t.passphrases >= t.a.config.GetAuthRetries() {
		return nil, errPublicKeyAborted
	}
	t.passphrases++

	passphrase, err := t.a.prompter.Passphrase(t.encrypted[0].path)
	if err != nil {
		return nil, err
	}
	if passphrase == "" {
		t.a.logger.Debug("empty passphrase, giving up on public key authentication",
			slog.String("host", t.host),
		)
		return nil, errPublicKeyAborted
	}

	var signers []ssh.Signer
	for _, k := range t.encrypted {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(k.pem, []byte(passphrase))
		if err != nil {
			t.a.logger.Debug("passphrase does not decrypt key",
				slog.String("key", k.path),
				slog.String("error", err.Error()),
			)
			continue
		}
		signers = append(signers, t.track(k.path, signer))
	}
	return signers, nil
}

// loadKeys reads the configured key files once per attempt. Missing files
// are skipped; encrypted keys are kept for the passphrase rounds.
func (t *authAttempt) loadKeys() {
	if t.keysLoaded {
		return
	}
	t.keysLoaded = true

	for _, path := range t.a.config.GetKeyFiles() {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				t.a.logger.Warn("cannot read key file",
					slog.String("key", path),
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		signer, err := ssh.ParsePrivateKey(data)
		if err == nil {
			t.plainKeys = append(t.plainKeys, loadedKey{path: path, signer: signer})
			continue
		}

		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			t.encrypted = append(t.encrypted, encryptedKey{path: path, pem: data})
			continue
		}

		t.a.logger.Warn("cannot parse key file",
			slog.String("key", path),
			slog.String("error", err.Error()),
		)
	}
}

// track wraps signer so that a signature marks it as the last credential
// used. The server only asks for a signature once it accepts the key.
func (t *authAttempt) track(path string, signer ssh.Signer) ssh.Signer {
	cred := keyCredential(path, signer)
	onSign := func() { t.setLast(cred) }

	if as, ok := signer.(ssh.AlgorithmSigner); ok {
		return &trackedAlgorithmSigner{AlgorithmSigner: as, onSign: onSign}
	}
	return &trackedSigner{Signer: signer, onSign: onSign}
}

type trackedSigner struct {
	ssh.Signer
	onSign func()
}

func (s *trackedSigner) Sign(rand io.Reader, data []byte) (*ssh.Signature, error) {
	s.onSign()
	return s.Signer.Sign(rand, data)
}

type trackedAlgorithmSigner struct {
	ssh.AlgorithmSigner
	onSign func()
}

func (s *trackedAlgorithmSigner) Sign(rand io.Reader, data []byte) (*ssh.Signature, error) {
	s.onSign()
	return s.AlgorithmSigner.Sign(rand, data)
}

func (s *trackedAlgorithmSigner) SignWithAlgorithm(rand io.Reader, data []byte, algorithm string) (*ssh.Signature, error) {
	s.onSign()
	return s.AlgorithmSigner.SignWithAlgorithm(rand, data, algorithm)
}

// challenge answers keyboard-interactive prompts. A server that offers the
// method but never asks anything disables it for this attempt.
func (t *authAttempt) challenge(name, instruction string, questions []string, echos []bool) ([]string, error) {
	t.setLast(Credential{})

	if len(questions) == 0 {
		if t.kbdAnswered {
			return nil, nil
		}
		t.a.addNote(NoteKeyboardInteractiveBroken)
		t.a.logger.Warn("server sent no keyboard-interactive prompts",
			slog.String("host", t.host),
		)
		return nil, errKeyboardBroken
	}

	answers := make([]string, len(questions))
	for i, q := range questions {
		answer, err := t.a.prompter.Challenge(name, instruction, strings.TrimSpace(q), echos[i])
		if err != nil {
			return nil, err
		}
		answers[i] = answer
	}
	t.kbdAnswered = true
	return answers, nil
}

// password returns the remembered password on the first call and prompts
// afterwards. An empty answer gives up on the method.
func (t *authAttempt) password() (string, error) {
	t.passwordCalls++

	if t.passwordCalls == 1 && t.remembered.Kind == CredentialPassword {
		t.setLast(t.remembered)
		return t.remembered.password, nil
	}

	pw, err := t.a.prompter.Password(t.user, t.host)
	if err != nil {
		return "", err
	}
	if pw == "" {
		t.a.logger.Debug("empty password, giving up on password authentication",
			slog.String("host", t.host),
		)
		return "", errPasswordAborted
	}

	t.setLast(passwordCredential(pw))
	return pw, nil
}

// isAuthError checks if an error is an authentication-related error.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errPublicKeyAborted) || errors.Is(err, errPasswordAborted) ||
		errors.Is(err, errNoKeys) || errors.Is(err, errKeyboardBroken) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "unable to authenticate") ||
		strings.Contains(errStr, "no supported methods") ||
		strings.Contains(errStr, "permission denied")
}
