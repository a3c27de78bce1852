package sshutil

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// HostKeyDecision is the user's answer to an unknown or changed host key.
type HostKeyDecision int

const (
	// HostKeyAccept trusts the key and stores it.
	HostKeyAccept HostKeyDecision = iota

	// HostKeyAcceptOnce trusts the key for this connection only.
	HostKeyAcceptOnce

	// HostKeyReject refuses the key.
	HostKeyReject

	// HostKeyAbort refuses the key and abandons the connection.
	HostKeyAbort
)

// Prompter asks the user for secrets and decisions during connect.
// Returning an empty secret aborts the corresponding method.
type Prompter interface {
	// Passphrase asks for the passphrase of an encrypted private key.
	Passphrase(keyPath string) (string, error)

	// Password asks for the login password of user on host.
	Password(user, host string) (string, error)

	// Challenge relays one keyboard-interactive question.
	Challenge(name, instruction, question string, echo bool) (string, error)

	// ConfirmHostKey asks whether to trust a new or changed host key.
	ConfirmHostKey(host, fingerprint string, changed bool) HostKeyDecision
}

// NoPrompter never asks. Secrets come back empty and host keys are
// rejected, so only remembered or configured credentials can succeed.
type NoPrompter struct{}

func (NoPrompter) Passphrase(string) (string, error)                      { return "", nil }
func (NoPrompter) Password(string, string) (string, error)                { return "", nil }
func (NoPrompter) Challenge(string, string, string, bool) (string, error) { return "", nil }
func (NoPrompter) ConfirmHostKey(string, string, bool) HostKeyDecision    { return HostKeyReject }

// TerminalPrompter prompts on a terminal. Secrets are read without echo
// when in is a terminal. Prompts from concurrent connects are serialized.
type TerminalPrompter struct {
	mu     sync.Mutex
	in     *os.File
	reader *bufio.Reader
	out    io.Writer
}

// NewTerminalPrompter creates a prompter reading from in and writing to out.
func NewTerminalPrompter(in *os.File, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{
		in:     in,
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Passphrase implements Prompter.
func (p *TerminalPrompter) Passphrase(keyPath string) (string, error) {
	return p.ask(fmt.Sprintf("Enter passphrase for key '%s': ", keyPath), false)
}

// Password implements Prompter.
func (p *TerminalPrompter) Password(user, host string) (string, error) {
	return p.ask(fmt.Sprintf("%s@%s's password: ", user, host), false)
}

// Challenge implements Prompter.
func (p *TerminalPrompter) Challenge(name, instruction, question string, echo bool) (string, error) {
	p.mu.Lock()
	if name != "" {
		_, _ = fmt.Fprintln(p.out, name)
	}
	if instruction != "" {
		_, _ = fmt.Fprintln(p.out, instruction)
	}
	p.mu.Unlock()
	return p.ask(question, echo)
}

// ConfirmHostKey implements Prompter.
func (p *TerminalPrompter) ConfirmHostKey(host, fingerprint string, changed bool) HostKeyDecision {
	var msg string
	if changed {
		msg = fmt.Sprintf("WARNING: the host key for %s has CHANGED.\nNew key fingerprint is %s.\n", host, fingerprint)
	} else {
		msg = fmt.Sprintf("The authenticity of host %s can't be established.\nKey fingerprint is %s.\n", host, fingerprint)
	}

	answer, err := p.ask(msg+"Trust it? [yes/once/no/abort]: ", true)
	if err != nil {
		return HostKeyAbort
	}

	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "yes", "y":
		return HostKeyAccept
	case "once", "o":
		return HostKeyAcceptOnce
	case "abort", "a":
		return HostKeyAbort
	default:
		return HostKeyReject
	}
}

func (p *TerminalPrompter) ask(prompt string, echo bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := fmt.Fprint(p.out, prompt); err != nil {
		return "", fmt.Errorf("writing prompt: %w", err)
	}

	fd := int(p.in.Fd())
	if !echo && term.IsTerminal(fd) {
		secret, err := term.ReadPassword(fd)
		_, _ = fmt.Fprintln(p.out)
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return string(secret), nil
	}

	line, err := p.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("reading answer: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
