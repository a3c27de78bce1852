// Package sshutil manages the SSH connection to each cluster node.
//
// # Overview
//
// The package provides these components:
//
//   - [Connection]: the single authenticated transport to one host, with
//     join-on-connect, cancellation, reconnect and keepalive
//   - [Authenticator]: public key, keyboard-interactive and password
//     authentication with per-method retry bounds and a remembered credential
//   - [HostKeyStore]: host key trust, backed by known_hosts ([KnownHostsStore])
//     or memory ([MemoryHostKeyStore])
//   - [Prompter]: asks the user for passphrases, passwords and host key
//     decisions ([TerminalPrompter], [NoPrompter])
//   - [SFTPFileSystem]: implements [FileSystem] over SFTP
//
// # Basic Usage
//
//	config := &sshutil.Config{
//		Host:  "node-a.cluster.local",
//		Users: []string{"root"},
//	}
//
//	conn, err := sshutil.NewConnection(config,
//		sshutil.WithPrompter(sshutil.NewTerminalPrompter(os.Stdin, os.Stderr)),
//		sshutil.WithHostKeyStore(sshutil.NewKnownHostsStore(knownHosts)),
//	)
//	if err != nil {
//		return err
//	}
//	defer conn.Disconnect(true)
//
//	if _, err := conn.Connect(ctx, nil); err != nil {
//		return err
//	}
//
//	// Sessions for the command executor
//	opener := conn.CommandOpener(true)
//
// # Authentication Order
//
// Within one connect call the methods are tried in this order, each bounded
// by [Config.AuthRetries]:
//
//  1. the remembered credential, without prompting
//  2. key files that need no passphrase (DSA, then RSA by default)
//  3. key files with a prompted passphrase; an empty passphrase gives up
//  4. keyboard-interactive; a server that sends no prompts is noted and skipped
//  5. password; an empty password gives up
//
// A remembered password puts the password method first. The credential that
// succeeds first is remembered until [Connection.ClearCredential].
//
// # Host Keys
//
// Unknown and changed host keys are shown to the [Prompter]. A rejected key
// fails the connect call with [ErrHostKeyRejected]; it is never retried
// automatically.
package sshutil
