// Package runner is the per-host facade for running remote commands.
//
// A [Runner] combines a host connection with a command executor. Each
// submitted command runs on its own goroutine, which first makes sure the
// host is connected and then executes the command:
//
//	h := r.RunAsync(command.Request{Command: "drbdadm up r0"}, runner.CallbackFuncs{
//		OnDone:  func(out string) { ... },
//		OnError: func(out string, code int) { ... },
//	})
//	...
//	h.Cancel()
//
// The callback contract is strict: exactly one of Done or DoneError is
// called, once, on the worker goroutine. Failures of any kind, including a
// panic in the worker, end in DoneError.
//
// A command may start with [command.NoOutputPrefix] or [command.OutputPrefix]
// to hide or force its console output regardless of the request flag. The
// prefix is removed before the command is sent.
package runner
