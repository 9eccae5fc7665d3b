// Package errkind enumerates the sentinel error kinds shared across the
// command execution engine. Layers wrap these with context via
// fmt.Errorf("...: %w", err) and callers compare with errors.Is.
package errkind

import "errors"

var (
	// ErrInvalidInput is returned for empty command text, empty session id,
	// or other malformed arguments.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned for an unknown command id or session id.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyTerminal is returned when a terminal transition is attempted
	// on a record that is already terminal. The attempted transition is a
	// no-op, not a failure.
	ErrAlreadyTerminal = errors.New("already terminal")

	// ErrClosed is returned when an operation targets a session that has
	// begun or completed shutdown.
	ErrClosed = errors.New("session closed")

	// ErrCancelled is returned when a command was cancelled by the client.
	ErrCancelled = errors.New("cancelled")

	// ErrTimedOut is returned when the timeout supervisor expired a command.
	ErrTimedOut = errors.New("timed out")

	// ErrAdapterFault is returned for an unrecoverable I/O error, premature
	// EOF, or child process crash on the debugger process adapter.
	ErrAdapterFault = errors.New("adapter fault")

	// ErrUnresponsive is returned when a break signal was ignored within the
	// grace window.
	ErrUnresponsive = errors.New("adapter unresponsive")

	// ErrParseError is returned when batch output is missing expected
	// per-command markers.
	ErrParseError = errors.New("parse error")

	// ErrRecoveryExhausted is returned when recovery attempts have reached
	// the configured limit while the adapter remains unhealthy.
	ErrRecoveryExhausted = errors.New("recovery exhausted")

	// ErrDegraded is returned by submit on a session whose adapter could not
	// be recovered, that is, while its most recent recovery attempt has
	// failed. No new command is queued on such a session.
	ErrDegraded = errors.New("session degraded")

	// ErrStartupFailed is returned when the adapter's initial prompt was not
	// observed within the configured startup window.
	ErrStartupFailed = errors.New("adapter startup failed")

	// ErrQueueClosed names a queue that no longer accepts work. The engine
	// does not return it: Processor.Enqueue cannot fail, and Session.Submit
	// after Close returns ErrClosed.
	ErrQueueClosed = errors.New("queue closed")
)
