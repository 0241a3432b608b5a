package pubsub

import (
	"errors"
	"fmt"
)

// ErrClosed is returned when an operation is attempted on a closed or
// destroyed Session.
var ErrClosed = errors.New("pubsub: session is closed")

// ErrLockDestroyed is returned by ChannelLock operations called after
// Destroy.
var ErrLockDestroyed = errors.New("pubsub: lock is destroyed")

// ConnectError wraps a failure to establish the underlying database
// connection. It is reported via the Session's error handler and is
// subject to the reconnect policy (§7).
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("pubsub: connect failed: %s", e.Err) }
func (e *ConnectError) Unwrap() error { return e.Err }

// RetryExhaustedError is reported once reconnect attempts reach
// Options.RetryLimit. It is terminal: the Session runs Close right after
// reporting it.
type RetryExhaustedError struct {
	Retries int
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("pubsub: connect failed after %d retries, giving up", e.Retries)
}

// LockSetupError wraps a failure of ChannelLock.init, surfaced to the
// caller of the Listen call that triggered it.
type LockSetupError struct {
	Channel string
	Err     error
}

func (e *LockSetupError) Error() string {
	return fmt.Sprintf("pubsub: lock setup failed for channel %q: %s", e.Channel, e.Err)
}
func (e *LockSetupError) Unwrap() error { return e.Err }

// QueryError wraps any other database failure encountered during a public
// operation (Listen, Unlisten, Notify, ...).
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string { return fmt.Sprintf("pubsub: %s: %s", e.Op, e.Err) }
func (e *QueryError) Unwrap() error { return e.Err }

// DecodeError wraps a failure of unpack on an inbound payload. It is
// reported via the Session's error handler; the offending message is never
// dispatched as a Message event.
type DecodeError struct {
	Channel string
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("pubsub: decode failed on channel %q: %s", e.Channel, e.Err)
}
func (e *DecodeError) Unwrap() error { return e.Err }
