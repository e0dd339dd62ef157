package ipc

import (
	"errors"
	"fmt"

	"Assembler-IPC/internal/core/request"
)

var (
	ErrEndpointClosed     = errors.New("endpoint closed")
	ErrPatternMismatch    = errors.New("operation not supported by endpoint pattern")
	ErrUnsupportedPattern = errors.New("unsupported pattern")
	ErrUnsupportedRole    = errors.New("unsupported role")
	ErrAlreadySubscribed  = errors.New("endpoint already subscribed")
	ErrNotSubscribed      = errors.New("endpoint not subscribed")
	ErrNilCallback        = errors.New("callback is nil")
	ErrNilRequest         = errors.New("request is nil")
	ErrNotRestartable     = errors.New("subscriber already ran; create a new one")
	// ErrShutdownTimeout means Stop gave up waiting for Run to return.
	ErrShutdownTimeout = errors.New("subscriber did not stop within shutdown timeout")

	errRecvTimeout = errors.New("receive timed out")
)

// ConnectionError reports an endpoint whose transport could not be opened or
// whose stream ended underneath it. It is never retried by this package.
type ConnectionError struct {
	Address string
	Role    Role
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Role, e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError returns true if err is or wraps a ConnectionError.
func IsConnectionError(err error) bool {
	var e *ConnectionError
	return errors.As(err, &e)
}

// CallbackError reports a callback that returned an error or panicked.
type CallbackError struct {
	Action request.Action
	// Panic holds the recovered value when the callback panicked.
	Panic any
	Err   error
}

func (e *CallbackError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("callback for %s panicked: %v", e.Action, e.Panic)
	}
	return fmt.Sprintf("callback for %s failed: %v", e.Action, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

// IsCallbackError returns true if err is or wraps a CallbackError.
func IsCallbackError(err error) bool {
	var e *CallbackError
	return errors.As(err, &e)
}
