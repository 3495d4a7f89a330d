package executor

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies execution failures. The set is closed; callers
// switch on Kind rather than parsing messages.
type ErrorKind string

const (
	KindConnectionFailed     ErrorKind = "connection_failed"
	KindAuthenticationFailed ErrorKind = "authentication_failed"
	KindCommandFailed        ErrorKind = "command_failed"
	KindTimeout              ErrorKind = "timeout"
	KindKeyError             ErrorKind = "key_error"
	KindSpawnError           ErrorKind = "spawn_error"
	KindIOError              ErrorKind = "io_error"
	KindNotConnected         ErrorKind = "not_connected"
	KindConfigError          ErrorKind = "config_error"
)

// Error is an execution failure with a classified kind
type Error struct {
	Kind ErrorKind
	// Human-readable detail
	Msg string
	// Set for KindCommandFailed
	ExitStatus int
	Stderr     string
	// Set for KindTimeout
	Timeout time.Duration
	// Wrapped cause, if any
	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindConnectionFailed:
		return fmt.Sprintf("connection failed: %s", e.detail())
	case KindAuthenticationFailed:
		return fmt.Sprintf("authentication failed: %s", e.detail())
	case KindCommandFailed:
		return fmt.Sprintf("command execution failed: %d - %s", e.ExitStatus, e.Stderr)
	case KindTimeout:
		return fmt.Sprintf("command timed out after %s", e.Timeout)
	case KindKeyError:
		return fmt.Sprintf("SSH key error: %s", e.detail())
	case KindSpawnError:
		return fmt.Sprintf("failed to spawn process: %s", e.detail())
	case KindIOError:
		return fmt.Sprintf("I/O error: %s", e.detail())
	case KindNotConnected:
		return "not connected"
	case KindConfigError:
		return fmt.Sprintf("invalid configuration: %s", e.detail())
	}
	return e.detail()
}

func (e *Error) detail() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller is advised to retry.
// Only connection failures and timeouts qualify.
func (e *Error) Retryable() bool {
	return e.Kind == KindConnectionFailed || e.Kind == KindTimeout
}

// IsRetryable reports whether err is a retryable execution error
func IsRetryable(err error) bool {
	var execErr *Error
	if errors.As(err, &execErr) {
		return execErr.Retryable()
	}
	return false
}

func newError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}
