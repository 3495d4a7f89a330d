package pkgmgr

import (
	"errors"
	"fmt"
)

// ErrorKind classifies package operation failures. The set is closed.
type ErrorKind string

const (
	KindManagerNotFound       ErrorKind = "manager_not_found"
	KindPackageNotFound       ErrorKind = "package_not_found"
	KindRepositoryUnavailable ErrorKind = "repository_unavailable"
	KindLockConflict          ErrorKind = "lock_conflict"
	KindPermissionDenied      ErrorKind = "permission_denied"
	KindCommandFailed         ErrorKind = "command_failed"
	KindParseError            ErrorKind = "parse_error"
	KindExecutionError        ErrorKind = "execution_error"
	KindConfigError           ErrorKind = "config_error"
)

// Error is a package operation failure with a classified kind
type Error struct {
	Kind ErrorKind
	// Human-readable detail
	Msg string
	// Set for KindCommandFailed
	ExitStatus int
	// Wrapped cause, if any
	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindManagerNotFound:
		return fmt.Sprintf("package manager not found: %s", e.detail())
	case KindPackageNotFound:
		return fmt.Sprintf("package not found: %s", e.detail())
	case KindRepositoryUnavailable:
		return fmt.Sprintf("repository unavailable: %s", e.detail())
	case KindLockConflict:
		return fmt.Sprintf("lock file conflict: %s", e.detail())
	case KindPermissionDenied:
		return fmt.Sprintf("insufficient permissions: %s", e.detail())
	case KindCommandFailed:
		return fmt.Sprintf("command failed: %d - %s", e.ExitStatus, e.detail())
	case KindParseError:
		return fmt.Sprintf("parse error: %s", e.detail())
	case KindExecutionError:
		return fmt.Sprintf("execution error: %s", e.detail())
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
// Lock conflicts and repository outages are transient.
func (e *Error) Retryable() bool {
	return e.Kind == KindLockConflict || e.Kind == KindRepositoryUnavailable
}

// IsRetryable reports whether err is a retryable package error
func IsRetryable(err error) bool {
	var pkgErr *Error
	if errors.As(err, &pkgErr) {
		return pkgErr.Retryable()
	}
	return false
}

func newError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

func execError(cause error) *Error {
	return &Error{Kind: KindExecutionError, Err: cause}
}
