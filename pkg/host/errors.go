package host

import (
	"errors"
	"fmt"

	"github.com/Mozart409/tendhost/pkg/types"
)

// ErrStopped is returned for operations sent to a stopped host
var ErrStopped = errors.New("host entity stopped")

// ErrNotFailed is returned when Retry or Acknowledge is sent to a host
// that is not in the failed state
var ErrNotFailed = errors.New("host is not in failed state")

// InvalidTransitionError is a protocol error: the requested operation is
// not legal from the host's current state. The host state is unchanged.
type InvalidTransitionError struct {
	From types.HostState
	To   types.HostState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s", e.From, e.To)
}

// FailedError is returned for operational messages sent to a host in the
// failed state. Only Retry and Acknowledge are accepted there.
type FailedError struct {
	Host   string
	Reason string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("host is in failed state: %s", e.Reason)
}

// InventoryError wraps a failure during inventory query
type InventoryError struct {
	Err error
}

func (e *InventoryError) Error() string {
	return fmt.Sprintf("inventory query failed: %v", e.Err)
}

func (e *InventoryError) Unwrap() error {
	return e.Err
}

// PackageError wraps a package manager failure during an update
type PackageError struct {
	Err error
}

func (e *PackageError) Error() string {
	return fmt.Sprintf("package manager error: %v", e.Err)
}

func (e *PackageError) Unwrap() error {
	return e.Err
}

// SSHError wraps an executor failure during reboot or verification
type SSHError struct {
	Err error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("SSH execution failed: %v", e.Err)
}

func (e *SSHError) Unwrap() error {
	return e.Err
}
