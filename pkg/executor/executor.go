package executor

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// CommandResult is the outcome of a completed command
type CommandResult struct {
	// Exit status code (0 for success)
	ExitStatus int `json:"exit_status"`
	// Captured stdout
	Stdout string `json:"stdout"`
	// Captured stderr
	Stderr string `json:"stderr"`
	// Time taken to execute
	Duration time.Duration `json:"duration"`
}

// Success reports whether the command exited with status 0
func (r *CommandResult) Success() bool {
	return r.ExitStatus == 0
}

// Executor runs shell commands on a host, locally or over SSH.
// Implementations must be safe for concurrent use.
type Executor interface {
	// Run executes a command and returns the result. A non-zero exit
	// status is not an error; check result.Success().
	Run(ctx context.Context, cmd string) (*CommandResult, error)

	// RunWithTimeout executes a command, aborting with a KindTimeout *Error
	// once the timeout elapses. The underlying process or channel is released.
	RunWithTimeout(ctx context.Context, cmd string, timeout time.Duration) (*CommandResult, error)

	// Connected reports whether a session is established.
	// Local executors always report true.
	Connected() bool

	// Type returns the executor kind for logging ("local" or "ssh")
	Type() string

	// Close releases the session and any scoped resources (temp keys)
	Close() error
}

// RunOK runs a command and returns trimmed stdout, turning a non-zero
// exit status into a CommandFailed error.
func RunOK(ctx context.Context, e Executor, cmd string) (string, error) {
	result, err := e.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	if !result.Success() {
		return "", &Error{
			Kind:       KindCommandFailed,
			ExitStatus: result.ExitStatus,
			Stderr:     result.Stderr,
		}
	}
	return strings.TrimSpace(result.Stdout), nil
}

// CommandExists checks whether a command is present on the host
func CommandExists(ctx context.Context, e Executor, name string) (bool, error) {
	result, err := e.Run(ctx, fmt.Sprintf("which %s", name))
	if err != nil {
		return false, err
	}
	return result.Success(), nil
}
