package executor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/Mozart409/tendhost/pkg/log"
)

// LocalExecutor runs commands on the local machine through a subshell
type LocalExecutor struct{}

// NewLocalExecutor creates a new local executor
func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{}
}

// Run executes a command locally
func (e *LocalExecutor) Run(ctx context.Context, cmd string) (*CommandResult, error) {
	return e.execute(ctx, cmd)
}

// RunWithTimeout executes a command locally with a timeout. On timeout
// the child process is killed and a KindTimeout *Error is returned.
func (e *LocalExecutor) RunWithTimeout(ctx context.Context, cmd string, timeout time.Duration) (*CommandResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := e.execute(execCtx, cmd)
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		log.Logger.Error().
			Str("command", cmd).
			Dur("timeout", timeout).
			Msg("command timed out")
		return nil, &Error{Kind: KindTimeout, Timeout: timeout}
	}
	return result, err
}

func (e *LocalExecutor) execute(ctx context.Context, cmd string) (*CommandResult, error) {
	start := time.Now()

	log.Logger.Debug().Str("command", cmd).Msg("executing local command")

	// Use a shell to support pipes, redirections, etc.
	command := exec.CommandContext(ctx, "sh", "-c", cmd)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Start(); err != nil {
		return nil, newError(KindSpawnError, "", err)
	}

	err := command.Wait()
	duration := time.Since(start)

	status := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			status = exitErr.ExitCode()
		} else {
			// Killed by context cancellation or an I/O failure
			if ctx.Err() != nil {
				return nil, newError(KindIOError, "command aborted", ctx.Err())
			}
			return nil, newError(KindIOError, "", err)
		}
	}

	result := &CommandResult{
		ExitStatus: status,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		Duration:   duration,
	}

	log.Logger.Debug().
		Str("command", cmd).
		Int("status", status).
		Dur("duration", duration).
		Msg("command completed")

	if !result.Success() {
		log.Logger.Error().
			Str("command", cmd).
			Int("status", status).
			Str("stderr", result.Stderr).
			Msg("command failed")
	}

	return result, nil
}

// Connected always reports true for local execution
func (e *LocalExecutor) Connected() bool {
	return true
}

// Type returns the executor kind
func (e *LocalExecutor) Type() string {
	return "local"
}

// Close is a no-op for local execution
func (e *LocalExecutor) Close() error {
	return nil
}
