package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRunSuccess(t *testing.T) {
	e := NewLocalExecutor()
	result, err := e.Run(context.Background(), "echo hello")
	require.NoError(t, err)

	assert.True(t, result.Success())
	assert.Equal(t, "hello\n", result.Stdout)
}

func TestLocalRunFailure(t *testing.T) {
	e := NewLocalExecutor()
	result, err := e.Run(context.Background(), "exit 42")
	require.NoError(t, err)

	assert.False(t, result.Success())
	assert.Equal(t, 42, result.ExitStatus)
}

func TestLocalRunTimeout(t *testing.T) {
	e := NewLocalExecutor()
	_, err := e.RunWithTimeout(context.Background(), "sleep 5", 100*time.Millisecond)
	require.Error(t, err)

	var execErr *Error
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindTimeout, execErr.Kind)
	assert.True(t, execErr.Retryable())
}

func TestLocalRunStderr(t *testing.T) {
	e := NewLocalExecutor()
	result, err := e.Run(context.Background(), "echo error >&2")
	require.NoError(t, err)

	assert.True(t, result.Success())
	assert.Equal(t, "error\n", result.Stderr)
}

func TestLocalRunShellFeatures(t *testing.T) {
	e := NewLocalExecutor()
	result, err := e.Run(context.Background(), "echo one | tr a-z A-Z")
	require.NoError(t, err)

	assert.Equal(t, "ONE\n", result.Stdout)
}

func TestLocalConnected(t *testing.T) {
	e := NewLocalExecutor()
	assert.True(t, e.Connected())
	assert.Equal(t, "local", e.Type())
	assert.NoError(t, e.Close())
}

func TestRunOK(t *testing.T) {
	e := NewLocalExecutor()

	out, err := RunOK(context.Background(), e, "echo trimmed ")
	require.NoError(t, err)
	assert.Equal(t, "trimmed", out)

	_, err = RunOK(context.Background(), e, "echo boom >&2; exit 3")
	var execErr *Error
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindCommandFailed, execErr.Kind)
	assert.Equal(t, 3, execErr.ExitStatus)
	assert.Contains(t, execErr.Stderr, "boom")
	assert.False(t, execErr.Retryable())
}

func TestCommandExists(t *testing.T) {
	e := NewLocalExecutor()

	exists, err := CommandExists(context.Background(), e, "sh")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = CommandExists(context.Background(), e, "definitely-not-a-command-xyz")
	require.NoError(t, err)
	assert.False(t, exists)
}
