package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/Mozart409/tendhost/pkg/log"
)

const defaultSSHPort = 22

// connectTimeout bounds the TCP dial and handshake
const connectTimeout = 30 * time.Second

// SSHExecutor runs commands on a remote host over SSH.
// A single authenticated session is established lazily on first use and
// reused for all subsequent commands; each command gets its own channel.
type SSHExecutor struct {
	host string
	port int
	user string

	key *ResolvedKey

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHExecutor creates an SSH executor for the given host and user.
// The key source is resolved immediately so configuration errors surface
// at construction time.
func NewSSHExecutor(host, user string, keySource KeySource) (*SSHExecutor, error) {
	key, err := keySource.Resolve()
	if err != nil {
		return nil, err
	}

	return &SSHExecutor{
		host: host,
		port: defaultSSHPort,
		user: user,
		key:  key,
	}, nil
}

// WithPort overrides the SSH port
func (e *SSHExecutor) WithPort(port int) *SSHExecutor {
	e.port = port
	return e
}

// connect establishes the session if not already connected.
// Caller must hold e.mu.
func (e *SSHExecutor) connect() error {
	if e.client != nil {
		return nil
	}

	log.Logger.Info().
		Str("host", e.host).
		Int("port", e.port).
		Str("user", e.user).
		Msg("connecting to SSH")

	if e.key.UseAgent() {
		// Agent auth is reserved; key file auth is the supported path
		return newError(KindAuthenticationFailed, "SSH agent authentication not yet implemented", nil)
	}

	keyData, err := os.ReadFile(e.key.Path())
	if err != nil {
		return newError(KindKeyError, "", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return newError(KindKeyError, "", err)
	}

	config := &ssh.ClientConfig{
		User: e.user,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// Accept all server keys, like StrictHostKeyChecking=no.
		// A production deployment must verify against known_hosts.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}

	addr := net.JoinHostPort(e.host, fmt.Sprintf("%d", e.port))
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		var authErr *ssh.ServerAuthError
		if errors.As(err, &authErr) {
			return newError(KindAuthenticationFailed, "", err)
		}
		return newError(KindConnectionFailed, "", err)
	}

	log.Logger.Info().Str("host", e.host).Msg("SSH connected and authenticated")

	e.client = client
	return nil
}

// Run executes a command on the remote host, connecting first if needed
func (e *SSHExecutor) Run(ctx context.Context, cmd string) (*CommandResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.connect(); err != nil {
		return nil, err
	}
	return e.executeRemote(ctx, cmd, 0)
}

// RunWithTimeout executes a command with an explicit timeout. On timeout
// the channel is closed and a KindTimeout *Error is returned; the session
// survives.
func (e *SSHExecutor) RunWithTimeout(ctx context.Context, cmd string, timeout time.Duration) (*CommandResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Establish the connection outside of the command timeout
	if err := e.connect(); err != nil {
		return nil, err
	}
	return e.executeRemote(ctx, cmd, timeout)
}

// executeRemote opens a channel, runs the command, and collects output.
// Caller must hold e.mu.
func (e *SSHExecutor) executeRemote(ctx context.Context, cmd string, timeout time.Duration) (*CommandResult, error) {
	if e.client == nil {
		return nil, &Error{Kind: KindNotConnected}
	}

	log.Logger.Debug().Str("host", e.host).Str("command", cmd).Msg("executing remote command")

	start := time.Now()

	session, err := e.client.NewSession()
	if err != nil {
		// A dead transport surfaces here; drop it so the next call redials
		e.client.Close()
		e.client = nil
		return nil, newError(KindConnectionFailed, "", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(cmd); err != nil {
		return nil, newError(KindIOError, "", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case err = <-done:
	case <-timer:
		// Closing the session aborts the channel without tearing down
		// the transport
		session.Close()
		log.Logger.Error().
			Str("host", e.host).
			Str("command", cmd).
			Dur("timeout", timeout).
			Msg("command timed out")
		return nil, &Error{Kind: KindTimeout, Timeout: timeout}
	case <-ctx.Done():
		session.Close()
		return nil, newError(KindIOError, "command aborted", ctx.Err())
	}

	duration := time.Since(start)

	status := 0
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			status = exitErr.ExitStatus()
		} else {
			return nil, newError(KindIOError, "", err)
		}
	}

	log.Logger.Debug().
		Str("host", e.host).
		Str("command", cmd).
		Int("status", status).
		Dur("duration", duration).
		Msg("remote command completed")

	return &CommandResult{
		ExitStatus: status,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		Duration:   duration,
	}, nil
}

// Connected reports whether an SSH session is established
func (e *SSHExecutor) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client != nil
}

// Type returns the executor kind
func (e *SSHExecutor) Type() string {
	return "ssh"
}

// Close disconnects the session and removes any temp key material
func (e *SSHExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.key.Cleanup()

	if e.client != nil {
		err := e.client.Close()
		e.client = nil
		if err != nil {
			return newError(KindIOError, "", err)
		}
		log.Logger.Info().Str("host", e.host).Msg("SSH disconnected")
	}
	return nil
}
