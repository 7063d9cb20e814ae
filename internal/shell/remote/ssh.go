package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/artpar/keel/internal/core/command"
	"github.com/artpar/keel/internal/core/domain"
)

// SSHConfig configures SSH executors.
type SSHConfig struct {
	ConnectTimeout time.Duration // Default: 10 seconds
	CommandTimeout time.Duration // Used when the server declares none
}

// DefaultSSHConfig returns the default configuration.
func DefaultSSHConfig() SSHConfig {
	return SSHConfig{
		ConnectTimeout: 10 * time.Second,
		CommandTimeout: time.Duration(domain.DefaultDynamicTimeout) * time.Second,
	}
}

// SSHExecutor runs commands on a server over one SSH connection, opening a
// session per command.
type SSHExecutor struct {
	server    *domain.Server
	signer    ssh.Signer
	config    SSHConfig
	sshClient *ssh.Client
	mu        sync.Mutex // Protects sshClient
}

// NewSSHExecutor creates an executor for server. The connection is opened
// on first use.
func NewSSHExecutor(server *domain.Server, signer ssh.Signer, config SSHConfig) *SSHExecutor {
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.CommandTimeout == 0 {
		config.CommandTimeout = server.CommandTimeout()
	}
	return &SSHExecutor{server: server, signer: signer, config: config}
}

// =============================================================================
// Connection Management
// =============================================================================

func (e *SSHExecutor) session() (*ssh.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sshClient != nil {
		if _, _, err := e.sshClient.SendRequest("keepalive@keel", true, nil); err != nil {
			// Connection dead, reconnect
			e.sshClient.Close()
			e.sshClient = nil
		}
	}

	if e.sshClient == nil {
		cfg := &ssh.ClientConfig{
			User:            e.server.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(e.signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(), // TODO: pin host keys on first connect and store them with the server
			Timeout:         e.config.ConnectTimeout,
		}
		client, err := ssh.Dial("tcp", e.server.Address(), cfg)
		if err != nil {
			return nil, NewExecError("connect", e.server.Name, "", 0, "", fmt.Errorf("%w: %v", ErrConnectionFailed, err))
		}
		e.sshClient = client
	}

	s, err := e.sshClient.NewSession()
	if err != nil {
		return nil, NewExecError("connect", e.server.Name, "", 0, "", fmt.Errorf("%w: %v", ErrConnectionFailed, err))
	}
	return s, nil
}

// Close closes the SSH connection.
func (e *SSHExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sshClient != nil {
		err := e.sshClient.Close()
		e.sshClient = nil
		return err
	}
	return nil
}

// =============================================================================
// Execution
// =============================================================================

// Run executes one command and waits for it, the command timeout or ctx.
func (e *SSHExecutor) Run(ctx context.Context, cmd command.Command, helper string) (Result, error) {
	line := cmd.Render(helper)
	res := Result{Command: cmd, Line: line, Started: time.Now()}

	session, err := e.session()
	if err != nil {
		return res, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if len(cmd.Stdin) > 0 {
		session.Stdin = bytes.NewReader(cmd.Stdin)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(line)
	}()

	timeout := time.NewTimer(e.config.CommandTimeout)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		res.Duration = time.Since(res.Started)
		return res, ctx.Err()
	case <-timeout.C:
		_ = session.Signal(ssh.SIGKILL)
		res.Duration = time.Since(res.Started)
		return res, NewExecError("run", e.server.Name, cmd.Redacted(), 0, "", ErrTimeout)
	case err := <-done:
		res.Duration = time.Since(res.Started)
		res.Stdout = stdout.String()
		res.Stderr = stderr.String()
		if err != nil {
			var exitErr *ssh.ExitError
			if !errors.As(err, &exitErr) {
				return res, NewExecError("run", e.server.Name, cmd.Redacted(), 0, "", fmt.Errorf("%w: %v", ErrConnectionFailed, err))
			}
			res.ExitCode = exitErr.ExitStatus()
		}
		return res, Failure(e.server.Name, cmd, res)
	}
}
