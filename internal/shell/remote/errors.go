// Package remote runs deployment commands on Docker hosts, over SSH or on
// the local machine.
package remote

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrConnectionFailed = errors.New("remote connection failed")
	ErrTimeout          = errors.New("remote command timed out")
	ErrCommandFailed    = errors.New("remote command exited with non-zero status")
	ErrNoCredentials    = errors.New("server has no SSH key configured")
)

// ExecError wraps errors with the server and command that produced them.
type ExecError struct {
	Op       string // connect, run
	Server   string
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *ExecError) Error() string {
	if e.Command != "" {
		msg := fmt.Sprintf("%s on %s: %q", e.Op, e.Server, e.Command)
		if e.ExitCode != 0 {
			msg += fmt.Sprintf(" exited %d", e.ExitCode)
		}
		if e.Output != "" {
			msg += ": " + e.Output
		}
		return msg
	}
	return fmt.Sprintf("%s on %s: %v", e.Op, e.Server, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// NewExecError creates a new ExecError.
func NewExecError(op, server, command string, exitCode int, output string, err error) *ExecError {
	return &ExecError{
		Op:       op,
		Server:   server,
		Command:  command,
		ExitCode: exitCode,
		Output:   output,
		Err:      err,
	}
}
