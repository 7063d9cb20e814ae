package remote

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/artpar/keel/internal/core/command"
)

// LocalExecutor runs commands with bash on the control plane host. It
// serves servers registered as localhost.
type LocalExecutor struct {
	Name    string
	Timeout time.Duration
}

// Run executes one command.
func (e *LocalExecutor) Run(ctx context.Context, cmd command.Command, helper string) (Result, error) {
	line := cmd.Render(helper)
	res := Result{Command: cmd, Line: line, Started: time.Now()}

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, "bash", "-c", line)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if len(cmd.Stdin) > 0 {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}

	err := c.Run()
	res.Duration = time.Since(res.Started)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return res, NewExecError("run", e.Name, cmd.Redacted(), 0, "", ErrTimeout)
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, NewExecError("run", e.Name, cmd.Redacted(), 0, "", err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, Failure(e.Name, cmd, res)
}

// Close is a no-op.
func (e *LocalExecutor) Close() error {
	return nil
}
