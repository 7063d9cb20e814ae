package remote

import (
	"context"
	"strings"
	"time"

	"github.com/artpar/keel/internal/core/command"
)

// Result is the outcome of one command.
type Result struct {
	Command  command.Command
	Line     string // rendered shell line
	Stdout   string
	Stderr   string
	ExitCode int
	Started  time.Time
	Duration time.Duration
}

// Output returns stdout, or stderr when stdout is empty.
func (r Result) Output() string {
	if out := strings.TrimSpace(r.Stdout); out != "" {
		return out
	}
	return strings.TrimSpace(r.Stderr)
}

// Executor runs commands on one host.
//
// Run returns the result even when the command fails. A non-zero exit is
// reported as an *ExecError wrapping ErrCommandFailed unless the command
// ignores errors.
type Executor interface {
	Run(ctx context.Context, cmd command.Command, helper string) (Result, error)
	Close() error
}

// Observer receives every result of a batch as it completes.
type Observer func(Result)

// RunBatch runs the commands of a batch in order and stops at the first
// failure. Outputs of commands with SaveAs are returned by name.
func RunBatch(ctx context.Context, ex Executor, batch command.Batch, helper string, observe Observer) (map[string]string, error) {
	saved := make(map[string]string)
	for _, cmd := range batch {
		if err := ctx.Err(); err != nil {
			return saved, err
		}
		res, err := ex.Run(ctx, cmd, helper)
		if observe != nil {
			observe(res)
		}
		if cmd.SaveAs != "" {
			saved[cmd.SaveAs] = strings.TrimSpace(res.Stdout)
		}
		if err != nil {
			return saved, err
		}
	}
	return saved, nil
}

// Failure converts an exit code into the error Run returns. Hidden commands
// are named in redacted form, because the error ends up in the visible log
// and in notifications.
func Failure(server string, cmd command.Command, res Result) error {
	if res.ExitCode == 0 || cmd.IgnoreErrors {
		return nil
	}
	return NewExecError("run", server, cmd.Redacted(), res.ExitCode, res.Output(), ErrCommandFailed)
}
