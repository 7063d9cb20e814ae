// Package command defines the RemoteCommand value exchanged between the
// deployment pipeline and the remote executor.
// This is part of the Functional Core - all functions are pure with no I/O.
//
// A Command is either an argv list, quoted on render, or a pre-built shell
// script used verbatim. Rendering is deterministic so tests can assert on
// the exact text sent to a host.
package command

import (
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/mattn/go-shellwords"
)

// Command is one remote command of a batch.
type Command struct {
	// Args is the argv form. Each element is shell-quoted on render.
	Args []string

	// Script is a raw shell fragment, used when Args is empty.
	Script string

	// Stdin is piped to the command.
	Stdin []byte

	// Hidden commands are executed and logged, but flagged so that
	// non-debug log views omit them.
	Hidden bool

	// IgnoreErrors makes a non-zero exit status non-fatal.
	IgnoreErrors bool

	// SaveAs names the captured stdout so later stages can read it.
	SaveAs string

	// InHelper runs the command inside the deployment helper container.
	InHelper bool
}

// New returns an argv command.
func New(args ...string) Command {
	return Command{Args: args}
}

// Shell returns a command made of a raw shell fragment.
func Shell(script string) Command {
	return Command{Script: script}
}

// Hide marks the command as hidden.
func (c Command) Hide() Command {
	c.Hidden = true
	return c
}

// IgnoringErrors marks a non-zero exit as non-fatal.
func (c Command) IgnoringErrors() Command {
	c.IgnoreErrors = true
	return c
}

// Saving stores stdout under name.
func (c Command) Saving(name string) Command {
	c.SaveAs = name
	return c
}

// InHelperContainer runs the command inside the helper container.
func (c Command) InHelperContainer() Command {
	c.InHelper = true
	return c
}

// WithStdin attaches a stdin payload.
func (c Command) WithStdin(data []byte) Command {
	c.Stdin = data
	return c
}

// String renders the command as it appears in the deployment log.
func (c Command) String() string {
	if len(c.Args) > 0 {
		return shellescape.QuoteCommand(c.Args)
	}
	return c.Script
}

// Redacted renders the command for error messages. Hidden commands keep
// only the program and its subcommand, e.g. "docker build (hidden)", since
// the rest of the line may carry build-time values.
func (c Command) Redacted() string {
	if !c.Hidden {
		return c.String()
	}
	words := c.Args
	if len(words) == 0 {
		parsed, err := shellwords.Parse(c.Script)
		if err != nil {
			return "shell command (hidden)"
		}
		words = parsed
	}
	// Leading NAME=value assignments are environment, not the program.
	for len(words) > 0 && strings.Contains(words[0], "=") {
		words = words[1:]
	}
	if len(words) == 0 {
		return "shell command (hidden)"
	}
	name := words[0]
	if len(words) > 1 && !strings.HasPrefix(words[1], "-") && !strings.ContainsAny(words[1], "=/") {
		name += " " + words[1]
	}
	return name + " (hidden)"
}

// Render returns the shell line sent to the host. Helper commands are
// wrapped as docker exec <helper> bash -c '<command>'.
func (c Command) Render(helper string) string {
	line := c.String()
	if !c.InHelper || helper == "" {
		return line
	}
	return shellescape.QuoteCommand([]string{"docker", "exec", "-i", helper, "bash", "-c", line})
}

// Batch is an ordered list of commands executed sequentially.
type Batch []Command

// Strings renders every command of the batch for logging.
func (b Batch) Strings() []string {
	out := make([]string, len(b))
	for i, c := range b {
		out[i] = c.String()
	}
	return out
}

// =============================================================================
// Quoting helpers
// =============================================================================

// Quote shell-quotes a single token.
func Quote(s string) string {
	return shellescape.Quote(s)
}

// Join quotes and joins argv.
func Join(args ...string) string {
	return shellescape.QuoteCommand(args)
}

// Pipe joins rendered fragments with a shell pipe.
func Pipe(parts ...string) string {
	return strings.Join(parts, " | ")
}

// And joins rendered fragments so each runs only if the previous succeeded.
func And(parts ...string) string {
	return strings.Join(parts, " && ")
}
