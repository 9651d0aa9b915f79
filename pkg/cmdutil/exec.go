package cmdutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

// Redacted replaces every secret passed to Redact.
const Redacted = "***REDACTED***"

// OutputDrainDelay is how long output is still collected after the child
// exits. Background processes the child left behind keep its stdout and
// stderr open; once the delay passes those pipes are closed regardless.
const OutputDrainDelay = 500 * time.Millisecond

// ExecOptions configures how a child process is launched.
type ExecOptions struct {
	// Dir is the working directory of the child.
	Dir string

	// Env is passed to the child as KEY=value pairs. Nil inherits the
	// server's environment.
	Env []string
}

// Result describes a child process that was started.
type Result struct {
	// Output holds stdout and stderr interleaved. Stream leaves it empty.
	Output []byte

	// ExitCode is -1 when the process was killed by a signal.
	ExitCode int

	Duration time.Duration
}

// OK reports whether the command exited with status 0.
func (r *Result) OK() bool {
	return r != nil && r.ExitCode == 0
}

// StartError is returned when a command could not be launched at all,
// as opposed to a command that ran and exited non-zero.
type StartError struct {
	Command string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Command, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// command builds the exec.Cmd shared by Run and Stream. Output must be
// wired to non-file writers so WaitDelay can cut it off.
func command(ctx context.Context, opts ExecOptions, cmdParts []string) (*exec.Cmd, error) {
	if len(cmdParts) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	cmd := exec.CommandContext(ctx, cmdParts[0], cmdParts[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	cmd.Stdin = nil
	cmd.WaitDelay = OutputDrainDelay
	return cmd, nil
}

// wait reaps cmd. The exit status alone decides the outcome: output cut
// off by WaitDelay after a clean exit is not a failure.
func wait(cmd *exec.Cmd) error {
	err := cmd.Wait()
	if errors.Is(err, exec.ErrWaitDelay) {
		return nil
	}
	return err
}

// Run executes cmdParts without a shell and collects its combined output.
//
// A command that cannot be started yields a *StartError and a nil result.
// A command that exits non-zero returns both its result and an error.
func Run(ctx context.Context, opts ExecOptions, cmdParts []string) (*Result, error) {
	cmd, err := command(ctx, opts, cmdParts)
	if err != nil {
		return nil, err
	}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &StartError{Command: FormatCommand(cmdParts), Err: err}
	}
	waitErr := wait(cmd)

	result := &Result{
		Output:   output.Bytes(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(start),
	}
	if waitErr != nil {
		return result, fmt.Errorf("command failed: %w", waitErr)
	}
	return result, nil
}

// ParseCommandString splits a shell-quoted command line into arguments.
//
//	"./bin/deploy --env \"production eu\"" -> ["./bin/deploy", "--env", "production eu"]
func ParseCommandString(cmdStr string) ([]string, error) {
	parts, err := shellquote.Split(cmdStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command string: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command string")
	}
	return parts, nil
}

// FormatCommand renders arguments back into a copy-pasteable command line
// for logs, quoting only the arguments that need it.
func FormatCommand(cmdParts []string) string {
	if len(cmdParts) == 0 {
		return "<empty command>"
	}

	words := make([]string, 0, len(cmdParts))
	for _, part := range cmdParts {
		if part == "" || strings.ContainsAny(part, " \t\n\"'\\$`") {
			part = shellquote.Join(part)
		}
		words = append(words, part)
	}
	return strings.Join(words, " ")
}

// Redact replaces each non-empty secret in text with Redacted.
func Redact(text string, secrets []string) string {
	for _, secret := range secrets {
		if secret != "" {
			text = strings.ReplaceAll(text, secret, Redacted)
		}
	}
	return text
}
