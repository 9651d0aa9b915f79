package security

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"hookdeploy/pkg/cmdutil"
)

// DefaultAllowedCommands is the set of commands the deploy sync step may run.
var DefaultAllowedCommands = map[string]bool{
	"git": true,
}

// SandboxedExecutor provides safe command execution with validation and sandboxing.
type SandboxedExecutor struct {
	// AllowedCommands is the map of commands that are permitted to run.
	AllowedCommands map[string]bool

	// WorkDir is the working directory for command execution.
	WorkDir string

	// Env contains environment variables for the command.
	// Nil inherits the server's environment (git needs HOME and SSH agent).
	Env []string
}

// NewSandboxedExecutor creates a new sandboxed executor with default settings.
func NewSandboxedExecutor(workDir string) *SandboxedExecutor {
	return &SandboxedExecutor{
		AllowedCommands: DefaultAllowedCommands,
		WorkDir:         workDir,
	}
}

// Execute runs a command with validation and sandboxing.
// Returns the combined stdout/stderr output and any error.
func (e *SandboxedExecutor) Execute(ctx context.Context, cmdParts []string) ([]byte, error) {
	if err := e.ValidateCommandParts(cmdParts); err != nil {
		return nil, err
	}

	// exec without a shell, so arguments are never interpreted
	result, err := cmdutil.Run(ctx, cmdutil.ExecOptions{Dir: e.WorkDir, Env: e.Env}, cmdParts)

	var output []byte
	if result != nil {
		output = result.Output
	}
	if err != nil {
		return output, err
	}

	return output, nil
}

// ValidateCommandParts validates a command before execution.
func (e *SandboxedExecutor) ValidateCommandParts(cmdParts []string) error {
	if len(cmdParts) == 0 {
		return fmt.Errorf("empty command")
	}

	if !e.AllowedCommands[cmdParts[0]] {
		return fmt.Errorf("command not allowed: %s (must be one of: %v)",
			cmdParts[0], e.allowedCommandsList())
	}

	for i, arg := range cmdParts[1:] {
		if containsShellMetachars(arg) {
			return fmt.Errorf("argument %d contains shell metacharacters: %s", i+1, arg)
		}
	}

	return nil
}

func (e *SandboxedExecutor) allowedCommandsList() []string {
	commands := make([]string, 0, len(e.AllowedCommands))
	for cmd := range e.AllowedCommands {
		commands = append(commands, cmd)
	}
	sort.Strings(commands)
	return commands
}

// containsShellMetachars checks if a string contains shell metacharacters.
func containsShellMetachars(s string) bool {
	return strings.ContainsAny(s, ";|&$`\n><(){}*?[]\\'\"")
}
