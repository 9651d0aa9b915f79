package deployment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"hookdeploy/internal/security"
	"hookdeploy/pkg/cmdutil"
	"hookdeploy/pkg/fileutil"
)

// ErrRepoNotFound is returned when the target repository directory is missing.
var ErrRepoNotFound = errors.New("repository directory not found")

// RunResult describes a deploy command that was launched.
type RunResult struct {
	ExitCode int
	Duration time.Duration
	Output   *LogBuffer
	LogPath  string // empty when no log directory is configured
}

// OK reports whether the deploy command exited with status 0.
func (r *RunResult) OK() bool {
	return r != nil && r.ExitCode == 0
}

// Runner executes the update for one repository: sync the working tree,
// then run the deploy command with the commit SHA as its last argument.
type Runner struct {
	// Command is the deploy command; the commit SHA is appended.
	Command []string

	Syncer     Syncer
	LogDir     string
	BufferSize int
	Logger     *slog.Logger
}

// NewRunner creates a runner syncing with git.
func NewRunner(command []string, logDir string, logger *slog.Logger) *Runner {
	return &Runner{
		Command:    command,
		Syncer:     NewGitSyncer(),
		LogDir:     logDir,
		BufferSize: DefaultLogBufferSize,
		Logger:     logger,
	}
}

// LogPath returns where the output of a deploy of sha is captured.
func LogPath(logDir, repoName, sha string) string {
	return filepath.Join(logDir, repoName, sha+".txt")
}

// Preflight checks that the repository directory exists.
func (r *Runner) Preflight(repoDir string) error {
	if !fileutil.DirExists(repoDir) {
		return fmt.Errorf("%w: %s", ErrRepoNotFound, repoDir)
	}
	return nil
}

// Run syncs repoDir to sha and runs the deploy command.
//
// A sync failure returns a *SyncError and a launch failure a
// *cmdutil.StartError; neither runs the deploy command to completion. A
// command that ran returns a result and a nil error whatever its exit code.
func (r *Runner) Run(ctx context.Context, repoName, repoDir, sha string) (*RunResult, error) {
	if len(r.Command) == 0 {
		return nil, fmt.Errorf("no deploy command configured")
	}

	if err := r.Syncer.Sync(ctx, repoDir, sha); err != nil {
		return nil, err
	}

	result := &RunResult{Output: NewLogBuffer(r.BufferSize)}

	logFile := r.openLogFile(repoName, sha)
	if logFile != nil {
		defer logFile.Close()
		result.LogPath = logFile.Name()
	}

	command := append(append([]string{}, r.Command...), sha)
	r.Logger.Info("Running deploy command", "repo", repoName, "sha", sha, "command", cmdutil.FormatCommand(command))

	onLine := func(line string, source cmdutil.Source) {
		result.Output.Append(line)
		if logFile != nil {
			if _, err := io.WriteString(logFile, line+"\n"); err != nil {
				r.Logger.Warn("Failed to write deploy log", "path", result.LogPath, "error", err)
			}
		}
		r.Logger.Info("deploy_output", "repo", repoName, "sha", sha, "stream", source, "line", line)
	}

	streamed, err := cmdutil.Stream(ctx, cmdutil.ExecOptions{Dir: repoDir}, command, onLine)

	var startErr *cmdutil.StartError
	if errors.As(err, &startErr) {
		return result, startErr
	}
	if streamed == nil {
		return result, err
	}

	result.ExitCode = streamed.ExitCode
	result.Duration = streamed.Duration
	return result, nil
}

// openLogFile creates the per-deploy log file. Logging to disk is
// best-effort: a failure is logged and the deploy continues without it.
func (r *Runner) openLogFile(repoName, sha string) *os.File {
	if r.LogDir == "" {
		return nil
	}

	path := LogPath(r.LogDir, repoName, sha)
	if err := security.CreateSecureDir(filepath.Dir(path), security.PermDirectory); err != nil {
		r.Logger.Warn("Failed to create deploy log directory", "path", path, "error", err)
		return nil
	}

	file, err := security.CreateSecureFile(path, security.PermLogFile)
	if err != nil {
		r.Logger.Warn("Failed to open deploy log", "path", path, "error", err)
		return nil
	}
	return file
}
