package deployment

import (
	"context"
	"fmt"
	"strings"

	"hookdeploy/internal/security"
	"hookdeploy/pkg/cmdutil"
)

// DefaultRemote is the remote the working tree fetches from.
const DefaultRemote = "origin"

// Syncer brings a repository's working tree to a specific commit.
type Syncer interface {
	Sync(ctx context.Context, repoDir, sha string) error
}

// SyncError reports a failed fetch or checkout along with git's output.
type SyncError struct {
	Command string
	Output  string
	Err     error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Detail is the diagnostic text reported to the commit: git's own output
// when there is any, the error otherwise.
func (e *SyncError) Detail() string {
	if e.Output != "" {
		return e.Output
	}
	return e.Error()
}

// GitSyncer fetches the pushed commit and force-checks it out.
type GitSyncer struct {
	Remote string
	Env    []string
}

// NewGitSyncer creates a syncer using the default remote.
func NewGitSyncer() *GitSyncer {
	return &GitSyncer{Remote: DefaultRemote}
}

// Sync runs git fetch <remote> <sha> followed by git checkout --force <sha>.
func (g *GitSyncer) Sync(ctx context.Context, repoDir, sha string) error {
	if err := security.ValidateCommitSHA(sha); err != nil {
		return &SyncError{Command: "git fetch", Err: err}
	}

	remote := g.Remote
	if remote == "" {
		remote = DefaultRemote
	}

	executor := security.NewSandboxedExecutor(repoDir)
	executor.Env = g.Env

	steps := [][]string{
		{"git", "fetch", remote, sha},
		{"git", "checkout", "--force", sha},
	}
	for _, step := range steps {
		output, err := executor.Execute(ctx, step)
		if err != nil {
			return &SyncError{
				Command: cmdutil.FormatCommand(step),
				Output:  strings.TrimSpace(string(output)),
				Err:     err,
			}
		}
	}

	return nil
}
