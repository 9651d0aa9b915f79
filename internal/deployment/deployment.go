package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"hookdeploy/internal/metrics"
	"hookdeploy/internal/status"
	"hookdeploy/pkg/cmdutil"
)

// Outcome is how a single webhook delivery ended.
type Outcome string

const (
	OutcomeSkipped Outcome = "skipped"
	OutcomeBusy    Outcome = "busy"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeError   Outcome = "error"
)

// Commit status descriptions.
const (
	DescPending      = "Deploy started"
	DescSuccess      = "Deploy succeeded"
	DescRepoNotFound = "Repository directory not found"
	DescSyncFailed   = "Git fetch/checkout failed"
	DescStartFailed  = "Deploy command failed to start"
	DescInternal     = "Internal error"
)

// Deployer turns verified push payloads into deploys and reports the
// result of each one.
type Deployer struct {
	ReposDir string
	Runner   *Runner
	Reporter status.Reporter
	Locks    *LockManager
	Logger   *slog.Logger

	// Redact lists values scrubbed from every comment (token, secret).
	Redact []string
}

// NewDeployer creates a deployer with its own lock set.
func NewDeployer(reposDir string, runner *Runner, reporter status.Reporter, logger *slog.Logger) *Deployer {
	if reporter == nil {
		reporter = status.NopReporter{}
	}
	return &Deployer{
		ReposDir: reposDir,
		Runner:   runner,
		Reporter: reporter,
		Locks:    NewLockManager(),
		Logger:   logger,
	}
}

// Deploy handles one push payload end to end. It never panics and never
// returns an error: every failure is logged and reported as a commit status.
func (d *Deployer) Deploy(ctx context.Context, body []byte) (outcome Outcome) {
	var (
		repo, sha string
		started   time.Time
	)

	defer func() {
		metrics.DeployFinished(string(outcome), started)
	}()

	defer func() {
		if r := recover(); r != nil {
			d.Logger.Error("Deploy panicked", "repo", repo, "sha", sha, "panic", r)
			d.internalError(ctx, repo, sha, fmt.Sprintf("%v\n\n%s", r, debug.Stack()))
			outcome = OutcomeError
		}
	}()

	event, err := ParsePushEvent(body)
	if err != nil {
		// Whatever decoded is still worth reporting against.
		repo, sha = event.GetRepo().GetFullName(), event.GetAfter()
		d.Logger.Error("Malformed push payload", "repo", repo, "sha", sha, "error", err)
		d.internalError(ctx, repo, sha, err.Error())
		return OutcomeError
	}

	target := ShouldDeploy(event)
	repo, sha = target.RepoFullName, target.SHA
	if !target.Proceed {
		d.Logger.Info("Skipping push event", "repo", repo, "ref", target.Ref, "reason", target.Reason)
		return OutcomeSkipped
	}

	logger := d.Logger.With("repo", repo, "branch", target.Branch, "sha", sha)

	repoDir := filepath.Join(d.ReposDir, target.RepoName)
	if err := d.Runner.Preflight(repoDir); err != nil {
		logger.Error("Deploy aborted", "error", err)
		d.Reporter.SetStatus(ctx, repo, sha, status.Error, DescRepoNotFound)
		return OutcomeError
	}

	key := target.Key()
	if !d.Locks.TryLock(key) {
		logger.Warn("Deploy already in progress, skipping", "key", key)
		return OutcomeBusy
	}
	metrics.SetInFlight(d.Locks.InFlight())
	defer func() {
		d.Locks.Unlock(key)
		metrics.SetInFlight(d.Locks.InFlight())
	}()

	started = time.Now()
	logger.Info("Deploy started", "dir", repoDir)

	d.Reporter.SetStatus(ctx, repo, sha, status.Pending, DescPending)

	result, err := d.Runner.Run(ctx, target.RepoName, repoDir, sha)

	var (
		syncErr  *SyncError
		startErr *cmdutil.StartError
	)
	switch {
	case errors.As(err, &syncErr):
		logger.Error("Git sync failed", "error", err)
		d.Reporter.SetStatus(ctx, repo, sha, status.Error, DescSyncFailed)
		d.comment(ctx, repo, sha, DescSyncFailed+":\n\n"+fenced(syncErr.Detail()))
		return OutcomeError

	case errors.As(err, &startErr):
		logger.Error("Deploy command failed to start", "error", err)
		d.Reporter.SetStatus(ctx, repo, sha, status.Error, DescStartFailed)
		d.comment(ctx, repo, sha, DescStartFailed+": "+startErr.Error())
		return OutcomeError

	case err != nil:
		logger.Error("Deploy failed", "error", err)
		d.internalError(ctx, repo, sha, err.Error())
		return OutcomeError

	case result.OK():
		logger.Info("Deploy succeeded", "duration_ms", result.Duration.Milliseconds())
		d.Reporter.SetStatus(ctx, repo, sha, status.Success, DescSuccess)
		return OutcomeSuccess
	}

	logger.Error("Deploy failed", "exit_code", result.ExitCode, "duration_ms", result.Duration.Milliseconds())
	d.Reporter.SetStatus(ctx, repo, sha, status.Failure, fmt.Sprintf("Deploy failed (exit %d)", result.ExitCode))
	d.comment(ctx, repo, sha, failureComment(result))
	return OutcomeFailure
}

func (d *Deployer) internalError(ctx context.Context, repo, sha, detail string) {
	d.Reporter.SetStatus(ctx, repo, sha, status.Error, DescInternal)
	d.comment(ctx, repo, sha, DescInternal+":\n\n"+fenced(detail))
}

func (d *Deployer) comment(ctx context.Context, repo, sha, body string) {
	body = cmdutil.Redact(body, d.Redact)
	d.Reporter.AddComment(ctx, repo, sha, body)
}

func failureComment(result *RunResult) string {
	tail := result.Output.Tail(FailureTailLines)

	var b strings.Builder
	fmt.Fprintf(&b, "Deploy failed with exit code %d.", result.ExitCode)
	if len(tail) == 0 {
		b.WriteString(" The command produced no output.")
		return b.String()
	}
	fmt.Fprintf(&b, " Last %d lines of output:\n\n", len(tail))
	b.WriteString(fenced(strings.Join(tail, "\n")))
	return b.String()
}

// fenced wraps text in a Markdown code block whose fence is longer than any
// backtick run inside it.
func fenced(text string) string {
	fence := "```"
	for strings.Contains(text, fence) {
		fence += "`"
	}
	return fence + "\n" + strings.TrimRight(text, "\n") + "\n" + fence
}
