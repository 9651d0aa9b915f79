// Package status reports deploy outcomes back to GitHub as commit statuses
// and commit comments.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// State is a commit status state.
type State string

const (
	Pending State = "pending"
	Success State = "success"
	Failure State = "failure"
	Error   State = "error"
)

const (
	// StatusContext identifies our statuses among other checks on a commit.
	StatusContext = "github-deploy"

	MaxDescriptionLength = 140
	MaxCommentLength     = 65536

	requestTimeout = 15 * time.Second
)

// Reporter publishes deploy progress. Calls never fail from the caller's
// point of view.
type Reporter interface {
	SetStatus(ctx context.Context, repo, sha string, state State, description string)
	AddComment(ctx context.Context, repo, sha, body string)
}

// NopReporter drops every report.
type NopReporter struct{}

func (NopReporter) SetStatus(context.Context, string, string, State, string) {}
func (NopReporter) AddComment(context.Context, string, string, string)      {}

// Option configures a GitHubReporter.
type Option func(*GitHubReporter) error

// WithBaseURL points the client at a GitHub Enterprise API.
func WithBaseURL(baseURL string) Option {
	return func(g *GitHubReporter) error {
		client, err := g.client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return fmt.Errorf("invalid GitHub API URL: %w", err)
		}
		g.client = client
		return nil
	}
}

// WithLogURL makes statuses link to the captured deploy log, served
// under baseURL as /{repo}/{sha}.txt.
func WithLogURL(baseURL string) Option {
	return func(g *GitHubReporter) error {
		g.logBaseURL = strings.TrimRight(baseURL, "/")
		return nil
	}
}

// GitHubReporter talks to the GitHub REST API.
type GitHubReporter struct {
	client     *github.Client
	logBaseURL string
	logger     *slog.Logger
}

// New returns a GitHub reporter, or a NopReporter when token is empty.
func New(token string, logger *slog.Logger, opts ...Option) (Reporter, error) {
	if token == "" {
		return NopReporter{}, nil
	}
	return NewGitHubReporter(token, logger, opts...)
}

// NewGitHubReporter creates a reporter authenticated with token.
func NewGitHubReporter(token string, logger *slog.Logger, opts ...Option) (*GitHubReporter, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), ts)
	httpClient.Timeout = requestTimeout

	g := &GitHubReporter{
		client: github.NewClient(httpClient),
		logger: logger,
	}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// SetStatus creates a commit status on sha in repo ("owner/name").
func (g *GitHubReporter) SetStatus(ctx context.Context, repo, sha string, state State, description string) {
	owner, name, ok := splitRepo(repo)
	if !ok || sha == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	status := &github.RepoStatus{
		State:       github.String(string(state)),
		Description: github.String(Truncate(description, MaxDescriptionLength)),
		Context:     github.String(StatusContext),
	}
	if g.logBaseURL != "" {
		status.TargetURL = github.String(fmt.Sprintf("%s/%s/%s.txt", g.logBaseURL, name, sha))
	}

	_, resp, err := g.client.Repositories.CreateStatus(ctx, owner, name, sha, status)
	if err != nil {
		g.logger.Error("Failed to set commit status",
			"repo", repo, "sha", sha, "state", state, "http_status", httpStatus(resp), "error", err)
		return
	}
	g.logger.Debug("Commit status set", "repo", repo, "sha", sha, "state", state)
}

// AddComment posts a comment on commit sha in repo ("owner/name").
func (g *GitHubReporter) AddComment(ctx context.Context, repo, sha, body string) {
	owner, name, ok := splitRepo(repo)
	if !ok || sha == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	comment := &github.RepositoryComment{Body: github.String(Truncate(body, MaxCommentLength))}
	_, resp, err := g.client.Repositories.CreateComment(ctx, owner, name, sha, comment)
	if err != nil {
		g.logger.Error("Failed to add commit comment",
			"repo", repo, "sha", sha, "http_status", httpStatus(resp), "error", err)
		return
	}
	g.logger.Debug("Commit comment added", "repo", repo, "sha", sha)
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func splitRepo(repo string) (owner, name string, ok bool) {
	owner, name, ok = strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", false
	}
	return owner, name, true
}

func httpStatus(resp *github.Response) int {
	if resp == nil || resp.Response == nil {
		return 0
	}
	return resp.StatusCode
}
