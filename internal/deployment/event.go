package deployment

import (
	"encoding/json"
	"fmt"
	"strings"

	"hookdeploy/internal/security"

	"github.com/google/go-github/v57/github"
)

// zeroSHA is what GitHub sends as "after" when a ref is deleted.
const zeroSHA = "0000000000000000000000000000000000000000"

// DeployBranches are the only branches whose pushes trigger a deploy.
var DeployBranches = map[string]bool{
	"main":   true,
	"master": true,
}

// Target is the outcome of filtering a push event.
type Target struct {
	Proceed      bool
	Reason       string // why the event was skipped; empty when Proceed
	Ref          string
	Branch       string
	RepoFullName string
	RepoName     string
	SHA          string
}

// Key returns the deploy lock key for this target.
func (t Target) Key() string {
	return DeployKey(t.RepoFullName, t.Branch)
}

// DeployKey builds the mutex identity for a repository and branch.
func DeployKey(repoFullName, branch string) string {
	return repoFullName + ":" + branch
}

// ParsePushEvent decodes a push payload. Every field of github.PushEvent is
// optional, so on a type mismatch the returned event still carries whatever
// fields did decode; it is nil only for input that is not JSON at all.
func ParsePushEvent(body []byte) (*github.PushEvent, error) {
	if !json.Valid(body) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}

	event := new(github.PushEvent)
	if err := json.Unmarshal(body, event); err != nil {
		return event, fmt.Errorf("failed to decode push event: %w", err)
	}
	return event, nil
}

// ShouldDeploy decides whether a push event warrants a deploy.
func ShouldDeploy(event *github.PushEvent) Target {
	if event == nil {
		return Target{Reason: "empty event"}
	}

	t := Target{
		Ref:          event.GetRef(),
		SHA:          event.GetAfter(),
		RepoFullName: event.GetRepo().GetFullName(),
		RepoName:     event.GetRepo().GetName(),
	}

	switch {
	case t.Ref == "":
		t.Reason = "missing ref"
		return t
	case t.SHA == "":
		t.Reason = "missing after commit"
		return t
	case t.RepoFullName == "" || t.RepoName == "":
		t.Reason = "missing repository metadata"
		return t
	case event.GetDeleted() || t.SHA == zeroSHA:
		t.Reason = "ref deleted"
		return t
	}

	// Last path segment taken literally: "refs/heads/main/" has no branch.
	t.Branch = t.Ref[strings.LastIndex(t.Ref, "/")+1:]
	if !DeployBranches[t.Branch] {
		t.Reason = fmt.Sprintf("branch %q is not a deploy branch", t.Branch)
		return t
	}
	// A tag named main or master is not a branch push.
	if strings.HasPrefix(t.Ref, "refs/tags/") {
		t.Reason = fmt.Sprintf("ref %q is a tag", t.Ref)
		return t
	}

	// Both end up in filesystem paths and git arguments.
	if err := security.ValidateRepoName(t.RepoName); err != nil {
		t.Reason = err.Error()
		return t
	}
	if err := security.ValidateCommitSHA(t.SHA); err != nil {
		t.Reason = err.Error()
		return t
	}

	t.Proceed = true
	return t
}
