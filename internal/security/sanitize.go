package security

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// GitHub repository names: letters, digits, '.', '-', '_'.
	repoNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
	// Abbreviated or full SHA-1 / SHA-256 object names.
	commitSHAPattern = regexp.MustCompile(`^[0-9a-fA-F]{7,64}$`)
)

// ValidateRepoName ensures a repository short name is safe for use as a
// single path segment.
func ValidateRepoName(name string) error {
	if name == "" {
		return fmt.Errorf("repository name cannot be empty")
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("repository name cannot start with '-' or '.'")
	}
	if !repoNamePattern.MatchString(name) {
		return fmt.Errorf("repository name contains invalid characters (only a-z, A-Z, 0-9, ., _, - allowed)")
	}
	return nil
}

// ValidateCommitSHA ensures a commit identifier is a plain hex object name.
// Prevents option injection into git and path traversal through log names.
func ValidateCommitSHA(sha string) error {
	if sha == "" {
		return fmt.Errorf("commit SHA cannot be empty")
	}
	if !commitSHAPattern.MatchString(sha) {
		return fmt.Errorf("commit SHA must be 7-64 hex characters")
	}
	return nil
}
