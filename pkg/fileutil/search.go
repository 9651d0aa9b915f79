// Package fileutil holds small filesystem lookups shared by the config
// loader and the deploy runner.
package fileutil

import (
	"os"
	"path/filepath"
)

// AppName is the directory name used for system-wide configuration.
const AppName = "hookdeploy"

// SearchPathsOptional returns the first regular file among paths, or ""
// when none exists. Directories never match.
func SearchPathsOptional(paths []string) string {
	for _, path := range paths {
		if FileExists(path) {
			return path
		}
	}
	return ""
}

// DefaultConfigPaths lists where a config file is looked for, in order:
// the working directory, its config/ subdirectory, then /etc/hookdeploy.
func DefaultConfigPaths(filename string) []string {
	return []string{
		filepath.Join(".", filename),
		filepath.Join(".", "config", filename),
		filepath.Join("/etc", AppName, filename),
	}
}

// FindConfigOptional is SearchPathsOptional over DefaultConfigPaths.
func FindConfigOptional(filename string) string {
	return SearchPathsOptional(DefaultConfigPaths(filename))
}

// FileExists reports whether path is an existing non-directory.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// DirExists reports whether path is an existing directory. Symlinks are
// followed, so a working copy may live elsewhere.
func DirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
