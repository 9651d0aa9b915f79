package security

import (
	"fmt"
	"os"
)

const (
	// PermLogFile is for captured deploy output, which may leak build details.
	// rw-r----- (0640)
	PermLogFile os.FileMode = 0640

	// PermDirectory is for directories holding deploy logs.
	// rwxr-x--- (0750)
	PermDirectory os.FileMode = 0750
)

// CreateSecureFile creates a file with the given permissions, truncating it
// if it exists. Permissions are set explicitly so the umask cannot widen them.
func CreateSecureFile(path string, perm os.FileMode) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return nil, fmt.Errorf("failed to create secure file: %w", err)
	}

	if err := os.Chmod(path, perm); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to set file permissions: %w", err)
	}

	return file, nil
}

// CreateSecureDir creates a directory (and parents) with the given permissions.
// If the directory already exists, its permissions are left untouched.
func CreateSecureDir(path string, perm os.FileMode) error {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("failed to create secure directory: %w", err)
	}

	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("failed to set directory permissions: %w", err)
	}

	return nil
}

// ValidateSecurePermissions reports an error when a file holding credentials
// is readable or writable by other users.
func ValidateSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	perm := info.Mode().Perm()
	if perm&0004 != 0 {
		return fmt.Errorf("file %s is world-readable (%04o)", path, perm)
	}
	if perm&0002 != 0 {
		return fmt.Errorf("file %s is world-writable (%04o)", path, perm)
	}

	return nil
}
