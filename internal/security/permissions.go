package security

import (
	"fmt"
	"os"
)

const (
	// PermConfigFile is for the services config, which holds the webhook secret (rw-r-----)
	PermConfigFile os.FileMode = 0640

	// PermLogFile is for the server log (rw-r-----)
	PermLogFile os.FileMode = 0640

	// PermDBFile is for the deployment database (rw-r-----)
	PermDBFile os.FileMode = 0640

	// PermDirectory is for directories created by pushdeploy (rwxr-x---)
	PermDirectory os.FileMode = 0750
)

// CreateSecureFile creates or truncates path with exactly perm, bypassing umask
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

// CreateSecureDir creates path and its parents, then sets perm on path
func CreateSecureDir(path string, perm os.FileMode) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("failed to create secure directory: %w", err)
	}

	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("failed to set directory permissions: %w", err)
	}

	return nil
}

// IsWorldReadable reports whether others may read a file with perm
func IsWorldReadable(perm os.FileMode) bool {
	return perm&0004 != 0
}

// IsWorldWritable reports whether others may write a file with perm
func IsWorldWritable(perm os.FileMode) bool {
	return perm&0002 != 0
}

// ValidateSecurePermissions returns an error if a sensitive file is
// readable or writable by others.
func ValidateSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	perm := info.Mode().Perm()

	if IsWorldWritable(perm) {
		return fmt.Errorf("file %s is world-writable (%04o)", path, perm)
	}
	if IsWorldReadable(perm) {
		return fmt.Errorf("file %s is world-readable (%04o)", path, perm)
	}

	return nil
}
