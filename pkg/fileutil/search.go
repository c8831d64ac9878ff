// Package fileutil locates configuration files on disk.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// SystemConfigDir is the system-wide configuration directory
const SystemConfigDir = "/etc/pushdeploy"

// SearchPaths returns the first of paths that exists
func SearchPaths(paths []string) (string, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("file not found in any of the search paths: %v", paths)
}

// DefaultConfigPaths lists where a config file is looked for, in order:
// the working directory, ./config and SystemConfigDir.
func DefaultConfigPaths(filename string) []string {
	return []string{
		filepath.Join(".", filename),
		filepath.Join(".", "config", filename),
		filepath.Join(SystemConfigDir, filename),
	}
}

// FindConfig searches DefaultConfigPaths for filename
func FindConfig(filename string) (string, error) {
	return SearchPaths(DefaultConfigPaths(filename))
}

// FileExists reports whether path exists and is not a directory
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// DirExists reports whether path exists and is a directory
func DirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
