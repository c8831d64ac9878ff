package security

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	repositoryPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+/[a-zA-Z0-9_.-]+$`)
	branchPattern     = regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)
	namePattern       = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateRepository checks a repository identifier of the form owner/repo
func ValidateRepository(repo string) error {
	if repo == "" {
		return fmt.Errorf("repository cannot be empty")
	}
	if !repositoryPattern.MatchString(repo) {
		return fmt.Errorf("repository must look like 'owner/repo', got %q", repo)
	}
	for _, part := range strings.Split(repo, "/") {
		if part == "." || part == ".." {
			return fmt.Errorf("repository contains traversal elements: %q", repo)
		}
	}
	return nil
}

// ValidateBranchName rejects branch names git would refuse or that could be
// mistaken for command options.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("branch name cannot start with '-'")
	}
	if !branchPattern.MatchString(branch) {
		return fmt.Errorf("branch name contains invalid characters")
	}
	if strings.Contains(branch, "..") || strings.Contains(branch, "//") {
		return fmt.Errorf("branch name cannot contain '..' or '//'")
	}
	if strings.HasSuffix(branch, "/") || strings.HasSuffix(branch, ".lock") {
		return fmt.Errorf("branch name cannot end with '/' or '.lock'")
	}
	return nil
}

// ValidateServiceName ensures a service name is safe for use in URLs and log keys
func ValidateServiceName(name string) error {
	if name == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if strings.HasPrefix(name, "-") {
		return fmt.Errorf("service name cannot start with '-'")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("service name contains invalid characters (only a-z, A-Z, 0-9, _, - allowed)")
	}
	return nil
}

// SanitizePath ensures a path is absolute and free of traversal elements
func SanitizePath(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("path must be absolute: %s", path)
	}

	// Check before cleaning, Clean would hide them
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return "", fmt.Errorf("path contains traversal elements: %s", path)
		}
	}

	return filepath.Clean(path), nil
}
