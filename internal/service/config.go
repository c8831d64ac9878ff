package service

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pushdeploy/internal/security"
	"pushdeploy/pkg/cmdutil"
)

// LoadConfig reads and validates the YAML config file at configPath
func LoadConfig(configPath string) (*Settings, []Service, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse validates raw YAML config. All problems are reported together.
func Parse(data []byte) (*Settings, []Service, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	var problems []string

	policy, err := ParsePolicy(config.Concurrency)
	if err != nil {
		problems = append(problems, fmt.Sprintf("  - concurrency: %v", err))
	}

	timeout, err := parseTimeout(config.Timeout)
	if err != nil {
		problems = append(problems, fmt.Sprintf("  - timeout: %v", err))
	}

	settings := &Settings{
		WebhookSecret: config.WebhookSecret,
		Policy:        policy,
		Timeout:       timeout,
	}

	services := make([]Service, 0, len(config.Services))
	seen := make(map[string]bool)
	for i, sc := range config.Services {
		label := sc.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}

		if errs := ValidateServiceConfig(label, sc); len(errs) > 0 {
			problems = append(problems, errs...)
			continue
		}
		if seen[sc.Name] {
			problems = append(problems, fmt.Sprintf("  - Service '%s': duplicate service name", sc.Name))
			continue
		}
		seen[sc.Name] = true

		services = append(services, buildService(sc))
	}

	if len(problems) > 0 {
		return nil, nil, fmt.Errorf("invalid configuration:\n%s", strings.Join(problems, "\n"))
	}

	return settings, services, nil
}

// buildService applies defaults to an entry that passed validation
func buildService(sc ServiceConfig) Service {
	branch := sc.Branch
	if branch == "" {
		branch = DefaultBranch
	}

	// Errors were already reported by ValidateServiceConfig
	path, _ := security.SanitizePath(sc.Path)
	command, _ := cmdutil.ShellCommand(sc.DeployCommand)
	timeout, _ := parseTimeout(sc.Timeout)

	var policy Policy
	if sc.Concurrency != "" {
		policy = Policy(sc.Concurrency)
	}

	return Service{
		Name:       sc.Name,
		Repository: sc.Repository,
		Branch:     branch,
		Path:       path,
		Command:    command,
		Timeout:    timeout,
		Policy:     policy,
	}
}

// ValidateServiceConfig validates a single services entry
func ValidateServiceConfig(label string, sc ServiceConfig) []string {
	var errors []string

	if err := security.ValidateServiceName(sc.Name); err != nil {
		errors = append(errors, fmt.Sprintf("  - Service '%s': %v", label, err))
	}

	if err := security.ValidateRepository(sc.Repository); err != nil {
		errors = append(errors, fmt.Sprintf("  - Service '%s': %v", label, err))
	}

	if sc.Branch != "" {
		if err := security.ValidateBranchName(sc.Branch); err != nil {
			errors = append(errors, fmt.Sprintf("  - Service '%s': %v", label, err))
		}
	}

	if sc.Path == "" {
		errors = append(errors, fmt.Sprintf("  - Service '%s': missing required 'path' field", label))
	} else if _, err := security.SanitizePath(sc.Path); err != nil {
		errors = append(errors, fmt.Sprintf("  - Service '%s': %v", label, err))
	}

	if _, err := cmdutil.ShellCommand(sc.DeployCommand); err != nil {
		errors = append(errors, fmt.Sprintf("  - Service '%s': deploy_command: %v", label, err))
	}

	if _, err := parseTimeout(sc.Timeout); err != nil {
		errors = append(errors, fmt.Sprintf("  - Service '%s': timeout: %v", label, err))
	}

	if sc.Concurrency != "" {
		if _, err := ParsePolicy(sc.Concurrency); err != nil {
			errors = append(errors, fmt.Sprintf("  - Service '%s': %v", label, err))
		}
	}

	return errors
}

// parseTimeout accepts Go durations ("90s", "10m"); empty means no limit
func parseTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative, got %s", raw)
	}
	return d, nil
}
