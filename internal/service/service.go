// Package service loads the configured deployable services and matches
// push events against them.
package service

import (
	"fmt"
	"time"
)

// Policy decides what happens when a service is triggered while one of
// its deployments is still active.
type Policy string

const (
	// PolicyParallel runs overlapping deployments side by side
	PolicyParallel Policy = "parallel"
	// PolicyQueue runs them one at a time in trigger order
	PolicyQueue Policy = "queue"
	// PolicyReject refuses a new deployment while one is active
	PolicyReject Policy = "reject"
)

// ParsePolicy validates a policy name; empty selects PolicyParallel
func ParsePolicy(raw string) (Policy, error) {
	switch p := Policy(raw); p {
	case "":
		return PolicyParallel, nil
	case PolicyParallel, PolicyQueue, PolicyReject:
		return p, nil
	}
	return "", fmt.Errorf("unknown concurrency policy %q (want parallel, queue or reject)", raw)
}

// DefaultBranch is used when a service does not name one
const DefaultBranch = "main"

// Service is a validated, immutable deployable unit
type Service struct {
	Name       string        `json:"name"`
	Repository string        `json:"repository"`
	Branch     string        `json:"branch"`
	Path       string        `json:"path"`
	Command    string        `json:"deploy_command"`
	Timeout    time.Duration `json:"-"`
	Policy     Policy        `json:"concurrency,omitempty"`
}

// Settings are the global options of the config file
type Settings struct {
	WebhookSecret string
	Policy        Policy
	Timeout       time.Duration
}

// ServiceConfig is one entry of the services list as written in YAML
type ServiceConfig struct {
	Name          string      `yaml:"name"`
	Repository    string      `yaml:"repository"`
	Branch        string      `yaml:"branch"`
	Path          string      `yaml:"path"`
	DeployCommand interface{} `yaml:"deploy_command"` // string or list of words
	Timeout       string      `yaml:"timeout"`
	Concurrency   string      `yaml:"concurrency"`
}

// Config is the root of the YAML config file
type Config struct {
	WebhookSecret string          `yaml:"webhook_secret"`
	Concurrency   string          `yaml:"concurrency"`
	Timeout       string          `yaml:"timeout"`
	Services      []ServiceConfig `yaml:"services"`
}
