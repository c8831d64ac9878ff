package domain

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a deployment
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are possible
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next keeps the lifecycle
// monotonic: queued -> running -> {succeeded, failed}. A queued deployment
// may also fail directly (canceled or refused before it ran).
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusRunning || next == StatusFailed
	case StatusRunning:
		return next == StatusSucceeded || next == StatusFailed
	}
	return false
}

// ParseStatus converts a query parameter into a Status
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

// Stream identifies where a log line came from
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamSystem Stream = "system"
)

// Trigger sources
const (
	SourceWebhook = "webhook"
	SourceManual  = "manual"
	SourceCLI     = "cli"
)

// LogEntry is one line of deployment output
type LogEntry struct {
	Seq    int64     `json:"seq"`
	Stream Stream    `json:"stream"`
	Text   string    `json:"line"`
	Time   time.Time `json:"timestamp"`
}

// Trigger describes what caused a deployment
type Trigger struct {
	Ref           string `json:"ref"`
	Branch        string `json:"branch"`
	CommitSHA     string `json:"commit_sha,omitempty"`
	CommitMessage string `json:"commit_message,omitempty"`
	Source        string `json:"source"`
	Pusher        string `json:"pusher,omitempty"`
}

// Deployment is one triggered job for a service
type Deployment struct {
	ID         string     `json:"id"`
	Service    string     `json:"service"`
	Trigger    Trigger    `json:"trigger"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Logs       []LogEntry `json:"logs,omitempty"`
}

// Duration returns how long the deployment ran, or has been running as of now
func (d *Deployment) Duration(now time.Time) time.Duration {
	if d.StartedAt == nil {
		return 0
	}
	end := now
	if d.FinishedAt != nil {
		end = *d.FinishedAt
	}
	return end.Sub(*d.StartedAt)
}

// Clone returns a deep copy safe to hand to another goroutine
func (d *Deployment) Clone() *Deployment {
	if d == nil {
		return nil
	}
	c := *d
	if d.StartedAt != nil {
		t := *d.StartedAt
		c.StartedAt = &t
	}
	if d.FinishedAt != nil {
		t := *d.FinishedAt
		c.FinishedAt = &t
	}
	if d.ExitCode != nil {
		code := *d.ExitCode
		c.ExitCode = &code
	}
	if d.Logs != nil {
		c.Logs = make([]LogEntry, len(d.Logs))
		copy(c.Logs, d.Logs)
	}
	return &c
}

// StatusUpdate carries the fields written on a status transition.
// Nil pointers leave the stored value untouched.
type StatusUpdate struct {
	Status     Status
	StartedAt  *time.Time
	FinishedAt *time.Time
	ExitCode   *int
}

// Apply copies the update onto d
func (u StatusUpdate) Apply(d *Deployment) {
	d.Status = u.Status
	if u.StartedAt != nil {
		t := *u.StartedAt
		d.StartedAt = &t
	}
	if u.FinishedAt != nil {
		t := *u.FinishedAt
		d.FinishedAt = &t
	}
	if u.ExitCode != nil {
		code := *u.ExitCode
		d.ExitCode = &code
	}
}

// Filter narrows a deployment listing
type Filter struct {
	Status  Status
	Service string
	Limit   int
}

// DefaultListLimit is used when a Filter carries no limit
const DefaultListLimit = 50

// Matches reports whether d passes the status and service filters
func (f Filter) Matches(d *Deployment) bool {
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.Service != "" && d.Service != f.Service {
		return false
	}
	return true
}
