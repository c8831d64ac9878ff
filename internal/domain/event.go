package domain

import "time"

// Stream event types
const (
	EventLog    = "log"
	EventStatus = "status"
	EventError  = "error"
)

// StreamEvent is one message of a live log feed. A feed is a run of "log"
// events closed by exactly one "status" event, or by an "error" event when
// the feed was cut short.
type StreamEvent struct {
	Type      string     `json:"type"`
	Seq       int64      `json:"seq,omitempty"`
	Stream    Stream     `json:"stream,omitempty"`
	Line      string     `json:"line,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Status    Status     `json:"status,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// LogEvent wraps a log entry for a stream
func LogEvent(e LogEntry) StreamEvent {
	t := e.Time
	return StreamEvent{
		Type:      EventLog,
		Seq:       e.Seq,
		Stream:    e.Stream,
		Line:      e.Text,
		Timestamp: &t,
	}
}

// StatusEvent is the completion event of a finished deployment
func StatusEvent(d *Deployment) StreamEvent {
	return StreamEvent{
		Type:     EventStatus,
		Status:   d.Status,
		ExitCode: d.ExitCode,
	}
}

// Entry converts a log event back into a log entry
func (e StreamEvent) Entry() LogEntry {
	entry := LogEntry{Seq: e.Seq, Stream: e.Stream, Text: e.Line}
	if e.Timestamp != nil {
		entry.Time = *e.Timestamp
	}
	return entry
}
