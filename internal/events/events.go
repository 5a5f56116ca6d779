package events

import (
	"context"
	"encoding/json"
	"time"
)

type EventType string

const (
	EventTaskFinished EventType = "task.finished"
	EventTaskFailed   EventType = "task.failed"
	EventTaskAborted  EventType = "task.aborted"
)

// TypeForState maps a terminal task state onto its event type.
func TypeForState(state string) EventType {
	switch state {
	case "finished":
		return EventTaskFinished
	case "failed":
		return EventTaskFailed
	default:
		return EventTaskAborted
	}
}

// Envelope is the wire shape of every published event.
type Envelope struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Source    string          `json:"source"`
	TaskID    string          `json:"task_id"`
	ConnID    string          `json:"conn_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// TaskOutcome is the payload of task.* events.
type TaskOutcome struct {
	TaskID      string `json:"task_id"`
	ConnID      string `json:"conn_id,omitempty"`
	Mode        string `json:"mode"`
	Model       string `json:"model"`
	State       string `json:"state"`
	ArtifactURL string `json:"artifact_url,omitempty"`
	Error       string `json:"error,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Retryable   bool   `json:"retryable"`
	AudioBytes  int64  `json:"audio_bytes"`
	DurationMS  int64  `json:"duration_ms"`
}

type Publisher interface {
	PublishOutcome(ctx context.Context, outcome TaskOutcome) error
	Healthy() bool
	Close()
}

// Nop drops every event.
type Nop struct{}

func (Nop) PublishOutcome(context.Context, TaskOutcome) error { return nil }
func (Nop) Healthy() bool                                      { return true }
func (Nop) Close()                                             {}
