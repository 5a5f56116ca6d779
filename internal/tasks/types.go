package tasks

import "time"

type Status string

const (
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
	StatusAborted  Status = "aborted"
)

// Record is the persisted history entry of one synthesis task.
type Record struct {
	ID          string     `json:"id"`
	ConnID      string     `json:"conn_id"`
	Mode        string     `json:"mode"`
	Model       string     `json:"model"`
	Streaming   string     `json:"streaming"`
	VoiceID     string     `json:"voice_id,omitempty"`
	TextChars   int        `json:"text_chars"`
	Status      Status     `json:"status"`
	ArtifactURL string     `json:"artifact_url,omitempty"`
	Error       string     `json:"error,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	AudioBytes  int64      `json:"audio_bytes"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

func (r Record) Terminal() bool {
	switch r.Status {
	case StatusFinished, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// StatusFromState maps a task state name onto a history status.
func StatusFromState(state string) Status {
	switch state {
	case "finished":
		return StatusFinished
	case "failed":
		return StatusFailed
	case "aborted":
		return StatusAborted
	default:
		return StatusRunning
	}
}
