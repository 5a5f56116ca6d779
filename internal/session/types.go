package session

import "time"

// Task is a snapshot of one in-flight synthesis task.
type Task struct {
	ID             string    `json:"task_id"`
	ConnID         string    `json:"conn_id"`
	Mode           string    `json:"mode"`
	State          string    `json:"state"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}
