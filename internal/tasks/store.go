package tasks

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("task not found in store")

const defaultListLimit = 20

type Store interface {
	SaveTask(ctx context.Context, rec Record) error
	GetTask(ctx context.Context, taskID string) (Record, error)
	// ListTasks returns the newest records first.
	ListTasks(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > 500 {
		return 500
	}
	return limit
}
