package tasks

import (
	"context"
	"strings"
)

// NewStore picks postgres when databaseURL is set, then sqlite, then a bounded in-memory store.
func NewStore(ctx context.Context, databaseURL, sqlitePath string, memoryCapacity int) (Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	if strings.TrimSpace(sqlitePath) != "" {
		return NewSQLiteStore(ctx, strings.TrimSpace(sqlitePath))
	}
	return NewInMemoryStore(memoryCapacity), nil
}
