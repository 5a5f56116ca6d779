package tasks

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		rec := Record{
			ID:        id,
			ConnID:    "conn-1",
			Mode:      "sambert",
			Model:     "sambert-zhifei-v1",
			Streaming: "out",
			TextChars: 5,
			Status:    StatusRunning,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			UpdatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.SaveTask(ctx, rec); err != nil {
			t.Fatalf("SaveTask(%s) error = %v", id, err)
		}
	}

	ended := base.Add(10 * time.Second)
	done := Record{
		ID:          "b",
		ConnID:      "conn-1",
		Mode:        "sambert",
		Model:       "sambert-zhifei-v1",
		Streaming:   "out",
		TextChars:   5,
		Status:      StatusFinished,
		ArtifactURL: "http://localhost:3000/audio/sambert/b.mp3",
		AudioBytes:  4096,
		CreatedAt:   base.Add(time.Second),
		UpdatedAt:   ended,
		EndedAt:     &ended,
	}
	if err := store.SaveTask(ctx, done); err != nil {
		t.Fatalf("SaveTask(update) error = %v", err)
	}

	got, err := store.GetTask(ctx, "b")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Status != StatusFinished || got.ArtifactURL != done.ArtifactURL || got.AudioBytes != 4096 {
		t.Fatalf("GetTask() = %+v", got)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(ended) {
		t.Fatalf("EndedAt = %v, want %v", got.EndedAt, ended)
	}
	if !got.Terminal() {
		t.Fatalf("finished record should be terminal")
	}

	if _, err := store.GetTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTask(missing) error = %v, want ErrNotFound", err)
	}

	list, err := store.ListTasks(ctx, 2)
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len(ListTasks) = %d, want 2", len(list))
	}
	if list[0].ID != "c" || list[1].ID != "b" {
		t.Fatalf("ListTasks order = [%s %s], want [c b]", list[0].ID, list[1].ID)
	}
}

func TestInMemoryStore(t *testing.T) {
	exerciseStore(t, NewInMemoryStore(10))
}

func TestInMemoryStoreEvictsOldest(t *testing.T) {
	store := NewInMemoryStore(2)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_ = store.SaveTask(ctx, Record{ID: id, CreatedAt: time.Now()})
	}
	if _, err := store.GetTask(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("oldest record should be evicted, err = %v", err)
	}
	if _, err := store.GetTask(ctx, "c"); err != nil {
		t.Fatalf("GetTask(c) error = %v", err)
	}
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "tasks.db")
	store, err := NewSQLiteStore(context.Background(), path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer store.Close()
	exerciseStore(t, store)
}

func TestNewStoreFallsBackToMemory(t *testing.T) {
	store, err := NewStore(context.Background(), "", "", 0)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, ok := store.(*InMemoryStore); !ok {
		t.Fatalf("NewStore() = %T, want *InMemoryStore", store)
	}
}

func TestStatusFromState(t *testing.T) {
	cases := map[string]Status{
		"finished":       StatusFinished,
		"failed":         StatusFailed,
		"aborted":        StatusAborted,
		"awaiting_start": StatusRunning,
	}
	for in, want := range cases {
		if got := StatusFromState(in); got != want {
			t.Fatalf("StatusFromState(%q) = %q, want %q", in, got, want)
		}
	}
}
