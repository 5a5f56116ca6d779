package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists task history in a local sqlite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS synthesis_tasks (
    id TEXT PRIMARY KEY,
    conn_id TEXT NOT NULL,
    mode TEXT NOT NULL,
    model TEXT NOT NULL,
    streaming TEXT NOT NULL,
    voice_id TEXT NOT NULL DEFAULT '',
    text_chars INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    artifact_url TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT '',
    audio_bytes INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    ended_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_synthesis_tasks_created ON synthesis_tasks(created_at);
`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("init task schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteColumns = `id, conn_id, mode, model, streaming, voice_id, text_chars, status,
	artifact_url, error, reason, audio_bytes, created_at, updated_at, ended_at`

func (s *SQLiteStore) SaveTask(ctx context.Context, rec Record) error {
	var ended sql.NullString
	if rec.EndedAt != nil {
		ended = sql.NullString{String: formatTime(*rec.EndedAt), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO synthesis_tasks(`+sqliteColumns+`)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			artifact_url=excluded.artifact_url,
			error=excluded.error,
			reason=excluded.reason,
			audio_bytes=excluded.audio_bytes,
			updated_at=excluded.updated_at,
			ended_at=excluded.ended_at`,
		rec.ID, rec.ConnID, rec.Mode, rec.Model, rec.Streaming, rec.VoiceID, rec.TextChars,
		string(rec.Status), rec.ArtifactURL, rec.Error, rec.Reason, rec.AudioBytes,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt), ended)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM synthesis_tasks WHERE id = ?`, taskID)
	rec, err := scanSQLiteRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get task: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, limit int) ([]Record, error) {
	limit = normalizeLimit(limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM synthesis_tasks ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (Record, error) {
	var (
		rec              Record
		status           string
		created, updated string
		ended            sql.NullString
	)
	if err := row.Scan(
		&rec.ID, &rec.ConnID, &rec.Mode, &rec.Model, &rec.Streaming, &rec.VoiceID, &rec.TextChars,
		&status, &rec.ArtifactURL, &rec.Error, &rec.Reason, &rec.AudioBytes,
		&created, &updated, &ended,
	); err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = parseTime(updated)
	if ended.Valid {
		ts := parseTime(ended.String)
		rec.EndedAt = &ts
	}
	return rec, nil
}

// Fixed-width UTC timestamps keep lexical and chronological order aligned.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(v string) time.Time {
	ts, err := time.Parse(sqliteTimeLayout, v)
	if err != nil {
		if ts, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return time.Time{}
		}
	}
	return ts
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
