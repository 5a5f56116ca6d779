package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS synthesis_tasks (
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
			audio_bytes BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_synthesis_tasks_created ON synthesis_tasks (created_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init task schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const postgresColumns = `id, conn_id, mode, model, streaming, voice_id, text_chars, status,
	artifact_url, error, reason, audio_bytes, created_at, updated_at, ended_at`

func (s *PostgresStore) SaveTask(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO synthesis_tasks (`+postgresColumns+`) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
		)
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status,
			artifact_url=EXCLUDED.artifact_url,
			error=EXCLUDED.error,
			reason=EXCLUDED.reason,
			audio_bytes=EXCLUDED.audio_bytes,
			updated_at=EXCLUDED.updated_at,
			ended_at=EXCLUDED.ended_at`,
		rec.ID,
		rec.ConnID,
		rec.Mode,
		rec.Model,
		rec.Streaming,
		rec.VoiceID,
		rec.TextChars,
		string(rec.Status),
		rec.ArtifactURL,
		rec.Error,
		rec.Reason,
		rec.AudioBytes,
		rec.CreatedAt,
		rec.UpdatedAt,
		rec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+postgresColumns+` FROM synthesis_tasks WHERE id=$1`,
		taskID,
	)
	rec, err := scanPostgresRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get task: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, limit int) ([]Record, error) {
	limit = normalizeLimit(limit)
	rows, err := s.pool.Query(ctx,
		`SELECT `+postgresColumns+` FROM synthesis_tasks ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		rec, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

func scanPostgresRecord(row pgx.Row) (Record, error) {
	var (
		rec    Record
		status string
		ended  *time.Time
	)
	if err := row.Scan(
		&rec.ID,
		&rec.ConnID,
		&rec.Mode,
		&rec.Model,
		&rec.Streaming,
		&rec.VoiceID,
		&rec.TextChars,
		&status,
		&rec.ArtifactURL,
		&rec.Error,
		&rec.Reason,
		&rec.AudioBytes,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&ended,
	); err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	rec.EndedAt = ended
	return rec, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
