package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain/model"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain/ports/sink"
)

const uniqueViolation = "23505"

// JobArchive persists terminal job records so history survives restarts
// and job deletion. Only terminal snapshots are written; in-flight
// progress stays in memory.
type JobArchive struct {
	pool *pgxpool.Pool
}

var _ sink.JobArchive = (*JobArchive)(nil)

func NewJobArchive(pool *pgxpool.Pool) *JobArchive {
	return &JobArchive{pool: pool}
}

// Migrate creates the archive table when it does not exist yet.
func (a *JobArchive) Migrate(ctx context.Context) error {
	_, err := a.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS separation_jobs (
			job_id       TEXT PRIMARY KEY,
			source       TEXT NOT NULL,
			state        TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			snapshot     JSONB NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("migrate separation_jobs: %w", err)
	}
	return nil
}

func (a *JobArchive) SaveTerminal(ctx context.Context, info model.JobInfo, snap model.ProgressSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = a.pool.Exec(ctx, `
		INSERT INTO separation_jobs (job_id, source, state, created_at, completed_at, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		info.ID, info.Source, string(info.State), info.CreatedAt, info.CompletedAt, payload)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			// Re-archiving the same terminal job keeps the latest record.
			_, err = a.pool.Exec(ctx, `
				UPDATE separation_jobs
				SET state = $2, completed_at = $3, snapshot = $4
				WHERE job_id = $1`,
				info.ID, string(info.State), info.CompletedAt, payload)
			if err != nil {
				return fmt.Errorf("update archived job %s: %w", info.ID, err)
			}
			return nil
		}
		return fmt.Errorf("archive job %s: %w", info.ID, err)
	}
	return nil
}

// History returns the most recent archived jobs, newest first.
func (a *JobArchive) History(ctx context.Context, limit int) ([]model.JobInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.pool.Query(ctx, `
		SELECT job_id, source, state, created_at, completed_at
		FROM separation_jobs
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query archived jobs: %w", err)
	}
	defer rows.Close()

	var out []model.JobInfo
	for rows.Next() {
		var info model.JobInfo
		var state string
		if err := rows.Scan(&info.ID, &info.Source, &state, &info.CreatedAt, &info.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan archived job: %w", err)
		}
		info.State = model.State(state)
		out = append(out, info)
	}
	return out, rows.Err()
}
