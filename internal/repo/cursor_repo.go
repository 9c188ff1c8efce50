package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// CursorRepo keeps per-job progress markers.
type CursorRepo struct {
	db *sql.DB
}

func NewCursorRepo(db *sql.DB) *CursorRepo {
	return &CursorRepo{db: db}
}

// Get returns 0 for a cursor that was never saved.
func (r *CursorRepo) Get(ctx context.Context, name string) (int64, error) {
	var value int64
	err := r.db.QueryRowContext(ctx, `SELECT value FROM job_cursor WHERE name = $1`, name).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return value, nil
}

func (r *CursorRepo) Set(ctx context.Context, name string, value int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO job_cursor (name, value, mtime) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, mtime = EXCLUDED.mtime`,
		name, value, time.Now().Unix(),
	)
	return err
}
