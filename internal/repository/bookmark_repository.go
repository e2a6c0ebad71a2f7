package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type bookmarkRepository struct {
	pool *pgxpool.Pool
}

// NewBookmarkRepository wires a repository backed by pgxpool.
func NewBookmarkRepository(pool *pgxpool.Pool) BookmarkRepository {
	return &bookmarkRepository{pool: pool}
}

func (r *bookmarkRepository) Get(ctx context.Context, taskName string) (time.Time, bool, error) {
	var end time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT last_window_end FROM processing_bookmarks WHERE task_name = $1`,
		taskName,
	).Scan(&end)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read bookmark for %s: %w", taskName, err)
	}
	return end.UTC(), true, nil
}

func (r *bookmarkRepository) Set(ctx context.Context, taskName string, windowEnd time.Time) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO processing_bookmarks (task_name, last_window_end, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (task_name) DO UPDATE
		 SET last_window_end = EXCLUDED.last_window_end, updated_at = EXCLUDED.updated_at`,
		taskName, windowEnd,
	)
	if err != nil {
		return fmt.Errorf("failed to save bookmark for %s: %w", taskName, err)
	}
	return nil
}
