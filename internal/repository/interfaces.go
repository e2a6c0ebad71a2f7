package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rpattn/dwhsync/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// FactRepository stores resolved fact rows.
type FactRepository interface {
	// Insert writes records, ignoring rows whose (fact table, row key) is
	// already stored. It returns the number of rows written.
	Insert(ctx context.Context, records []domain.FactRecord) (int, error)
}

// BookmarkRepository tracks the end of the last successfully processed window
// per task.
type BookmarkRepository interface {
	Get(ctx context.Context, taskName string) (time.Time, bool, error)
	Set(ctx context.Context, taskName string, windowEnd time.Time) error
}

// RunLogRepository persists window run outcomes.
type RunLogRepository interface {
	Start(ctx context.Context, run domain.RunLog) error
	Finish(ctx context.Context, run domain.RunLog) error
	List(ctx context.Context, taskName string, limit int) ([]domain.RunLog, error)
}
