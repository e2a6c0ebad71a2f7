package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/dwhsync/internal/domain"
)

type runLogRepository struct {
	pool *pgxpool.Pool
}

// NewRunLogRepository wires a repository backed by pgxpool.
func NewRunLogRepository(pool *pgxpool.Pool) RunLogRepository {
	return &runLogRepository{pool: pool}
}

func (r *runLogRepository) Start(ctx context.Context, run domain.RunLog) error {
	var from any
	if !run.Window.From.IsZero() {
		from = run.Window.From
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO etl_runs (run_id, task_name, window_from, window_to, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.RunID, run.TaskName, from, run.Window.To, string(run.Status), run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to start run %s: %w", run.RunID, err)
	}
	return nil
}

func (r *runLogRepository) Finish(ctx context.Context, run domain.RunLog) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE etl_runs
		 SET status = $2,
		     finished_at = $3,
		     dimension_rows_inserted = $4,
		     dimension_rows_expired = $5,
		     facts_loaded = $6,
		     errors_recorded = $7,
		     error_message = $8
		 WHERE run_id = $1`,
		run.RunID,
		string(run.Status),
		run.FinishedAt,
		run.DimensionRowsInserted,
		run.DimensionRowsExpired,
		run.FactsLoaded,
		run.ErrorsRecorded,
		run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", run.RunID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", run.RunID, domain.ErrNotFound)
	}
	return nil
}

func (r *runLogRepository) List(ctx context.Context, taskName string, limit int) ([]domain.RunLog, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.pool.Query(ctx,
		`SELECT run_id, task_name, window_from, window_to, status, started_at, finished_at,
		        dimension_rows_inserted, dimension_rows_expired, facts_loaded, errors_recorded, error_message
		 FROM etl_runs
		 WHERE task_name = $1
		 ORDER BY started_at DESC
		 LIMIT $2`,
		taskName, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []domain.RunLog{}
	for rows.Next() {
		var (
			run          domain.RunLog
			status       string
			from         pgtype.Timestamptz
			finishedAt   pgtype.Timestamptz
			errorMessage pgtype.Text
		)
		if err := rows.Scan(
			&run.RunID,
			&run.TaskName,
			&from,
			&run.Window.To,
			&status,
			&run.StartedAt,
			&finishedAt,
			&run.DimensionRowsInserted,
			&run.DimensionRowsExpired,
			&run.FactsLoaded,
			&run.ErrorsRecorded,
			&errorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		run.Status = domain.RunStatus(status)
		if from.Valid {
			run.Window.From = from.Time
		}
		if finishedAt.Valid {
			at := finishedAt.Time
			run.FinishedAt = &at
		}
		if errorMessage.Valid {
			message := errorMessage.String
			run.ErrorMessage = &message
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}
