package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/dwhsync/internal/domain"
)

type factRepository struct {
	pool *pgxpool.Pool
}

// NewFactRepository wires a repository backed by pgxpool.
func NewFactRepository(pool *pgxpool.Pool) FactRepository {
	return &factRepository{pool: pool}
}

func (r *factRepository) Insert(ctx context.Context, records []domain.FactRecord) (int, error) {
	if r.pool == nil {
		return 0, fmt.Errorf("fact repository not initialized")
	}
	if len(records) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, record := range records {
		data, err := domain.EncodeRow(record.Data)
		if err != nil {
			return 0, fmt.Errorf("failed to encode %s row %s: %w", record.FactTable, record.RowKey, err)
		}
		batch.Queue(
			`INSERT INTO fact_rows (fact_table, row_key, processing_batch_id, data)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (fact_table, row_key) DO NOTHING`,
			record.FactTable, record.RowKey, record.ProcessingBatchID, data,
		)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	written := 0
	for idx := range records {
		tag, err := results.Exec()
		if err != nil {
			return written, fmt.Errorf("failed to insert %s row %s: %w", records[idx].FactTable, records[idx].RowKey, err)
		}
		written += int(tag.RowsAffected())
	}
	return written, nil
}
