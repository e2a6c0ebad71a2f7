package pipeline

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/rpattn/dwhsync/internal/domain"
	"github.com/rpattn/dwhsync/internal/facts"
	"github.com/rpattn/dwhsync/internal/lookup"
)

// FactRetrier replays fact rows from the error ledger. It serves both
// ForeignKeyMissing and LoadFailure records: the original row is resolved
// against the latest current dimension versions and inserted.
type FactRetrier struct {
	tables map[string]domain.FactTable
	keys   lookup.KeyRepository
	store  FactStore
	logger *zap.Logger

	mu     sync.Mutex
	loader *lookup.Loader
}

// NewFactRetrier creates a retrier for the given fact tables.
func NewFactRetrier(tables []domain.FactTable, keys lookup.KeyRepository, store FactStore, logger *zap.Logger) *FactRetrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]domain.FactTable, len(tables))
	for _, table := range tables {
		byName[table.Name] = table
	}
	return &FactRetrier{
		tables: byName,
		keys:   keys,
		store:  store,
		logger: logger,
		loader: lookup.NewLoader(keys),
	}
}

// BeginPass drops cached surrogate keys so the pass sees dimension versions
// written since the previous one.
func (r *FactRetrier) BeginPass() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loader = lookup.NewLoader(r.keys)
}

// Retry resolves and loads the record's failed row.
func (r *FactRetrier) Retry(ctx context.Context, record domain.ErrorRecord) error {
	table, ok := r.tables[record.SourceTable]
	if !ok {
		return fmt.Errorf("no fact table configured for %s", record.SourceTable)
	}
	if len(record.FailedData) == 0 {
		return fmt.Errorf("error %d has no failed data to replay", record.ErrorID)
	}

	r.mu.Lock()
	loader := r.loader
	r.mu.Unlock()

	row := record.FailedData
	lookups, err := loader.ForRows(ctx, table, []domain.Row{row})
	if err != nil {
		return err
	}

	resolved, failure := facts.ResolveRow(table, row, lookups)
	if failure != nil {
		return fmt.Errorf("%s: %s", failure.ErrorType, failure.ErrorMessage)
	}

	rowKey, err := table.RowKey(row)
	if err != nil {
		return fmt.Errorf("failed to key %s row: %w", table.Name, err)
	}

	loaded, err := r.store.Insert(ctx, []domain.FactRecord{{
		FactTable:         table.Name,
		RowKey:            rowKey,
		ProcessingBatchID: record.ProcessingBatchID,
		Data:              resolved,
	}})
	if err != nil {
		return fmt.Errorf("failed to load %s row %s: %w", table.Name, rowKey, err)
	}

	r.logger.Debug("fact row replayed",
		zap.Int64("error_id", record.ErrorID),
		zap.String("fact_table", table.Name),
		zap.String("row_key", rowKey),
		zap.Bool("already_present", loaded == 0),
	)
	return nil
}
