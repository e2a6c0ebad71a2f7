package graphql

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rpattn/dwhsync/internal/domain"
	"github.com/rpattn/dwhsync/internal/ledger"
)

// Ledger is the error ledger surface the resolver reads and reprocesses.
type Ledger interface {
	List(ctx context.Context, filter domain.ErrorFilter) ([]domain.ErrorRecord, error)
	Reprocess(ctx context.Context, limit int) (ledger.ReprocessSummary, error)
}

// RunLister lists past window runs.
type RunLister interface {
	List(ctx context.Context, taskName string, limit int) ([]domain.RunLog, error)
}

// HistoryReader returns every version of a dimension key.
type HistoryReader interface {
	History(ctx context.Context, dimension string, key domain.NaturalKey) ([]domain.DimensionRow, error)
}

// Config wires the resolver. Runs and History are optional.
type Config struct {
	Ledger         Ledger
	Runs           RunLister
	History        HistoryReader
	TaskName       string
	ReprocessLimit int
}

// Resolver handles GraphQL queries and mutations
type Resolver struct {
	ledger         Ledger
	runs           RunLister
	history        HistoryReader
	taskName       string
	reprocessLimit int
}

// NewResolver creates a new GraphQL resolver
func NewResolver(cfg Config) *Resolver {
	limit := cfg.ReprocessLimit
	if limit <= 0 {
		limit = ledger.DefaultReprocessLimit
	}
	return &Resolver{
		ledger:         cfg.Ledger,
		runs:           cfg.Runs,
		history:        cfg.History,
		taskName:       cfg.TaskName,
		reprocessLimit: limit,
	}
}

// Query resolvers

// Errors returns ledger entries matching filter.
func (r *Resolver) Errors(ctx context.Context, filter domain.ErrorFilter) ([]domain.ErrorRecord, error) {
	if filter.Limit <= 0 {
		return nil, errors.New("limit must be a positive integer")
	}
	if filter.Offset < 0 {
		return nil, errors.New("offset must be zero or positive")
	}
	filter.SourceTable = strings.TrimSpace(filter.SourceTable)

	records, err := r.ledger.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list errors: %w", err)
	}
	return records, nil
}

// DeadLetters returns recoverable entries that exhausted their retries.
func (r *Resolver) DeadLetters(ctx context.Context, sourceTable string, limit int) ([]domain.ErrorRecord, error) {
	return r.Errors(ctx, domain.ErrorFilter{
		SourceTable:    sourceTable,
		UnresolvedOnly: true,
		DeadLetterOnly: true,
		Limit:          limit,
	})
}

// Runs returns the most recent window runs of the configured task.
func (r *Resolver) Runs(ctx context.Context, limit int) ([]domain.RunLog, error) {
	if r.runs == nil {
		return nil, errors.New("run log is not enabled")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be a positive integer")
	}
	runs, err := r.runs.List(ctx, r.taskName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// DimensionHistory returns every version of one dimension key, oldest first.
func (r *Resolver) DimensionHistory(ctx context.Context, dimension, naturalKey string) ([]domain.DimensionRow, error) {
	if r.history == nil {
		return nil, errors.New("dimension history is not enabled")
	}
	versions, err := r.history.History(ctx, dimension, domain.NaturalKey(naturalKey))
	if err != nil {
		return nil, fmt.Errorf("failed to load history of %s key %s: %w", dimension, naturalKey, err)
	}
	return versions, nil
}

// Mutation resolvers

// Reprocess runs one reprocessing pass. A nil limit uses the configured one.
func (r *Resolver) Reprocess(ctx context.Context, limit *int) (ledger.ReprocessSummary, error) {
	n := r.reprocessLimit
	if limit != nil {
		if *limit <= 0 {
			return ledger.ReprocessSummary{}, errors.New("limit must be a positive integer")
		}
		n = *limit
	}
	return r.ledger.Reprocess(ctx, n)
}
